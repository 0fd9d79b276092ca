package payments

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	config "github.com/somatutor/settlement/configs"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

var (
	paypalToken       string
	paypalTokenExpiry time.Time
	tokenMutex        sync.RWMutex
)

// getPayPalAccessToken returns a cached OAuth token, refreshing it when it
// is within five minutes of expiry.
func getPayPalAccessToken() (string, error) {
	tokenMutex.RLock()
	if paypalToken != "" && time.Now().Before(paypalTokenExpiry) {
		token := paypalToken
		tokenMutex.RUnlock()
		return token, nil
	}
	tokenMutex.RUnlock()

	tokenMutex.Lock()
	defer tokenMutex.Unlock()

	if paypalToken != "" && time.Now().Before(paypalTokenExpiry) {
		return paypalToken, nil
	}

	logrus.Info("fetching new PayPal access token")
	apiBase := config.Config("PAYPAL_API_BASE_URL")
	clientID := config.Config("PAYPAL_CLIENT_ID")
	clientSecret := config.Config("PAYPAL_CLIENT_SECRET")

	reqBody := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/v1/oauth2/token", apiBase), reqBody)
	if err != nil {
		return "", err
	}

	req.SetBasicAuth(clientID, clientSecret)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("PayPal token API returned non-200 status: %s", resp.Status)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}

	paypalToken = tokenResp.AccessToken
	paypalTokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-300) * time.Second)
	logrus.Info("cached PayPal access token")

	return paypalToken, nil
}
