package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CurrencyBand holds the per-currency floors operators can tune without a
// deploy.
type CurrencyBand struct {
	MinTopupMinor      int64 `json:"min_topup_minor"`
	MinWithdrawalMinor int64 `json:"min_withdrawal_minor"`
}

// Settings is a point-in-time snapshot of the settlement configuration. It
// is loaded at decision time and passed into the orchestrators explicitly so
// tests can inject fixed thresholds.
type Settings struct {
	DefaultCurrency string

	MinimumWithdrawalMinor   int64
	AutoPayoutThresholdMinor int64

	PayoutCooldown     time.Duration
	PaymentGraceWindow time.Duration

	PayoutRetrySchedule []time.Duration

	CurrencyBands map[string]CurrencyBand
}

// LoadSettings reads the settlement settings from the environment, falling
// back to the documented defaults for anything unset.
func LoadSettings() Settings {
	s := Settings{
		DefaultCurrency:          envString("DEFAULT_CURRENCY", "KES"),
		MinimumWithdrawalMinor:   envInt64("MIN_WITHDRAWAL_MINOR", 10000),
		AutoPayoutThresholdMinor: envInt64("AUTO_PAYOUT_THRESHOLD_MINOR", 50000),
		PayoutCooldown:           envDuration("PAYOUT_COOLDOWN", 24*time.Hour),
		PaymentGraceWindow:       envDuration("PAYMENT_GRACE_WINDOW", time.Hour),
		PayoutRetrySchedule:      envSchedule("PAYOUT_RETRY_SCHEDULE", []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}),
		CurrencyBands:            map[string]CurrencyBand{},
	}

	if raw := Config("CURRENCY_BANDS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.CurrencyBands); err != nil {
			logrus.Warnf("ignoring malformed CURRENCY_BANDS: %v", err)
		}
	}

	return s
}

// MinWithdrawalFor returns the effective withdrawal floor for a currency:
// the global minimum, raised by the currency band when one is configured.
func (s Settings) MinWithdrawalFor(currency string) int64 {
	min := s.MinimumWithdrawalMinor
	if band, ok := s.CurrencyBands[currency]; ok && band.MinWithdrawalMinor > min {
		min = band.MinWithdrawalMinor
	}
	return min
}

// MinTopupFor returns the minimum accepted wallet top-up for a currency.
func (s Settings) MinTopupFor(currency string) int64 {
	if band, ok := s.CurrencyBands[currency]; ok {
		return band.MinTopupMinor
	}
	return 0
}

func envString(key, fallback string) string {
	if v := Config(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	raw := Config(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.Warnf("ignoring malformed %s=%q: %v", key, raw, err)
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := Config(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("ignoring malformed %s=%q: %v", key, raw, err)
		return fallback
	}
	return v
}

func envSchedule(key string, fallback []time.Duration) []time.Duration {
	raw := Config(key)
	if raw == "" {
		return fallback
	}
	var schedule []time.Duration
	for _, part := range strings.Split(raw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			logrus.Warnf("ignoring malformed %s=%q: %v", key, raw, err)
			return fallback
		}
		schedule = append(schedule, d)
	}
	return schedule
}
