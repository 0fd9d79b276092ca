package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/somatutor/settlement/queue"
)

var validate = validator.New()

// TaskPublisher abstracts the queue so handlers can enqueue settlement work
// without a hard dependency on a broker connection.
type TaskPublisher interface {
	Publish(ctx context.Context, task queue.Task) error
}

var tasks TaskPublisher

// SetTaskPublisher wires the shared task queue into the handler layer. When
// no publisher is set, handlers fall back to processing synchronously.
func SetTaskPublisher(p TaskPublisher) {
	tasks = p
}

func currentUserID(c *fiber.Ctx) (uuid.UUID, error) {
	token := c.Locals("user").(*jwt.Token)
	claims := token.Claims.(jwt.MapClaims)
	return uuid.Parse(claims["user_id"].(string))
}
