package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/somatutor/settlement/handlers"
)

func PaymentRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	// Webhooks authenticate by signature, not by session.
	api.Post("/payments/webhook/paystack", handlers.PaystackWebhook)
	api.Post("/payments/webhook/paypal", handlers.PayPalWebhook)
}
