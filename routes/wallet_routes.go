package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/somatutor/settlement/handlers"
	"github.com/somatutor/settlement/middleware"
)

func WalletRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	wallet := api.Group("/wallet", middleware.Protected())
	wallet.Get("/balance", handlers.GetMyBalance)
	wallet.Get("/statement", handlers.GetMyStatement)
	wallet.Post("/topup", handlers.InitiateTopup)
}
