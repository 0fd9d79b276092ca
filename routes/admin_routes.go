package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/somatutor/settlement/handlers"
	"github.com/somatutor/settlement/middleware"
)

func AdminRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	admin := api.Group("/admin", middleware.Protected(), middleware.AdminRequired())

	admin.Get("/payouts", handlers.ListPayouts)
	admin.Post("/payouts/:payoutId/process", handlers.ProcessPayout)
	admin.Post("/payouts/:payoutId/reverse", handlers.ReverseFailedPayout)

	admin.Post("/wallets/credit", handlers.AdminCreditWallet)
}
