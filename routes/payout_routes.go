package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/somatutor/settlement/handlers"
	"github.com/somatutor/settlement/middleware"
)

func PayoutRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	teacher := api.Group("/teacher", middleware.Protected(), middleware.TeacherRequired())
	teacher.Post("/payouts", handlers.RequestPayout)
	teacher.Get("/payouts", handlers.GetMyPayouts)
	teacher.Post("/payment-methods", handlers.AddPaymentMethod)
	teacher.Get("/payment-methods", handlers.GetMyPaymentMethods)
	teacher.Get("/banks", handlers.ListBanks)
}
