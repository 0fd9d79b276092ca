package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/somatutor/settlement/handlers"
	"github.com/somatutor/settlement/middleware"
)

func BookingRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	booking := api.Group("/bookings", middleware.Protected())
	booking.Get("/me", handlers.GetMyBookings)
	booking.Post("", handlers.CreateBooking)
	booking.Post("/:bookingId/cancel", handlers.CancelBooking)

	teacherBooking := api.Group("/teacher/bookings", middleware.Protected(), middleware.TeacherRequired())
	teacherBooking.Post("/:bookingId/approve", handlers.ApproveBooking)
	teacherBooking.Post("/:bookingId/request-reschedule", handlers.RequestReschedule)
	teacherBooking.Post("/:bookingId/complete", handlers.MarkBookingAsComplete)
}
