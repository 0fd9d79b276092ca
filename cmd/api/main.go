package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/database"
	"github.com/somatutor/settlement/handlers"
	"github.com/somatutor/settlement/jobs"
	"github.com/somatutor/settlement/notifications"
	"github.com/somatutor/settlement/payments"
	"github.com/somatutor/settlement/queue"
	"github.com/somatutor/settlement/routes"
	"github.com/somatutor/settlement/services"
)

func main() {
	database.ConnectDB()
	database.Migrate()
	database.SeedAdmin()
	notifications.InitEmailService()

	settings := config.LoadSettings()
	logrus.WithField("gateways", payments.Enabled()).Info("✅ Payment gateways configured")

	events := notifications.NewEmailEvents(database.DB)
	wallets := services.NewWalletService(database.DB)
	bookings := services.NewBookingPaymentService(database.DB, wallets, events)
	payouts := services.NewPayoutService(database.DB, wallets, payments.New, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := connectQueue(ctx, bookings, payouts, settings)

	c := cron.New()
	c.AddFunc("*/5 * * * *", func() {
		jobs.CancelExpiredBookings(ctx, database.DB, bookings, settings)
	})
	c.AddFunc("@hourly", func() {
		jobs.EnqueueAutomaticPayouts(ctx, database.DB, func(teacherID uuid.UUID) error {
			if tasks != nil {
				return tasks.Publish(ctx, queue.Task{Kind: queue.TaskPayout, TeacherID: teacherID})
			}
			return jobs.ProcessPayoutTask(ctx, payouts, teacherID, settings)
		})
	})
	go c.Start()
	logrus.Info("✅ Settlement cron jobs scheduled successfully.")

	app := fiber.New(fiber.Config{
		Prefork:           false,
		AppName:           "Soma Tutor Settlement",
		CaseSensitive:     true,
		StrictRouting:     true,
		EnablePrintRoutes: true,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			logrus.WithError(err).WithFields(logrus.Fields{
				"path":   c.Path(),
				"method": c.Method(),
			}).Error("request failed")
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Length, Authorization",
		MaxAge:        86400,
	}))

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	routes.WalletRoutes(app)
	routes.BookingRoutes(app)
	routes.PayoutRoutes(app)
	routes.AdminRoutes(app)
	routes.PaymentRoutes(app)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	logrus.Info("✅ Server is running on port 8080")
	if err := app.Listen(":8080"); err != nil {
		logrus.Fatalf("🔥 Server failed to start: %v", err)
	}
}

// connectQueue wires the RabbitMQ-backed task queue when SETTLEMENT_QUEUE_URL
// is set. Without it, handlers and cron jobs fall back to processing tasks
// synchronously, which is fine for development.
func connectQueue(ctx context.Context, bookings *services.BookingPaymentService, payouts *services.PayoutService, settings config.Settings) *queue.Queue {
	url := config.Config("SETTLEMENT_QUEUE_URL")
	if url == "" {
		logrus.Warn("⚠️ SETTLEMENT_QUEUE_URL not set, processing settlement tasks in-process")
		return nil
	}

	q, err := queue.Connect(queue.Config{
		URL:   url,
		Queue: "settlement_tasks",
	}, logrus.StandardLogger())
	if err != nil {
		logrus.Fatalf("🔥 Failed to connect to task queue: %v", err)
	}

	handlers.SetTaskPublisher(q)

	go func() {
		err := q.Consume(ctx, queue.HandlerFunc(func(ctx context.Context, task queue.Task) error {
			switch task.Kind {
			case queue.TaskBookingPayment:
				return bookings.ProcessPaymentTask(ctx, task.BookingID)
			case queue.TaskPayout:
				return jobs.ProcessPayoutTask(ctx, payouts, task.TeacherID, settings)
			case queue.TaskPayoutSubmit:
				return jobs.SubmitWithRetry(ctx, payouts, task.PayoutID, settings)
			default:
				logrus.WithField("kind", task.Kind).Warn("dropping task of unknown kind")
				return nil
			}
		}))
		if err != nil {
			logrus.WithError(err).Error("🔥 Settlement consumer stopped")
		}
	}()

	return q
}
