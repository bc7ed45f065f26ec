package routes

import (
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"

	controller "mailpilot/controllers"
	"mailpilot/middleware"
)

func SetupRoutes(app *fiber.App) {
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Public auth endpoints
	auth := app.Group("/auth", fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", controller.Logout)
	protectedAuth.Get("/me", controller.Me)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	accounts := api.Group("/accounts")
	accounts.Get("/", controller.ListAccounts)
	accounts.Get("/gmail/auth-url", controller.GmailAuthURL)
	accounts.Post("/gmail", controller.ConnectGmail)
	accounts.Post("/broker", controller.ConnectBroker)
	accounts.Post("/imap", controller.ConnectIMAP)
	accounts.Delete("/:id", controller.DisconnectAccount)
	accounts.Post("/:id/sync", middleware.SyncRateLimiter(), controller.TriggerSync)

	messages := api.Group("/messages")
	messages.Get("/", controller.ListMessages)
	messages.Get("/:id", controller.GetMessage)
	messages.Patch("/:id/read", controller.MarkRead)
	messages.Patch("/:id/triage", controller.MarkTriaged)
	messages.Post("/:id/summary", controller.SummarizeMessage)
	messages.Get("/:id/attachments/:attachmentID", controller.DownloadAttachment)

	subscriptions := api.Group("/subscriptions")
	subscriptions.Get("/", controller.ListSubscriptions)
	subscriptions.Post("/:id/unsubscribe", controller.Unsubscribe)
}
