package routes

import (
	"agentbill_go/controllers"
	"agentbill_go/middleware"
	"agentbill_go/services"
	"agentbill_go/services/websocket"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
)

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, wsHub *websocket.Hub) {
	jobController := &controllers.JobController{}
	notificationController := &controllers.NotificationController{}
	healthController := controllers.NewHealthController(services.NewHealthService("", ""))
	wsController := controllers.NewWebSocketController(wsHub)

	// Job trigger, hit by the external cron. API key auth, no JWT.
	app.Post("/jobs/update-installment-statuses", middleware.APIKeyMiddleware(), jobController.TriggerStatusUpdate)

	// Health endpoints (public)
	app.Get("/health", healthController.GetHealthStatus)
	app.Get("/api/health", healthController.GetHealthStatus)

	// WebSocket connection endpoint - use websocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return wsController.HandleWebSocket(c)
	})
	app.Get("/ws", wsController.WebSocketHandler())

	// API group
	api := app.Group("/api")

	// Protected routes (require authentication)
	protected := api.Group("/", middleware.JWTMiddleware())

	// Notifications (agency-scoped by token claims)
	notificationsGroup := protected.Group("/notifications")
	notificationsGroup.Get("/", notificationController.GetNotifications)
	notificationsGroup.Get("/unread-count", notificationController.GetUnreadCount)
	notificationsGroup.Patch("/:id/read", notificationController.MarkAsRead)
	notificationsGroup.Patch("/mark-all-read", notificationController.MarkAllAsRead)

	// Job execution history (admin only)
	jobs := protected.Group("/jobs", middleware.RequireAdmin())
	jobs.Get("/executions", jobController.GetJobExecutions)
	jobs.Get("/executions/:id", jobController.GetJobExecution)
	jobs.Get("/archives", jobController.GetJobArchives)
	jobs.Get("/archives/:id/download", jobController.DownloadJobArchive)

	// WebSocket stats (admin only)
	protected.Get("/ws/stats", middleware.RequireAdmin(), wsController.GetWebSocketStats)
}
