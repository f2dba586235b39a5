package handlers

import (
	"github.com/gofiber/fiber/v2"

	"cronmesh/internal/middleware"
)

// Routes mounts the REST API under /api.
func (h *Handlers) Routes(app fiber.Router) {
	api := app.Group("/api")

	// Public routes
	api.Post("/auth/login", h.Login)
	api.Post("/auth/logout", h.Logout)
	api.Post("/users", h.Register)

	protected := api.Group("", middleware.AuthRequired(h.JWT.Secret))
	protected.Get("/auth/profile", h.GetProfile)
	protected.Get("/dashboard", h.GetDashboard)

	// Agents
	protected.Get("/agents", h.GetAgents)
	protected.Post("/agents", h.RegisterAgent)
	protected.Post("/agents/heartbeat", h.Heartbeat)
	protected.Get("/agents/:id/due", h.GetDueJobs)

	// Jobs
	protected.Get("/jobs", h.GetJobs)
	protected.Post("/jobs", h.CreateJob)
	protected.Get("/jobs/:id", h.GetJob)
	protected.Patch("/jobs/:id", h.UpdateJobStatus)
	protected.Delete("/jobs/:id", h.DeleteJob)
	protected.Post("/jobs/:id/start", h.StartJob)
}
