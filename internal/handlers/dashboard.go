package handlers

import (
	"github.com/gofiber/fiber/v2"

	"cronmesh/internal/middleware"
	"cronmesh/internal/models"
)

type DashboardResponse struct {
	Jobs            map[models.JobStatus]int64 `json:"jobs"`
	Agents          int                        `json:"agents"`
	ConnectedAgents int                        `json:"connected_agents"`
}

// GetDashboard summarises the caller's jobs by status and the agent fleet.
func (h *Handlers) GetDashboard(c *fiber.Ctx) error {
	counts, err := h.Store.CountJobsByStatus(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return h.storeError(c, err)
	}
	agents, err := h.Store.ListAgents(c.UserContext())
	if err != nil {
		return h.storeError(c, err)
	}

	return c.JSON(DashboardResponse{
		Jobs:            counts,
		Agents:          len(agents),
		ConnectedAgents: len(h.Dispatch.Channel.Connected()),
	})
}
