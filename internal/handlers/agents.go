package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"cronmesh/internal/middleware"
)

type RegisterAgentRequest struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

type HeartbeatRequest struct {
	AgentID uint `json:"agentId"`
}

func (h *Handlers) GetAgents(c *fiber.Ctx) error {
	agents, err := h.Store.ListAgents(c.UserContext())
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(agents)
}

// RegisterAgent returns the agent for (hostname, ip), creating it on first
// contact. A new agent answers 201, a known one 200.
func (h *Handlers) RegisterAgent(c *fiber.Ctx) error {
	var req RegisterAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Hostname = strings.TrimSpace(req.Hostname)
	req.IP = strings.TrimSpace(req.IP)
	if req.Hostname == "" || req.IP == "" {
		return badRequest(c, "Hostname and ip are required")
	}

	agent, created, err := h.Store.RegisterOrReuseAgent(c.UserContext(), req.Hostname, req.IP, middleware.UserID(c))
	if err != nil {
		return h.storeError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		h.Log.Info().Uint("agent", agent.ID).Str("hostname", agent.Hostname).Str("ip", agent.IP).Msg("🖥️ agent registered")
	}
	return c.Status(status).JSON(agent)
}

func (h *Handlers) Heartbeat(c *fiber.Ctx) error {
	var req HeartbeatRequest
	if err := c.BodyParser(&req); err != nil || req.AgentID == 0 {
		return badRequest(c, "agentId is required")
	}
	if err := h.Store.TouchLastSeen(c.UserContext(), req.AgentID); err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
	})
}

// GetDueJobs resolves the due set of one agent without claiming anything.
func (h *Handlers) GetDueJobs(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, "Invalid ID")
	}
	if _, err := h.Store.GetAgent(c.UserContext(), id); err != nil {
		return h.storeError(c, err)
	}
	jobs, err := h.Dispatch.DueFor(c.UserContext(), id)
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(jobs)
}
