package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"cronmesh/internal/middleware"
	"cronmesh/internal/models"
	"cronmesh/internal/services/metrics"
	"cronmesh/internal/services/store"
)

type CreateJobRequest struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Schedule string `json:"schedule"`
	AgentID  *uint  `json:"agentId"`
}

type StartJobRequest struct {
	AgentID    uint       `json:"agentId"`
	ExpectedAt *time.Time `json:"expectedAt"`
}

func (h *Handlers) CreateJob(c *fiber.Ctx) error {
	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Command = strings.TrimSpace(req.Command)
	req.Schedule = strings.TrimSpace(req.Schedule)
	if req.Command == "" || req.Schedule == "" {
		return badRequest(c, "Command and schedule are required")
	}

	job := models.Job{
		Name:     req.Name,
		Command:  req.Command,
		Schedule: req.Schedule,
		OwnerID:  middleware.UserID(c),
		AgentID:  req.AgentID,
	}
	if err := h.Store.CreateJob(c.UserContext(), &job); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return badRequest(c, "Unknown agent")
		}
		return h.storeError(c, err)
	}

	h.Log.Info().Uint("job", job.ID).Str("schedule", job.Schedule).Msg("job created")
	return c.Status(fiber.StatusCreated).JSON(job)
}

// GetJobs lists the caller's jobs with their agents attached.
func (h *Handlers) GetJobs(c *fiber.Ctx) error {
	jobs, err := h.Store.ListJobs(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(jobs)
}

// GetJob returns one job. Jobs of other owners are reported as missing
// unless the caller is an admin.
func (h *Handlers) GetJob(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, "Invalid ID")
	}
	job, err := h.Store.GetJob(c.UserContext(), id)
	if err != nil {
		return h.storeError(c, err)
	}
	if job.OwnerID != middleware.UserID(c) && c.Locals("role") != "admin" {
		return h.storeError(c, store.ErrJobNotFound)
	}
	return c.JSON(job)
}

// UpdateJobStatus applies a status report from an agent.
func (h *Handlers) UpdateJobStatus(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, "Invalid ID")
	}
	var upd models.StatusUpdate
	if err := c.BodyParser(&upd); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if upd.Status == "" {
		return badRequest(c, "Status is required")
	}

	if err := h.Store.UpdateJobStatus(c.UserContext(), id, upd); err != nil {
		return h.storeError(c, err)
	}
	metrics.StatusReports.WithLabelValues(string(upd.Status)).Inc()

	return c.JSON(fiber.Map{
		"success": true,
	})
}

func (h *Handlers) DeleteJob(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, "Invalid ID")
	}
	if err := h.Store.DeleteJob(c.UserContext(), id, middleware.UserID(c)); err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
	})
}

// StartJob claims a due job for a polling agent and returns its payload.
func (h *Handlers) StartJob(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return badRequest(c, "Invalid ID")
	}
	var req StartJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.AgentID == 0 {
		return badRequest(c, "agentId is required")
	}

	var expected time.Time
	if req.ExpectedAt != nil {
		expected = *req.ExpectedAt
	}
	job, err := h.Dispatch.Claim(c.UserContext(), id, req.AgentID, expected)
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(job)
}
