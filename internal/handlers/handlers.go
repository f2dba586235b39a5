package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronmesh/internal/config"
	"cronmesh/internal/services/cron"
	"cronmesh/internal/services/dispatch"
	"cronmesh/internal/services/store"
)

// Handlers serves the REST API used by owners and pull-mode agents.
type Handlers struct {
	Store    *store.Store
	Dispatch *dispatch.Service
	JWT      config.JWTConfig
	Log      zerolog.Logger
}

func New(st *store.Store, svc *dispatch.Service, jwtCfg config.JWTConfig) *Handlers {
	return &Handlers{
		Store:    st,
		Dispatch: svc,
		JWT:      jwtCfg,
		Log:      log.With().Str("component", "api").Logger(),
	}
}

func paramID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

// storeError maps store and dispatch errors to HTTP responses.
func (h *Handlers) storeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrUserNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, store.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrAlreadyDispatched),
		errors.Is(err, dispatch.ErrNotDue):
		status = fiber.StatusConflict
	case errors.Is(err, dispatch.ErrNotAssigned):
		status = fiber.StatusForbidden
	case errors.Is(err, cron.ErrInvalidSchedule),
		errors.Is(err, store.ErrInvalidStatus):
		status = fiber.StatusBadRequest
	case errors.Is(err, store.ErrStoreUnavailable):
		status = fiber.StatusServiceUnavailable
	}
	if status >= fiber.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
