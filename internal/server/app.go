// Package server assembles the HTTP and websocket surface of the
// scheduler.
package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"cronmesh/internal/config"
	"cronmesh/internal/handlers"
	"cronmesh/internal/middleware"
	"cronmesh/internal/models"
	"cronmesh/internal/services/dispatch"
	"cronmesh/internal/services/metrics"
	"cronmesh/internal/services/store"
	ws "cronmesh/internal/services/websocket"
)

type Options struct {
	Config   *config.Config
	Store    *store.Store
	Dispatch *dispatch.Service
	Push     *ws.Handler
	// AccessLog enables fiber's request logger.
	AccessLog bool
}

func NewApp(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "cronmesh",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: false,
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	h := handlers.New(opts.Store, opts.Dispatch, opts.Config.JWT)
	h.Routes(app)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, middleware.AuthRequired(opts.Config.JWT.Secret))
	app.Get("/ws/agent", websocket.New(opts.Push.HandleWebSocket))

	return app
}

// EnsureAdmin creates the configured admin user when no user exists yet.
func EnsureAdmin(ctx context.Context, st *store.Store, cfg config.AdminConfig) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	admin := models.User{
		Username: cfg.Username,
		Email:    cfg.Email,
		Role:     "admin",
	}
	if err := admin.SetPassword(cfg.Password); err != nil {
		return err
	}
	if err := st.CreateUser(ctx, &admin); err != nil {
		return err
	}
	log.Info().Str("username", cfg.Username).Msg("✅ Default admin user created")
	return nil
}
