package websocket

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cronmesh/internal/models"
	"cronmesh/internal/services/metrics"
	"cronmesh/internal/services/store"
)

// ReadConn is a full duplex push connection.
type ReadConn interface {
	Conn
	ReadMessage() (messageType int, p []byte, err error)
}

// AgentStore is the slice of the agent registry the push channel needs.
type AgentStore interface {
	GetAgent(ctx context.Context, id uint) (*models.Agent, error)
	TouchLastSeen(ctx context.Context, agentID uint) error
}

type Handler struct {
	Registry *Registry
	Agents   AgentStore
	Log      zerolog.Logger
}

func NewHandler(registry *Registry, agents AgentStore) *Handler {
	return &Handler{
		Registry: registry,
		Agents:   agents,
		Log:      log.With().Str("component", "push").Logger(),
	}
}

// Principal is the authenticated user behind a push connection.
type Principal struct {
	UserID uint
	Admin  bool
}

// CanServe reports whether p may hold the push session of agent.
func (p Principal) CanServe(agent *models.Agent) bool {
	return p.Admin || agent.RegisteredBy == 0 || agent.RegisteredBy == p.UserID
}

// HandleWebSocket is the fiber websocket entry point. The upgrade route runs
// behind the JWT middleware, which leaves the caller in the locals.
func (h *Handler) HandleWebSocket(c *websocket.Conn) {
	var p Principal
	p.UserID, _ = c.Locals("userID").(uint)
	p.Admin = c.Locals("role") == "admin"
	h.Serve(context.Background(), c, p)
}

// Serve reads messages until the connection fails. Malformed messages are
// dropped without closing the connection. p may only register agents it
// registered itself, unless it is an admin.
func (h *Handler) Serve(ctx context.Context, c ReadConn, p Principal) {
	var sess *Session
	// Keep a misbehaving agent from flooding the log.
	warnings := rate.NewLimiter(rate.Every(10*time.Second), 3)

	defer func() {
		if sess != nil && h.Registry.Unregister(sess) {
			h.Log.Info().Uint("agent", sess.AgentID).Str("session", sess.ID).Msg("agent disconnected")
		}
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			metrics.MalformedMessages.Inc()
			if warnings.Allow() {
				h.Log.Warn().Err(err).Msg("dropping push message")
			}
			continue
		}

		switch env.Type {
		case TypeRegister:
			agent, err := h.Agents.GetAgent(ctx, env.AgentID)
			if err != nil {
				if warnings.Allow() {
					h.Log.Warn().Err(err).Uint("agent", env.AgentID).Msg("register rejected")
				}
				continue
			}
			if !p.CanServe(agent) {
				if warnings.Allow() {
					h.Log.Warn().Uint("agent", env.AgentID).Uint("user", p.UserID).Msg("register rejected: agent belongs to another user")
				}
				continue
			}
			if sess != nil && sess.AgentID != env.AgentID {
				h.Registry.Unregister(sess)
			}
			sess = h.Registry.Register(env.AgentID, c)
			h.touch(ctx, env.AgentID)
			h.Log.Info().Uint("agent", env.AgentID).Str("session", sess.ID).Msg("🔌 agent registered over websocket")

		case TypePong:
			if sess != nil {
				h.touch(ctx, sess.AgentID)
			}

		default:
			h.Log.Debug().Str("type", env.Type).Msg("ignoring push message")
		}
	}
}

func (h *Handler) touch(ctx context.Context, agentID uint) {
	if err := h.Agents.TouchLastSeen(ctx, agentID); err != nil && !errors.Is(err, store.ErrAgentNotFound) {
		h.Log.Error().Err(err).Uint("agent", agentID).Msg("failed to refresh lastSeen")
	}
}

// RunPinger sends keepalives until ctx is done.
func (h *Handler) RunPinger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := h.Registry.PingAll(); dropped > 0 {
				h.Log.Info().Int("dropped", dropped).Msg("dropped dead push connections")
			}
		}
	}
}
