package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cronmesh/internal/models"
	"cronmesh/internal/services/executor"
	ws "cronmesh/internal/services/websocket"
)

// Pusher keeps a websocket open to the server and runs the jobs it pushes.
// A lost connection is re-dialled with exponential backoff.
type Pusher struct {
	URL     string
	AgentID uint
	Tracker *executor.Tracker
	// Token is sent as a bearer token on every dial.
	Token             func() string
	Dialer            *websocket.Dialer
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Log               zerolog.Logger

	inflight sync.WaitGroup
}

func NewPusher(url string, agentID uint, tracker *executor.Tracker, token func() string) *Pusher {
	return &Pusher{
		URL:               url,
		AgentID:           agentID,
		Tracker:           tracker,
		Token:             token,
		Dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ReconnectDelay:    5 * time.Second,
		MaxReconnectDelay: 5 * time.Minute,
		Log:               log.With().Str("component", "pusher").Uint("agent", agentID).Logger(),
	}
}

// Run dials, serves and re-dials until ctx is done.
func (p *Pusher) Run(ctx context.Context) {
	delay := p.ReconnectDelay
	for {
		connected, err := p.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = p.ReconnectDelay
			p.Log.Warn().Err(err).Dur("retry_in", delay).Msg("push connection lost")
		} else {
			p.Log.Warn().Err(err).Dur("retry_in", delay).Msg("push dial failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, p.MaxReconnectDelay)
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if max > 0 && next > max {
		next = max
	}
	return next
}

// connectOnce runs one connection to completion. connected reports whether
// the dial succeeded.
func (p *Pusher) connectOnce(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if p.Token != nil {
		if token := p.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := p.Dialer.DialContext(ctx, p.URL, header)
	if err != nil {
		return false, err
	}
	return true, p.Serve(ctx, conn)
}

// Serve registers over conn and handles server messages until the
// connection fails or ctx is done.
func (p *Pusher) Serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if err := p.send(conn, ws.Envelope{Type: ws.TypeRegister, AgentID: p.AgentID}); err != nil {
		return err
	}
	p.Log.Info().Str("url", p.URL).Msg("🔌 connected to push channel")

	warnings := rate.NewLimiter(rate.Every(10*time.Second), 3)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		env, err := ws.ParseEnvelope(data)
		if err != nil {
			if warnings.Allow() {
				p.Log.Warn().Err(err).Msg("dropping server message")
			}
			continue
		}

		switch env.Type {
		case ws.TypePing:
			if err := p.send(conn, ws.Envelope{Type: ws.TypePong, AgentID: p.AgentID}); err != nil {
				return err
			}
		case ws.TypeRunJob:
			p.start(ctx, *env.Job)
		default:
			p.Log.Debug().Str("type", env.Type).Msg("ignoring server message")
		}
	}
}

func (p *Pusher) send(conn *websocket.Conn, env ws.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Pusher) start(ctx context.Context, job models.DispatchedJob) {
	p.inflight.Add(1)
	done := p.Tracker.Start(context.WithoutCancel(ctx), job)
	go func() {
		defer p.inflight.Done()
		<-done
	}()
}

// Wait blocks until every started execution has reported.
func (p *Pusher) Wait() {
	p.inflight.Wait()
}
