package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Heartbeater is the call the heartbeat loop makes.
type Heartbeater interface {
	Heartbeat(ctx context.Context, agentID uint) error
}

// RunHeartbeat refreshes the agent's lastSeen every interval until ctx is
// done. Failures are logged and retried on the next tick.
func RunHeartbeat(ctx context.Context, hb Heartbeater, agentID uint, interval time.Duration, l zerolog.Logger) {
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
			if err := hb.Heartbeat(ctx, agentID); err != nil && ctx.Err() == nil {
				l.Warn().Err(err).Uint("agent", agentID).Msg("heartbeat failed")
			}
		}
	}
}
