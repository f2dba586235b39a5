package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronmesh/internal/models"
	"cronmesh/internal/services/dispatch"
	"cronmesh/internal/services/executor"
	"cronmesh/internal/services/store"
)

// PullAPI is the part of the server API the poller uses.
type PullAPI interface {
	FetchDue(ctx context.Context, agentID uint) ([]models.DispatchedJob, error)
	ClaimJob(ctx context.Context, jobID, agentID uint, expectedAt time.Time) (models.DispatchedJob, error)
}

// Poller asks the server for due jobs on a fixed cadence, claims them and
// hands each claimed job to the tracker without waiting for it.
type Poller struct {
	API      PullAPI
	Tracker  *executor.Tracker
	AgentID  uint
	Interval time.Duration
	Log      zerolog.Logger

	inflight sync.WaitGroup
}

func NewPoller(api PullAPI, tracker *executor.Tracker, agentID uint, interval time.Duration) *Poller {
	return &Poller{
		API:      api,
		Tracker:  tracker,
		AgentID:  agentID,
		Interval: interval,
		Log:      log.With().Str("component", "poller").Uint("agent", agentID).Logger(),
	}
}

// Run polls until ctx is done. Failed fetches stretch the interval; a
// successful one restores it.
func (p *Poller) Run(ctx context.Context) {
	p.Log.Info().Dur("interval", p.Interval).Msg("⏰ pull loop started")

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			next := dispatch.NextInterval(p.Interval, failures)
			p.Log.Warn().Err(err).Int("failures", failures).Dur("retry_in", next).Msg("fetching due jobs failed")
			timer.Reset(next)
			continue
		}
		failures = 0
		timer.Reset(p.Interval)
	}
}

// Poll runs one cycle and returns the number of executions started. Only a
// failed fetch is an error; claim failures skip the job for this cycle.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	due, err := p.API.FetchDue(ctx, p.AgentID)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, d := range due {
		job, err := p.API.ClaimJob(ctx, d.ID, p.AgentID, d.ExpectedAt)
		switch {
		case errors.Is(err, ErrClaimRejected):
			p.Log.Debug().Uint("job", d.ID).Msg("job already claimed")
			continue
		case errors.Is(err, store.ErrJobNotFound):
			continue
		case err != nil:
			p.Log.Error().Err(err).Uint("job", d.ID).Msg("failed to claim job")
			continue
		}

		p.start(ctx, job)
		started++
	}
	return started, nil
}

func (p *Poller) start(ctx context.Context, job models.DispatchedJob) {
	p.inflight.Add(1)
	// Executions outlive the loop that started them.
	done := p.Tracker.Start(context.WithoutCancel(ctx), job)
	go func() {
		defer p.inflight.Done()
		<-done
	}()
}

// Wait blocks until every started execution has reported.
func (p *Poller) Wait() {
	p.inflight.Wait()
}
