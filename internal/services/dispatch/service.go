// Package dispatch hands due jobs to agents. Push mode runs on the server's
// own cadence over the agents holding a live connection; pull mode exposes
// the same resolution and claim steps to polling agents.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronmesh/internal/models"
	"cronmesh/internal/services/cron"
	"cronmesh/internal/services/metrics"
	"cronmesh/internal/services/store"
)

const (
	ModePush = "push"
	ModePull = "pull"
)

var (
	ErrNotAssigned = errors.New("job not assigned to agent")
	// ErrNotDue rejects a claim for a job that is not due now, or for a fire
	// time other than the one that makes it due.
	ErrNotDue            = errors.New("job not due")
	ErrAlreadyDispatched = store.ErrAlreadyDispatched
)

type JobStore interface {
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	GetJobsForAgent(ctx context.Context, agentID uint) ([]models.Job, error)
	ClaimJob(ctx context.Context, id uint, dispatchedAt, expectedAt time.Time) (*models.Job, error)
	ReleaseClaim(ctx context.Context, prev models.Job) error
}

// Channel delivers jobs over live push connections.
type Channel interface {
	Connected() []uint
	IsConnected(agentID uint) bool
	Dispatch(agentID uint, job models.DispatchedJob) error
}

type Service struct {
	Store    JobStore
	Channel  Channel
	Resolver *cron.Resolver
	Interval time.Duration
	Now      func() time.Time
	Log      zerolog.Logger
}

func NewService(st JobStore, ch Channel, resolver *cron.Resolver, interval time.Duration) *Service {
	return &Service{
		Store:    st,
		Channel:  ch,
		Resolver: resolver,
		Interval: interval,
		Now:      time.Now,
		Log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// DueFor resolves the due set of agentID for a polling agent. Nothing is
// claimed; the agent claims each job before running it.
func (s *Service) DueFor(ctx context.Context, agentID uint) ([]models.DispatchedJob, error) {
	now := s.Now()
	jobs, err := s.Store.GetJobsForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	res := s.resolve(jobs, agentID, now)

	out := make([]models.DispatchedJob, 0, len(res.Due))
	for _, d := range res.Due {
		out = append(out, payload(d.Job, d.FireTime, now))
	}
	return out, nil
}

// Claim moves a job to running on behalf of a polling agent. The job must
// be due now under the same rules DueFor applies. A non-zero expectedAt must
// match the fire time that makes it due; a zero one is filled in from it.
func (s *Service) Claim(ctx context.Context, jobID, agentID uint, expectedAt time.Time) (models.DispatchedJob, error) {
	now := s.Now()
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.DispatchedJob{}, err
	}
	if !job.AssignedTo(agentID) {
		return models.DispatchedJob{}, ErrNotAssigned
	}
	fire, due, err := s.Resolver.Evaluator.DueFireTime(job.Schedule, now)
	if err != nil {
		return models.DispatchedJob{}, err
	}
	if !due || (!expectedAt.IsZero() && !expectedAt.Equal(fire)) {
		return models.DispatchedJob{}, ErrNotDue
	}
	if len(s.resolve([]models.Job{*job}, agentID, now).Due) == 0 {
		switch {
		case job.Status == models.StatusRunning:
			metrics.Dispatches.WithLabelValues(ModePull, metrics.ResultBusy).Inc()
			return models.DispatchedJob{}, store.ErrAlreadyRunning
		case job.ExpectedAt != nil && job.ExpectedAt.Equal(fire):
			return models.DispatchedJob{}, ErrAlreadyDispatched
		default:
			return models.DispatchedJob{}, ErrNotDue
		}
	}

	// job may be stale by now; ClaimJob re-checks status and fire time.
	claimed, err := s.Store.ClaimJob(ctx, jobID, now, fire)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRunning) {
			metrics.Dispatches.WithLabelValues(ModePull, metrics.ResultBusy).Inc()
		}
		return models.DispatchedJob{}, err
	}
	metrics.Dispatches.WithLabelValues(ModePull, metrics.ResultSent).Inc()
	return payload(*claimed, fire, now), nil
}

// Cycle runs one push evaluation over every connected agent. Agents are
// handled independently; the returned error joins the per-agent failures.
func (s *Service) Cycle(ctx context.Context) error {
	agents := s.Channel.Connected()
	if len(agents) == 0 {
		return nil
	}
	now := s.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range agents {
		wg.Add(1)
		go func(agentID uint) {
			defer wg.Done()
			if err := s.PushAgent(ctx, agentID, now); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("agent %d: %w", agentID, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// PushAgent resolves and pushes the due jobs of one agent. It returns an
// error only when the job set could not be fetched.
func (s *Service) PushAgent(ctx context.Context, agentID uint, now time.Time) error {
	jobs, err := s.Store.GetJobsForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, due := range s.resolve(jobs, agentID, now).Due {
		s.pushOne(ctx, agentID, due, now)
	}
	return nil
}

func (s *Service) pushOne(ctx context.Context, agentID uint, due cron.Due, now time.Time) bool {
	l := s.Log.With().Uint("job", due.Job.ID).Uint("agent", agentID).Logger()

	if !s.Channel.IsConnected(agentID) {
		metrics.Dispatches.WithLabelValues(ModePush, metrics.ResultUnreachable).Inc()
		l.Debug().Msg("agent not connected, job stays due")
		return false
	}

	claimed, err := s.Store.ClaimJob(ctx, due.Job.ID, now, due.FireTime)
	switch {
	case errors.Is(err, store.ErrAlreadyRunning):
		metrics.Dispatches.WithLabelValues(ModePush, metrics.ResultBusy).Inc()
		l.Debug().Msg("previous execution still running")
		return false
	case errors.Is(err, store.ErrAlreadyDispatched):
		metrics.Dispatches.WithLabelValues(ModePush, metrics.ResultBusy).Inc()
		l.Debug().Msg("fire time already dispatched")
		return false
	case errors.Is(err, store.ErrJobNotFound):
		return false
	case err != nil:
		metrics.Dispatches.WithLabelValues(ModePush, metrics.ResultError).Inc()
		l.Error().Err(err).Msg("failed to claim job")
		return false
	}

	if err := s.Channel.Dispatch(agentID, payload(*claimed, due.FireTime, now)); err != nil {
		metrics.Dispatches.WithLabelValues(ModePush, metrics.ResultUnreachable).Inc()
		l.Warn().Err(err).Msg("push failed, releasing claim")
		if rerr := s.Store.ReleaseClaim(ctx, due.Job); rerr != nil {
			l.Error().Err(rerr).Msg("failed to release claim")
		}
		return false
	}

	metrics.Dispatches.WithLabelValues(ModePush, metrics.ResultSent).Inc()
	l.Info().Str("command", claimed.Command).Msg("job pushed")
	return true
}

func (s *Service) resolve(jobs []models.Job, agentID uint, now time.Time) cron.Resolution {
	res := s.Resolver.Resolve(jobs, agentID, now)
	for _, sk := range res.Skipped {
		metrics.InvalidSchedules.Inc()
		s.Log.Warn().Err(sk.Err).Uint("job", sk.Job.ID).Str("schedule", sk.Job.Schedule).Msg("skipping job with unusable schedule")
	}
	return res
}

// Run drives push cycles until ctx is done, backing off while cycles fail.
func (s *Service) Run(ctx context.Context) {
	s.Log.Info().Dur("interval", s.Interval).Msg("⏰ push dispatcher started")

	failures := 0
	timer := time.NewTimer(s.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.safeCycle(ctx); err != nil {
			failures++
			metrics.ResolverCycles.WithLabelValues("error").Inc()
			s.Log.Error().Err(err).Int("failures", failures).Msg("push cycle failed")
		} else {
			failures = 0
			metrics.ResolverCycles.WithLabelValues("ok").Inc()
		}
		timer.Reset(NextInterval(s.Interval, failures))
	}
}

func (s *Service) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push cycle panic: %v", r)
		}
	}()
	return s.Cycle(ctx)
}

func payload(job models.Job, expectedAt, dispatchedAt time.Time) models.DispatchedJob {
	return models.DispatchedJob{
		ID:           job.ID,
		Command:      job.Command,
		Schedule:     job.Schedule,
		RetryCount:   job.RetryCount,
		ExpectedAt:   expectedAt,
		DispatchedAt: dispatchedAt,
	}
}
