package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronmesh/internal/models"
	"cronmesh/internal/services/cron"
	"cronmesh/internal/services/store"
)

// DefaultDelayThreshold separates on-time from late successful runs.
const DefaultDelayThreshold = 3 * time.Second

// Reporter receives the single status update of an execution attempt.
type Reporter interface {
	UpdateJobStatus(ctx context.Context, id uint, upd models.StatusUpdate) error
}

// ExecutionFailure describes a command that exited non-zero or never started.
type ExecutionFailure struct {
	JobID    uint
	ExitCode int
	Err      error
}

func (e *ExecutionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %d exited with code %d", e.JobID, e.ExitCode)
	}
	return e.Err.Error()
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

type ExecutionResult struct {
	JobID    uint
	Status   models.JobStatus
	Output   string
	DelayMs  *int64
	ExitCode int
	Err      error
	// ReportErr is set when the status update could not be delivered.
	ReportErr error
}

type Tracker struct {
	Runner         Runner
	Reporter       Reporter
	DelayThreshold time.Duration
	Log            zerolog.Logger
}

func NewTracker(runner Runner, reporter Reporter, threshold time.Duration) *Tracker {
	if runner == nil {
		runner = ShellRunner{}
	}
	return &Tracker{
		Runner:         runner,
		Reporter:       reporter,
		DelayThreshold: threshold,
		Log:            log.With().Str("component", "executor").Logger(),
	}
}

// Classify maps an execution outcome onto its terminal status.
func Classify(delayMs *int64, runErr error, threshold time.Duration) models.JobStatus {
	if runErr != nil {
		return models.StatusFailed
	}
	if delayMs != nil && *delayMs > threshold.Milliseconds() {
		return models.StatusDelayed
	}
	return models.StatusSuccess
}

// Execute runs job and blocks until its status has been reported.
func (t *Tracker) Execute(ctx context.Context, job models.DispatchedJob) ExecutionResult {
	return <-t.Start(ctx, job)
}

// Start hands the command to the runner and returns without waiting. The
// continuation classifies the result, reports it exactly once and then
// delivers it on the returned channel.
func (t *Tracker) Start(ctx context.Context, job models.DispatchedJob) <-chan ExecutionResult {
	out := make(chan ExecutionResult, 1)
	t.Log.Info().Uint("job", job.ID).Str("command", job.Command).Msg("running job")

	var pending <-chan RunResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				pending = nil
				t.Log.Error().Uint("job", job.ID).Interface("panic", r).Msg("runner panicked")
			}
		}()
		pending = t.Runner.Run(ctx, job.Command)
	}()

	go func() {
		defer close(out)

		res, ok := RunResult{}, false
		if pending != nil {
			res, ok = <-pending
		}
		if !ok {
			now := time.Now()
			res = RunResult{ExitCode: -1, StartedAt: now, FinishedAt: now, Err: errors.New("process runner produced no result")}
		}
		out <- t.finish(ctx, job, res)
	}()
	return out
}

func (t *Tracker) finish(ctx context.Context, job models.DispatchedJob, res RunResult) (result ExecutionResult) {
	result = ExecutionResult{JobID: job.ID, Output: res.Output, ExitCode: res.ExitCode}
	defer func() {
		if r := recover(); r != nil {
			t.Log.Error().Uint("job", job.ID).Interface("panic", r).Msg("status report panicked")
			result.ReportErr = fmt.Errorf("report panic: %v", r)
		}
	}()

	result.DelayMs = t.delay(job, res.StartedAt)
	if res.Err != nil {
		result.Err = &ExecutionFailure{JobID: job.ID, ExitCode: res.ExitCode, Err: res.Err}
	}
	result.Status = Classify(result.DelayMs, result.Err, t.DelayThreshold)

	upd := buildUpdate(job, result, res.StartedAt)
	logEvent := t.Log.Info()
	if result.Status == models.StatusFailed {
		logEvent = t.Log.Warn().Str("error", *upd.LastError)
	}
	logEvent.Uint("job", job.ID).Str("status", string(result.Status)).Interface("delay_ms", result.DelayMs).Msg("job finished")

	if t.Reporter == nil {
		return result
	}
	if err := t.Reporter.UpdateJobStatus(ctx, job.ID, upd); err != nil {
		result.ReportErr = err
		if errors.Is(err, store.ErrJobNotFound) {
			t.Log.Debug().Uint("job", job.ID).Msg("job deleted while running, report discarded")
		} else {
			t.Log.Error().Err(err).Uint("job", job.ID).Msg("failed to report job status")
		}
	}
	return result
}

// delay is the signed lag between the expected fire time and the actual
// process start.
func (t *Tracker) delay(job models.DispatchedJob, startedAt time.Time) *int64 {
	expected := job.ExpectedAt
	if expected.IsZero() {
		ref := job.DispatchedAt
		if ref.IsZero() {
			ref = startedAt
		}
		prev, err := cron.PreviousFireTime(job.Schedule, ref)
		if err != nil {
			t.Log.Warn().Err(err).Uint("job", job.ID).Msg("cannot compute delay")
			return nil
		}
		expected = prev
	}
	d := startedAt.UnixMilli() - expected.UnixMilli()
	return &d
}

func buildUpdate(job models.DispatchedJob, result ExecutionResult, startedAt time.Time) models.StatusUpdate {
	lastRun := job.DispatchedAt
	if lastRun.IsZero() {
		lastRun = startedAt
	}
	output := result.Output
	upd := models.StatusUpdate{
		Status:    result.Status,
		LastRunAt: &lastRun,
		DelayMs:   result.DelayMs,
		Output:    &output,
	}
	retries := 0
	if result.Status == models.StatusFailed {
		retries = job.RetryCount + 1
		msg := result.Err.Error()
		upd.LastError = &msg
	}
	upd.RetryCount = &retries
	return upd
}
