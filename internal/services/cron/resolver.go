package cron

import (
	"time"

	"cronmesh/internal/models"
)

const (
	DefaultCheckInterval = 5 * time.Second
	DefaultGuard         = 500 * time.Millisecond
)

// Due is a job selected for dispatch together with the fire time that made
// it due.
type Due struct {
	Job      models.Job
	FireTime time.Time
}

// Skipped is a job left out of a resolution because its schedule is unusable.
type Skipped struct {
	Job models.Job
	Err error
}

type Resolution struct {
	Due     []Due
	Skipped []Skipped
}

// Jobs returns the due jobs in resolution order.
func (r Resolution) Jobs() []models.Job {
	out := make([]models.Job, 0, len(r.Due))
	for _, d := range r.Due {
		out = append(out, d.Job)
	}
	return out
}

// Resolver computes the due set for one agent. It performs no I/O and never
// mutates its input.
type Resolver struct {
	Evaluator     *Evaluator
	CheckInterval time.Duration
	Guard         time.Duration
}

func NewResolver(eval *Evaluator, checkInterval, guard time.Duration) *Resolver {
	if eval == nil {
		eval = NewEvaluator(DefaultTolerance)
	}
	return &Resolver{Evaluator: eval, CheckInterval: checkInterval, Guard: guard}
}

// GuardWindow is how long after lastRunAt a job is shielded from redispatch.
func (r *Resolver) GuardWindow() time.Duration {
	return r.CheckInterval + r.Guard
}

// ResolveDue returns the jobs assigned to agentID that are due at now and
// were not dispatched in the current or previous cycle, in input order.
func (r *Resolver) ResolveDue(jobs []models.Job, agentID uint, now time.Time) []models.Job {
	return r.Resolve(jobs, agentID, now).Jobs()
}

// Resolve is ResolveDue with the fire times and the skipped invalid schedules.
func (r *Resolver) Resolve(jobs []models.Job, agentID uint, now time.Time) Resolution {
	var res Resolution
	window := r.GuardWindow().Milliseconds()

	for _, job := range jobs {
		if !job.AssignedTo(agentID) {
			continue
		}

		s, err := Parse(job.Schedule)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Job: job, Err: err})
			continue
		}
		fire, due, err := r.Evaluator.dueFireTime(s, now)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Job: job, Err: err})
			continue
		}
		if !due {
			continue
		}

		if job.LastRunAt != nil && now.UnixMilli()-job.LastRunAt.UnixMilli() <= window {
			continue
		}
		// Already dispatched for this fire time; the tolerance window can
		// outlive the guard window.
		if job.ExpectedAt != nil && job.ExpectedAt.Equal(fire) {
			continue
		}

		res.Due = append(res.Due, Due{Job: job, FireTime: fire})
	}
	return res
}
