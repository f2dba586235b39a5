package store

import (
	"context"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"cronmesh/internal/models"
	"cronmesh/internal/services/cron"
)

// CreateJob validates and inserts a job in the pending state.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if _, err := cron.Parse(job.Schedule); err != nil {
		return err
	}
	if job.AgentID != nil {
		if _, err := s.GetAgent(ctx, *job.AgentID); err != nil {
			return err
		}
	}
	job.ID = 0
	job.Status = models.StatusPending
	job.RetryCount = 0
	if err := s.conn(ctx).Create(job).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.conn(ctx).Preload("Agent").First(&job, id).Error; err != nil {
		return nil, notFound(err, ErrJobNotFound)
	}
	return &job, nil
}

// ListJobs returns the jobs owned by ownerID with their agent attached.
func (s *Store) ListJobs(ctx context.Context, ownerID uint) ([]models.Job, error) {
	var jobs []models.Job
	err := s.conn(ctx).Preload("Agent").
		Where("owner_id = ?", ownerID).
		Order("id asc").
		Find(&jobs).Error
	return jobs, unavailable(err)
}

// GetJobsForAgent returns every job assigned to agentID in id order.
func (s *Store) GetJobsForAgent(ctx context.Context, agentID uint) ([]models.Job, error) {
	var jobs []models.Job
	err := s.conn(ctx).
		Where("agent_id = ?", agentID).
		Order("id asc").
		Find(&jobs).Error
	return jobs, unavailable(err)
}

// ClaimJob moves a job to running unless an execution is already in flight
// or expectedAt was already handed out. dispatchedAt becomes lastRunAt and
// expectedAt records the fire time the dispatch belongs to. Both checks are
// part of the same UPDATE, so concurrent claims for one fire time cannot
// both succeed.
func (s *Store) ClaimJob(ctx context.Context, id uint, dispatchedAt, expectedAt time.Time) (*models.Job, error) {
	expectedAt = expectedAt.UTC()
	res := s.conn(ctx).Model(&models.Job{}).
		Where("id = ? AND status <> ?", id, models.StatusRunning).
		Where("(expected_at IS NULL OR expected_at <> ?)", expectedAt).
		Updates(map[string]any{
			"status":      models.StatusRunning,
			"last_run_at": dispatchedAt,
			"expected_at": expectedAt,
		})
	if res.Error != nil {
		return nil, unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == models.StatusRunning {
			return nil, ErrAlreadyRunning
		}
		return nil, ErrAlreadyDispatched
	}
	return s.GetJob(ctx, id)
}

// ReleaseClaim undoes ClaimJob for a dispatch that never reached an agent,
// restoring the fields captured in prev.
func (s *Store) ReleaseClaim(ctx context.Context, prev models.Job) error {
	status := prev.Status
	if status == models.StatusRunning || status == "" {
		status = models.StatusPending
	}
	res := s.conn(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", prev.ID, models.StatusRunning).
		Updates(map[string]any{
			"status":      status,
			"last_run_at": prev.LastRunAt,
			"expected_at": prev.ExpectedAt,
		})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateJobStatus applies a status transition. Fields left nil are derived
// from the state machine where it defines them: failures increment
// retryCount, successful runs reset it and clear lastError.
func (s *Store) UpdateJobStatus(ctx context.Context, id uint, upd models.StatusUpdate) error {
	if !upd.Status.Valid() {
		return ErrInvalidStatus
	}

	fields := map[string]any{"status": upd.Status}
	if upd.LastRunAt != nil {
		fields["last_run_at"] = *upd.LastRunAt
	}
	if upd.DelayMs != nil {
		fields["delay_ms"] = *upd.DelayMs
	}
	if upd.Output != nil {
		fields["last_output"] = truncate(*upd.Output, MaxOutputBytes)
	}

	switch upd.Status {
	case models.StatusFailed:
		if upd.RetryCount != nil {
			fields["retry_count"] = *upd.RetryCount
		} else {
			fields["retry_count"] = gorm.Expr("retry_count + 1")
		}
		if upd.LastError != nil {
			fields["last_error"] = *upd.LastError
		}
	case models.StatusSuccess, models.StatusDelayed:
		// A completed run always clears the failure streak.
		fields["retry_count"] = 0
		fields["last_error"] = nil
	default:
		if upd.RetryCount != nil {
			fields["retry_count"] = *upd.RetryCount
		}
		if upd.LastError != nil {
			fields["last_error"] = *upd.LastError
		}
	}

	res := s.conn(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job owned by ownerID. Reports from executions still
// in flight will find no record and be discarded.
func (s *Store) DeleteJob(ctx context.Context, id, ownerID uint) error {
	res := s.conn(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&models.Job{})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// truncate keeps the last n bytes of s, starting on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// CountJobsByStatus tallies the jobs owned by ownerID per status.
func (s *Store) CountJobsByStatus(ctx context.Context, ownerID uint) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	err := s.conn(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable(err)
	}
	counts := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
