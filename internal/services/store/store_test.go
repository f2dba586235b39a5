package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"cronmesh/internal/database"
	"cronmesh/internal/models"
	"cronmesh/internal/services/cron"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)}
	return New(db).WithClock(clock.Now), clock
}

func seedJob(t *testing.T, s *Store, schedule string) (*models.Job, *models.Agent) {
	t.Helper()
	ctx := context.Background()
	agent, _, err := s.RegisterOrReuseAgent(ctx, "worker-1", "10.0.0.5", 1)
	if err != nil {
		t.Fatal(err)
	}
	job := &models.Job{Command: "echo hi", Schedule: schedule, OwnerID: 1, AgentID: &agent.ID}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job, agent
}

func TestCreateJobValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.CreateJob(ctx, &models.Job{Command: "true", Schedule: "bad", OwnerID: 1})
	if !errors.Is(err, cron.ErrInvalidSchedule) {
		t.Errorf("invalid schedule: err = %v", err)
	}

	missing := uint(42)
	err = s.CreateJob(ctx, &models.Job{Command: "true", Schedule: "* * * * *", OwnerID: 1, AgentID: &missing})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("unknown agent: err = %v", err)
	}

	job, _ := seedJob(t, s, "*/5 * * * *")
	if job.ID == 0 || job.Status != models.StatusPending {
		t.Errorf("created job = %+v", job)
	}
}

func TestRegisterOrReuseAgentDedups(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.RegisterOrReuseAgent(ctx, "host-a", "192.168.1.10", 1)
	if err != nil || !created {
		t.Fatalf("first registration: created=%v err=%v", created, err)
	}
	clock.Advance(time.Minute)
	second, created, err := s.RegisterOrReuseAgent(ctx, "host-a", "192.168.1.10", 2)
	if err != nil || created {
		t.Fatalf("second registration: created=%v err=%v", created, err)
	}

	if first.ID != second.ID {
		t.Errorf("agent ids differ: %d vs %d", first.ID, second.ID)
	}
	if second.RegisteredBy != 1 {
		t.Errorf("registeredBy = %d after reuse, want 1", second.RegisteredBy)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Errorf("lastSeen did not advance: %v -> %v", first.LastSeen, second.LastSeen)
	}

	other, created, _ := s.RegisterOrReuseAgent(ctx, "host-a", "192.168.1.11", 1)
	if !created || other.ID == first.ID {
		t.Error("different ip reused an existing agent")
	}

	agents, _ := s.ListAgents(ctx)
	if len(agents) != 2 {
		t.Errorf("agents = %d, want 2", len(agents))
	}
}

func TestTouchLastSeenIsMonotonic(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	agent, _, _ := s.RegisterOrReuseAgent(ctx, "h", "1.1.1.1", 1)

	clock.Advance(time.Minute)
	if err := s.TouchLastSeen(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	after, _ := s.GetAgent(ctx, agent.ID)
	if !after.LastSeen.After(agent.LastSeen) {
		t.Errorf("lastSeen not advanced")
	}

	clock.Advance(-time.Hour)
	if err := s.TouchLastSeen(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	again, _ := s.GetAgent(ctx, agent.ID)
	if again.LastSeen.Before(after.LastSeen) {
		t.Errorf("lastSeen moved backwards: %v -> %v", after.LastSeen, again.LastSeen)
	}

	if err := s.TouchLastSeen(ctx, 999); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("unknown agent: err = %v", err)
	}
}

func TestClaimJobIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		busy    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimJob(ctx, job.ID, now, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, ErrAlreadyRunning):
				busy++
			default:
				t.Errorf("ClaimJob: %v", err)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 || busy != callers-1 {
		t.Errorf("claimed=%d busy=%d, want 1 and %d", claimed, busy, callers-1)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Errorf("lastRunAt = %v, want %v", got.LastRunAt, now)
	}
}

func TestClaimJobRejectsDispatchedFireTime(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()
	fire := time.Date(2026, 1, 14, 10, 0, 0, 0, time.Local)

	if _, err := s.ClaimJob(ctx, job.ID, fire, fire); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: models.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	// Same fire time from a caller holding a pre-claim snapshot.
	_, err := s.ClaimJob(ctx, job.ID, fire.Add(time.Second), fire)
	if !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("reclaim same fire time: err = %v, want ErrAlreadyDispatched", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.StatusSuccess {
		t.Errorf("status = %s after rejected claim, want success", got.Status)
	}

	next := fire.Add(time.Minute)
	if _, err := s.ClaimJob(ctx, job.ID, next, next); err != nil {
		t.Errorf("claim next fire time: %v", err)
	}
}

func TestReleaseClaimRestoresPreviousState(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	before, _ := s.GetJob(ctx, job.ID)
	if _, err := s.ClaimJob(ctx, job.ID, now, now); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseClaim(ctx, *before); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.StatusPending || got.LastRunAt != nil || got.ExpectedAt != nil {
		t.Errorf("after release: status=%s lastRunAt=%v expectedAt=%v", got.Status, got.LastRunAt, got.ExpectedAt)
	}
	if _, err := s.ClaimJob(ctx, job.ID, now, now); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestStatusTransitionsRetryCount(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)
	msg := "exit status 1"

	for i := 1; i <= 3; i++ {
		tick := now.Add(time.Duration(i) * time.Minute)
		if _, err := s.ClaimJob(ctx, job.ID, tick, tick); err != nil {
			t.Fatalf("cycle %d claim: %v", i, err)
		}
		if err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: models.StatusFailed, LastError: &msg}); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetJob(ctx, job.ID)
		if got.Status != models.StatusFailed || got.RetryCount != i {
			t.Fatalf("cycle %d: status=%s retryCount=%d", i, got.Status, got.RetryCount)
		}
		if got.LastError == nil || *got.LastError != msg {
			t.Fatalf("cycle %d: lastError=%v", i, got.LastError)
		}
	}

	tick := now.Add(10 * time.Minute)
	if _, err := s.ClaimJob(ctx, job.ID, tick, tick); err != nil {
		t.Fatalf("failed job could not re-enter running: %v", err)
	}
	delay := int64(120)
	if err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: models.StatusSuccess, DelayMs: &delay}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.StatusSuccess || got.RetryCount != 0 || got.LastError != nil {
		t.Errorf("after success: status=%s retryCount=%d lastError=%v", got.Status, got.RetryCount, got.LastError)
	}
	if got.DelayMs == nil || *got.DelayMs != delay {
		t.Errorf("delayMs = %v, want %d", got.DelayMs, delay)
	}
}

func TestCompletedRunIgnoresReportedRetryCount(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()

	five := 5
	for _, status := range []models.JobStatus{models.StatusSuccess, models.StatusDelayed} {
		if err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: status, RetryCount: &five}); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetJob(ctx, job.ID)
		if got.RetryCount != 0 {
			t.Errorf("%s with retryCount=5: stored %d, want 0", status, got.RetryCount)
		}
	}
}

func TestUpdateJobStatusValidation(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()

	if err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: "exploded"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("invalid status: err = %v", err)
	}
	if err := s.UpdateJobStatus(ctx, 999, models.StatusUpdate{Status: models.StatusSuccess}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing job: err = %v", err)
	}
}

func TestDeletedJobDiscardsLateReport(t *testing.T) {
	s, _ := newTestStore(t)
	job, agent := seedJob(t, s, "* * * * *")
	ctx := context.Background()
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	if _, err := s.ClaimJob(ctx, job.ID, now, now); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob(ctx, job.ID, 2); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("delete by non-owner: err = %v", err)
	}
	if err := s.DeleteJob(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: models.StatusSuccess})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("late report: err = %v, want ErrJobNotFound", err)
	}
	jobs, _ := s.GetJobsForAgent(ctx, agent.ID)
	if len(jobs) != 0 {
		t.Errorf("deleted job still listed: %+v", jobs)
	}
}

func TestListJobsScopedToOwner(t *testing.T) {
	s, _ := newTestStore(t)
	_, agent := seedJob(t, s, "* * * * *")
	ctx := context.Background()
	other := &models.Job{Command: "true", Schedule: "0 * * * *", OwnerID: 2, AgentID: &agent.ID}
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatal(err)
	}

	mine, _ := s.ListJobs(ctx, 1)
	if len(mine) != 1 || mine[0].OwnerID != 1 {
		t.Errorf("owner 1 jobs = %+v", mine)
	}
	if mine[0].Agent == nil || mine[0].Agent.Hostname != "worker-1" {
		t.Error("agent not preloaded")
	}

	forAgent, _ := s.GetJobsForAgent(ctx, agent.ID)
	if len(forAgent) != 2 {
		t.Errorf("agent jobs = %d, want 2", len(forAgent))
	}
}

func TestUpdateJobStatusTruncatesOutput(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := seedJob(t, s, "* * * * *")
	ctx := context.Background()

	big := make([]byte, MaxOutputBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	out := string(big)
	if err := s.UpdateJobStatus(ctx, job.ID, models.StatusUpdate{Status: models.StatusSuccess, Output: &out}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if len(got.LastOutput) != MaxOutputBytes {
		t.Errorf("output length = %d, want %d", len(got.LastOutput), MaxOutputBytes)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// 3-byte runes do not divide MaxOutputBytes evenly.
	out := "start:" + strings.Repeat("日", MaxOutputBytes/3+10)
	got := truncate(out, MaxOutputBytes)
	if !utf8.ValidString(got) {
		t.Fatal("truncated output is not valid UTF-8")
	}
	if len(got) > MaxOutputBytes || len(got) < MaxOutputBytes-3 {
		t.Errorf("len = %d, want within a rune of %d", len(got), MaxOutputBytes)
	}
	if !strings.HasSuffix(out, got) {
		t.Error("truncate did not keep the tail")
	}
	if truncate("short", MaxOutputBytes) != "short" {
		t.Error("short output changed")
	}
}
