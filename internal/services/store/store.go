// Package store persists jobs, agents and users and owns the job state
// machine's concurrency contract: every transition is a single conditional
// UPDATE, so concurrent writers on the same job serialise in the database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrAlreadyRunning = errors.New("job already running")
	// ErrAlreadyDispatched rejects a second claim for a fire time that was
	// already handed out.
	ErrAlreadyDispatched = errors.New("job already dispatched for this fire time")
	ErrInvalidStatus     = errors.New("invalid job status")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// MaxOutputBytes caps the command output kept on a job record.
const MaxOutputBytes = 4096

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the time source used for lastSeen bookkeeping.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// unavailable wraps unexpected database failures so callers can back off.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return unavailable(err)
}
