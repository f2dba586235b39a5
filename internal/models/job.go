package models

import (
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
	StatusDelayed JobStatus = "delayed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusDelayed:
		return true
	}
	return false
}

// Terminal reports whether s ends an execution.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusDelayed
}

type Job struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	Name       string         `json:"name"`
	Command    string         `json:"command" gorm:"not null"`
	Schedule   string         `json:"schedule" gorm:"not null"` // Cron syntax: * * * * *
	OwnerID    uint           `json:"owner_id" gorm:"index;not null"`
	AgentID    *uint          `json:"agent_id" gorm:"index"`
	Agent      *Agent         `json:"agent,omitempty" gorm:"foreignKey:AgentID"`
	Status     JobStatus      `json:"status" gorm:"size:20;default:'pending'"`
	LastRunAt  *time.Time     `json:"last_run_at"`
	ExpectedAt *time.Time     `json:"expected_at"` // previous fire time computed at dispatch
	RetryCount int            `json:"retry_count" gorm:"default:0"`
	LastError  *string        `json:"last_error"`
	LastOutput string         `json:"last_output" gorm:"type:text"`
	DelayMs    *int64         `json:"delay_ms"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-" gorm:"index"`
}

// AssignedTo reports whether the job is dispatched to agentID.
func (j *Job) AssignedTo(agentID uint) bool {
	return j.AgentID != nil && *j.AgentID == agentID
}

// DispatchedJob is the payload an agent receives for one due job.
type DispatchedJob struct {
	ID           uint      `json:"id"`
	Command      string    `json:"command"`
	Schedule     string    `json:"schedule"`
	RetryCount   int       `json:"retryCount"`
	ExpectedAt   time.Time `json:"expectedAt"`
	DispatchedAt time.Time `json:"dispatchedAt"`
}

// StatusUpdate carries a job state transition. Only Status is required.
type StatusUpdate struct {
	Status     JobStatus  `json:"status"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	RetryCount *int       `json:"retryCount,omitempty"`
	LastError  *string    `json:"lastError,omitempty"`
	DelayMs    *int64     `json:"delayMs,omitempty"`
	Output     *string    `json:"output,omitempty"`
}
