package models

import (
	"encoding/json"
	"time"
)

// JobState enumerates the substrate lifecycle of a deferred job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// CancelOutcome reports what a cancel call did to a job.
type CancelOutcome string

const (
	CancelRemoved  CancelOutcome = "removed"
	CancelNotFound CancelOutcome = "not_found"

	// CancelAlreadyFired means the job completed; its record is kept so the id stays taken.
	CancelAlreadyFired CancelOutcome = "already_fired"

	// CancelRunning means the job is executing and will run to completion.
	CancelRunning CancelOutcome = "running"
)

// Job is a deferred unit of work held by the substrate.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	FireAt      time.Time       `json:"fire_at"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	RoundID  string    `json:"round_id"`
	Stage    string    `json:"stage"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
