package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Waiting   Status = "waiting"
	Active    Status = "active"
	Delayed   Status = "delayed"
	Completed Status = "completed"
	Failed    Status = "failed"
)

type BackoffType string

const (
	BackoffNone        BackoffType = ""
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// JobOptions are handed to the store with every job. The store owns retry
// and removal; the pool never retries on its own.
type JobOptions struct {
	RemoveOnComplete bool
	Attempts         int
	BackoffType      BackoffType
	Backoff          time.Duration
}

// DefaultJobOptions drops the record on success and fails after one attempt.
func DefaultJobOptions() JobOptions {
	return JobOptions{RemoveOnComplete: true, Attempts: 1}
}

type Job struct {
	ID              string
	Queue           string
	Payload         json.RawMessage
	Options         JobOptions
	Status          Status
	AttemptsMade    int
	AttemptsStarted int
	StalledCount    int
	FailedReason    string
	LeaseToken      string
	LeaseExpiresAt  time.Time
	CreatedAt       time.Time
	FinishedAt      time.Time
}

// Lease is the store-granted exclusive claim on one job.
type Lease struct {
	JobID     string
	Token     string
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the lease window has elapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// TriggerCommand is the payload carried by a trigger job.
type TriggerCommand struct {
	TransactionID  string         `json:"transactionId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	EnvironmentID  string         `json:"environmentId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Template       string         `json:"template"`
	Recipient      string         `json:"recipient,omitempty"`
	To             []string       `json:"to,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Tenant         string         `json:"tenant,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}
