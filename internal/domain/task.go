package domain

import (
	"encoding/json"
	"time"
)

// Status tracks where a task is in its lifecycle. Transitions only move
// forward: pending -> running -> one of the terminal states. A terminal
// record is immutable except for deletion.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRevoked   Status = "revoked"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRevoked
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusRevoked:
		return true
	}
	return false
}

// Priority orders tasks across queue tiers. Higher values are dequeued first,
// subject to the fairness bound in the queue package.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Priorities lists all tiers from highest to lowest, the order the queue
// prefers them at dequeue.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Record is the durable representation of one task. The execution handle is
// assigned exactly once, at enqueue time, and identifies the queued item for
// later revocation.
type Record struct {
	ID         string
	Name       string
	Type       string
	Executable string
	Args       json.RawMessage
	Kwargs     json.RawMessage
	Priority   Priority
	Status     Status
	Progress   int
	Result     json.RawMessage
	Error      string
	OwnerID    string
	Handle     string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// View is the serializable representation handed to external callers.
type View struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Priority    string          `json:"priority"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (r Record) View() View {
	return View{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.Type,
		Status:      r.Status,
		Priority:    r.Priority.String(),
		Progress:    r.Progress,
		Result:      r.Result,
		Error:       r.Error,
		OwnerID:     r.OwnerID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// Spec describes a task to create. Callers supply an already-authorized
// owner id; the registry validates the rest.
type Spec struct {
	Name       string
	Type       string
	Executable string
	Args       json.RawMessage
	Kwargs     json.RawMessage
	Priority   Priority
	OwnerID    string
}

func (s Spec) Validate() error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if s.Executable == "" {
		return &ValidationError{Field: "executable", Reason: "required"}
	}
	if !s.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "out of range"}
	}
	return nil
}
