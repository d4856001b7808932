// Package task defines the Task entity and the state-machine rules that
// govern its lifecycle. See store.go for the persistence interface.
package task

import (
	"errors"
	"time"

	"github.com/asyncgate/asyncgate/internal/principal"
)

// Status is the dynamic lifecycle state of a Task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether a status is a sink state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Requirements describes what a worker must offer to claim a task.
type Requirements struct {
	Capabilities map[string]struct{} `json:"capabilities"`
}

// SatisfiedBy reports whether offered is a superset of r's required
// capabilities.
func (r Requirements) SatisfiedBy(offered map[string]struct{}) bool {
	for c := range r.Capabilities {
		if _, ok := offered[c]; !ok {
			return false
		}
	}
	return true
}

// Result holds the terminal outcome of a task. Present only once the
// task has reached a terminal state.
type Result struct {
	Succeeded bool           `json:"succeeded"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Task is a unit of delegated work.
type Task struct {
	TenantID       string             `json:"tenant_id"`
	TaskID         string             `json:"task_id"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Type           string             `json:"type"`
	Payload        []byte             `json:"payload"`
	Requirements   Requirements       `json:"requirements"`
	Priority       int                `json:"priority"`
	MaxAttempts    int                `json:"max_attempts"`
	RetryBackoff   time.Duration      `json:"retry_backoff"`
	CreatedBy      principal.Principal `json:"created_by"`
	Status         Status             `json:"status"`
	Attempt        int                `json:"attempt"`
	NextEligibleAt time.Time          `json:"next_eligible_at"`
	Result         *Result            `json:"result,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Spec is the set of fields a caller supplies to create a task.
type Spec struct {
	Type         string
	Payload      []byte
	Requirements Requirements
	Priority     int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Errors returned by Store implementations and by the state machine.
var (
	ErrNotFound             = errors.New("task: not found")
	ErrInvalidStateTransition = errors.New("task: invalid state transition")
	ErrUnauthorized         = errors.New("task: unauthorized")
)

// transitionRule is one row of the table in spec.md §4.2.
type transitionRule struct {
	from Status
	to   Status
}

// allowedTransitions is the literal state-machine table. Cancellation
// ("any non-terminal -> canceled") is checked separately since it is not
// keyed by a single "from" state.
var allowedTransitions = map[transitionRule]bool{
	{StatusQueued, StatusLeased}:    true,
	{StatusLeased, StatusSucceeded}: true,
	{StatusLeased, StatusFailed}:    true,
	{StatusLeased, StatusQueued}:    true,
}

// CanTransition reports whether moving a task from `from` to `to` is
// legal under the state machine, independent of authorization checks
// (those are the caller's responsibility — e.g. cancellation requires
// the caller to be the task's owner).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCanceled {
		return true
	}
	return allowedTransitions[transitionRule{from, to}]
}
