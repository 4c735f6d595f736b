package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	Pending   Status = "pending"
	Approved  Status = "approved"
	Rejected  Status = "rejected"
	Executing Status = "executing"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	Pending:   {Approved, Rejected},
	Approved:  {Executing, Failed},
	Executing: {Completed, Failed},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == Completed || s == Rejected || s == Failed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Pending, Approved, Rejected, Executing, Completed, Failed:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no task has the requested ID.
	ErrNotFound = errors.New("task not found")
	// ErrStatusConflict is returned by UpdateStatus when the persisted status
	// no longer matches the expected one. Nothing is written in that case.
	ErrStatusConflict = errors.New("task status conflict")
	// ErrIllegalTransition is returned for an edge the state machine does not have.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Step is one unit of work in a task's plan, dispatched to exactly one executor.
type Step struct {
	StepID           int            `json:"step_id" yaml:"step_id"`
	Action           string         `json:"action" yaml:"action"`
	Tool             string         `json:"tool" yaml:"tool"`
	Params           map[string]any `json:"params,omitempty" yaml:"params"`
	RequiresApproval bool           `json:"requires_approval" yaml:"requires_approval"` // informational; approval is per task
	Permissions      []string       `json:"permissions,omitempty" yaml:"permissions"`
}

// Task is one user-initiated request, from intent to terminal outcome.
type Task struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Status          Status     `json:"status"`
	Intent          string     `json:"intent"`
	UserText        string     `json:"user_text"`
	Plan            []Step     `json:"plan"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Clone returns a deep copy of t. Params maps are shared.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Plan != nil {
		cp.Plan = make([]Step, len(t.Plan))
		for i, s := range t.Plan {
			s.Permissions = append([]string(nil), s.Permissions...)
			cp.Plan[i] = s
		}
	}
	if t.ApprovedAt != nil {
		at := *t.ApprovedAt
		cp.ApprovedAt = &at
	}
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		cp.ExecutedAt = &at
	}
	return &cp
}

// StatusUpdate describes a guarded status change. The update applies only
// while the persisted status still equals From.
type StatusUpdate struct {
	From         Status
	To           Status
	Actor        string // approver for Approved, rejecter for Rejected
	Reason       string // rejection reason
	ErrorMessage string
}

// Validate checks that the update is an edge of the state machine.
func (u StatusUpdate) Validate() error {
	if !CanTransition(u.From, u.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, u.From, u.To)
	}
	return nil
}

// apply mutates t according to u at time now. Callers must have checked
// the From guard.
func (u StatusUpdate) apply(t *Task, now time.Time) {
	t.Status = u.To
	t.UpdatedAt = now
	switch u.To {
	case Approved:
		t.ApprovedBy = u.Actor
		t.ApprovedAt = &now
	case Executing:
		t.ExecutedAt = &now
	case Rejected:
		t.RejectedBy = u.Actor
		t.RejectionReason = u.Reason
	}
	if u.ErrorMessage != "" {
		t.ErrorMessage = u.ErrorMessage
	}
}

// EncodePlan serializes a plan for storage.
func EncodePlan(steps []Step) ([]byte, error) {
	if steps == nil {
		steps = []Step{}
	}
	return json.Marshal(steps)
}

// DecodePlan decodes a stored plan into typed steps.
func DecodePlan(raw []byte) ([]Step, error) {
	if len(raw) == 0 {
		return []Step{}, nil
	}
	var steps []Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return steps, nil
}

// Store is the contract for task persistence.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*Task, error)
	ListForUser(ctx context.Context, userID string, status Status, limit int) ([]Task, error)
	ListPending(ctx context.Context, limit int) ([]Task, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Task, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	EnsureTable(ctx context.Context) error
}
