package audit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// Actions emitted by the orchestrator and executors.
const (
	ActionTaskCreated          = "task_created"
	ActionTaskApproved         = "task_approved"
	ActionTaskRejected         = "task_rejected"
	ActionTaskExecutionStarted = "task_execution_started"
	ActionTaskExecuted         = "task_executed"
	ActionTaskInterrupted      = "task_interrupted"
	ActionStepExecuted         = "step_executed"
	ActionPermissionGranted    = "permission_granted"
	ActionPermissionRevoked    = "permission_revoked"
)

// Event is one immutable record in the hash-chained, append-only audit log.
type Event struct {
	ID        string         `json:"id"`                // UUID v7 (time-ordered)
	TaskID    string         `json:"task_id,omitempty"` // optional
	UserID    string         `json:"user_id,omitempty"` // optional
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"` // component that emitted the event
	Hash      string         `json:"hash"`      // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"` // hash chain link
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	TaskID string
	UserID string
	Action string
	Limit  int
	Offset int
}

// Store is the contract for audit persistence. Events are never updated or deleted.
type Store interface {
	Append(ctx context.Context, e *Event) (*Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	// Query returns matching events newest first.
	Query(ctx context.Context, f Filter) ([]Event, error)
	Count(ctx context.Context, f Filter) (int, error)
	VerifyChain(ctx context.Context) error
	EnsureTable(ctx context.Context) error
}

// computeHash computes a SHA-256 hash for chain integrity.
func computeHash(prevHash, id, action, source, taskID, userID string, timestamp time.Time, detailsJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%s", prevHash, id, action, source, taskID, userID, timestamp.UnixNano(), string(detailsJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}
