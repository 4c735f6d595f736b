package orchestrator

import (
	"errors"
	"fmt"

	"taskpilot/pkg/task"
)

// ErrInvalidState matches every *InvalidStateError via errors.Is.
var ErrInvalidState = errors.New("invalid task state")

// InvalidStateError reports an approve, reject or execute call against a task
// that is not in the status the action requires. Nothing was written.
type InvalidStateError struct {
	TaskID string
	Status task.Status
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Action, e.TaskID, e.Status)
}

// Is makes errors.Is(err, ErrInvalidState) true.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// PlanningError reports that the planner failed or produced an invalid plan.
// No task was created.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return "planning failed: " + e.Err.Error() }
func (e *PlanningError) Unwrap() error { return e.Err }

// PersistenceError reports a task store write that failed after all retries.
type PersistenceError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for task %s: %v", e.Op, e.TaskID, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }
