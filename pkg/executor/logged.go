package executor

import (
	"context"
	"time"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/task"
)

// Recorder is the part of the audit sink the logging wrapper needs.
type Recorder interface {
	Record(ctx context.Context, e audit.Event) string
}

// Logged wraps an executor and records one step_executed audit event per call.
type Logged struct {
	tool string
	next Executor
	rec  Recorder
}

// NewLogged wraps next, which is registered under tool.
func NewLogged(tool string, next Executor, rec Recorder) *Logged {
	return &Logged{tool: tool, next: next, rec: rec}
}

// Execute delegates to the wrapped executor and records the outcome.
func (l *Logged) Execute(ctx context.Context, step task.Step, dryRun bool) (Result, error) {
	start := time.Now()
	res, err := l.next.Execute(ctx, step, dryRun)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	details := map[string]any{
		"tool":        l.tool,
		"step_id":     step.StepID,
		"action":      step.Action,
		"success":     err == nil && res.Success,
		"duration_ms": res.Duration.Milliseconds(),
		"dry_run":     dryRun,
	}
	if err != nil {
		details["error"] = err.Error()
	} else if res.Error != "" {
		details["error"] = res.Error
	}

	inv := InvocationFrom(ctx)
	l.rec.Record(ctx, audit.Event{
		TaskID:  inv.TaskID,
		UserID:  inv.UserID,
		Action:  audit.ActionStepExecuted,
		Details: details,
		Source:  "executor",
	})
	return res, err
}

// RegisterLogged registers e under name wrapped in Logged.
func (r *Registry) RegisterLogged(name string, e Executor, rec Recorder) {
	r.Register(name, NewLogged(name, e, rec))
}
