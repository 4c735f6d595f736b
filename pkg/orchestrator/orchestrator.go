// Package orchestrator owns the task lifecycle: planning, approval,
// permission-gated execution and status fan-out.
//
// Transitions are gated by the persisted status alone. Each one is a
// compare-and-set in the task store, so a second approve or execute for the
// same task loses the race and gets an InvalidStateError instead of running
// the plan twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/executor"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/planner"
	"taskpilot/pkg/task"
)

const source = "orchestrator"

// Permissions resolves a principal's effective permission set. Lookups fail
// closed, so there is no error to handle.
type Permissions interface {
	Effective(ctx context.Context, principalID string) permission.Set
}

// Auditor is the best-effort audit sink.
type Auditor interface {
	Record(ctx context.Context, e audit.Event) string
}

// Notifier is told about every persisted transition.
type Notifier interface {
	TaskChanged(ctx context.Context, t *task.Task)
}

// Deps are the collaborators an Orchestrator needs. Notifier and Logger are optional.
type Deps struct {
	Tasks       task.Store
	Permissions Permissions
	Executors   *executor.Registry
	Planner     planner.Planner
	Audit       Auditor
	Notifier    Notifier
	Logger      *slog.Logger
}

// Options tune execution.
type Options struct {
	StepTimeout    time.Duration // per-step executor timeout; 0 disables
	PersistRetries int           // attempts for the terminal status write
	RetryBackoff   time.Duration // base delay between terminal write attempts
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{StepTimeout: 2 * time.Minute, PersistRetries: 3, RetryBackoff: 200 * time.Millisecond}
}

// Orchestrator drives tasks through the state machine.
type Orchestrator struct {
	tasks    task.Store
	perms    Permissions
	registry *executor.Registry
	planner  planner.Planner
	audit    Auditor
	notifier Notifier
	log      *slog.Logger
	opts     Options
}

// New creates an Orchestrator.
func New(d Deps, opts Options) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if opts.PersistRetries < 1 {
		opts.PersistRetries = 1
	}
	return &Orchestrator{
		tasks:    d.Tasks,
		perms:    d.Permissions,
		registry: d.Executors,
		planner:  d.Planner,
		audit:    d.Audit,
		notifier: d.Notifier,
		log:      d.Logger.With("component", source),
		opts:     opts,
	}
}

// SetNotifier installs n as the transition listener. Call it before the
// orchestrator starts serving requests.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID   int           `json:"step_id"`
	Action   string        `json:"action"`
	Tool     string        `json:"tool"`
	Success  bool          `json:"success"`
	Output   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionResult aggregates a run. Success is true iff no step failed.
// A dry-run approval fills Preview instead of Steps.
type ExecutionResult struct {
	TaskID   string        `json:"task_id"`
	Status   task.Status   `json:"status"`
	DryRun   bool          `json:"dry_run"`
	Success  bool          `json:"success"`
	Steps    []StepResult  `json:"steps,omitempty"`
	Preview  []task.Step   `json:"preview,omitempty"`
	Errors   []string      `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// PlanAndCreate plans text on behalf of principalID and stores the result as
// a pending task.
func (o *Orchestrator) PlanAndCreate(ctx context.Context, text, principalID string, preferences map[string]any) (*task.Task, error) {
	pc := planner.Context{
		Permissions: o.perms.Effective(ctx, principalID).Sorted(),
		Preferences: preferences,
		Tools:       o.registry.List(),
	}
	plan, err := o.planner.Plan(ctx, text, pc)
	if err != nil {
		return nil, &PlanningError{Err: err}
	}
	if err := planner.Validate(plan); err != nil {
		return nil, &PlanningError{Err: err}
	}

	t, err := o.tasks.Create(ctx, &task.Task{
		UserID:   principalID,
		Status:   task.Pending,
		Intent:   plan.Intent,
		UserText: text,
		Plan:     plan.Steps,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "create", Err: err}
	}

	o.record(ctx, t, audit.ActionTaskCreated, principalID, map[string]any{
		"intent": t.Intent,
		"steps":  len(t.Plan),
	})
	o.notify(ctx, t)
	o.log.Info("task created", "task_id", t.ID, "user_id", principalID, "steps", len(t.Plan))
	return t, nil
}

// Approve moves a pending task to approved. Unless dryRun is set, execution
// starts immediately on behalf of the task's owner. A dry run returns the plan
// as a preview without consulting any executor; the task stays approved.
func (o *Orchestrator) Approve(ctx context.Context, taskID, approver string, dryRun bool) (*ExecutionResult, error) {
	t, err := o.transition(ctx, taskID, "approve", task.StatusUpdate{From: task.Pending, To: task.Approved, Actor: approver})
	if err != nil {
		return nil, err
	}
	o.record(ctx, t, audit.ActionTaskApproved, approver, map[string]any{"dry_run": dryRun})
	o.notify(ctx, t)

	if dryRun {
		preview := make([]task.Step, len(t.Plan))
		copy(preview, t.Plan)
		return &ExecutionResult{
			TaskID:  t.ID,
			Status:  t.Status,
			DryRun:  true,
			Success: true,
			Preview: preview,
			Errors:  []string{},
		}, nil
	}
	return o.run(ctx, t, t.UserID)
}

// Reject moves a pending task to rejected.
func (o *Orchestrator) Reject(ctx context.Context, taskID, rejecter, reason string) error {
	t, err := o.transition(ctx, taskID, "reject", task.StatusUpdate{From: task.Pending, To: task.Rejected, Actor: rejecter, Reason: reason})
	if err != nil {
		return err
	}
	o.record(ctx, t, audit.ActionTaskRejected, rejecter, map[string]any{"reason": reason})
	o.notify(ctx, t)
	o.log.Info("task rejected", "task_id", t.ID, "by", rejecter)
	return nil
}

// Execute runs an approved task on behalf of principalID. With dryRun set the
// steps are checked and dispatched in dry-run mode and the task keeps its status.
func (o *Orchestrator) Execute(ctx context.Context, taskID, principalID string, dryRun bool) (*ExecutionResult, error) {
	t, err := o.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.Approved {
		return nil, &InvalidStateError{TaskID: taskID, Status: t.Status, Action: "execute"}
	}
	if dryRun {
		start := time.Now()
		res := o.runSteps(ctx, t, principalID, true)
		res.Status = t.Status
		res.Duration = time.Since(start)
		return res, nil
	}
	return o.run(ctx, t, principalID)
}

// Get returns a task by ID.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return o.tasks.Get(ctx, taskID)
}

// ListForUser returns a principal's tasks, newest first.
func (o *Orchestrator) ListForUser(ctx context.Context, principalID string, status task.Status, limit int) ([]task.Task, error) {
	return o.tasks.ListForUser(ctx, principalID, status, clampLimit(limit))
}

// ListPending returns tasks awaiting approval, oldest first.
func (o *Orchestrator) ListPending(ctx context.Context, limit int) ([]task.Task, error) {
	return o.tasks.ListPending(ctx, clampLimit(limit))
}

// Counts returns the number of tasks per status.
func (o *Orchestrator) Counts(ctx context.Context) (map[task.Status]int, error) {
	return o.tasks.CountByStatus(ctx)
}

// Tools lists the registered executor names.
func (o *Orchestrator) Tools() []string {
	return o.registry.List()
}

// RecoverInterrupted fails every task a previous process left in executing.
// It must run before any new execution starts.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	const batch = 100
	recovered := 0
	for {
		stuck, err := o.tasks.ListByStatus(ctx, task.Executing, batch)
		if err != nil {
			return recovered, fmt.Errorf("list executing tasks: %w", err)
		}
		progress := 0
		for i := range stuck {
			t, err := o.tasks.UpdateStatus(ctx, stuck[i].ID, task.StatusUpdate{
				From:         task.Executing,
				To:           task.Failed,
				ErrorMessage: "interrupted: orchestrator restarted",
			})
			if err != nil {
				o.log.Error("recover interrupted task", "task_id", stuck[i].ID, "error", err)
				continue
			}
			progress++
			o.record(ctx, t, audit.ActionTaskInterrupted, t.UserID, map[string]any{"error": t.ErrorMessage})
			o.notify(ctx, t)
		}
		recovered += progress
		if len(stuck) < batch || progress == 0 {
			break
		}
	}
	if recovered > 0 {
		o.log.Warn("recovered interrupted tasks", "count", recovered)
	}
	return recovered, nil
}

// transition applies a guarded status change, mapping a lost guard to
// InvalidStateError.
func (o *Orchestrator) transition(ctx context.Context, taskID, action string, u task.StatusUpdate) (*task.Task, error) {
	current, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status != u.From {
		return nil, &InvalidStateError{TaskID: taskID, Status: current.Status, Action: action}
	}
	t, err := o.tasks.UpdateStatus(ctx, taskID, u)
	if errors.Is(err, task.ErrStatusConflict) {
		status := task.Status("unknown")
		if latest, gerr := o.tasks.Get(ctx, taskID); gerr == nil {
			status = latest.Status
		}
		return nil, &InvalidStateError{TaskID: taskID, Status: status, Action: action}
	}
	if err != nil {
		return nil, &PersistenceError{TaskID: taskID, Op: action, Err: err}
	}
	return t, nil
}

// run drives an approved task through executing to its terminal status.
// Once started it is not cancelled by the caller's context.
func (o *Orchestrator) run(ctx context.Context, t *task.Task, principalID string) (*ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	t, err := o.transition(ctx, t.ID, "execute", task.StatusUpdate{From: task.Approved, To: task.Executing})
	if err != nil {
		return nil, err
	}
	o.record(ctx, t, audit.ActionTaskExecutionStarted, principalID, map[string]any{"steps": len(t.Plan)})
	o.notify(ctx, t)

	res := o.runSteps(ctx, t, principalID, false)
	res.Duration = time.Since(start)

	final := task.StatusUpdate{From: task.Executing, To: task.Completed}
	if !res.Success {
		final.To = task.Failed
		final.ErrorMessage = strings.Join(res.Errors, "; ")
	}
	done, err := o.finish(ctx, t.ID, final)
	if err != nil {
		res.Status = task.Executing
		return res, err
	}
	res.Status = done.Status

	o.record(ctx, done, audit.ActionTaskExecuted, principalID, map[string]any{
		"duration_ms":  res.Duration.Milliseconds(),
		"errors_count": len(res.Errors),
		"success":      res.Success,
		"steps":        len(res.Steps),
	})
	o.notify(ctx, done)
	o.log.Info("task executed", "task_id", t.ID, "status", done.Status, "errors", len(res.Errors), "duration", res.Duration)
	return res, nil
}

// finish writes the terminal status, retrying transient failures. Exhausting
// the retries leaves the task stuck in executing and is logged as fatal.
func (o *Orchestrator) finish(ctx context.Context, taskID string, u task.StatusUpdate) (*task.Task, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.PersistRetries; attempt++ {
		t, err := o.tasks.UpdateStatus(ctx, taskID, u)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if errors.Is(err, task.ErrStatusConflict) || errors.Is(err, task.ErrNotFound) {
			break
		}
		o.log.Warn("terminal status write failed", "task_id", taskID, "attempt", attempt, "error", err)
		if attempt < o.opts.PersistRetries && o.opts.RetryBackoff > 0 {
			time.Sleep(o.opts.RetryBackoff * time.Duration(attempt))
		}
	}
	perr := &PersistenceError{TaskID: taskID, Op: string(u.To), Err: lastErr}
	o.log.Error("FATAL: task left in executing", "task_id", taskID, "target", u.To, "error", lastErr)
	return nil, perr
}

// runSteps walks the plan in order. A failing step never stops later steps.
func (o *Orchestrator) runSteps(ctx context.Context, t *task.Task, principalID string, dryRun bool) *ExecutionResult {
	ctx = executor.WithInvocation(ctx, executor.Invocation{TaskID: t.ID, UserID: principalID})
	res := &ExecutionResult{TaskID: t.ID, DryRun: dryRun, Errors: []string{}}
	for _, step := range t.Plan {
		sr := o.runStep(ctx, principalID, step, dryRun)
		if !sr.Success {
			res.Errors = append(res.Errors, fmt.Sprintf("step %d (%s): %s", step.StepID, step.Tool, sr.Error))
		}
		res.Steps = append(res.Steps, sr)
	}
	res.Success = len(res.Errors) == 0
	return res
}

func (o *Orchestrator) runStep(ctx context.Context, principalID string, step task.Step, dryRun bool) StepResult {
	sr := StepResult{StepID: step.StepID, Action: step.Action, Tool: step.Tool}

	if len(step.Permissions) > 0 {
		if missing := o.perms.Effective(ctx, principalID).Missing(step.Permissions); len(missing) > 0 {
			sr.Error = "permission denied: missing " + strings.Join(missing, ", ")
			o.log.Warn("step permission denied", "step_id", step.StepID, "user_id", principalID, "missing", missing)
			return sr
		}
	}

	e, ok := o.registry.Get(step.Tool)
	if !ok {
		sr.Error = fmt.Sprintf("no executor registered for tool %q", step.Tool)
		return sr
	}

	start := time.Now()
	out, err := o.invoke(ctx, e, step, dryRun)
	sr.Duration = time.Since(start)
	switch {
	case err != nil:
		sr.Error = err.Error()
	case !out.Success:
		sr.Error = out.Error
		if sr.Error == "" {
			sr.Error = "executor reported failure"
		}
		sr.Output = out.Output
	default:
		sr.Success = true
		sr.Output = out.Output
	}
	return sr
}

type invokeOutcome struct {
	res executor.Result
	err error
}

// invoke calls an executor under the step timeout, turning panics and
// timeouts into errors.
func (o *Orchestrator) invoke(ctx context.Context, e executor.Executor, step task.Step, dryRun bool) (executor.Result, error) {
	if o.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.StepTimeout)
		defer cancel()
	}

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := e.Execute(ctx, step, dryRun)
		done <- invokeOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return executor.Result{}, fmt.Errorf("executor timed out after %s: %w", o.opts.StepTimeout, ctx.Err())
	}
}

func (o *Orchestrator) record(ctx context.Context, t *task.Task, action, userID string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["status"] = string(t.Status)
	o.audit.Record(ctx, audit.Event{
		TaskID:  t.ID,
		UserID:  userID,
		Action:  action,
		Details: details,
		Source:  source,
	})
}

func (o *Orchestrator) notify(ctx context.Context, t *task.Task) {
	if o.notifier != nil {
		o.notifier.TaskChanged(ctx, t.Clone())
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
