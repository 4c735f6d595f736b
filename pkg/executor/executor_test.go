package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/task"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, task.Step, bool) (Result, error) {
		return Result{Success: true}, nil
	})
	r.Register("speech", noop)
	r.Register("browser", noop)

	if _, ok := r.Get("speech"); !ok {
		t.Error("speech should be registered")
	}
	if _, ok := r.Get("messaging"); ok {
		t.Error("messaging should be absent")
	}
	names := r.List()
	if len(names) != 2 || names[0] != "browser" || names[1] != "speech" {
		t.Errorf("List = %v", names)
	}
}

func TestCommandDryRunHasNoSideEffects(t *testing.T) {
	c := NewCommand([]string{"git", "echo"}, t.TempDir())
	step := task.Step{Tool: CommandTool, Params: map[string]any{"command": "git", "args": []any{"status", "--short"}}}

	res, err := c.Execute(context.Background(), step, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "would run: git status --short" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCommandRejectsUnlistedBinary(t *testing.T) {
	c := NewCommand([]string{"echo"}, "")
	res, err := c.Execute(context.Background(), task.Step{Params: map[string]any{"command": "rm", "args": "-rf /"}}, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "not allowed") {
		t.Errorf("expected refusal, got %+v", res)
	}
}

func TestCommandMissingParams(t *testing.T) {
	c := NewCommand([]string{"echo"}, "")
	if _, err := c.Execute(context.Background(), task.Step{}, true); err == nil {
		t.Error("expected error for missing params.command")
	}
}

func TestCommandRunsEcho(t *testing.T) {
	c := NewCommand([]string{"echo"}, "")
	res, err := c.Execute(context.Background(), task.Step{Params: map[string]any{"command": "echo", "args": []string{"hello"}}}, false)
	if err != nil {
		t.Skipf("echo unavailable: %v", err)
	}
	out, _ := res.Output.(map[string]any)
	if !res.Success || strings.TrimSpace(out["stdout"].(string)) != "hello" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestLoggedRecordsStepEvent(t *testing.T) {
	store := audit.NewMemStore()
	rec := audit.NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := NewRegistry()
	r.RegisterLogged("speech", Func(func(context.Context, task.Step, bool) (Result, error) {
		return Result{}, errors.New("no audio device")
	}), rec)

	e, _ := r.Get("speech")
	ctx := WithInvocation(context.Background(), Invocation{TaskID: "t1", UserID: "u1"})
	if _, err := e.Execute(ctx, task.Step{StepID: 1, Action: "say hi"}, true); err == nil {
		t.Fatal("expected wrapped error to pass through")
	}

	events, _ := store.Query(context.Background(), audit.Filter{Action: audit.ActionStepExecuted})
	if len(events) != 1 {
		t.Fatalf("expected 1 step_executed event, got %d", len(events))
	}
	ev := events[0]
	if ev.TaskID != "t1" || ev.UserID != "u1" {
		t.Errorf("invocation not recorded: %+v", ev)
	}
	if ev.Details["success"] != false || ev.Details["dry_run"] != true || ev.Details["tool"] != "speech" {
		t.Errorf("details = %v", ev.Details)
	}
}

type recordingNotifier struct {
	to, title, msg string
	reach          int
}

func (n *recordingNotifier) Notify(_ context.Context, principalID, title, msg string) int {
	n.to, n.title, n.msg = principalID, title, msg
	return n.reach
}

func TestNotify(t *testing.T) {
	step := task.Step{Tool: NotificationTool, Params: map[string]any{"message": "backup finished"}}

	t.Run("dry run", func(t *testing.T) {
		n := &recordingNotifier{reach: 1}
		res, err := NewNotify(n).Execute(context.Background(), step, true)
		if err != nil || !res.Success || res.Output != "would notify: taskpilot: backup finished" {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
		if n.to != "" {
			t.Error("dry run must not deliver")
		}
	})

	t.Run("delivers to invoking principal", func(t *testing.T) {
		n := &recordingNotifier{reach: 2}
		ctx := WithInvocation(context.Background(), Invocation{TaskID: "t1", UserID: "u1"})
		res, err := NewNotify(n).Execute(ctx, step, false)
		if err != nil || !res.Success {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
		if n.to != "u1" || n.msg != "backup finished" {
			t.Errorf("delivered %+v", n)
		}
	})

	t.Run("no clients is a failed step", func(t *testing.T) {
		ctx := WithInvocation(context.Background(), Invocation{UserID: "u1"})
		res, err := NewNotify(&recordingNotifier{}).Execute(ctx, step, false)
		if err != nil || res.Success {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})

	t.Run("message required", func(t *testing.T) {
		_, err := NewNotify(&recordingNotifier{}).Execute(context.Background(), task.Step{}, true)
		if err == nil {
			t.Fatal("expected error")
		}
	})
}
