package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"taskpilot/internal/config"
	"taskpilot/pkg/audit"
	"taskpilot/pkg/executor"
	"taskpilot/pkg/planner"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBootstrapAdminOnlyOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := principal.NewMemStore()

	if err := bootstrapAdmin(ctx, store, quietLogger()); err != nil {
		t.Fatalf("bootstrapAdmin: %v", err)
	}
	if err := bootstrapAdmin(ctx, store, quietLogger()); err != nil {
		t.Fatalf("second bootstrapAdmin: %v", err)
	}
	ps, _ := store.List(ctx)
	if len(ps) != 1 || ps[0].Role != principal.RoleAdmin {
		t.Fatalf("principals = %+v", ps)
	}
}

func TestOpenStoresInMemory(t *testing.T) {
	st, closeFn, err := openStores(context.Background(), config.Default(), quietLogger())
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer closeFn()
	if _, ok := st.tasks.(*task.MemStore); !ok {
		t.Errorf("tasks store = %T", st.tasks)
	}
}

func TestNewPlannerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	os.WriteFile(path, []byte("plans:\n  - match: hello\n    steps:\n      - {action: Say hi, tool: notification, params: {message: hi}}\n"), 0o644)

	p, err := newPlanner(config.PlannerConfig{Kind: "file", PlansFile: path})
	if err != nil {
		t.Fatalf("newPlanner: %v", err)
	}
	if _, err := p.Plan(context.Background(), "Hello there", planner.Context{}); err != nil {
		t.Errorf("Plan: %v", err)
	}

	if _, err := newPlanner(config.PlannerConfig{Kind: "file", PlansFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for missing catalog")
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string) int { return 0 }

func TestRegisterExecutors(t *testing.T) {
	reg := executor.NewRegistry()
	rec := audit.NewRecorder(audit.NewMemStore(), quietLogger())
	registerExecutors(reg, config.Default().Executors, nopNotifier{}, rec)

	want := []string{executor.NotificationTool, executor.CommandTool, systemInfoTool}
	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("List = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List = %v, want %v", got, want)
		}
	}

	info, _ := reg.Get(systemInfoTool)
	res, err := info.Execute(context.Background(), task.Step{Tool: systemInfoTool}, false)
	if err != nil || !res.Success {
		t.Fatalf("system_info = %+v, %v", res, err)
	}
	if n, _ := rec.Count(context.Background(), audit.Filter{Action: audit.ActionStepExecuted}); n != 1 {
		t.Errorf("step_executed events = %d", n)
	}
}
