package task

import (
	"context"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{Pending, Approved, true},
		{Pending, Rejected, true},
		{Approved, Executing, true},
		{Approved, Failed, true},
		{Executing, Completed, true},
		{Executing, Failed, true},
		{Pending, Executing, false},
		{Pending, Completed, false},
		{Approved, Rejected, false},
		{Rejected, Approved, false},
		{Completed, Failed, false},
		{Failed, Executing, false},
		{Executing, Approved, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{Completed, Rejected, Failed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{Pending, Approved, Executing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDecodePlan(t *testing.T) {
	raw := []byte(`[{"step_id":1,"action":"open editor","tool":"system","params":{"command":"ls"},"permissions":["run_command"]}]`)
	steps, err := DecodePlan(raw)
	if err != nil {
		t.Fatalf("DecodePlan: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	s := steps[0]
	if s.StepID != 1 || s.Tool != "system" || s.Params["command"] != "ls" {
		t.Errorf("unexpected step: %+v", s)
	}
	if len(s.Permissions) != 1 || s.Permissions[0] != "run_command" {
		t.Errorf("unexpected permissions: %v", s.Permissions)
	}

	if _, err := DecodePlan([]byte(`{"not":"a list"}`)); err == nil {
		t.Error("expected error for non-array plan")
	}
	empty, err := DecodePlan(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("DecodePlan(nil) = %v, %v", empty, err)
	}
}

func newTask(user string, steps int) *Task {
	t := &Task{UserID: user, Intent: "test", UserText: "do it"}
	for i := 1; i <= steps; i++ {
		t.Plan = append(t.Plan, Step{StepID: i, Action: "step", Tool: "noop"})
	}
	return t
}

func TestMemStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.Create(ctx, newTask("u1", 2))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != Pending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	approved, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Pending, To: Approved, Actor: "admin"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedBy != "admin" || approved.ApprovedAt == nil {
		t.Errorf("approval fields not set: %+v", approved)
	}
	if approved.ExecutedAt != nil {
		t.Error("executed_at should be unset after approval")
	}

	executing, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Approved, To: Executing})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executing.ExecutedAt == nil {
		t.Error("executed_at should be set")
	}

	failed, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Executing, To: Failed, ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.ErrorMessage != "boom" {
		t.Errorf("error message = %q", failed.ErrorMessage)
	}
}

func TestMemStoreStatusConflictLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created, _ := s.Create(ctx, newTask("u1", 1))
	if _, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Pending, To: Rejected, Actor: "u1", Reason: "no"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	before, _ := s.Get(ctx, created.ID)

	_, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Pending, To: Approved, Actor: "u2"})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	after, _ := s.Get(ctx, created.ID)
	if after.Status != before.Status || after.ApprovedBy != "" || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("record changed on conflict: before %+v after %+v", before, after)
	}
}

func TestMemStoreRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created, _ := s.Create(ctx, newTask("u1", 1))
	_, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Pending, To: Completed})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestMemStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "missing", StatusUpdate{From: Pending, To: Approved}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus: expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a, _ := s.Create(ctx, newTask("u1", 1))
	b, _ := s.Create(ctx, newTask("u1", 1))
	c, _ := s.Create(ctx, newTask("u2", 1))
	s.UpdateStatus(ctx, b.ID, StatusUpdate{From: Pending, To: Rejected})

	mine, _ := s.ListForUser(ctx, "u1", "", 10)
	if len(mine) != 2 || mine[0].ID != b.ID || mine[1].ID != a.ID {
		t.Errorf("ListForUser newest-first: got %v", ids(mine))
	}
	pendingMine, _ := s.ListForUser(ctx, "u1", Pending, 10)
	if len(pendingMine) != 1 || pendingMine[0].ID != a.ID {
		t.Errorf("ListForUser(pending): got %v", ids(pendingMine))
	}
	pending, _ := s.ListPending(ctx, 10)
	if len(pending) != 2 || pending[0].ID != a.ID || pending[1].ID != c.ID {
		t.Errorf("ListPending oldest-first: got %v", ids(pending))
	}
	limited, _ := s.ListPending(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %v", ids(limited))
	}
	counts, _ := s.CountByStatus(ctx)
	if counts[Pending] != 2 || counts[Rejected] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestMemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created, _ := s.Create(ctx, newTask("u1", 1))
	got, _ := s.Get(ctx, created.ID)
	got.Status = Completed
	got.Plan[0].Tool = "mutated"

	again, _ := s.Get(ctx, created.ID)
	if again.Status != Pending || again.Plan[0].Tool != "noop" {
		t.Errorf("store state leaked through returned copy: %+v", again)
	}
}

func ids(ts []Task) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
