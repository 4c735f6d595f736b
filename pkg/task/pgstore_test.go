package task

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TASKPILOT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TASKPILOT_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPgStoreTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewPgStore(testPool(t))
	if err := s.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	user := "pg-test-" + uuid.NewString()
	created, err := s.Create(ctx, newTask(user, 2))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Plan) != 2 || got.Status != Pending {
		t.Fatalf("unexpected task: %+v", got)
	}

	if _, err := s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Pending, To: Rejected, Actor: user, Reason: "not needed"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err = s.UpdateStatus(ctx, created.ID, StatusUpdate{From: Pending, To: Approved, Actor: user})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	after, _ := s.Get(ctx, created.ID)
	if after.Status != Rejected || after.RejectionReason != "not needed" || after.ApprovedBy != "" || after.ExecutedAt != nil {
		t.Errorf("unexpected record after reject: %+v", after)
	}

	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	mine, err := s.ListForUser(ctx, user, "", 10)
	if err != nil || len(mine) != 1 {
		t.Errorf("ListForUser = %d tasks, err %v", len(mine), err)
	}
}
