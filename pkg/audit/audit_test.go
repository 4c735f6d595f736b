package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type failingStore struct{ *MemStore }

func (failingStore) Append(context.Context, *Event) (*Event, error) {
	return nil, errors.New("disk full")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemStoreChainAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, a := range []string{ActionTaskCreated, ActionTaskApproved, ActionTaskExecuted} {
		if _, err := s.Append(ctx, &Event{TaskID: "t1", UserID: "u1", Action: a, Source: "test"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.Append(ctx, &Event{TaskID: "t2", UserID: "u2", Action: ActionTaskCreated, Source: "test"})

	if err := s.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	events, _ := s.Query(ctx, Filter{TaskID: "t1"})
	if len(events) != 3 {
		t.Fatalf("expected 3 events for t1, got %d", len(events))
	}
	if events[0].Action != ActionTaskExecuted {
		t.Errorf("expected newest first, got %s", events[0].Action)
	}

	page, _ := s.Query(ctx, Filter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].Action != ActionTaskExecuted {
		t.Errorf("unexpected page: %+v", page)
	}

	n, _ := s.Count(ctx, Filter{Action: ActionTaskCreated})
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestMemStoreVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.Append(ctx, &Event{Action: ActionTaskCreated, Details: map[string]any{"intent": "x"}})
	s.Append(ctx, &Event{Action: ActionTaskApproved})

	s.events[0].Details["intent"] = "y"
	if err := s.VerifyChain(ctx); err == nil {
		t.Fatal("expected tampering to be detected")
	}
}

func TestRecorderFallsBackOnStoreFailure(t *testing.T) {
	r := NewRecorder(failingStore{NewMemStore()}, quietLogger())
	id := r.Record(context.Background(), Event{Action: ActionTaskCreated, TaskID: "t1"})
	if id != Unrecorded {
		t.Errorf("id = %q, want %q", id, Unrecorded)
	}
	if r.Fallbacks() != 1 {
		t.Errorf("Fallbacks = %d, want 1", r.Fallbacks())
	}
}

func TestRecorderFanOut(t *testing.T) {
	r := NewRecorder(NewMemStore(), quietLogger())
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	id := r.Record(context.Background(), Event{Action: ActionTaskRejected, TaskID: "t9"})
	if id == Unrecorded || id == "" {
		t.Fatalf("unexpected id %q", id)
	}
	select {
	case e := <-ch:
		if e.ID != id || e.Action != ActionTaskRejected {
			t.Errorf("got %+v", e)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}
}
