package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory audit Store that keeps the same hash chain as PgStore.
type MemStore struct {
	mu     sync.RWMutex
	events []Event // chronological
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// EnsureTable is a no-op.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Append stores e at the head of the chain.
func (s *MemStore) Append(_ context.Context, e *Event) (*Event, error) {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.Must(uuid.NewV7()).String()
	e.Timestamp = time.Now()
	if n := len(s.events); n > 0 {
		e.PrevHash = s.events[n-1].Hash
	} else {
		e.PrevHash = ""
	}
	e.Hash = computeHash(e.PrevHash, e.ID, e.Action, e.Source, e.TaskID, e.UserID, e.Timestamp, detailsJSON)
	s.events = append(s.events, *e)
	return e, nil
}

// Get retrieves a single event by ID.
func (s *MemStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.events {
		if s.events[i].ID == id {
			e := s.events[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("get audit event %s: not found", id)
}

// Query returns matching events newest first.
func (s *MemStore) Query(_ context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	skipped := 0
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if !matches(&s.events[i], f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, s.events[i])
	}
	return out, nil
}

// Count returns the number of matching events.
func (s *MemStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.events {
		if matches(&s.events[i], f) {
			n++
		}
	}
	return n, nil
}

// VerifyChain recomputes every hash in order.
func (s *MemStore) VerifyChain(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prevHash := ""
	for i, e := range s.events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("event %d (%s): prev_hash mismatch", i, e.ID)
		}
		detailsJSON, _ := json.Marshal(e.Details)
		if e.Hash != computeHash(prevHash, e.ID, e.Action, e.Source, e.TaskID, e.UserID, e.Timestamp, detailsJSON) {
			return fmt.Errorf("event %d (%s): hash mismatch", i, e.ID)
		}
		prevHash = e.Hash
	}
	return nil
}

func matches(e *Event, f Filter) bool {
	return (f.TaskID == "" || e.TaskID == f.TaskID) &&
		(f.UserID == "" || e.UserID == f.UserID) &&
		(f.Action == "" || e.Action == f.Action)
}
