package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store, used when no database is configured and in tests.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task), now: time.Now}
}

// EnsureTable is a no-op.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Create stores a new pending task.
func (s *MemStore) Create(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = uuid.Must(uuid.NewV7()).String()
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = Pending
	if t.Plan == nil {
		t.Plan = []Step{}
	}
	s.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// UpdateStatus applies u only while the task still has status u.From.
func (s *MemStore) UpdateStatus(_ context.Context, id string, u StatusUpdate) (*Task, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if t.Status != u.From {
		return nil, fmt.Errorf("update task %s: %w: is %s, want %s", id, ErrStatusConflict, t.Status, u.From)
	}
	u.apply(t, s.now())
	return t.Clone(), nil
}

// ListForUser returns a principal's tasks, newest first.
func (s *MemStore) ListForUser(_ context.Context, userID string, status Status, limit int) ([]Task, error) {
	return s.filter(func(t *Task) bool {
		return t.UserID == userID && (status == "" || t.Status == status)
	}, true, limit), nil
}

// ListPending returns pending tasks, oldest first.
func (s *MemStore) ListPending(ctx context.Context, limit int) ([]Task, error) {
	return s.ListByStatus(ctx, Pending, limit)
}

// ListByStatus returns tasks with the given status, oldest first.
func (s *MemStore) ListByStatus(_ context.Context, status Status, limit int) ([]Task, error) {
	return s.filter(func(t *Task) bool { return t.Status == status }, false, limit), nil
}

// CountByStatus returns the number of tasks in each status.
func (s *MemStore) CountByStatus(context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[Status]int{}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemStore) filter(keep func(*Task) bool, newestFirst bool, limit int) []Task {
	s.mu.Lock()
	var out []Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, *t.Clone())
		}
	}
	s.mu.Unlock()

	// UUIDv7 ids break ties between equal timestamps in creation order.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
