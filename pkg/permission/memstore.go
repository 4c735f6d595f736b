package permission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory grant Store.
type MemStore struct {
	mu     sync.RWMutex
	grants []Grant
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// EnsureTable is a no-op.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Grant stores a new active grant.
func (s *MemStore) Grant(_ context.Context, g *Grant) (*Grant, error) {
	g.ID = uuid.Must(uuid.NewV7()).String()
	g.CreatedAt = time.Now()
	g.Active = true

	s.mu.Lock()
	s.grants = append(s.grants, *g)
	s.mu.Unlock()
	return g, nil
}

// Revoke deactivates matching active grants.
func (s *MemStore) Revoke(_ context.Context, principalID, permission, resource string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.grants {
		g := &s.grants[i]
		if g.Active && g.PrincipalID == principalID && g.Permission == permission && g.Resource == resource {
			g.Active = false
			n++
		}
	}
	return n, nil
}

// Active returns live grants at now.
func (s *MemStore) Active(_ context.Context, principalID string, now time.Time) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, g := range s.grants {
		if g.PrincipalID == principalID && g.Live(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

// List returns every grant for the principal, newest first.
func (s *MemStore) List(_ context.Context, principalID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for i := len(s.grants) - 1; i >= 0; i-- {
		if s.grants[i].PrincipalID == principalID {
			out = append(out, s.grants[i])
		}
	}
	return out, nil
}

// HasResource reports whether a live exact (principal, permission, resource) row exists.
func (s *MemStore) HasResource(_ context.Context, principalID, permission, resource string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if g.PrincipalID == principalID && g.Permission == permission && g.Resource == resource && g.Live(now) {
			return true, nil
		}
	}
	return false, nil
}
