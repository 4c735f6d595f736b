package principal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory principal Store.
type MemStore struct {
	mu         sync.RWMutex
	principals map[string]*Principal
	keys       map[string]string // api key hash -> principal id
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		principals: make(map[string]*Principal),
		keys:       make(map[string]string),
	}
}

// EnsureTable is a no-op.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Register creates a principal with a new API key.
func (s *MemStore) Register(_ context.Context, name string, role Role, defaults []string) (*Principal, string, error) {
	key, hash, err := NewAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.principals {
		if p.Name == name {
			return nil, "", fmt.Errorf("register principal %s: name taken", name)
		}
	}
	p := &Principal{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        name,
		Role:        role,
		Permissions: append([]string{}, defaults...),
		CreatedAt:   time.Now(),
	}
	s.principals[p.ID] = p
	s.keys[hash] = p.ID
	return clone(p), key, nil
}

// Get returns a principal by ID.
func (s *MemStore) Get(_ context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, fmt.Errorf("get principal %s: %w", id, ErrNotFound)
	}
	return clone(p), nil
}

// ByName returns a principal by name.
func (s *MemStore) ByName(_ context.Context, name string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.Name == name {
			return clone(p), nil
		}
	}
	return nil, fmt.Errorf("principal by name %s: %w", name, ErrNotFound)
}

// Authenticate resolves an API key to its principal.
func (s *MemStore) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	s.mu.RLock()
	id, ok := s.keys[HashAPIKey(apiKey)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("authenticate: %w", ErrNotFound)
	}
	return s.Get(ctx, id)
}

// SetPermissions replaces a principal's default permission list.
func (s *MemStore) SetPermissions(_ context.Context, id string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return fmt.Errorf("set permissions for %s: %w", id, ErrNotFound)
	}
	p.Permissions = append([]string{}, perms...)
	return nil
}

// List returns all principals, oldest first.
func (s *MemStore) List(context.Context) ([]Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Principal, 0, len(s.principals))
	for _, p := range s.principals {
		out = append(out, *clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(p *Principal) *Principal {
	cp := *p
	cp.Permissions = append([]string{}, p.Permissions...)
	return &cp
}
