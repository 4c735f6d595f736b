package principal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Role selects a principal's default permission set.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ErrNotFound is returned when no principal matches the lookup.
var ErrNotFound = errors.New("principal not found")

// Principal is an authenticated actor on whose behalf permissions are checked.
type Principal struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions"` // role defaults, stored as JSON
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract for principal persistence.
type Store interface {
	// Register creates a principal and returns it with a freshly issued API
	// key. The key is only ever returned here; the store keeps its hash.
	Register(ctx context.Context, name string, role Role, defaults []string) (*Principal, string, error)

	// Get returns a principal by ID.
	Get(ctx context.Context, id string) (*Principal, error)

	// ByName returns a principal by name.
	ByName(ctx context.Context, name string) (*Principal, error)

	// Authenticate resolves an API key to its principal.
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)

	// SetPermissions replaces a principal's default permission list.
	SetPermissions(ctx context.Context, id string, perms []string) error

	// List returns all principals.
	List(ctx context.Context) ([]Principal, error)

	// EnsureTable creates the principals table if it doesn't exist.
	EnsureTable(ctx context.Context) error
}

// NewAPIKey returns a random API key and its storage hash.
func NewAPIKey() (key, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	key = "tp_" + hex.EncodeToString(b)
	return key, HashAPIKey(key), nil
}

// HashAPIKey returns the hex SHA-256 of an API key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
