package principal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed principal store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the principals table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS principals (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			role         TEXT NOT NULL DEFAULT 'user',
			permissions  JSONB NOT NULL DEFAULT '[]',
			api_key_hash TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS principals_name_idx ON principals(name)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS principals_key_idx ON principals(api_key_hash)`)
	return err
}

// Register creates a principal with a new API key.
func (s *PgStore) Register(ctx context.Context, name string, role Role, defaults []string) (*Principal, string, error) {
	key, hash, err := NewAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	if defaults == nil {
		defaults = []string{}
	}
	permsJSON, err := json.Marshal(defaults)
	if err != nil {
		return nil, "", fmt.Errorf("marshal permissions: %w", err)
	}

	p := &Principal{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        name,
		Role:        role,
		Permissions: defaults,
		CreatedAt:   time.Now().Truncate(time.Microsecond),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO principals (id, name, role, permissions, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		p.ID, p.Name, string(p.Role), string(permsJSON), hash, p.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("register principal %s: %w", name, err)
	}
	return p, key, nil
}

// Get returns a principal by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Principal, error) {
	p, err := s.scanOne(ctx, `SELECT id, name, role, permissions, created_at FROM principals WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get principal %s: %w", id, err)
	}
	return p, nil
}

// ByName returns a principal by name.
func (s *PgStore) ByName(ctx context.Context, name string) (*Principal, error) {
	p, err := s.scanOne(ctx, `SELECT id, name, role, permissions, created_at FROM principals WHERE name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("principal by name %s: %w", name, err)
	}
	return p, nil
}

// Authenticate resolves an API key to its principal.
func (s *PgStore) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	p, err := s.scanOne(ctx, `SELECT id, name, role, permissions, created_at FROM principals WHERE api_key_hash = $1`, HashAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return p, nil
}

// SetPermissions replaces a principal's default permission list.
func (s *PgStore) SetPermissions(ctx context.Context, id string, perms []string) error {
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE principals SET permissions = $1::jsonb WHERE id = $2`, string(permsJSON), id)
	if err != nil {
		return fmt.Errorf("set permissions for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set permissions for %s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns all principals.
func (s *PgStore) List(ctx context.Context) ([]Principal, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, role, permissions, created_at FROM principals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var out []Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Principal, error) {
	p, err := scanPrincipal(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPrincipal(row pgx.Row) (*Principal, error) {
	var p Principal
	var role string
	var permsJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &role, &permsJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Role = Role(role)
	if err := json.Unmarshal(permsJSON, &p.Permissions); err != nil {
		p.Permissions = []string{}
	}
	return &p, nil
}
