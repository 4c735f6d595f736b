package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const grantColumns = `id, principal_id, permission, resource, expires_at, active, granted_by, created_at`

// PgStore is a PostgreSQL-backed grant store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the permission_grants table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS permission_grants (
			id           TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			permission   TEXT NOT NULL,
			resource     TEXT NOT NULL DEFAULT '',
			expires_at   TIMESTAMPTZ,
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			granted_by   TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_grants_principal ON permission_grants(principal_id, permission) WHERE active`)
	return err
}

// Grant inserts a new active grant.
func (s *PgStore) Grant(ctx context.Context, g *Grant) (*Grant, error) {
	g.ID = uuid.Must(uuid.NewV7()).String()
	g.CreatedAt = time.Now().Truncate(time.Microsecond)
	g.Active = true

	_, err := s.pool.Exec(ctx, `
		INSERT INTO permission_grants (id, principal_id, permission, resource, expires_at, active, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)`,
		g.ID, g.PrincipalID, g.Permission, g.Resource, g.ExpiresAt, g.GrantedBy, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("grant %s to %s: %w", g.Permission, g.PrincipalID, err)
	}
	return g, nil
}

// Revoke deactivates matching active grants. Rows are kept for history.
func (s *PgStore) Revoke(ctx context.Context, principalID, permission, resource string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE permission_grants SET active = FALSE
		WHERE principal_id = $1 AND permission = $2 AND resource = $3 AND active`,
		principalID, permission, resource)
	if err != nil {
		return 0, fmt.Errorf("revoke %s from %s: %w", permission, principalID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Active returns live grants for a principal at now.
func (s *PgStore) Active(ctx context.Context, principalID string, now time.Time) ([]Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+`
		FROM permission_grants
		WHERE principal_id = $1 AND active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at ASC`, principalID, now)
	if err != nil {
		return nil, fmt.Errorf("active grants for %s: %w", principalID, err)
	}
	defer rows.Close()
	return scanGrantRows(rows)
}

// List returns all grants for a principal, newest first.
func (s *PgStore) List(ctx context.Context, principalID string) ([]Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+`
		FROM permission_grants WHERE principal_id = $1
		ORDER BY created_at DESC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list grants for %s: %w", principalID, err)
	}
	defer rows.Close()
	return scanGrantRows(rows)
}

// HasResource reports whether a live exact (principal, permission, resource) row exists.
func (s *PgStore) HasResource(ctx context.Context, principalID, permission, resource string, now time.Time) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM permission_grants
			WHERE principal_id = $1 AND permission = $2 AND resource = $3
			  AND active AND (expires_at IS NULL OR expires_at > $4)
		)`, principalID, permission, resource, now).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("resource grant %s/%s for %s: %w", permission, resource, principalID, err)
	}
	return ok, nil
}

func scanGrantRows(rows pgx.Rows) ([]Grant, error) {
	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ID, &g.PrincipalID, &g.Permission, &g.Resource, &g.ExpiresAt, &g.Active, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return grants, nil
}
