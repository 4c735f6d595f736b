package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, task_id, user_id, action, details, timestamp, source, hash, prev_hash`

// PgStore is a PostgreSQL-backed audit Store with hash-chained integrity.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the audit_events table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id        TEXT PRIMARY KEY,
			task_id   TEXT NOT NULL DEFAULT '',
			user_id   TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL,
			details   JSONB NOT NULL DEFAULT '{}',
			timestamp TIMESTAMPTZ NOT NULL,
			source    TEXT NOT NULL DEFAULT '',
			hash      TEXT NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_events(task_id) WHERE task_id != ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id) WHERE user_id != ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_timestamp_id ON audit_events(timestamp, id)`)
	return err
}

// Append stores e, computing its place in the hash chain.
func (s *PgStore) Append(ctx context.Context, e *Event) (*Event, error) {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}

	e.ID = uuid.Must(uuid.NewV7()).String()
	e.Timestamp = time.Now().Truncate(time.Microsecond)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize appenders so two events never link to the same predecessor.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('audit_events'))`); err != nil {
		return nil, fmt.Errorf("lock chain: %w", err)
	}
	var prevHash string
	err = tx.QueryRow(ctx, `SELECT hash FROM audit_events ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	e.PrevHash = prevHash
	e.Hash = computeHash(prevHash, e.ID, e.Action, e.Source, e.TaskID, e.UserID, e.Timestamp, detailsJSON)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (id, task_id, user_id, action, details, timestamp, source, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		e.ID, e.TaskID, e.UserID, e.Action, string(detailsJSON), e.Timestamp, e.Source, e.Hash, e.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit event: %w", err)
	}
	return e, nil
}

// Get retrieves a single event by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", id, err)
	}
	return e, nil
}

// Query returns matching events, newest first, paginated by limit and offset.
func (s *PgStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	where, args := filterClause(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

// Count returns the number of matching events.
func (s *PgStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// VerifyChain walks the entire chain chronologically and verifies hash integrity.
func (s *PgStore) VerifyChain(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	i := 0
	for rows.Next() {
		var e Event
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.Action, &detailsJSON, &e.Timestamp, &e.Source, &e.Hash, &e.PrevHash); err != nil {
			return fmt.Errorf("verify chain scan row %d: %w", i, err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prevHash)
		}
		// JSONB normalizes whitespace and key order, so compare against the
		// re-marshalled form as well as the raw column.
		if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
			e.Details = map[string]any{"_raw": string(detailsJSON)}
		}
		remarshalled, _ := json.Marshal(e.Details)
		expected := computeHash(prevHash, e.ID, e.Action, e.Source, e.TaskID, e.UserID, e.Timestamp, remarshalled)
		if e.Hash != expected {
			raw := computeHash(prevHash, e.ID, e.Action, e.Source, e.TaskID, e.UserID, e.Timestamp, detailsJSON)
			if e.Hash != raw {
				return fmt.Errorf("event %d (%s): hash mismatch: got %s, want remarshal=%s or raw=%s", i, e.ID, e.Hash, expected, raw)
			}
		}
		prevHash = e.Hash
		i++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("verify chain rows: %w", err)
	}
	return nil
}

func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("task_id", f.TaskID)
	add("user_id", f.UserID)
	add("action", f.Action)
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var detailsJSON []byte
	if err := row.Scan(&e.ID, &e.TaskID, &e.UserID, &e.Action, &detailsJSON, &e.Timestamp, &e.Source, &e.Hash, &e.PrevHash); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return &e, nil
}
