package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, user_id, status, intent, user_text, plan, created_at, updated_at,
	approved_by, approved_at, executed_at, rejected_by, rejection_reason, error_message`

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			intent           TEXT NOT NULL DEFAULT '',
			user_text        TEXT NOT NULL DEFAULT '',
			plan             JSONB NOT NULL DEFAULT '[]',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			approved_by      TEXT NOT NULL DEFAULT '',
			approved_at      TIMESTAMPTZ,
			executed_at      TIMESTAMPTZ,
			rejected_by      TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, created_at DESC)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`)
	return err
}

// Create inserts a new pending task.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	t.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = Pending

	planJSON, err := EncodePlan(t.Plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, user_id, status, intent, user_text, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		t.ID, t.UserID, string(t.Status), t.Intent, t.UserText, string(planJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateStatus applies u only while the row still has status u.From.
// Row-level update semantics serialize concurrent writers.
func (s *PgStore) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*Task, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().Truncate(time.Microsecond)

	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status           = $1,
			updated_at       = $2,
			approved_by      = CASE WHEN $1 = 'approved' THEN $3 ELSE approved_by END,
			approved_at      = CASE WHEN $1 = 'approved' THEN $2 ELSE approved_at END,
			executed_at      = CASE WHEN $1 = 'executing' THEN $2 ELSE executed_at END,
			rejected_by      = CASE WHEN $1 = 'rejected' THEN $3 ELSE rejected_by END,
			rejection_reason = CASE WHEN $1 = 'rejected' THEN $4 ELSE rejection_reason END,
			error_message    = CASE WHEN $5 <> '' THEN $5 ELSE error_message END
		WHERE id = $6 AND status = $7
		RETURNING `+taskColumns,
		string(u.To), now, u.Actor, u.Reason, u.ErrorMessage, id, string(u.From)))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	// Nothing matched: either the task is gone or someone moved it first.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return nil, fmt.Errorf("update task %s: %w: is %s, want %s", id, ErrStatusConflict, current, u.From)
}

// ListForUser returns a principal's tasks, newest first. Empty status means all.
func (s *PgStore) ListForUser(ctx context.Context, userID string, status Status, limit int) ([]Task, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+`
			FROM tasks WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3`,
			userID, string(status), limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+`
			FROM tasks WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
			userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListPending returns pending tasks, oldest first.
func (s *PgStore) ListPending(ctx context.Context, limit int) ([]Task, error) {
	return s.ListByStatus(ctx, Pending, limit)
}

// ListByStatus returns tasks with the given status, oldest first.
func (s *PgStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+`
		FROM tasks WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// CountByStatus returns the number of tasks in each status.
func (s *PgStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var status string
	var planJSON []byte
	err := row.Scan(&t.ID, &t.UserID, &status, &t.Intent, &t.UserText, &planJSON, &t.CreatedAt, &t.UpdatedAt,
		&t.ApprovedBy, &t.ApprovedAt, &t.ExecutedAt, &t.RejectedBy, &t.RejectionReason, &t.ErrorMessage)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if t.Plan, err = DecodePlan(planJSON); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return &t, nil
}

func scanTaskRows(rows pgx.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}
