package outbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("outbound: subscription not found")
	ErrInvalidInput = errors.New("outbound: invalid input")
)

// Repository is the persistence contract for webhook subscriptions.
//
// RecordFailure carries the pause threshold so the increment and the
// auto-pause happen in one write; callers never read-modify-write counters.
type Repository interface {
	Create(ctx context.Context, s Subscription) error
	List(ctx context.Context, workspaceID string) ([]Subscription, error)
	Get(ctx context.Context, workspaceID, id string) (Subscription, error)
	Delete(ctx context.Context, workspaceID, id string) error

	ListActiveForEvent(ctx context.Context, workspaceID, event string) ([]Subscription, error)
	RecordSuccess(ctx context.Context, id string, now time.Time) error
	RecordFailure(ctx context.Context, id string, lastError string, threshold int, now time.Time) error
	Reactivate(ctx context.Context, workspaceID, id string, now time.Time) error
}

// PostgresRepo implements Repository over database/sql.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const subscriptionColumns = `
id, workspace_id, url, secret, events, status, failure_count, last_success_at, last_failure_at, last_error, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (Subscription, error) {
	var s Subscription
	var events []byte
	err := row.Scan(
		&s.ID,
		&s.WorkspaceID,
		&s.URL,
		&s.Secret,
		&events,
		&s.Status,
		&s.FailureCount,
		&s.LastSuccessAt,
		&s.LastFailureAt,
		&s.LastError,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return Subscription{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return Subscription{}, err
		}
	}
	return s, nil
}

func (r *PostgresRepo) Create(ctx context.Context, s Subscription) error {
	events, err := json.Marshal(s.Events)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO webhook_subscriptions (
  id, workspace_id, url, secret, events, status, failure_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err = r.db.ExecContext(ctx, q,
		s.ID, s.WorkspaceID, s.URL, s.Secret, events, s.Status, s.FailureCount, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, workspaceID string) ([]Subscription, error) {
	const q = `
SELECT` + subscriptionColumns + `
FROM webhook_subscriptions
WHERE workspace_id = $1
ORDER BY created_at
`
	return r.query(ctx, q, workspaceID)
}

func (r *PostgresRepo) Get(ctx context.Context, workspaceID, id string) (Subscription, error) {
	const q = `
SELECT` + subscriptionColumns + `
FROM webhook_subscriptions
WHERE workspace_id = $1 AND id = $2
`
	s, err := scanSubscription(r.db.QueryRowContext(ctx, q, workspaceID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return s, err
}

func (r *PostgresRepo) Delete(ctx context.Context, workspaceID, id string) error {
	const q = `DELETE FROM webhook_subscriptions WHERE workspace_id = $1 AND id = $2`
	res, err := r.db.ExecContext(ctx, q, workspaceID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListActiveForEvent(ctx context.Context, workspaceID, event string) ([]Subscription, error) {
	// Empty events array means "all events".
	const q = `
SELECT` + subscriptionColumns + `
FROM webhook_subscriptions
WHERE workspace_id = $1
  AND status = 'active'
  AND (events = '[]'::jsonb OR events @> to_jsonb(ARRAY[$2::text]))
ORDER BY created_at
`
	return r.query(ctx, q, workspaceID, event)
}

func (r *PostgresRepo) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	const q = `
UPDATE webhook_subscriptions
SET failure_count = 0, last_success_at = $2, last_error = '', updated_at = $2
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) RecordFailure(ctx context.Context, id string, lastError string, threshold int, now time.Time) error {
	const q = `
UPDATE webhook_subscriptions
SET failure_count = failure_count + 1,
    last_failure_at = $2,
    last_error = $3,
    status = CASE WHEN failure_count + 1 >= $4 THEN 'paused' ELSE status END,
    updated_at = $2
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, now, lastError, threshold)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Reactivate(ctx context.Context, workspaceID, id string, now time.Time) error {
	const q = `
UPDATE webhook_subscriptions
SET status = 'active', failure_count = 0, updated_at = $3
WHERE workspace_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, id, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
