package webhookevents

import (
	"context"
	"database/sql"
	"time"

	"comms-platform/pkg/utils"
)

// Repository is the persistence contract for the dedup ledger.
//
// Insert MUST return ErrDuplicateEvent when the (provider, external_id) pair
// already exists; the unique constraint is the race arbiter.
type Repository interface {
	Insert(ctx context.Context, e Event) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, e Event) error {
	const q = `
INSERT INTO webhook_events (id, provider, external_id, received_at, expires_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Provider, e.ExternalID, e.ReceivedAt, e.ExpiresAt)
	if err != nil && utils.IsUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (r *PostgresRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM webhook_events WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
