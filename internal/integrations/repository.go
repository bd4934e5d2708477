package integrations

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"comms-platform/pkg/utils"
)

// Repository is the persistence contract for integrations.
type Repository interface {
	Create(ctx context.Context, in Integration) error
	GetActive(ctx context.Context, workspaceID, provider string) (Integration, error)
	GetByWebhookToken(ctx context.Context, provider, token string) (Integration, error)
	List(ctx context.Context, workspaceID string) ([]Integration, error)
	UpdateStatus(ctx context.Context, workspaceID, id string, status Status, now time.Time) error
	UpdateCredentials(ctx context.Context, workspaceID, id, encrypted string, now time.Time) error
}

// PostgresRepo implements Repository over database/sql.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const integrationColumns = `
id, workspace_id, provider, status, encrypted_credentials, webhook_token, webhook_secret, created_at, updated_at, rotated_at`

func scanIntegration(row interface{ Scan(...any) error }) (Integration, error) {
	var in Integration
	err := row.Scan(
		&in.ID,
		&in.WorkspaceID,
		&in.Provider,
		&in.Status,
		&in.EncryptedCredentials,
		&in.WebhookToken,
		&in.WebhookSecret,
		&in.CreatedAt,
		&in.UpdatedAt,
		&in.RotatedAt,
	)
	return in, err
}

func (r *PostgresRepo) Create(ctx context.Context, in Integration) error {
	const q = `
INSERT INTO integrations (
  id, workspace_id, provider, status, encrypted_credentials, webhook_token, webhook_secret, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := r.db.ExecContext(ctx, q,
		in.ID,
		in.WorkspaceID,
		in.Provider,
		in.Status,
		in.EncryptedCredentials,
		in.WebhookToken,
		in.WebhookSecret,
		in.CreatedAt,
		in.UpdatedAt,
	)
	if err != nil && utils.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepo) GetActive(ctx context.Context, workspaceID, provider string) (Integration, error) {
	const q = `
SELECT` + integrationColumns + `
FROM integrations
WHERE workspace_id = $1 AND provider = $2 AND status = 'active'
LIMIT 1
`
	in, err := scanIntegration(r.db.QueryRowContext(ctx, q, workspaceID, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (r *PostgresRepo) GetByWebhookToken(ctx context.Context, provider, token string) (Integration, error) {
	const q = `
SELECT` + integrationColumns + `
FROM integrations
WHERE provider = $1 AND webhook_token = $2
LIMIT 1
`
	in, err := scanIntegration(r.db.QueryRowContext(ctx, q, provider, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (r *PostgresRepo) List(ctx context.Context, workspaceID string) ([]Integration, error) {
	const q = `
SELECT` + integrationColumns + `
FROM integrations
WHERE workspace_id = $1
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, workspaceID, id string, status Status, now time.Time) error {
	const q = `
UPDATE integrations
SET status = $3, updated_at = $4
WHERE workspace_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, id, status, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) UpdateCredentials(ctx context.Context, workspaceID, id, encrypted string, now time.Time) error {
	const q = `
UPDATE integrations
SET encrypted_credentials = $3, rotated_at = $4, updated_at = $4
WHERE workspace_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q, workspaceID, id, encrypted, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
