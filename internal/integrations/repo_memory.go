package integrations

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu   sync.Mutex
	rows []Integration
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Create(ctx context.Context, in Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.WorkspaceID == in.WorkspaceID && row.Provider == in.Provider &&
			row.Status == StatusActive && in.Status == StatusActive {
			return ErrAlreadyExists
		}
		if row.Provider == in.Provider && row.WebhookToken == in.WebhookToken {
			return ErrAlreadyExists
		}
	}
	r.rows = append(r.rows, in)
	return nil
}

func (r *MemoryRepo) GetActive(ctx context.Context, workspaceID, provider string) (Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.WorkspaceID == workspaceID && row.Provider == provider && row.Status == StatusActive {
			return row, nil
		}
	}
	return Integration{}, ErrNotFound
}

func (r *MemoryRepo) GetByWebhookToken(ctx context.Context, provider, token string) (Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Provider == provider && row.WebhookToken == token {
			return row, nil
		}
	}
	return Integration{}, ErrNotFound
}

func (r *MemoryRepo) List(ctx context.Context, workspaceID string) ([]Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Integration
	for _, row := range r.rows {
		if row.WorkspaceID == workspaceID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, workspaceID, id string, status Status, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].WorkspaceID == workspaceID && r.rows[i].ID == id {
			r.rows[i].Status = status
			r.rows[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) UpdateCredentials(ctx context.Context, workspaceID, id, encrypted string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].WorkspaceID == workspaceID && r.rows[i].ID == id {
			r.rows[i].EncryptedCredentials = encrypted
			rotated := now
			r.rows[i].RotatedAt = &rotated
			r.rows[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}
