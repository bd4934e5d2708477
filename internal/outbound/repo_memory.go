package outbound

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu   sync.Mutex
	subs []Subscription
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Create(ctx context.Context, s Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, s)
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, workspaceID string) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.WorkspaceID == workspaceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, workspaceID, id string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.WorkspaceID == workspaceID && s.ID == id {
			return s, nil
		}
	}
	return Subscription{}, ErrNotFound
}

func (r *MemoryRepo) Delete(ctx context.Context, workspaceID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.WorkspaceID == workspaceID && s.ID == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) ListActiveForEvent(ctx context.Context, workspaceID, event string) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.WorkspaceID == workspaceID && s.Status == StatusActive && s.WantsEvent(event) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepo) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		if r.subs[i].ID == id {
			r.subs[i].FailureCount = 0
			r.subs[i].LastSuccessAt = &now
			r.subs[i].LastError = ""
			r.subs[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) RecordFailure(ctx context.Context, id string, lastError string, threshold int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		if r.subs[i].ID == id {
			r.subs[i].FailureCount++
			r.subs[i].LastFailureAt = &now
			r.subs[i].LastError = lastError
			if r.subs[i].FailureCount >= threshold {
				r.subs[i].Status = StatusPaused
			}
			r.subs[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) Reactivate(ctx context.Context, workspaceID, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		if r.subs[i].WorkspaceID == workspaceID && r.subs[i].ID == id {
			r.subs[i].Status = StatusActive
			r.subs[i].FailureCount = 0
			r.subs[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}
