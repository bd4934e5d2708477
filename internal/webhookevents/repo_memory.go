package webhookevents

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory ledger useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu   sync.Mutex
	seen map[string]Event
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{seen: make(map[string]Event)}
}

func (r *MemoryRepo) Insert(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.Provider + "\x00" + e.ExternalID
	if _, ok := r.seen[key]; ok {
		return ErrDuplicateEvent
	}
	r.seen[key] = e
	return nil
}

func (r *MemoryRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.seen {
		if !e.ExpiresAt.After(now) {
			delete(r.seen, k)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
