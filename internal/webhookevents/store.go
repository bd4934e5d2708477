package webhookevents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateEvent means this delivery was already recorded. It is not
	// a failure; callers short-circuit and acknowledge the webhook.
	ErrDuplicateEvent = errors.New("webhookevents: duplicate event")

	ErrInvalidEvent = errors.New("webhookevents: invalid event")
)

// Store answers "seen before?" atomically via check-and-record.
type Store struct {
	repo      Repository
	retention time.Duration
	clock     func() time.Time
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo, retention: DefaultRetention, clock: time.Now}
}

// CheckAndRecord records (provider, externalID) and returns ErrDuplicateEvent
// if it was already recorded. The write itself is the check: under concurrent
// duplicate deliveries exactly one caller wins the insert.
func (s *Store) CheckAndRecord(ctx context.Context, provider, externalID string) error {
	if provider == "" || externalID == "" {
		return ErrInvalidEvent
	}
	now := s.clock().UTC()
	return s.repo.Insert(ctx, Event{
		ID:         uuid.NewString(),
		Provider:   provider,
		ExternalID: externalID,
		ReceivedAt: now,
		ExpiresAt:  now.Add(s.retention),
	})
}

// Cleanup removes expired dedup records. Safe to call from any goroutine;
// the gateway triggers it opportunistically.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.clock().UTC())
}
