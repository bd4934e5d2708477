package webhookevents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCheckAndRecordDeduplicates(t *testing.T) {
	store := NewStore(NewMemoryRepo())

	if err := store.CheckAndRecord(context.Background(), "twilio", "SMxyz"); err != nil {
		t.Fatalf("first record should succeed: %v", err)
	}
	if err := store.CheckAndRecord(context.Background(), "twilio", "SMxyz"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	// Same id under a different provider is a different event.
	if err := store.CheckAndRecord(context.Background(), "openphone", "SMxyz"); err != nil {
		t.Fatalf("different provider must not collide: %v", err)
	}
}

func TestCheckAndRecordConcurrentDuplicates(t *testing.T) {
	store := NewStore(NewMemoryRepo())

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.CheckAndRecord(context.Background(), "twilio", "SM-race"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("exactly one concurrent insert must win, got %d", count)
	}
}

func TestCheckAndRecordValidates(t *testing.T) {
	store := NewStore(NewMemoryRepo())
	if err := store.CheckAndRecord(context.Background(), "", "x"); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent")
	}
	if err := store.CheckAndRecord(context.Background(), "twilio", ""); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent")
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	repo := NewMemoryRepo()
	store := NewStore(repo)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return base }
	if err := store.CheckAndRecord(context.Background(), "twilio", "SM-old"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	store.clock = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	if err := store.CheckAndRecord(context.Background(), "twilio", "SM-new"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	n, err := store.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired row swept, got %d", n)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected 1 live row, got %d", repo.Len())
	}
}
