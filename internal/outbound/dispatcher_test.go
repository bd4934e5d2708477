package outbound

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(repo Repository) *Dispatcher {
	d := NewDispatcher(repo, DispatcherOptions{
		DeliveryTimeout:  2 * time.Second,
		FailureThreshold: 10,
		MaxParallel:      4,
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return base }
	return d
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	var gotEvent, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Comms-Event")
		gotSig = r.Header.Get("X-Comms-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	d := newTestDispatcher(repo)
	sub, err := d.CreateSubscription(context.Background(), "ws1", srv.URL, "topsecret", []string{EventMessageReceived})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	d.Notify(context.Background(), "ws1", EventMessageReceived, map[string]string{"id": "m1"})

	if gotEvent != EventMessageReceived {
		t.Fatalf("event header = %q", gotEvent)
	}
	if gotSig != Sign("topsecret", gotBody) {
		t.Fatalf("signature mismatch")
	}
	var p struct {
		Event     string            `json:"event"`
		Timestamp string            `json:"timestamp"`
		Data      map[string]string `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if p.Event != EventMessageReceived || p.Data["id"] != "m1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", p.Timestamp)
	}

	got, _ := repo.Get(context.Background(), "ws1", sub.ID)
	if got.LastSuccessAt == nil || got.FailureCount != 0 {
		t.Fatalf("success not recorded: %+v", got)
	}
}

func TestNotifyAutoPausesAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	d := newTestDispatcher(repo)
	sub, err := d.CreateSubscription(context.Background(), "ws1", srv.URL, "", nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), "ws1", EventMessageReceived, nil)
	}

	got, _ := repo.Get(context.Background(), "ws1", sub.ID)
	if got.Status != StatusPaused {
		t.Fatalf("expected paused after 10 failures, got %q (count %d)", got.Status, got.FailureCount)
	}
	if got.FailureCount != 10 {
		t.Fatalf("failure count = %d, want 10", got.FailureCount)
	}

	// A paused subscription gets no further attempts.
	d.Notify(context.Background(), "ws1", EventMessageReceived, nil)
	got, _ = repo.Get(context.Background(), "ws1", sub.ID)
	if got.FailureCount != 10 {
		t.Fatalf("paused subscription must not accrue attempts, count = %d", got.FailureCount)
	}
}

func TestNotifySuccessResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	d := newTestDispatcher(repo)
	sub, err := d.CreateSubscription(context.Background(), "ws1", srv.URL, "", nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	for i := 0; i < 9; i++ {
		d.Notify(context.Background(), "ws1", EventMessageReceived, nil)
	}
	got, _ := repo.Get(context.Background(), "ws1", sub.ID)
	if got.FailureCount != 9 || got.Status != StatusActive {
		t.Fatalf("expected 9 failures still active, got %+v", got)
	}

	fail.Store(false)
	d.Notify(context.Background(), "ws1", EventMessageReceived, nil)
	got, _ = repo.Get(context.Background(), "ws1", sub.ID)
	if got.FailureCount != 0 {
		t.Fatalf("success must reset failure count, got %d", got.FailureCount)
	}
	if got.LastSuccessAt == nil {
		t.Fatalf("last_success_at not stamped")
	}
}

func TestNotifyIndependentEndpoints(t *testing.T) {
	var okCount atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okCount.Add(1)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	repo := NewMemoryRepo()
	d := newTestDispatcher(repo)
	goodSub, _ := d.CreateSubscription(context.Background(), "ws1", good.URL, "", nil)
	badSub, _ := d.CreateSubscription(context.Background(), "ws1", bad.URL, "", nil)

	d.Notify(context.Background(), "ws1", EventCallCompleted, nil)

	if okCount.Load() != 1 {
		t.Fatalf("healthy endpoint should still be delivered, got %d", okCount.Load())
	}
	g, _ := repo.Get(context.Background(), "ws1", goodSub.ID)
	b, _ := repo.Get(context.Background(), "ws1", badSub.ID)
	if g.FailureCount != 0 || b.FailureCount != 1 {
		t.Fatalf("failure must be isolated: good=%d bad=%d", g.FailureCount, b.FailureCount)
	}
}

func TestNotifyFiltersByEvent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	d := newTestDispatcher(repo)
	if _, err := d.CreateSubscription(context.Background(), "ws1", srv.URL, "", []string{EventMessageSent}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	d.Notify(context.Background(), "ws1", EventMessageReceived, nil)
	if hits.Load() != 0 {
		t.Fatalf("unsubscribed event must not be delivered")
	}
	d.Notify(context.Background(), "ws1", EventMessageSent, nil)
	if hits.Load() != 1 {
		t.Fatalf("subscribed event must be delivered")
	}
}

func TestReactivateResumesDelivery(t *testing.T) {
	repo := NewMemoryRepo()
	d := newTestDispatcher(repo)
	sub, _ := d.CreateSubscription(context.Background(), "ws1", "http://unreachable.invalid", "", nil)

	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), "ws1", EventMessageReceived, nil)
	}
	got, _ := repo.Get(context.Background(), "ws1", sub.ID)
	if got.Status != StatusPaused {
		t.Fatalf("expected paused, got %q", got.Status)
	}

	if err := d.ReactivateSubscription(context.Background(), "ws1", sub.ID); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	got, _ = repo.Get(context.Background(), "ws1", sub.ID)
	if got.Status != StatusActive || got.FailureCount != 0 {
		t.Fatalf("reactivate must reset state, got %+v", got)
	}
}
