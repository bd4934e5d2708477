package outbound

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"comms-platform/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Notifier is the capability producers depend on. Construction decides
// whether events actually go anywhere; NoopNotifier keeps the pipeline
// runnable without any subscription infrastructure.
type Notifier interface {
	Notify(ctx context.Context, workspaceID, event string, data any)
}

// NoopNotifier drops all events.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, workspaceID, event string, data any) {}

// Dispatcher fans events out to a workspace's active subscriptions.
//
// Delivery is best-effort: a slow or failing endpoint affects only its own
// subscription's counters, never other endpoints and never the producer.
type Dispatcher struct {
	repo   Repository
	client *http.Client

	timeout     time.Duration
	threshold   int
	maxParallel int

	clock func() time.Time
}

type DispatcherOptions struct {
	DeliveryTimeout  time.Duration
	FailureThreshold int
	MaxParallel      int
}

func NewDispatcher(repo Repository, opts DispatcherOptions) *Dispatcher {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 10
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	return &Dispatcher{
		repo:        repo,
		client:      &http.Client{},
		timeout:     opts.DeliveryTimeout,
		threshold:   opts.FailureThreshold,
		maxParallel: opts.MaxParallel,
		clock:       time.Now,
	}
}

type payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Notify delivers one event to every matching active subscription. Errors are
// recorded on the subscription and logged; the caller gets nothing back and
// must not wait on delivery outcomes.
func (d *Dispatcher) Notify(ctx context.Context, workspaceID, event string, data any) {
	log := logger.From(ctx)

	subs, err := d.repo.ListActiveForEvent(ctx, workspaceID, event)
	if err != nil {
		log.Error("outbound subscription lookup failed", "workspace_id", workspaceID, "event", event, "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: d.clock().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		log.Error("outbound payload marshal failed", "event", event, "err", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			d.deliver(gctx, log, sub, event, body)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, sub Subscription, event string, body []byte) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	now := d.clock().UTC()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.recordFailure(ctx, log, sub, event, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Comms-Event", event)
	req.Header.Set("X-Comms-Timestamp", now.Format(time.RFC3339))
	if sub.Secret != "" {
		req.Header.Set("X-Comms-Signature", Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, log, sub, event, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.recordFailure(ctx, log, sub, event, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
		return
	}

	if err := d.repo.RecordSuccess(ctx, sub.ID, now); err != nil {
		log.Warn("outbound success bookkeeping failed", "subscription_id", sub.ID, "err", err)
	}
	log.Debug("outbound event delivered", "subscription_id", sub.ID, "event", event)
}

func (d *Dispatcher) recordFailure(ctx context.Context, log *slog.Logger, sub Subscription, event, reason string) {
	log.Warn("outbound delivery failed",
		"subscription_id", sub.ID, "event", event, "failure_count", sub.FailureCount+1, "reason", reason)
	if err := d.repo.RecordFailure(ctx, sub.ID, reason, d.threshold, d.clock().UTC()); err != nil {
		log.Error("outbound failure bookkeeping failed", "subscription_id", sub.ID, "err", err)
	}
}

// Sign computes the hex HMAC-SHA256 signature carried in X-Comms-Signature.
// Exposed so receivers (and tests) can verify deliveries.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateSubscription registers a new active endpoint for a workspace.
func (d *Dispatcher) CreateSubscription(ctx context.Context, workspaceID, url, secret string, events []string) (Subscription, error) {
	if workspaceID == "" || url == "" {
		return Subscription{}, ErrInvalidInput
	}
	now := d.clock().UTC()
	sub := Subscription{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		URL:         url,
		Secret:      secret,
		Events:      events,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.repo.Create(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (d *Dispatcher) ListSubscriptions(ctx context.Context, workspaceID string) ([]Subscription, error) {
	if workspaceID == "" {
		return nil, ErrInvalidInput
	}
	return d.repo.List(ctx, workspaceID)
}

func (d *Dispatcher) DeleteSubscription(ctx context.Context, workspaceID, id string) error {
	if workspaceID == "" || id == "" {
		return ErrInvalidInput
	}
	return d.repo.Delete(ctx, workspaceID, id)
}

// ReactivateSubscription resumes a paused endpoint and clears its counters.
func (d *Dispatcher) ReactivateSubscription(ctx context.Context, workspaceID, id string) error {
	if workspaceID == "" || id == "" {
		return ErrInvalidInput
	}
	return d.repo.Reactivate(ctx, workspaceID, id, d.clock().UTC())
}
