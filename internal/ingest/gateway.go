package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"comms-platform/internal/conversations"
	"comms-platform/internal/integrations"
	"comms-platform/internal/outbound"
	"comms-platform/internal/provider"
	"comms-platform/internal/webhookevents"
	"comms-platform/pkg/logger"
)

var ErrUnknownToken = errors.New("ingest: unknown webhook token")

// cleanupInterval bounds how often the gateway sweeps expired dedup records.
const cleanupInterval = time.Hour

// Gateway is the inbound webhook pipeline: token resolution, idempotency,
// reconciliation, outbound fan-out. Signature verification happens in the
// HTTP handler before an event reaches the gateway.
type Gateway struct {
	integrations *integrations.Service
	events       *webhookevents.Store
	engine       *conversations.Service
	notifier     outbound.Notifier

	mu          sync.Mutex
	lastCleanup time.Time
}

func NewGateway(integs *integrations.Service, events *webhookevents.Store, engine *conversations.Service, notifier outbound.Notifier) *Gateway {
	if notifier == nil {
		notifier = outbound.NoopNotifier{}
	}
	return &Gateway{
		integrations: integs,
		events:       events,
		engine:       engine,
		notifier:     notifier,
	}
}

// ResolveToken maps (provider, URL token) to the owning integration.
func (g *Gateway) ResolveToken(ctx context.Context, providerName, token string) (integrations.Integration, error) {
	in, err := g.integrations.ResolveWebhookToken(ctx, providerName, token)
	if errors.Is(err, integrations.ErrNotFound) {
		return integrations.Integration{}, ErrUnknownToken
	}
	return in, err
}

// Process runs one verified event through idempotency and reconciliation.
//
// A duplicate delivery is acknowledged without any mutation. An error before
// the idempotency record exists is returned so the provider retries; after
// the record exists the event is consumed, so failures are logged and nil is
// returned — a retry would be deduplicated and change nothing.
func (g *Gateway) Process(ctx context.Context, in integrations.Integration, ev provider.InboundEvent) error {
	log := logger.From(ctx)

	err := g.events.CheckAndRecord(ctx, ev.Provider, ev.ExternalEventID)
	if errors.Is(err, webhookevents.ErrDuplicateEvent) {
		log.Debug("duplicate webhook delivery ignored",
			"provider", ev.Provider, "external_event_id", ev.ExternalEventID)
		return nil
	}
	if err != nil {
		return err
	}

	conv, err := g.engine.ReconcileInbound(ctx, in.WorkspaceID, ev)
	if err != nil {
		log.Error("webhook reconciliation failed",
			"provider", ev.Provider, "external_event_id", ev.ExternalEventID,
			"workspace_id", in.WorkspaceID, "err", err)
		return nil
	}

	// Fire-and-forget: delivery outcomes must never affect the webhook
	// response. WithoutCancel keeps the request logger attached.
	notifyCtx := context.WithoutCancel(ctx)
	go g.notifier.Notify(notifyCtx, in.WorkspaceID, eventName(ev), eventData(conv, ev))

	g.maybeCleanup(notifyCtx)
	return nil
}

func eventName(ev provider.InboundEvent) string {
	switch ev.Kind {
	case provider.EventKindMessageStatus:
		return outbound.EventMessageStatus
	case provider.EventKindCall:
		return outbound.EventCallCompleted
	default:
		if ev.Direction == provider.DirectionOut {
			return outbound.EventMessageSent
		}
		return outbound.EventMessageReceived
	}
}

func eventData(conv conversations.Conversation, ev provider.InboundEvent) map[string]any {
	data := map[string]any{
		"conversationId": conv.ID,
		"provider":       ev.Provider,
		"direction":      string(ev.Direction),
		"occurredAt":     ev.OccurredAt.UTC().Format(time.RFC3339),
	}
	if ev.Message != nil {
		data["providerMessageId"] = ev.Message.ProviderMessageID
		data["status"] = ev.Message.Status
	}
	if ev.Call != nil {
		data["providerCallId"] = ev.Call.ProviderCallID
		data["status"] = ev.Call.Status
		data["durationSeconds"] = ev.Call.DurationSeconds
	}
	return data
}

// maybeCleanup sweeps expired dedup records at most once per interval.
func (g *Gateway) maybeCleanup(ctx context.Context) {
	g.mu.Lock()
	due := time.Since(g.lastCleanup) >= cleanupInterval
	if due {
		g.lastCleanup = time.Now()
	}
	g.mu.Unlock()
	if !due {
		return
	}
	go func() {
		n, err := g.events.Cleanup(ctx)
		if err != nil {
			logger.From(ctx).Warn("webhook event cleanup failed", "err", err)
			return
		}
		if n > 0 {
			logger.From(ctx).Debug("webhook events swept", "count", n)
		}
	}()
}
