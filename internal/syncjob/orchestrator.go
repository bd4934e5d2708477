package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"comms-platform/internal/conversations"
	"comms-platform/internal/integrations"
	"comms-platform/internal/outbound"
	"comms-platform/internal/provider"
	"comms-platform/pkg/logger"
)

var ErrSyncRunning = errors.New("syncjob: sync already running for workspace")

// Options narrows one sync run. Zero values mean "no filter".
type Options struct {
	Provider string

	// PhoneLineID restricts the run to one provider line.
	PhoneLineID string

	// Since/Until bound conversations by last activity.
	Since time.Time
	Until time.Time

	// OnlySavedContacts drops conversations whose participant has no saved
	// contact at the provider. Requires the adapter to support lookup;
	// silently skipped otherwise.
	OnlySavedContacts bool

	Limit int
}

// Orchestrator runs per-workspace background syncs that reconcile provider
// history into local state. One job per workspace at a time; progress is
// advisory and process-local.
type Orchestrator struct {
	registry *Registry
	integs   *integrations.Service
	adapters *provider.Registry
	engine   *conversations.Service
	notifier outbound.Notifier

	defaultLimit int
	quickLimit   int
	clock        func() time.Time
}

type OrchestratorOptions struct {
	DefaultLimit   int
	QuickSyncLimit int
}

func NewOrchestrator(reg *Registry, integs *integrations.Service, adapters *provider.Registry, engine *conversations.Service, notifier outbound.Notifier, opts OrchestratorOptions) *Orchestrator {
	if notifier == nil {
		notifier = outbound.NoopNotifier{}
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.QuickSyncLimit <= 0 {
		opts.QuickSyncLimit = 20
	}
	return &Orchestrator{
		registry:     reg,
		integs:       integs,
		adapters:     adapters,
		engine:       engine,
		notifier:     notifier,
		defaultLimit: opts.DefaultLimit,
		quickLimit:   opts.QuickSyncLimit,
		clock:        time.Now,
	}
}

// Start launches a sync in the background. It validates the integration and
// adapter up front so the caller gets an immediate error for a broken setup,
// and returns ErrSyncRunning when the workspace already has a job in flight.
func (o *Orchestrator) Start(ctx context.Context, workspaceID string, opts Options) error {
	creds, in, err := o.integs.ActiveCredentials(ctx, workspaceID, opts.Provider)
	if err != nil {
		return err
	}
	adapter, err := o.adapters.Get(opts.Provider)
	if err != nil {
		return err
	}
	if opts.Limit <= 0 {
		opts.Limit = o.defaultLimit
	}
	if !o.registry.begin(workspaceID, o.clock().UTC()) {
		return ErrSyncRunning
	}

	// The job outlives the triggering request; keep its logger, drop its
	// cancellation. Job cancellation goes through the registry flag.
	go o.run(context.WithoutCancel(ctx), workspaceID, in, adapter, creds, opts)
	return nil
}

func (o *Orchestrator) Cancel(workspaceID string) bool {
	return o.registry.Cancel(workspaceID)
}

func (o *Orchestrator) Status(workspaceID string) Progress {
	return o.registry.Snapshot(workspaceID)
}

func (o *Orchestrator) run(ctx context.Context, workspaceID string, in integrations.Integration, adapter provider.Adapter, creds provider.Credentials, opts Options) {
	log := logger.Component(logger.From(ctx), "syncjob").With("workspace_id", workspaceID, "provider", opts.Provider)

	o.registry.update(workspaceID, func(p *Progress) { p.Phase = "fetching" })
	convs, err := adapter.GetConversations(ctx, creds, provider.ListOptions{
		Limit:       opts.Limit,
		PhoneLineID: opts.PhoneLineID,
		Since:       opts.Since,
	})
	if err != nil {
		log.Error("sync fetch failed", "err", err)
		if provider.IsAuthError(err) {
			if merr := o.integs.MarkError(ctx, workspaceID, in.ID); merr != nil {
				log.Error("marking integration failed", "err", merr)
			}
		}
		o.registry.finish(workspaceID, StatusError, "provider fetch failed", o.clock().UTC())
		return
	}

	convs = o.filter(ctx, log, adapter, creds, convs, opts)
	if len(convs) > opts.Limit {
		convs = convs[:opts.Limit]
	}

	o.registry.update(workspaceID, func(p *Progress) {
		p.Phase = "syncing"
		p.Total = len(convs)
	})

	var synced, failed int
	for i, cd := range convs {
		// Cooperative cancel, once per conversation. Everything already
		// upserted stays committed.
		if o.registry.cancelled(workspaceID) {
			log.Info("sync cancelled", "synced", synced, "failed", failed)
			o.registry.finish(workspaceID, StatusCancelled,
				fmt.Sprintf("cancelled after %d of %d conversations", i, len(convs)), o.clock().UTC())
			return
		}

		if err := o.syncConversation(ctx, workspaceID, adapter, creds, cd); err != nil {
			log.Warn("conversation sync failed", "external_id", cd.ExternalID, "err", err)
			failed++
		} else {
			synced++
		}
		o.registry.update(workspaceID, func(p *Progress) {
			p.Current = i + 1
			p.Synced = synced
			p.Failed = failed
		})
	}

	summary := fmt.Sprintf("synced %d conversations, %d failed", synced, failed)
	log.Info("sync completed", "synced", synced, "failed", failed)
	o.registry.finish(workspaceID, StatusCompleted, summary, o.clock().UTC())

	go o.notifier.Notify(ctx, workspaceID, outbound.EventSyncCompleted, map[string]any{
		"provider": opts.Provider,
		"synced":   synced,
		"failed":   failed,
	})
}

func (o *Orchestrator) filter(ctx context.Context, log *slog.Logger, adapter provider.Adapter, creds provider.Credentials, convs []provider.ConversationData, opts Options) []provider.ConversationData {
	lookup, canLookup := adapter.(provider.ContactLookup)
	useContactFilter := opts.OnlySavedContacts && canLookup

	out := convs[:0]
	for _, cd := range convs {
		if !opts.Since.IsZero() && !cd.LastActivityAt.IsZero() && cd.LastActivityAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && cd.LastActivityAt.After(opts.Until) {
			continue
		}
		if opts.PhoneLineID != "" && cd.PhoneNumberID != "" && cd.PhoneNumberID != opts.PhoneLineID {
			continue
		}
		if useContactFilter && cd.ParticipantNumber != "" {
			saved, err := lookup.HasSavedContact(ctx, creds, cd.ParticipantNumber)
			if err != nil {
				// Filter failure must not drop data; include and move on.
				log.Warn("saved-contact lookup failed", "participant", cd.ParticipantNumber, "err", err)
			} else if !saved {
				continue
			}
		}
		out = append(out, cd)
	}
	return out
}

func (o *Orchestrator) syncConversation(ctx context.Context, workspaceID string, adapter provider.Adapter, creds provider.Credentials, cd provider.ConversationData) error {
	conv, _, err := o.engine.UpsertConversation(ctx, workspaceID, adapter.Name(), cd)
	if err != nil {
		return err
	}

	msgs, err := adapter.GetMessages(ctx, creds, provider.MessagesQuery{
		ConversationExternalID: cd.ExternalID,
		PhoneLineID:            cd.PhoneNumberID,
		ParticipantNumber:      cd.ParticipantNumber,
	})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if _, _, err := o.engine.UpsertMessage(ctx, workspaceID, conv.ID, m); err != nil {
			return err
		}
	}

	calls, err := adapter.GetCalls(ctx, creds, provider.CallsQuery{
		ConversationExternalID: cd.ExternalID,
		PhoneLineID:            cd.PhoneNumberID,
		ParticipantNumber:      cd.ParticipantNumber,
	})
	if err != nil {
		return err
	}
	for _, cl := range calls {
		if _, _, err := o.engine.UpsertCall(ctx, workspaceID, conv.ID, cl); err != nil {
			return err
		}
	}
	return nil
}

// DeltaSummary is the result of a quick sync pass.
type DeltaSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// QuickSync synchronously reconciles a bounded window of the most recent
// conversations, skipping any whose provider-side last activity is not newer
// than what is stored. It never touches the background job registry.
func (o *Orchestrator) QuickSync(ctx context.Context, workspaceID string, opts Options) (DeltaSummary, error) {
	creds, _, err := o.integs.ActiveCredentials(ctx, workspaceID, opts.Provider)
	if err != nil {
		return DeltaSummary{}, err
	}
	adapter, err := o.adapters.Get(opts.Provider)
	if err != nil {
		return DeltaSummary{}, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > o.quickLimit {
		limit = o.quickLimit
	}

	convs, err := adapter.GetConversations(ctx, creds, provider.ListOptions{
		Limit:       limit,
		PhoneLineID: opts.PhoneLineID,
	})
	if err != nil {
		return DeltaSummary{}, err
	}
	if len(convs) > limit {
		convs = convs[:limit]
	}

	log := logger.From(ctx)
	var sum DeltaSummary
	for _, cd := range convs {
		sum.Checked++

		existing, err := o.engine.GetByExternalID(ctx, workspaceID, cd.ExternalID)
		if err == nil && !cd.LastActivityAt.After(existing.LastActivityAt) {
			sum.Skipped++
			continue
		}
		if err != nil && !errors.Is(err, conversations.ErrNotFound) {
			sum.Failed++
			continue
		}

		if err := o.syncConversation(ctx, workspaceID, adapter, creds, cd); err != nil {
			log.Warn("quick sync item failed", "external_id", cd.ExternalID, "err", err)
			sum.Failed++
			continue
		}
		sum.Updated++
	}
	return sum, nil
}
