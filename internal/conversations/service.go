package conversations

import (
	"context"
	"errors"
	"sync"
	"time"

	"comms-platform/internal/phone"
	"comms-platform/internal/provider"
	"comms-platform/pkg/logger"

	"github.com/google/uuid"
)

// LineDirectory resolves a provider-internal phone-line id to its public
// E.164 number. Implemented by the integrations layer against the provider
// adapter; the engine only sees this narrow contract.
type LineDirectory interface {
	ResolveLine(ctx context.Context, workspaceID, providerName, phoneLineID string) (string, error)
}

// Service is the reconciliation engine: it maps normalized provider events
// and synced records onto local Conversation/Message/Call rows, resolving
// identity ambiguity (line id vs E.164, multiple rows per participant).
type Service struct {
	repo  Repository
	lines LineDirectory
	clock func() time.Time

	// lineCache memoizes line-id resolution per workspace:line. Resolution
	// failures are not cached so a transient provider error can recover.
	mu        sync.Mutex
	lineCache map[string]string
}

func NewService(repo Repository, lines LineDirectory) *Service {
	return &Service{
		repo:      repo,
		lines:     lines,
		clock:     time.Now,
		lineCache: make(map[string]string),
	}
}

var ErrInvalidEvent = errors.New("conversations: invalid event")

// ReconcileInbound finds-or-creates the conversation implied by a normalized
// webhook event and upserts its message or call. Processing the same logical
// event twice converges to the same final state.
func (s *Service) ReconcileInbound(ctx context.Context, workspaceID string, ev provider.InboundEvent) (Conversation, error) {
	if workspaceID == "" || ev.Provider == "" {
		return Conversation{}, ErrInvalidEvent
	}
	if ev.Message == nil && ev.Call == nil {
		return Conversation{}, ErrInvalidEvent
	}

	conv, err := s.resolveConversation(ctx, workspaceID, ev)
	if err != nil {
		return Conversation{}, err
	}

	if ev.Message != nil {
		if _, _, err := s.UpsertMessage(ctx, workspaceID, conv.ID, *ev.Message); err != nil {
			return Conversation{}, err
		}
	}
	if ev.Call != nil {
		if _, _, err := s.UpsertCall(ctx, workspaceID, conv.ID, *ev.Call); err != nil {
			return Conversation{}, err
		}
	}

	if ev.OccurredAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = ev.OccurredAt
		conv.UpdatedAt = s.clock().UTC()
		if err := s.repo.UpdateConversation(ctx, conv); err != nil && !errors.Is(err, ErrNotFound) {
			return Conversation{}, err
		}
	}
	return conv, nil
}

func (s *Service) resolveConversation(ctx context.Context, workspaceID string, ev provider.InboundEvent) (Conversation, error) {
	participant := phone.Normalize(ev.ParticipantNumber)

	// 1. Exact match on the provider thread id.
	if ev.ExternalConversationID != "" {
		conv, err := s.repo.GetConversationByExternalID(ctx, workspaceID, ev.ExternalConversationID)
		if err == nil {
			return s.refreshConversation(ctx, conv, ev)
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, err
		}
	}

	// 2. Match by participant on the same phone line. Other lines' rows for
	// this participant must not be collapsed into one.
	if participant != "" {
		candidates, err := s.repo.FindConversationsByParticipant(ctx, workspaceID, participant)
		if err != nil {
			return Conversation{}, err
		}
		for _, c := range candidates {
			if c.Provider != ev.Provider {
				continue
			}
			if ev.PhoneLineID != "" && c.Metadata[metaPhoneLineID] == ev.PhoneLineID {
				return s.refreshConversation(ctx, c, ev)
			}
			if ev.PhoneLineID == "" && ev.OurNumber != "" && phone.Same(c.PhoneNumber, ev.OurNumber) {
				return s.refreshConversation(ctx, c, ev)
			}
		}
	}

	// 3. Create. Resolve the line id to a public number; on failure store
	// empty, never the internal id.
	ourNumber := phone.Normalize(ev.OurNumber)
	if ourNumber == "" && ev.PhoneLineID != "" {
		resolved, err := s.resolveLine(ctx, workspaceID, ev.Provider, ev.PhoneLineID)
		if err != nil {
			logger.From(ctx).Warn("phone line resolution failed",
				"workspace_id", workspaceID, "provider", ev.Provider, "phone_line_id", ev.PhoneLineID, "err", err)
			resolved = ""
		}
		ourNumber = resolved
	}

	now := s.clock().UTC()
	externalID := ev.ExternalConversationID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	meta := map[string]string{}
	if ev.PhoneLineID != "" {
		meta[metaPhoneLineID] = ev.PhoneLineID
	}
	conv := Conversation{
		ID:                     uuid.NewString(),
		WorkspaceID:            workspaceID,
		ExternalID:             externalID,
		Provider:               ev.Provider,
		Channel:                string(ev.Channel),
		PhoneNumber:            ourNumber,
		ParticipantPhoneNumber: participant,
		Metadata:               meta,
		LastActivityAt:         ev.OccurredAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err := s.repo.CreateConversation(ctx, conv)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a creation race; the winner's row is authoritative.
		return s.repo.GetConversationByExternalID(ctx, workspaceID, externalID)
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// refreshConversation folds newly arrived provider metadata into an existing
// row. Creation data is never altered; only enrichment fields move forward.
func (s *Service) refreshConversation(ctx context.Context, conv Conversation, ev provider.InboundEvent) (Conversation, error) {
	changed := false
	if ev.PhoneLineID != "" && conv.Metadata[metaPhoneLineID] != ev.PhoneLineID {
		if conv.Metadata == nil {
			conv.Metadata = map[string]string{}
		}
		conv.Metadata[metaPhoneLineID] = ev.PhoneLineID
		changed = true
	}
	if conv.PhoneNumber == "" && ev.OurNumber != "" {
		conv.PhoneNumber = phone.Normalize(ev.OurNumber)
		changed = true
	}
	if changed {
		conv.UpdatedAt = s.clock().UTC()
		if err := s.repo.UpdateConversation(ctx, conv); err != nil {
			return Conversation{}, err
		}
	}
	return conv, nil
}

// UpsertConversation is the batch-mode entry used by sync. Returns the local
// row and whether it was created.
func (s *Service) UpsertConversation(ctx context.Context, workspaceID, providerName string, data provider.ConversationData) (Conversation, bool, error) {
	if workspaceID == "" || data.ExternalID == "" {
		return Conversation{}, false, ErrInvalidEvent
	}
	now := s.clock().UTC()

	existing, err := s.repo.GetConversationByExternalID(ctx, workspaceID, data.ExternalID)
	if err == nil {
		changed := false
		if !data.LastActivityAt.IsZero() && data.LastActivityAt.After(existing.LastActivityAt) {
			existing.LastActivityAt = data.LastActivityAt
			changed = true
		}
		for k, v := range data.Metadata {
			if existing.Metadata[k] != v {
				if existing.Metadata == nil {
					existing.Metadata = map[string]string{}
				}
				existing.Metadata[k] = v
				changed = true
			}
		}
		if existing.PhoneNumber == "" {
			if n := s.conversationNumber(ctx, workspaceID, providerName, data); n != "" {
				existing.PhoneNumber = n
				changed = true
			}
		}
		if len(data.Participants) > len(existing.Participants) {
			existing.Participants = normalizeAll(data.Participants)
			changed = true
		}
		if changed {
			existing.UpdatedAt = now
			if err := s.repo.UpdateConversation(ctx, existing); err != nil {
				return Conversation{}, false, err
			}
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, err
	}

	meta := map[string]string{}
	for k, v := range data.Metadata {
		meta[k] = v
	}
	if data.PhoneNumberID != "" {
		meta[metaPhoneLineID] = data.PhoneNumberID
	}
	conv := Conversation{
		ID:                     uuid.NewString(),
		WorkspaceID:            workspaceID,
		ExternalID:             data.ExternalID,
		Provider:               providerName,
		Channel:                string(data.Channel),
		PhoneNumber:            s.conversationNumber(ctx, workspaceID, providerName, data),
		ParticipantPhoneNumber: phone.Normalize(data.ParticipantNumber),
		Participants:           normalizeAll(data.Participants),
		Metadata:               meta,
		LastActivityAt:         data.LastActivityAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err = s.repo.CreateConversation(ctx, conv)
	if errors.Is(err, ErrAlreadyExists) {
		got, gerr := s.repo.GetConversationByExternalID(ctx, workspaceID, data.ExternalID)
		return got, false, gerr
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *Service) conversationNumber(ctx context.Context, workspaceID, providerName string, data provider.ConversationData) string {
	if data.PhoneNumber != "" {
		return phone.Normalize(data.PhoneNumber)
	}
	if data.PhoneNumberID == "" {
		return ""
	}
	resolved, err := s.resolveLine(ctx, workspaceID, providerName, data.PhoneNumberID)
	if err != nil {
		logger.From(ctx).Warn("phone line resolution failed",
			"workspace_id", workspaceID, "provider", providerName, "phone_line_id", data.PhoneNumberID, "err", err)
		return ""
	}
	return resolved
}

// UpsertMessage inserts or refreshes a message row. On refresh, status moves
// forward and a provider-supplied timestamp replaces a locally assigned one;
// creation timestamps are otherwise untouched.
func (s *Service) UpsertMessage(ctx context.Context, workspaceID, conversationID string, data provider.MessageData) (Message, bool, error) {
	if data.ProviderMessageID == "" {
		return Message{}, false, ErrInvalidEvent
	}
	now := s.clock().UTC()

	existing, err := s.repo.GetMessageByProviderID(ctx, workspaceID, data.ProviderMessageID)
	if err == nil {
		return s.refreshMessage(ctx, existing, data, now)
	}
	if !errors.Is(err, ErrNotFound) {
		return Message{}, false, err
	}

	createdAt := data.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	m := Message{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		ProviderMessageID: data.ProviderMessageID,
		Direction:         string(data.Direction),
		Body:              data.Body,
		Status:            data.Status,
		From:              data.From,
		To:                data.To,
		CreatedAt:         createdAt,
		UpdatedAt:         now,
	}
	err = s.repo.InsertMessage(ctx, m)
	if errors.Is(err, ErrAlreadyExists) {
		// Concurrent duplicate delivery: converge by refreshing the winner.
		got, gerr := s.repo.GetMessageByProviderID(ctx, workspaceID, data.ProviderMessageID)
		if gerr != nil {
			return Message{}, false, gerr
		}
		return s.refreshMessage(ctx, got, data, now)
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *Service) refreshMessage(ctx context.Context, m Message, data provider.MessageData, now time.Time) (Message, bool, error) {
	changed := false
	if data.Status != "" && data.Status != m.Status {
		m.Status = data.Status
		changed = true
	}
	if data.Body != "" && m.Body == "" {
		m.Body = data.Body
		changed = true
	}
	// Provider-supplied createdAt is authoritative over locally assigned time.
	if !data.CreatedAt.IsZero() && !data.CreatedAt.Equal(m.CreatedAt) {
		m.CreatedAt = data.CreatedAt
		changed = true
	}
	if changed {
		m.UpdatedAt = now
		if err := s.repo.UpdateMessage(ctx, m); err != nil {
			return Message{}, false, err
		}
	}
	return m, false, nil
}

// UpsertCall mirrors UpsertMessage for voice activity.
func (s *Service) UpsertCall(ctx context.Context, workspaceID, conversationID string, data provider.CallData) (Call, bool, error) {
	if data.ProviderCallID == "" {
		return Call{}, false, ErrInvalidEvent
	}
	now := s.clock().UTC()

	existing, err := s.repo.GetCallByProviderID(ctx, workspaceID, data.ProviderCallID)
	if err == nil {
		return s.refreshCall(ctx, existing, data, now)
	}
	if !errors.Is(err, ErrNotFound) {
		return Call{}, false, err
	}

	startedAt := data.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	c := Call{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		ProviderCallID:  data.ProviderCallID,
		Direction:       string(data.Direction),
		Status:          data.Status,
		From:            data.From,
		To:              data.To,
		DurationSeconds: data.DurationSeconds,
		StartedAt:       startedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.repo.InsertCall(ctx, c)
	if errors.Is(err, ErrAlreadyExists) {
		got, gerr := s.repo.GetCallByProviderID(ctx, workspaceID, data.ProviderCallID)
		if gerr != nil {
			return Call{}, false, gerr
		}
		return s.refreshCall(ctx, got, data, now)
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (s *Service) refreshCall(ctx context.Context, c Call, data provider.CallData, now time.Time) (Call, bool, error) {
	changed := false
	if data.Status != "" && data.Status != c.Status {
		c.Status = data.Status
		changed = true
	}
	if data.DurationSeconds > 0 && data.DurationSeconds != c.DurationSeconds {
		c.DurationSeconds = data.DurationSeconds
		changed = true
	}
	if !data.StartedAt.IsZero() && !data.StartedAt.Equal(c.StartedAt) {
		c.StartedAt = data.StartedAt
		changed = true
	}
	if changed {
		c.UpdatedAt = now
		if err := s.repo.UpdateCall(ctx, c); err != nil {
			return Call{}, false, err
		}
	}
	return c, false, nil
}

// ContactHistory unions messages and calls across every conversation row for
// one logical contact. Steps 2-3 of reconciliation can legitimately produce
// more than one row per participant (one per phone line), so single-row
// queries would silently drop history.
func (s *Service) ContactHistory(ctx context.Context, workspaceID, participantNumber string, limit int) (History, error) {
	participant := phone.Normalize(participantNumber)
	if workspaceID == "" || participant == "" {
		return History{}, ErrInvalidEvent
	}
	if limit <= 0 {
		limit = 100
	}

	convs, err := s.repo.FindConversationsByParticipant(ctx, workspaceID, participant)
	if err != nil {
		return History{}, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}

	msgs, err := s.repo.MessagesForConversations(ctx, workspaceID, ids, limit)
	if err != nil {
		return History{}, err
	}
	calls, err := s.repo.CallsForConversations(ctx, workspaceID, ids, limit)
	if err != nil {
		return History{}, err
	}
	return History{Conversations: convs, Messages: msgs, Calls: calls}, nil
}

func (s *Service) ListConversations(ctx context.Context, workspaceID string, limit int) ([]Conversation, error) {
	if workspaceID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListConversations(ctx, workspaceID, limit)
}

// GetByExternalID exposes the identity lookup to callers (sync delta checks).
func (s *Service) GetByExternalID(ctx context.Context, workspaceID, externalID string) (Conversation, error) {
	return s.repo.GetConversationByExternalID(ctx, workspaceID, externalID)
}

func (s *Service) resolveLine(ctx context.Context, workspaceID, providerName, phoneLineID string) (string, error) {
	key := workspaceID + ":" + phoneLineID

	s.mu.Lock()
	if n, ok := s.lineCache[key]; ok {
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	if s.lines == nil {
		return "", errors.New("conversations: line directory not configured")
	}
	n, err := s.lines.ResolveLine(ctx, workspaceID, providerName, phoneLineID)
	if err != nil {
		return "", err
	}
	n = phone.Normalize(n)

	s.mu.Lock()
	s.lineCache[key] = n
	s.mu.Unlock()
	return n, nil
}

func normalizeAll(numbers []string) []string {
	if len(numbers) == 0 {
		return nil
	}
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, phone.Normalize(n))
	}
	return out
}
