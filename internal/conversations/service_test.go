package conversations

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"comms-platform/internal/provider"
)

type fakeLineDirectory struct {
	numbers map[string]string
	calls   int
	err     error
}

func (d *fakeLineDirectory) ResolveLine(ctx context.Context, workspaceID, providerName, phoneLineID string) (string, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	n, ok := d.numbers[phoneLineID]
	if !ok {
		return "", errors.New("no such line")
	}
	return n, nil
}

func newTestService(lines LineDirectory) (*Service, *MemoryRepo) {
	repo := NewMemoryRepo()
	svc := NewService(repo, lines)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return base }
	return svc, repo
}

func inboundSMS(eventID, convID, from, to, body string) provider.InboundEvent {
	return provider.InboundEvent{
		Provider:               "twilio",
		ExternalEventID:        eventID,
		Kind:                   provider.EventKindMessage,
		ExternalConversationID: convID,
		OurNumber:              to,
		ParticipantNumber:      from,
		Channel:                provider.ChannelSMS,
		Direction:              provider.DirectionIn,
		Message: &provider.MessageData{
			ProviderMessageID: eventID,
			Direction:         provider.DirectionIn,
			Body:              body,
			Status:            "received",
			From:              from,
			To:                to,
			CreatedAt:         time.Date(2026, 2, 1, 11, 59, 0, 0, time.UTC),
		},
		OccurredAt: time.Date(2026, 2, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestReconcileInboundCreatesConversationAndMessage(t *testing.T) {
	svc, repo := newTestService(nil)

	ev := inboundSMS("SM1", "thread:+15550001111:+15552223333", "+15552223333", "+15550001111", "hello")
	conv, err := svc.ReconcileInbound(context.Background(), "ws1", ev)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if conv.PhoneNumber != "+15550001111" {
		t.Fatalf("our number = %q, want +15550001111", conv.PhoneNumber)
	}
	if conv.ParticipantPhoneNumber != "+15552223333" {
		t.Fatalf("participant = %q", conv.ParticipantPhoneNumber)
	}
	msgs := repo.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ConversationID != conv.ID {
		t.Fatalf("message not linked to conversation")
	}
}

func TestReconcileInboundIsIdempotent(t *testing.T) {
	svc, repo := newTestService(nil)

	ev := inboundSMS("SM2", "thread:+15550001111:+15552223333", "+15552223333", "+15550001111", "hello")
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev); err != nil {
		t.Fatalf("replay must succeed: %v", err)
	}

	if n := len(repo.Messages()); n != 1 {
		t.Fatalf("replayed webhook must produce exactly one message row, got %d", n)
	}
	if n := len(repo.Conversations()); n != 1 {
		t.Fatalf("replayed webhook must produce exactly one conversation, got %d", n)
	}
}

func TestReconcileInboundKeepsLinesDistinct(t *testing.T) {
	svc, repo := newTestService(nil)

	// Same participant texting two of our numbers: two conversation rows.
	a := inboundSMS("SM3", "thread:+15550001111:+15552223333", "+15552223333", "+15550001111", "to line A")
	b := inboundSMS("SM4", "thread:+15550009999:+15552223333", "+15552223333", "+15550009999", "to line B")
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", a); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", b); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n := len(repo.Conversations()); n != 2 {
		t.Fatalf("distinct lines must create distinct conversations, got %d", n)
	}

	// Contact-level history unions across both rows.
	hist, err := svc.ContactHistory(context.Background(), "ws1", "+15552223333", 50)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(hist.Conversations) != 2 {
		t.Fatalf("history should span 2 conversations, got %d", len(hist.Conversations))
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("history should union 2 messages, got %d", len(hist.Messages))
	}
}

func TestReconcileInboundMatchesByParticipantAndLine(t *testing.T) {
	svc, repo := newTestService(nil)

	first := provider.InboundEvent{
		Provider:               "openphone",
		ExternalEventID:        "EV1",
		Kind:                   provider.EventKindMessage,
		ExternalConversationID: "CN1",
		PhoneLineID:            "PN123",
		ParticipantNumber:      "+15552223333",
		Channel:                provider.ChannelSMS,
		Direction:              provider.DirectionIn,
		Message: &provider.MessageData{
			ProviderMessageID: "AC1", Direction: provider.DirectionIn, Body: "a", Status: "received",
			CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		},
		OccurredAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", first); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// Later event on the same line but without a thread id must attach to the
	// existing conversation, not create a second one.
	second := first
	second.ExternalEventID = "EV2"
	second.ExternalConversationID = ""
	second.Message = &provider.MessageData{
		ProviderMessageID: "AC2", Direction: provider.DirectionIn, Body: "b", Status: "received",
		CreatedAt: time.Date(2026, 2, 1, 10, 5, 0, 0, time.UTC),
	}
	second.OccurredAt = time.Date(2026, 2, 1, 10, 5, 0, 0, time.UTC)
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", second); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if n := len(repo.Conversations()); n != 1 {
		t.Fatalf("expected events to reconcile into one conversation, got %d", n)
	}
	if n := len(repo.Messages()); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

func TestReconcileInboundResolvesLineID(t *testing.T) {
	dir := &fakeLineDirectory{numbers: map[string]string{"PN123": "+15550001111"}}
	svc, _ := newTestService(dir)

	ev := provider.InboundEvent{
		Provider:               "openphone",
		ExternalEventID:        "EV3",
		Kind:                   provider.EventKindMessage,
		ExternalConversationID: "CN2",
		PhoneLineID:            "PN123",
		ParticipantNumber:      "+15552223333",
		Channel:                provider.ChannelSMS,
		Direction:              provider.DirectionIn,
		Message:                &provider.MessageData{ProviderMessageID: "AC3", Direction: provider.DirectionIn, Status: "received"},
		OccurredAt:             time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	conv, err := svc.ReconcileInbound(context.Background(), "ws1", ev)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if conv.PhoneNumber != "+15550001111" {
		t.Fatalf("line id should resolve to +15550001111, got %q", conv.PhoneNumber)
	}
	if conv.Metadata[metaPhoneLineID] != "PN123" {
		t.Fatalf("line id should be kept in metadata")
	}

	// Second resolution of the same line is served from cache.
	ev2 := ev
	ev2.ExternalEventID = "EV4"
	ev2.ExternalConversationID = "CN3"
	ev2.Message = &provider.MessageData{ProviderMessageID: "AC4", Direction: provider.DirectionIn, Status: "received"}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev2); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if dir.calls != 1 {
		t.Fatalf("expected one directory call, got %d", dir.calls)
	}
}

func TestReconcileInboundLineResolutionFailureStoresEmptyNumber(t *testing.T) {
	dir := &fakeLineDirectory{err: errors.New("provider down")}
	svc, _ := newTestService(dir)

	ev := provider.InboundEvent{
		Provider:               "openphone",
		ExternalEventID:        "EV5",
		Kind:                   provider.EventKindMessage,
		ExternalConversationID: "CN4",
		PhoneLineID:            "PN999",
		ParticipantNumber:      "+15552223333",
		Channel:                provider.ChannelSMS,
		Direction:              provider.DirectionIn,
		Message:                &provider.MessageData{ProviderMessageID: "AC5", Direction: provider.DirectionIn, Status: "received"},
		OccurredAt:             time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	conv, err := svc.ReconcileInbound(context.Background(), "ws1", ev)
	if err != nil {
		t.Fatalf("resolution failure must not fail the event: %v", err)
	}
	if conv.PhoneNumber != "" {
		t.Fatalf("failed resolution must store an empty number, got %q", conv.PhoneNumber)
	}
}

func TestUpsertMessageStatusProgression(t *testing.T) {
	svc, repo := newTestService(nil)

	conv := Conversation{
		ID: "c1", WorkspaceID: "ws1", ExternalID: "x1", Provider: "twilio",
		CreatedAt: svc.clock(), UpdatedAt: svc.clock(),
	}
	if err := repo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	_, created, err := svc.UpsertMessage(context.Background(), "ws1", "c1", provider.MessageData{
		ProviderMessageID: "SM9", Direction: provider.DirectionOut, Body: "hi", Status: "queued",
	})
	if err != nil || !created {
		t.Fatalf("expected created insert, got created=%v err=%v", created, err)
	}

	got, created, err := svc.UpsertMessage(context.Background(), "ws1", "c1", provider.MessageData{
		ProviderMessageID: "SM9", Status: "delivered",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if created {
		t.Fatalf("status update must not create a second row")
	}
	if got.Status != "delivered" {
		t.Fatalf("status = %q, want delivered", got.Status)
	}
	if got.Body != "hi" {
		t.Fatalf("status update must not erase body")
	}
	if !got.CreatedAt.Equal(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("provider-supplied created_at must win, got %v", got.CreatedAt)
	}
}

func TestStatusCallbackPreservesMessageCreationTime(t *testing.T) {
	svc, repo := newTestService(nil)

	received := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	form := url.Values{}
	form.Set("MessageSid", "SM111")
	form.Set("From", "+15552223333")
	form.Set("To", "+15550001111")
	form.Set("Body", "hello")
	ev, err := provider.ParseTwilioInboundSMS(form, received)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// Delivery callback 45 minutes later. It carries no provider timestamp,
	// so the stored creation time must survive the status refresh.
	cb := url.Values{}
	cb.Set("MessageSid", "SM111")
	cb.Set("MessageStatus", "delivered")
	cb.Set("From", "+15550001111")
	cb.Set("To", "+15552223333")
	ev2, err := provider.ParseTwilioStatusCallback(cb, received.Add(45*time.Minute))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev2); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := repo.GetMessageByProviderID(context.Background(), "ws1", "SM111")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != "delivered" {
		t.Fatalf("status = %q, want delivered", got.Status)
	}
	if !got.CreatedAt.Equal(received) {
		t.Fatalf("status callback must not alter created_at: got %v, want %v", got.CreatedAt, received)
	}
}

func TestCallStatusCallbackPreservesStartTime(t *testing.T) {
	svc, repo := newTestService(nil)

	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ringing := url.Values{}
	ringing.Set("CallSid", "CA111")
	ringing.Set("CallStatus", "ringing")
	ringing.Set("From", "+15552223333")
	ringing.Set("To", "+15550001111")
	ev, err := provider.ParseTwilioCallStatus(ringing, t1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	first, err := repo.GetCallByProviderID(context.Background(), "ws1", "CA111")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	completed := url.Values{}
	completed.Set("CallSid", "CA111")
	completed.Set("CallStatus", "completed")
	completed.Set("From", "+15552223333")
	completed.Set("To", "+15550001111")
	completed.Set("CallDuration", "42")
	ev2, err := provider.ParseTwilioCallStatus(completed, t1.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev2); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := repo.GetCallByProviderID(context.Background(), "ws1", "CA111")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != "completed" || got.DurationSeconds != 42 {
		t.Fatalf("unexpected call after completion: %+v", got)
	}
	if !got.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("status callback must not alter started_at: got %v, want %v", got.StartedAt, first.StartedAt)
	}
}

func TestUpsertConversationAdvancesActivityOnly(t *testing.T) {
	svc, _ := newTestService(nil)

	early := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	if _, created, err := svc.UpsertConversation(context.Background(), "ws1", "twilio", provider.ConversationData{
		ExternalID: "x2", ParticipantNumber: "+15552223333", LastActivityAt: late,
	}); err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}

	got, created, err := svc.UpsertConversation(context.Background(), "ws1", "twilio", provider.ConversationData{
		ExternalID: "x2", ParticipantNumber: "+15552223333", LastActivityAt: early,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if created {
		t.Fatalf("resync must not duplicate the conversation")
	}
	if !got.LastActivityAt.Equal(late) {
		t.Fatalf("older sync data must not rewind last_activity_at")
	}
}

func TestContactHistoryNormalizesLookupNumber(t *testing.T) {
	svc, _ := newTestService(nil)

	ev := inboundSMS("SM10", "thread:+15550001111:+15552223333", "+15552223333", "+15550001111", "hey")
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// Ten-digit national format resolves to the same contact.
	hist, err := svc.ContactHistory(context.Background(), "ws1", "(555) 222-3333", 50)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(hist.Messages) != 1 {
		t.Fatalf("expected history via normalized number, got %d messages", len(hist.Messages))
	}
}

func TestReconcileInboundScopesWorkspaces(t *testing.T) {
	svc, repo := newTestService(nil)

	ev := inboundSMS("SM11", "thread:+15550001111:+15552223333", "+15552223333", "+15550001111", "hello")
	if _, err := svc.ReconcileInbound(context.Background(), "ws1", ev); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.ReconcileInbound(context.Background(), "ws2", ev); err != nil {
		t.Fatalf("same event in another workspace must not collide: %v", err)
	}
	if n := len(repo.Conversations()); n != 2 {
		t.Fatalf("expected one conversation per workspace, got %d", n)
	}
}
