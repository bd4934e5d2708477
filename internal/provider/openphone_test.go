package provider

import (
	"testing"
	"time"
)

func TestParseOpenPhoneWebhookInboundMessage(t *testing.T) {
	body := []byte(`{
		"id": "EV1",
		"type": "message.received",
		"data": {"object": {
			"id": "MSG1",
			"conversationId": "CONV1",
			"phoneNumberId": "PN123",
			"direction": "incoming",
			"status": "received",
			"from": "+15551112222",
			"to": ["+15553334444"],
			"text": "hey",
			"createdAt": "2026-01-02T03:04:05Z"
		}}
	}`)
	ev, err := ParseOpenPhoneWebhook(body, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ev.ExternalEventID != "EV1" {
		t.Fatalf("event id must come from the envelope, got %q", ev.ExternalEventID)
	}
	if ev.ExternalConversationID != "CONV1" || ev.PhoneLineID != "PN123" {
		t.Fatalf("conversation/line ids lost: %+v", ev)
	}
	if ev.ParticipantNumber != "+15551112222" {
		t.Fatalf("unexpected participant %q", ev.ParticipantNumber)
	}
	if ev.Message == nil || ev.Message.ProviderMessageID != "MSG1" {
		t.Fatalf("message payload lost")
	}
	if !ev.Message.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("provider timestamp must be kept, got %v", ev.Message.CreatedAt)
	}
}

func TestParseOpenPhoneWebhookStatusUpdate(t *testing.T) {
	body := []byte(`{
		"id": "EV2",
		"type": "message.delivered",
		"data": {"object": {
			"id": "MSG2",
			"conversationId": "CONV1",
			"direction": "outgoing",
			"status": "delivered",
			"from": "+15553334444",
			"to": ["+15551112222"]
		}}
	}`)
	ev, err := ParseOpenPhoneWebhook(body, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ev.Kind != EventKindMessageStatus {
		t.Fatalf("expected message_status, got %q", ev.Kind)
	}
	if ev.ParticipantNumber != "+15551112222" {
		t.Fatalf("outgoing direction must flip participant, got %q", ev.ParticipantNumber)
	}
	if ev.OurNumber != "+15553334444" {
		t.Fatalf("our side should be the sender, got %q", ev.OurNumber)
	}
}

func TestParseOpenPhoneWebhookRejectsMissingIDs(t *testing.T) {
	if _, err := ParseOpenPhoneWebhook([]byte(`{"type":"message.received"}`), time.Now()); err == nil {
		t.Fatalf("expected error for missing ids")
	}
	if _, err := ParseOpenPhoneWebhook([]byte(`not json`), time.Now()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseWhatsAppWebhook(t *testing.T) {
	body := []byte(`{
		"eventId": "WEV1",
		"type": "message",
		"message": {
			"id": "WM1",
			"chatId": "CHAT1",
			"direction": "in",
			"status": "received",
			"from": "+447700900000",
			"to": "+15553334444",
			"body": "hola",
			"timestamp": "2026-01-02T03:04:05Z"
		}
	}`)
	ev, err := ParseWhatsAppWebhook(body, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ev.Channel != ChannelWhatsApp || ev.Provider != "whatsapp" {
		t.Fatalf("unexpected channel/provider: %+v", ev)
	}
	if ev.ParticipantNumber != "+447700900000" || ev.OurNumber != "+15553334444" {
		t.Fatalf("unexpected numbers: %+v", ev)
	}
}
