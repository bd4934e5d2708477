package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"comms-platform/internal/phone"
)

// WhatsApp bridge adapter.
//
// Credentials keys: base_url, api_token. The bridge is a self-hosted service
// exposing a small JSON API over a linked WhatsApp session; it only speaks
// the whatsapp channel and supports template sends for business-initiated
// conversations.

type WhatsAppAdapter struct {
	Client *http.Client
}

func NewWhatsAppAdapter() *WhatsAppAdapter {
	return &WhatsAppAdapter{Client: &http.Client{Timeout: 20 * time.Second}}
}

func (a *WhatsAppAdapter) Name() string { return "whatsapp" }

func (a *WhatsAppAdapter) SupportedChannels() []Channel {
	return []Channel{ChannelWhatsApp}
}

func (a *WhatsAppAdapter) SendMessage(ctx context.Context, creds Credentials, req SendMessageRequest) (SendMessageResult, error) {
	payload := map[string]any{
		"from": req.From,
		"to":   req.To,
		"body": req.Body,
	}
	if req.TemplateID != "" {
		payload["templateId"] = req.TemplateID
	}
	var out struct {
		MessageID string    `json:"messageId"`
		Status    string    `json:"status"`
		SentAt    time.Time `json:"sentAt"`
	}
	if err := a.doJSON(ctx, creds, "SendMessage", http.MethodPost, "/messages", payload, &out); err != nil {
		return SendMessageResult{}, err
	}
	sentAt := out.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	return SendMessageResult{ProviderMessageID: out.MessageID, Status: out.Status, SentAt: sentAt.UTC()}, nil
}

func (a *WhatsAppAdapter) GetConversations(ctx context.Context, creds Credentials, opts ListOptions) ([]ConversationData, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(pageSize(opts.Limit)))
	var out struct {
		Chats []struct {
			ID             string    `json:"id"`
			OurNumber      string    `json:"ourNumber"`
			Participant    string    `json:"participant"`
			Participants   []string  `json:"participants"`
			LastActivityAt time.Time `json:"lastActivityAt"`
		} `json:"chats"`
	}
	if err := a.doJSON(ctx, creds, "GetConversations", http.MethodGet, "/chats?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	convs := make([]ConversationData, 0, len(out.Chats))
	for _, c := range out.Chats {
		participants := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			participants = append(participants, phone.Normalize(p))
		}
		convs = append(convs, ConversationData{
			ExternalID:        c.ID,
			PhoneNumber:       phone.Normalize(c.OurNumber),
			ParticipantNumber: phone.Normalize(c.Participant),
			Participants:      participants,
			Channel:           ChannelWhatsApp,
			LastActivityAt:    c.LastActivityAt.UTC(),
		})
	}
	return convs, nil
}

func (a *WhatsAppAdapter) GetMessages(ctx context.Context, creds Credentials, q MessagesQuery) ([]MessageData, error) {
	vals := url.Values{}
	vals.Set("limit", fmt.Sprint(pageSize(q.Limit)))
	var out struct {
		Messages []struct {
			ID        string    `json:"id"`
			Direction string    `json:"direction"`
			Status    string    `json:"status"`
			From      string    `json:"from"`
			To        string    `json:"to"`
			Body      string    `json:"body"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"messages"`
	}
	path := fmt.Sprintf("/chats/%s/messages?%s", url.PathEscape(q.ConversationExternalID), vals.Encode())
	if err := a.doJSON(ctx, creds, "GetMessages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	msgs := make([]MessageData, 0, len(out.Messages))
	for _, m := range out.Messages {
		dir := DirectionOut
		if m.Direction == "in" {
			dir = DirectionIn
		}
		msgs = append(msgs, MessageData{
			ProviderMessageID: m.ID,
			Direction:         dir,
			Body:              m.Body,
			Status:            m.Status,
			From:              phone.Normalize(m.From),
			To:                phone.Normalize(m.To),
			CreatedAt:         m.Timestamp.UTC(),
		})
	}
	return msgs, nil
}

func (a *WhatsAppAdapter) GetCalls(ctx context.Context, creds Credentials, q CallsQuery) ([]CallData, error) {
	// The bridge has no call log.
	return nil, nil
}

func (a *WhatsAppAdapter) InitiateCall(ctx context.Context, creds Credentials, req InitiateCallRequest) (InitiateCallResult, error) {
	return InitiateCallResult{}, &Error{Provider: a.Name(), Op: "InitiateCall", StatusCode: 400, Message: "voice not supported"}
}

func (a *WhatsAppAdapter) ValidateCredentials(ctx context.Context, creds Credentials) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := a.doJSON(ctx, creds, "ValidateCredentials", http.MethodGet, "/session", nil, &out); err != nil {
		return err
	}
	if out.Status != "connected" {
		return &Error{Provider: a.Name(), Op: "ValidateCredentials", StatusCode: 401, Message: "session not connected: " + out.Status}
	}
	return nil
}

func (a *WhatsAppAdapter) GetPhoneNumbers(ctx context.Context, creds Credentials) ([]PhoneNumber, error) {
	var out struct {
		Number string `json:"number"`
		Name   string `json:"name"`
	}
	if err := a.doJSON(ctx, creds, "GetPhoneNumbers", http.MethodGet, "/session", nil, &out); err != nil {
		return nil, err
	}
	if out.Number == "" {
		return nil, nil
	}
	return []PhoneNumber{{ID: out.Number, Number: phone.Normalize(out.Number), Name: out.Name}}, nil
}

func (a *WhatsAppAdapter) doJSON(ctx context.Context, creds Credentials, op, method, path string, payload, out any) error {
	base := strings.TrimSuffix(creds.Get("base_url"), "/")
	if base == "" {
		return &Error{Provider: a.Name(), Op: op, StatusCode: 401, Message: "base_url missing from credentials"}
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.Get("api_token"))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Provider: a.Name(), Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Provider: a.Name(), Op: op, StatusCode: resp.StatusCode, Message: "decode: " + err.Error()}
	}
	return nil
}

// ParseWhatsAppWebhook converts a bridge webhook body into the normalized
// event shape.
func ParseWhatsAppWebhook(body []byte, now time.Time) (InboundEvent, error) {
	var w struct {
		EventID string `json:"eventId"`
		Type    string `json:"type"`
		Message struct {
			ID        string    `json:"id"`
			ChatID    string    `json:"chatId"`
			Direction string    `json:"direction"`
			Status    string    `json:"status"`
			From      string    `json:"from"`
			To        string    `json:"to"`
			Body      string    `json:"body"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return InboundEvent{}, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}
	m := w.Message
	if m.ID == "" {
		return InboundEvent{}, fmt.Errorf("whatsapp: message id missing")
	}
	eventID := w.EventID
	if eventID == "" {
		eventID = m.ID
	}

	dir := DirectionOut
	if m.Direction == "in" {
		dir = DirectionIn
	}
	from := phone.Normalize(m.From)
	to := phone.Normalize(m.To)
	participant, ours := from, to
	if dir == DirectionOut {
		participant, ours = to, from
	}
	// The arrival clock feeds OccurredAt only; the message timestamp stays
	// whatever the bridge supplied (zero if absent), so a status update can
	// never overwrite a stored creation time with local time.
	occurredAt := m.Timestamp
	if occurredAt.IsZero() {
		occurredAt = now
	}

	kind := EventKindMessage
	if w.Type == "message.status" {
		kind = EventKindMessageStatus
	}

	return InboundEvent{
		Provider:               "whatsapp",
		ExternalEventID:        eventID,
		Kind:                   kind,
		ExternalConversationID: m.ChatID,
		OurNumber:              ours,
		ParticipantNumber:      participant,
		Channel:                ChannelWhatsApp,
		Direction:              dir,
		Message: &MessageData{
			ProviderMessageID: m.ID,
			Direction:         dir,
			Body:              m.Body,
			Status:            m.Status,
			From:              from,
			To:                to,
			CreatedAt:         m.Timestamp.UTC(),
		},
		OccurredAt: occurredAt.UTC(),
	}, nil
}
