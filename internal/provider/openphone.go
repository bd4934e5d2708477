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

// OpenPhone adapter.
//
// Credentials keys: api_key.
// OpenPhone identifies lines by phoneNumberId (an opaque "PN..." id), not by
// E.164. That id must never be stored as if it were a public number; the
// reconciliation engine resolves it through GetPhoneNumbers.

const openPhoneDefaultBaseURL = "https://api.openphone.com/v1"

type OpenPhoneAdapter struct {
	BaseURL string
	Client  *http.Client
}

func NewOpenPhoneAdapter() *OpenPhoneAdapter {
	return &OpenPhoneAdapter{
		BaseURL: openPhoneDefaultBaseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *OpenPhoneAdapter) Name() string { return "openphone" }

func (a *OpenPhoneAdapter) SupportedChannels() []Channel {
	return []Channel{ChannelSMS, ChannelVoice}
}

func (a *OpenPhoneAdapter) SendMessage(ctx context.Context, creds Credentials, req SendMessageRequest) (SendMessageResult, error) {
	payload := map[string]any{
		"from":    req.From,
		"to":      []string{req.To},
		"content": req.Body,
	}
	var out struct {
		Data struct {
			ID        string    `json:"id"`
			Status    string    `json:"status"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, creds, "SendMessage", http.MethodPost, "/messages", payload, &out); err != nil {
		return SendMessageResult{}, err
	}
	sentAt := out.Data.CreatedAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	return SendMessageResult{ProviderMessageID: out.Data.ID, Status: out.Data.Status, SentAt: sentAt.UTC()}, nil
}

func (a *OpenPhoneAdapter) GetConversations(ctx context.Context, creds Credentials, opts ListOptions) ([]ConversationData, error) {
	q := url.Values{}
	q.Set("maxResults", fmt.Sprint(pageSize(opts.Limit)))
	if opts.PhoneLineID != "" {
		q.Set("phoneNumberId", opts.PhoneLineID)
	}
	var out struct {
		Data []struct {
			ID             string    `json:"id"`
			PhoneNumberID  string    `json:"phoneNumberId"`
			Participants   []string  `json:"participants"`
			LastActivityAt time.Time `json:"lastActivityAt"`
			Name           string    `json:"name"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, creds, "GetConversations", http.MethodGet, "/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	convs := make([]ConversationData, 0, len(out.Data))
	for _, c := range out.Data {
		participants := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			participants = append(participants, phone.Normalize(p))
		}
		participant := ""
		if len(participants) > 0 {
			participant = participants[0]
		}
		meta := map[string]string{"phoneNumberId": c.PhoneNumberID}
		if c.Name != "" {
			meta["name"] = c.Name
		}
		convs = append(convs, ConversationData{
			ExternalID:        c.ID,
			PhoneNumberID:     c.PhoneNumberID,
			ParticipantNumber: participant,
			Participants:      participants,
			Channel:           ChannelSMS,
			LastActivityAt:    c.LastActivityAt.UTC(),
			Metadata:          meta,
		})
	}
	return convs, nil
}

func (a *OpenPhoneAdapter) GetMessages(ctx context.Context, creds Credentials, mq MessagesQuery) ([]MessageData, error) {
	q := url.Values{}
	q.Set("maxResults", fmt.Sprint(pageSize(mq.Limit)))
	if mq.PhoneLineID != "" {
		q.Set("phoneNumberId", mq.PhoneLineID)
	}
	if mq.ParticipantNumber != "" {
		q.Set("participants", phone.Normalize(mq.ParticipantNumber))
	}
	var out struct {
		Data []struct {
			ID        string    `json:"id"`
			Direction string    `json:"direction"`
			Status    string    `json:"status"`
			From      string    `json:"from"`
			To        []string  `json:"to"`
			Text      string    `json:"text"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, creds, "GetMessages", http.MethodGet, "/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	msgs := make([]MessageData, 0, len(out.Data))
	for _, m := range out.Data {
		dir := DirectionOut
		if m.Direction == "incoming" {
			dir = DirectionIn
		}
		to := ""
		if len(m.To) > 0 {
			to = phone.Normalize(m.To[0])
		}
		msgs = append(msgs, MessageData{
			ProviderMessageID: m.ID,
			Direction:         dir,
			Body:              m.Text,
			Status:            m.Status,
			From:              phone.Normalize(m.From),
			To:                to,
			CreatedAt:         m.CreatedAt.UTC(),
		})
	}
	return msgs, nil
}

func (a *OpenPhoneAdapter) GetCalls(ctx context.Context, creds Credentials, cq CallsQuery) ([]CallData, error) {
	q := url.Values{}
	q.Set("maxResults", fmt.Sprint(pageSize(cq.Limit)))
	if cq.PhoneLineID != "" {
		q.Set("phoneNumberId", cq.PhoneLineID)
	}
	if cq.ParticipantNumber != "" {
		q.Set("participants", phone.Normalize(cq.ParticipantNumber))
	}
	var out struct {
		Data []struct {
			ID        string    `json:"id"`
			Direction string    `json:"direction"`
			Status    string    `json:"status"`
			From      string    `json:"from"`
			To        string    `json:"to"`
			Duration  int       `json:"duration"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, creds, "GetCalls", http.MethodGet, "/calls?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	calls := make([]CallData, 0, len(out.Data))
	for _, c := range out.Data {
		dir := DirectionOut
		if c.Direction == "incoming" {
			dir = DirectionIn
		}
		calls = append(calls, CallData{
			ProviderCallID:  c.ID,
			Direction:       dir,
			Status:          c.Status,
			From:            phone.Normalize(c.From),
			To:              phone.Normalize(c.To),
			DurationSeconds: c.Duration,
			StartedAt:       c.CreatedAt.UTC(),
		})
	}
	return calls, nil
}

func (a *OpenPhoneAdapter) InitiateCall(ctx context.Context, creds Credentials, req InitiateCallRequest) (InitiateCallResult, error) {
	// OpenPhone does not expose call origination on the public API.
	return InitiateCallResult{}, &Error{Provider: a.Name(), Op: "InitiateCall", StatusCode: 400, Message: "call origination not supported"}
}

func (a *OpenPhoneAdapter) ValidateCredentials(ctx context.Context, creds Credentials) error {
	_, err := a.GetPhoneNumbers(ctx, creds)
	return err
}

func (a *OpenPhoneAdapter) GetPhoneNumbers(ctx context.Context, creds Credentials) ([]PhoneNumber, error) {
	var out struct {
		Data []struct {
			ID     string `json:"id"`
			Number string `json:"number"`
			Name   string `json:"name"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, creds, "GetPhoneNumbers", http.MethodGet, "/phone-numbers", nil, &out); err != nil {
		return nil, err
	}
	nums := make([]PhoneNumber, 0, len(out.Data))
	for _, n := range out.Data {
		nums = append(nums, PhoneNumber{ID: n.ID, Number: phone.Normalize(n.Number), Name: n.Name})
	}
	return nums, nil
}

// HasSavedContact implements ContactLookup for the saved-contact sync filter.
func (a *OpenPhoneAdapter) HasSavedContact(ctx context.Context, creds Credentials, participantNumber string) (bool, error) {
	q := url.Values{}
	q.Set("phoneNumber", phone.Normalize(participantNumber))
	var out struct {
		Data []struct {
			ID        string `json:"id"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, creds, "HasSavedContact", http.MethodGet, "/contacts?"+q.Encode(), nil, &out); err != nil {
		return false, err
	}
	for _, c := range out.Data {
		if c.FirstName != "" || c.LastName != "" {
			return true, nil
		}
	}
	return false, nil
}

func (a *OpenPhoneAdapter) doJSON(ctx context.Context, creds Credentials, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
	}
	req.Header.Set("Authorization", creds.Get("api_key"))
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

// ParseOpenPhoneWebhook converts an OpenPhone JSON webhook body into the
// normalized event. The payload carries its own event id, distinct from the
// message id, which keys the idempotency ledger.
func ParseOpenPhoneWebhook(body []byte, now time.Time) (InboundEvent, error) {
	var w struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID            string    `json:"id"`
				ConversationID string   `json:"conversationId"`
				PhoneNumberID string    `json:"phoneNumberId"`
				Direction     string    `json:"direction"`
				Status        string    `json:"status"`
				From          string    `json:"from"`
				To            []string  `json:"to"`
				Text          string    `json:"text"`
				CreatedAt     time.Time `json:"createdAt"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return InboundEvent{}, fmt.Errorf("openphone: decode webhook: %w", err)
	}
	obj := w.Data.Object
	if w.ID == "" || obj.ID == "" {
		return InboundEvent{}, fmt.Errorf("openphone: event/object id missing")
	}

	dir := DirectionOut
	if obj.Direction == "incoming" {
		dir = DirectionIn
	}
	from := phone.Normalize(obj.From)
	to := ""
	if len(obj.To) > 0 {
		to = phone.Normalize(obj.To[0])
	}
	participant, ours := from, to
	if dir == DirectionOut {
		participant, ours = to, from
	}

	// The arrival clock feeds OccurredAt only; data timestamps stay whatever
	// the payload supplied (zero if absent) so a status update can never
	// overwrite a stored creation time with local time.
	occurredAt := obj.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	kind := EventKindMessage
	if strings.HasSuffix(w.Type, ".delivered") || strings.HasSuffix(w.Type, ".failed") || strings.HasSuffix(w.Type, ".updated") {
		kind = EventKindMessageStatus
	}

	ev := InboundEvent{
		Provider:               "openphone",
		ExternalEventID:        w.ID,
		ExternalConversationID: obj.ConversationID,
		PhoneLineID:            obj.PhoneNumberID,
		ParticipantNumber:      participant,
		OurNumber:              "",
		Channel:                ChannelSMS,
		Direction:              dir,
		OccurredAt:             occurredAt.UTC(),
	}
	// "ours" is only trustworthy when the payload carried an E.164 on our
	// side; the phoneNumberId path is resolved by reconciliation.
	if strings.HasPrefix(ours, "+") {
		ev.OurNumber = ours
	}

	if strings.HasPrefix(w.Type, "call.") {
		ev.Kind = EventKindCall
		ev.Channel = ChannelVoice
		ev.Call = &CallData{
			ProviderCallID: obj.ID,
			Direction:      dir,
			Status:         obj.Status,
			From:           from,
			To:             to,
			StartedAt:      obj.CreatedAt.UTC(),
		}
		return ev, nil
	}

	ev.Kind = kind
	ev.Message = &MessageData{
		ProviderMessageID: obj.ID,
		Direction:         dir,
		Body:              obj.Text,
		Status:            obj.Status,
		From:              from,
		To:                to,
		CreatedAt:         obj.CreatedAt.UTC(),
	}
	return ev, nil
}
