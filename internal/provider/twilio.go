package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"comms-platform/internal/phone"
)

// Twilio adapter.
//
// Credentials keys: account_sid, auth_token.
// Webhooks arrive as application/x-www-form-urlencoded.
// REST calls use Basic auth against the 2010-04-01 API.

const twilioDefaultBaseURL = "https://api.twilio.com"

type TwilioAdapter struct {
	BaseURL string
	Client  *http.Client
}

func NewTwilioAdapter() *TwilioAdapter {
	return &TwilioAdapter{
		BaseURL: twilioDefaultBaseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *TwilioAdapter) Name() string { return "twilio" }

func (a *TwilioAdapter) SupportedChannels() []Channel {
	return []Channel{ChannelSMS, ChannelVoice}
}

func (a *TwilioAdapter) SendMessage(ctx context.Context, creds Credentials, req SendMessageRequest) (SendMessageResult, error) {
	if req.Channel != ChannelSMS {
		return SendMessageResult{}, &Error{Provider: a.Name(), Op: "SendMessage", StatusCode: 400, Message: "unsupported channel " + string(req.Channel)}
	}
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("Body", req.Body)

	var out struct {
		Sid         string `json:"sid"`
		Status      string `json:"status"`
		DateCreated string `json:"date_created"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", creds.Get("account_sid"))
	if err := a.doForm(ctx, creds, "SendMessage", path, form, &out); err != nil {
		return SendMessageResult{}, err
	}

	sentAt := time.Now().UTC()
	if t, err := time.Parse(time.RFC1123Z, out.DateCreated); err == nil {
		sentAt = t.UTC()
	}
	return SendMessageResult{ProviderMessageID: out.Sid, Status: out.Status, SentAt: sentAt}, nil
}

func (a *TwilioAdapter) GetConversations(ctx context.Context, creds Credentials, opts ListOptions) ([]ConversationData, error) {
	// Twilio has no first-class conversation listing at this API level; we
	// derive threads from the message log, grouping by (our number, peer).
	msgs, err := a.listMessages(ctx, creds, opts.Limit)
	if err != nil {
		return nil, err
	}

	type key struct{ ours, peer string }
	byThread := map[key]*ConversationData{}
	var order []key
	for _, m := range msgs {
		ours, peer := m.To, m.From
		if m.Direction == DirectionOut {
			ours, peer = m.From, m.To
		}
		k := key{phone.Normalize(ours), phone.Normalize(peer)}
		c, ok := byThread[k]
		if !ok {
			c = &ConversationData{
				ExternalID:        threadExternalID(k.ours, k.peer),
				PhoneNumber:       k.ours,
				ParticipantNumber: k.peer,
				Channel:           ChannelSMS,
			}
			byThread[k] = c
			order = append(order, k)
		}
		if m.CreatedAt.After(c.LastActivityAt) {
			c.LastActivityAt = m.CreatedAt
		}
	}

	out := make([]ConversationData, 0, len(order))
	for _, k := range order {
		c := byThread[k]
		if !opts.Since.IsZero() && c.LastActivityAt.Before(opts.Since) {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (a *TwilioAdapter) GetMessages(ctx context.Context, creds Credentials, q MessagesQuery) ([]MessageData, error) {
	msgs, err := a.listMessages(ctx, creds, q.Limit)
	if err != nil {
		return nil, err
	}
	if q.ParticipantNumber == "" {
		return msgs, nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if phone.Same(m.From, q.ParticipantNumber) || phone.Same(m.To, q.ParticipantNumber) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *TwilioAdapter) GetCalls(ctx context.Context, creds Credentials, q CallsQuery) ([]CallData, error) {
	var out struct {
		Calls []struct {
			Sid       string `json:"sid"`
			Direction string `json:"direction"`
			Status    string `json:"status"`
			From      string `json:"from"`
			To        string `json:"to"`
			Duration  string `json:"duration"`
			StartTime string `json:"start_time"`
		} `json:"calls"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json?PageSize=%d", creds.Get("account_sid"), pageSize(q.Limit))
	if err := a.doGet(ctx, creds, "GetCalls", path, &out); err != nil {
		return nil, err
	}

	calls := make([]CallData, 0, len(out.Calls))
	for _, c := range out.Calls {
		if q.ParticipantNumber != "" && !phone.Same(c.From, q.ParticipantNumber) && !phone.Same(c.To, q.ParticipantNumber) {
			continue
		}
		dir := DirectionOut
		if strings.HasPrefix(c.Direction, "inbound") {
			dir = DirectionIn
		}
		dur, _ := strconv.Atoi(c.Duration)
		started := time.Time{}
		if t, err := time.Parse(time.RFC1123Z, c.StartTime); err == nil {
			started = t.UTC()
		}
		calls = append(calls, CallData{
			ProviderCallID:  c.Sid,
			Direction:       dir,
			Status:          c.Status,
			From:            phone.Normalize(c.From),
			To:              phone.Normalize(c.To),
			DurationSeconds: dur,
			StartedAt:       started,
		})
	}
	return calls, nil
}

func (a *TwilioAdapter) InitiateCall(ctx context.Context, creds Credentials, req InitiateCallRequest) (InitiateCallResult, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)

	var out struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", creds.Get("account_sid"))
	if err := a.doForm(ctx, creds, "InitiateCall", path, form, &out); err != nil {
		return InitiateCallResult{}, err
	}
	return InitiateCallResult{ProviderCallID: out.Sid, Status: out.Status}, nil
}

func (a *TwilioAdapter) ValidateCredentials(ctx context.Context, creds Credentials) error {
	var out struct {
		Sid string `json:"sid"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s.json", creds.Get("account_sid"))
	return a.doGet(ctx, creds, "ValidateCredentials", path, &out)
}

func (a *TwilioAdapter) GetPhoneNumbers(ctx context.Context, creds Credentials) ([]PhoneNumber, error) {
	var out struct {
		IncomingPhoneNumbers []struct {
			Sid          string `json:"sid"`
			PhoneNumber  string `json:"phone_number"`
			FriendlyName string `json:"friendly_name"`
		} `json:"incoming_phone_numbers"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/IncomingPhoneNumbers.json", creds.Get("account_sid"))
	if err := a.doGet(ctx, creds, "GetPhoneNumbers", path, &out); err != nil {
		return nil, err
	}
	nums := make([]PhoneNumber, 0, len(out.IncomingPhoneNumbers))
	for _, n := range out.IncomingPhoneNumbers {
		nums = append(nums, PhoneNumber{ID: n.Sid, Number: phone.Normalize(n.PhoneNumber), Name: n.FriendlyName})
	}
	return nums, nil
}

func (a *TwilioAdapter) listMessages(ctx context.Context, creds Credentials, limit int) ([]MessageData, error) {
	var out struct {
		Messages []struct {
			Sid         string `json:"sid"`
			Direction   string `json:"direction"`
			Status      string `json:"status"`
			From        string `json:"from"`
			To          string `json:"to"`
			Body        string `json:"body"`
			DateCreated string `json:"date_created"`
		} `json:"messages"`
	}
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json?PageSize=%d", creds.Get("account_sid"), pageSize(limit))
	if err := a.doGet(ctx, creds, "GetMessages", path, &out); err != nil {
		return nil, err
	}

	msgs := make([]MessageData, 0, len(out.Messages))
	for _, m := range out.Messages {
		dir := DirectionOut
		if strings.HasPrefix(m.Direction, "inbound") {
			dir = DirectionIn
		}
		created := time.Time{}
		if t, err := time.Parse(time.RFC1123Z, m.DateCreated); err == nil {
			created = t.UTC()
		}
		msgs = append(msgs, MessageData{
			ProviderMessageID: m.Sid,
			Direction:         dir,
			Body:              m.Body,
			Status:            m.Status,
			From:              phone.Normalize(m.From),
			To:                phone.Normalize(m.To),
			CreatedAt:         created,
		})
	}
	return msgs, nil
}

func (a *TwilioAdapter) doForm(ctx context.Context, creds Credentials, op, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(creds, op, req, out)
}

func (a *TwilioAdapter) doGet(ctx context.Context, creds Credentials, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path, nil)
	if err != nil {
		return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
	}
	return a.do(creds, op, req, out)
}

func (a *TwilioAdapter) do(creds Credentials, op string, req *http.Request, out any) error {
	req.SetBasicAuth(creds.Get("account_sid"), creds.Get("auth_token"))

	resp, err := a.Client.Do(req)
	if err != nil {
		return &Error{Provider: a.Name(), Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Provider: a.Name(), Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Provider: a.Name(), Op: op, StatusCode: resp.StatusCode, Message: "decode: " + err.Error()}
	}
	return nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}

// threadExternalID derives a stable conversation id for providers that do
// not expose one. Both numbers are normalized first so the id is stable
// across formatting differences.
func threadExternalID(ours, peer string) string {
	return "thread:" + ours + ":" + peer
}

// ParseTwilioInboundSMS converts an inbound SMS webhook form into the
// normalized event. Twilio retries deliveries, so MessageSid doubles as the
// idempotency key.
func ParseTwilioInboundSMS(form url.Values, now time.Time) (InboundEvent, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return InboundEvent{}, fmt.Errorf("twilio: MessageSid missing")
	}
	from := phone.Normalize(form.Get("From"))
	to := phone.Normalize(form.Get("To"))

	msg := &MessageData{
		ProviderMessageID: sid,
		Direction:         DirectionIn,
		Body:              form.Get("Body"),
		Status:            "received",
		From:              from,
		To:                to,
		CreatedAt:         now.UTC(),
	}
	return InboundEvent{
		Provider:               "twilio",
		ExternalEventID:        sid,
		Kind:                   EventKindMessage,
		ExternalConversationID: threadExternalID(to, from),
		OurNumber:              to,
		ParticipantNumber:      from,
		Channel:                ChannelSMS,
		Direction:              DirectionIn,
		Message:                msg,
		OccurredAt:             now.UTC(),
	}, nil
}

// ParseTwilioStatusCallback converts a message status callback. The event id
// includes the status so that distinct transitions are not deduplicated
// against each other, while a retried delivery of the same transition is.
func ParseTwilioStatusCallback(form url.Values, now time.Time) (InboundEvent, error) {
	sid := form.Get("MessageSid")
	status := form.Get("MessageStatus")
	if sid == "" || status == "" {
		return InboundEvent{}, fmt.Errorf("twilio: MessageSid/MessageStatus missing")
	}
	from := phone.Normalize(form.Get("From"))
	to := phone.Normalize(form.Get("To"))

	// CreatedAt stays zero: the callback carries no provider timestamp, and a
	// locally assigned one must not overwrite the message's creation time.
	msg := &MessageData{
		ProviderMessageID: sid,
		Direction:         DirectionOut,
		Status:            status,
		From:              from,
		To:                to,
	}
	return InboundEvent{
		Provider:               "twilio",
		ExternalEventID:        sid + ":" + status,
		Kind:                   EventKindMessageStatus,
		ExternalConversationID: threadExternalID(from, to),
		OurNumber:              from,
		ParticipantNumber:      to,
		Channel:                ChannelSMS,
		Direction:              DirectionOut,
		Message:                msg,
		OccurredAt:             now.UTC(),
	}, nil
}

// ParseTwilioCallStatus converts a voice status callback into a call event.
func ParseTwilioCallStatus(form url.Values, now time.Time) (InboundEvent, error) {
	sid := form.Get("CallSid")
	if sid == "" {
		return InboundEvent{}, fmt.Errorf("twilio: CallSid missing")
	}
	status := form.Get("CallStatus")
	from := phone.Normalize(form.Get("From"))
	to := phone.Normalize(form.Get("To"))
	dir := DirectionIn
	ours, peer := to, from
	if strings.HasPrefix(form.Get("Direction"), "outbound") {
		dir = DirectionOut
		ours, peer = from, to
	}
	dur, _ := strconv.Atoi(form.Get("CallDuration"))

	// StartedAt stays zero for the same reason CreatedAt does in the message
	// status parser: no provider timestamp, so nothing authoritative to carry.
	call := &CallData{
		ProviderCallID:  sid,
		Direction:       dir,
		Status:          status,
		From:            from,
		To:              to,
		DurationSeconds: dur,
	}
	return InboundEvent{
		Provider:               "twilio",
		ExternalEventID:        sid + ":" + status,
		Kind:                   EventKindCall,
		ExternalConversationID: threadExternalID(ours, peer),
		OurNumber:              ours,
		ParticipantNumber:      peer,
		Channel:                ChannelVoice,
		Direction:              dir,
		Call:                   call,
		OccurredAt:             now.UTC(),
	}, nil
}
