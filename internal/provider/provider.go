package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Adapter is the provider-agnostic interface used by business logic.
//
// Rules:
// - No provider REST calls outside adapter implementations.
// - Identifier variance (phone number vs phone-number-id, pagination shape,
//   webhook encoding) is absorbed here; callers only see normalized types.
// - Listing order is provider-defined and must not be assumed monotonic;
//   callers re-sort/filter defensively.
type Adapter interface {
	Name() string

	// SupportedChannels declares which channels this provider can originate.
	SupportedChannels() []Channel

	SendMessage(ctx context.Context, creds Credentials, req SendMessageRequest) (SendMessageResult, error)

	GetConversations(ctx context.Context, creds Credentials, opts ListOptions) ([]ConversationData, error)
	GetMessages(ctx context.Context, creds Credentials, q MessagesQuery) ([]MessageData, error)
	GetCalls(ctx context.Context, creds Credentials, q CallsQuery) ([]CallData, error)

	InitiateCall(ctx context.Context, creds Credentials, req InitiateCallRequest) (InitiateCallResult, error)
	ValidateCredentials(ctx context.Context, creds Credentials) error
	GetPhoneNumbers(ctx context.Context, creds Credentials) ([]PhoneNumber, error)
}

// ContactLookup is an optional adapter capability used by the
// saved-contact sync filter. Adapters that cannot look up contacts simply
// do not implement it and the filter is skipped.
type ContactLookup interface {
	HasSavedContact(ctx context.Context, creds Credentials, participantNumber string) (bool, error)
}

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelVoice    Channel = "voice"
	ChannelWhatsApp Channel = "whatsapp"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Credentials carries decrypted provider credentials. Encryption at rest is
// owned by the integrations layer upstream; adapters treat this as opaque
// key/value pairs.
type Credentials map[string]string

func (c Credentials) Get(key string) string { return c[key] }

type SendMessageRequest struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Body       string  `json:"body"`
	Channel    Channel `json:"channel"`
	TemplateID string  `json:"template_id,omitempty"`
}

type SendMessageResult struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	SentAt            time.Time `json:"sent_at"`
}

type ListOptions struct {
	Limit int

	// PhoneLineID filters to a single line (provider identifier, not E.164).
	PhoneLineID string

	// Since bounds the listing to conversations active after this time.
	Since time.Time
}

type MessagesQuery struct {
	ConversationExternalID string
	PhoneLineID            string
	ParticipantNumber      string
	Limit                  int
}

type CallsQuery struct {
	ConversationExternalID string
	PhoneLineID            string
	ParticipantNumber      string
	Limit                  int
}

// ConversationData is a normalized provider conversation record.
type ConversationData struct {
	ExternalID         string
	PhoneNumber        string // our side, E.164 when the provider gives one
	PhoneNumberID      string // provider-internal line identifier, may be empty
	ParticipantNumber  string
	Participants       []string // group threads
	Channel            Channel
	LastActivityAt     time.Time
	Metadata           map[string]string
}

type MessageData struct {
	ProviderMessageID string
	Direction         Direction
	Body              string
	Status            string
	From              string
	To                string
	CreatedAt         time.Time
}

type CallData struct {
	ProviderCallID  string
	Direction       Direction
	Status          string
	From            string
	To              string
	DurationSeconds int
	StartedAt       time.Time
}

type InitiateCallRequest struct {
	From string
	To   string
}

type InitiateCallResult struct {
	ProviderCallID string
	Status         string
}

type PhoneNumber struct {
	// ID is the provider-internal identifier for the line (e.g., OpenPhone
	// phoneNumberId). Never persist this as if it were the public number.
	ID     string
	Number string
	Name   string
}

// InboundEvent is the normalized shape of a provider webhook delivery,
// produced by adapter parsing and consumed by ingestion/reconciliation.
type InboundEvent struct {
	Provider string

	// ExternalEventID keys the idempotency ledger. Falls back to the
	// message/call id when the provider has no separate event id.
	ExternalEventID string

	Kind EventKind

	ExternalConversationID string
	PhoneLineID            string // provider line id if the payload carries one
	OurNumber              string
	ParticipantNumber      string
	Channel                Channel
	Direction              Direction

	Message *MessageData
	Call    *CallData

	OccurredAt time.Time
}

type EventKind string

const (
	EventKindMessage       EventKind = "message"
	EventKindMessageStatus EventKind = "message_status"
	EventKindCall          EventKind = "call"
)

// Error is returned by adapters for provider-side failures. Callers decide
// whether to mark work failed and continue or abort.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failed (status %d): %s", e.Provider, e.Op, e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a provider auth/credentials failure.
func IsAuthError(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == 401 || pe.StatusCode == 403
	}
	return false
}

var ErrUnknownProvider = errors.New("provider: unknown provider")

// Registry resolves provider names to adapters. Wired once at startup.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
