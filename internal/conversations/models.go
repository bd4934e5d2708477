package conversations

import "time"

// Conversation is one logical thread between one of our numbers and a
// participant within a provider.
//
// Invariants:
// - (workspace_id, external_id) is unique.
// - One participant may legitimately own multiple rows (one per phone line);
//   they are merged at query time, never at storage time.
// - PhoneNumber is our side in E.164, or empty when line resolution failed.
//   A provider-internal line id must never be stored in this column.
// - ContactID belongs to an external contact system; it is an opaque
//   reference, never a foreign key.
//
// Storage (Postgres):
// - Table conversations, UNIQUE (workspace_id, external_id)
// - participant_phone_number stored normalized; metadata is JSONB.
type Conversation struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	ExternalID  string `json:"external_id" db:"external_id"`
	Provider    string `json:"provider" db:"provider"`
	Channel     string `json:"channel" db:"channel"`

	// PhoneNumber is our side of the thread.
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	// ParticipantPhoneNumber is the primary remote participant, normalized.
	ParticipantPhoneNumber string `json:"participant_phone_number" db:"participant_phone_number"`

	// Participants holds all remote numbers for group threads.
	Participants []string `json:"participants,omitempty" db:"participants"`

	ContactID string `json:"contact_id,omitempty" db:"contact_id"`

	// Metadata carries provider-specific identifiers (e.g. phoneNumberId).
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// metaPhoneLineID is the metadata key holding the provider line identifier.
const metaPhoneLineID = "phoneNumberId"

// Message belongs to exactly one Conversation. ProviderMessageID is unique
// within a workspace, enforced by joining through the conversation row — the
// provider id alone is not globally unique and must not leak across
// workspaces.
//
// Storage: table messages, UNIQUE (conversation_id, provider_message_id).
type Message struct {
	ID                string `json:"id" db:"id"`
	ConversationID    string `json:"conversation_id" db:"conversation_id"`
	ProviderMessageID string `json:"provider_message_id" db:"provider_message_id"`

	Direction string `json:"direction" db:"direction"`
	Body      string `json:"body,omitempty" db:"body"`
	Status    string `json:"status" db:"status"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	// CreatedAt is provider-authoritative when the provider supplied one.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Call mirrors Message for voice activity.
//
// Storage: table calls, UNIQUE (conversation_id, provider_call_id).
type Call struct {
	ID             string `json:"id" db:"id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	Direction string `json:"direction" db:"direction"`
	Status    string `json:"status" db:"status"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	StartedAt time.Time `json:"started_at" db:"started_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// History is the merged activity for one logical contact across all of their
// conversation rows.
type History struct {
	Conversations []Conversation `json:"conversations"`
	Messages      []Message      `json:"messages"`
	Calls         []Call         `json:"calls"`
}
