package outbound

import "time"

// Subscription is a customer-registered webhook endpoint for pipeline events.
//
// Invariants:
// - Paused subscriptions receive no deliveries until explicitly reactivated.
// - FailureCount counts consecutive failures only; any success resets it.
// - Crossing the failure threshold flips Status to paused in the same write
//   as the failure increment, so a flapping endpoint cannot keep receiving.
//
// Storage: table webhook_subscriptions, events as JSONB array of strings.
type Subscription struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	URL    string `json:"url" db:"url"`
	Secret string `json:"-" db:"secret"`

	// Events lists subscribed event names (e.g. message.received). Empty
	// means all events.
	Events []string `json:"events,omitempty" db:"events"`

	Status       string `json:"status" db:"status"`
	FailureCount int    `json:"failure_count" db:"failure_count"`

	LastSuccessAt *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Event names emitted by the pipeline.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventMessageFailed   = "message.failed"
	EventMessageStatus   = "message.status"
	EventCallCompleted   = "call.completed"
	EventSyncCompleted   = "sync.completed"
)

// WantsEvent reports whether the subscription covers the named event.
func (s Subscription) WantsEvent(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}
