package webhookevents

import "time"

// Event is a write-once idempotency record for an inbound provider webhook.
//
// Invariants:
// - Records are never updated; the ledger is pure "have we seen this".
// - (provider, external_id) is unique; a concurrent duplicate insert must
//   fail distinctly, never silently succeed twice.
// - Rows expire after the retention window and are swept opportunistically.
//
// Storage (Postgres):
// - Table webhook_events
// - UNIQUE (provider, external_id)
// - Index on expires_at for cleanup.
type Event struct {
	ID         string    `json:"id" db:"id"`
	Provider   string    `json:"provider" db:"provider"`
	ExternalID string    `json:"external_id" db:"external_id"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// DefaultRetention is how long dedup records are kept. Providers stop
// retrying long before this.
const DefaultRetention = 7 * 24 * time.Hour
