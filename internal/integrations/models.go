package integrations

import "time"

// Integration connects one workspace to one provider.
//
// Invariants:
// - Exactly one active integration per (workspace_id, provider), enforced by
//   a partial unique index, not application checks.
// - Credentials are stored encrypted; encryption/decryption is owned by an
//   external service and injected here as a codec.
//
// Storage (Postgres):
// - Table integrations
// - UNIQUE (workspace_id, provider) WHERE status = 'active'
// - UNIQUE (provider, webhook_token)
type Integration struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Provider    string `json:"provider" db:"provider"`

	Status Status `json:"status" db:"status"`

	// EncryptedCredentials is an opaque ciphertext blob.
	EncryptedCredentials string `json:"-" db:"encrypted_credentials"`

	// WebhookToken is embedded in provider webhook URLs and resolves the
	// owning workspace at ingestion time. Never derived from request bodies.
	WebhookToken string `json:"webhook_token" db:"webhook_token"`

	// WebhookSecret verifies provider signatures. Empty during initial setup
	// (verification is skipped until the provider confirms the secret).
	WebhookSecret string `json:"-" db:"webhook_secret"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty" db:"rotated_at"`
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)
