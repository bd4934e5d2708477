package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"comms-platform/pkg/utils"
)

// Repository is the persistence contract for conversations, messages and
// calls. Every lookup by a provider-assigned id is joined against workspace
// ownership so cross-workspace leakage is structurally impossible.
type Repository interface {
	CreateConversation(ctx context.Context, c Conversation) error
	UpdateConversation(ctx context.Context, c Conversation) error
	GetConversationByExternalID(ctx context.Context, workspaceID, externalID string) (Conversation, error)
	FindConversationsByParticipant(ctx context.Context, workspaceID, participant string) ([]Conversation, error)
	ListConversations(ctx context.Context, workspaceID string, limit int) ([]Conversation, error)

	InsertMessage(ctx context.Context, m Message) error
	UpdateMessage(ctx context.Context, m Message) error
	GetMessageByProviderID(ctx context.Context, workspaceID, providerMessageID string) (Message, error)
	MessagesForConversations(ctx context.Context, workspaceID string, conversationIDs []string, limit int) ([]Message, error)

	InsertCall(ctx context.Context, c Call) error
	UpdateCall(ctx context.Context, c Call) error
	GetCallByProviderID(ctx context.Context, workspaceID, providerCallID string) (Call, error)
	CallsForConversations(ctx context.Context, workspaceID string, conversationIDs []string, limit int) ([]Call, error)
}

var (
	ErrNotFound      = errors.New("conversations: not found")
	ErrAlreadyExists = errors.New("conversations: already exists")
)

// PostgresRepo implements Repository over database/sql.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) CreateConversation(ctx context.Context, c Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO conversations (
  id, workspace_id, external_id, provider, channel, phone_number,
  participant_phone_number, participants, contact_id, metadata,
  last_activity_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`
	_, err = r.db.ExecContext(ctx, q,
		c.ID, c.WorkspaceID, c.ExternalID, c.Provider, c.Channel, c.PhoneNumber,
		c.ParticipantPhoneNumber, participants, c.ContactID, metadata,
		c.LastActivityAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil && utils.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepo) UpdateConversation(ctx context.Context, c Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE conversations
SET phone_number = $3, participant_phone_number = $4, participants = $5,
    contact_id = $6, metadata = $7, last_activity_at = $8, updated_at = $9
WHERE workspace_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q,
		c.WorkspaceID, c.ID, c.PhoneNumber, c.ParticipantPhoneNumber, participants,
		c.ContactID, metadata, c.LastActivityAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const conversationColumns = `
id, workspace_id, external_id, provider, channel, phone_number,
participant_phone_number, participants, contact_id, metadata,
last_activity_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var participants, metadata []byte
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.ExternalID, &c.Provider, &c.Channel, &c.PhoneNumber,
		&c.ParticipantPhoneNumber, &participants, &c.ContactID, &metadata,
		&c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &c.Participants); err != nil {
			return Conversation{}, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return Conversation{}, err
		}
	}
	return c, nil
}

func (r *PostgresRepo) GetConversationByExternalID(ctx context.Context, workspaceID, externalID string) (Conversation, error) {
	const q = `
SELECT` + conversationColumns + `
FROM conversations
WHERE workspace_id = $1 AND external_id = $2
`
	c, err := scanConversation(r.db.QueryRowContext(ctx, q, workspaceID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) FindConversationsByParticipant(ctx context.Context, workspaceID, participant string) ([]Conversation, error) {
	// participant arrives normalized; participants JSONB covers group threads.
	const q = `
SELECT` + conversationColumns + `
FROM conversations
WHERE workspace_id = $1
  AND (participant_phone_number = $2 OR participants @> to_jsonb(ARRAY[$2::text]))
ORDER BY last_activity_at DESC
`
	return r.queryConversations(ctx, q, workspaceID, participant)
}

func (r *PostgresRepo) ListConversations(ctx context.Context, workspaceID string, limit int) ([]Conversation, error) {
	const q = `
SELECT` + conversationColumns + `
FROM conversations
WHERE workspace_id = $1
ORDER BY last_activity_at DESC
LIMIT $2
`
	return r.queryConversations(ctx, q, workspaceID, limit)
}

func (r *PostgresRepo) queryConversations(ctx context.Context, q string, args ...any) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) InsertMessage(ctx context.Context, m Message) error {
	const q = `
INSERT INTO messages (
  id, conversation_id, provider_message_id, direction, body, status,
  from_number, to_number, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.ConversationID, m.ProviderMessageID, m.Direction, m.Body, m.Status,
		m.From, m.To, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil && utils.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepo) UpdateMessage(ctx context.Context, m Message) error {
	const q = `
UPDATE messages
SET status = $2, body = $3, created_at = $4, updated_at = $5
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, m.ID, m.Status, m.Body, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `
m.id, m.conversation_id, m.provider_message_id, m.direction, m.body, m.status,
m.from_number, m.to_number, m.created_at, m.updated_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.ProviderMessageID, &m.Direction, &m.Body, &m.Status,
		&m.From, &m.To, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func (r *PostgresRepo) GetMessageByProviderID(ctx context.Context, workspaceID, providerMessageID string) (Message, error) {
	// Joined through conversations: the provider id is only unique within a
	// workspace.
	const q = `
SELECT` + messageColumns + `
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.workspace_id = $1 AND m.provider_message_id = $2
LIMIT 1
`
	m, err := scanMessage(r.db.QueryRowContext(ctx, q, workspaceID, providerMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (r *PostgresRepo) MessagesForConversations(ctx context.Context, workspaceID string, conversationIDs []string, limit int) ([]Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	ids, err := json.Marshal(conversationIDs)
	if err != nil {
		return nil, err
	}
	const q = `
SELECT` + messageColumns + `
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.workspace_id = $1
  AND m.conversation_id IN (SELECT jsonb_array_elements_text($2::jsonb))
ORDER BY m.created_at DESC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, ids, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) InsertCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, conversation_id, provider_call_id, direction, status,
  from_number, to_number, duration_seconds, started_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID, c.ConversationID, c.ProviderCallID, c.Direction, c.Status,
		c.From, c.To, c.DurationSeconds, c.StartedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil && utils.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepo) UpdateCall(ctx context.Context, c Call) error {
	const q = `
UPDATE calls
SET status = $2, duration_seconds = $3, started_at = $4, updated_at = $5
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, c.ID, c.Status, c.DurationSeconds, c.StartedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const callColumns = `
k.id, k.conversation_id, k.provider_call_id, k.direction, k.status,
k.from_number, k.to_number, k.duration_seconds, k.started_at, k.created_at, k.updated_at`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	err := row.Scan(
		&c.ID, &c.ConversationID, &c.ProviderCallID, &c.Direction, &c.Status,
		&c.From, &c.To, &c.DurationSeconds, &c.StartedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *PostgresRepo) GetCallByProviderID(ctx context.Context, workspaceID, providerCallID string) (Call, error) {
	const q = `
SELECT` + callColumns + `
FROM calls k
JOIN conversations c ON c.id = k.conversation_id
WHERE c.workspace_id = $1 AND k.provider_call_id = $2
LIMIT 1
`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, workspaceID, providerCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) CallsForConversations(ctx context.Context, workspaceID string, conversationIDs []string, limit int) ([]Call, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	ids, err := json.Marshal(conversationIDs)
	if err != nil {
		return nil, err
	}
	const q = `
SELECT` + callColumns + `
FROM calls k
JOIN conversations c ON c.id = k.conversation_id
WHERE c.workspace_id = $1
  AND k.conversation_id IN (SELECT jsonb_array_elements_text($2::jsonb))
ORDER BY k.started_at DESC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, ids, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
