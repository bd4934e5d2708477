package conversations

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu            sync.Mutex
	conversations []Conversation
	messages      []Message
	calls         []Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) CreateConversation(ctx context.Context, c Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.conversations {
		if row.WorkspaceID == c.WorkspaceID && row.ExternalID == c.ExternalID {
			return ErrAlreadyExists
		}
	}
	r.conversations = append(r.conversations, c)
	return nil
}

func (r *MemoryRepo) UpdateConversation(ctx context.Context, c Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.conversations {
		if r.conversations[i].WorkspaceID == c.WorkspaceID && r.conversations[i].ID == c.ID {
			r.conversations[i] = c
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) GetConversationByExternalID(ctx context.Context, workspaceID, externalID string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.conversations {
		if row.WorkspaceID == workspaceID && row.ExternalID == externalID {
			return row, nil
		}
	}
	return Conversation{}, ErrNotFound
}

func (r *MemoryRepo) FindConversationsByParticipant(ctx context.Context, workspaceID, participant string) ([]Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conversation
	for _, row := range r.conversations {
		if row.WorkspaceID != workspaceID {
			continue
		}
		if row.ParticipantPhoneNumber == participant {
			out = append(out, row)
			continue
		}
		for _, p := range row.Participants {
			if p == participant {
				out = append(out, row)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (r *MemoryRepo) ListConversations(ctx context.Context, workspaceID string, limit int) ([]Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conversation
	for _, row := range r.conversations {
		if row.WorkspaceID == workspaceID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) conversationWorkspace(conversationID string) (string, bool) {
	for _, c := range r.conversations {
		if c.ID == conversationID {
			return c.WorkspaceID, true
		}
	}
	return "", false
}

func (r *MemoryRepo) InsertMessage(ctx context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.messages {
		if row.ConversationID == m.ConversationID && row.ProviderMessageID == m.ProviderMessageID {
			return ErrAlreadyExists
		}
	}
	r.messages = append(r.messages, m)
	return nil
}

func (r *MemoryRepo) UpdateMessage(ctx context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].ID == m.ID {
			r.messages[i] = m
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) GetMessageByProviderID(ctx context.Context, workspaceID, providerMessageID string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.messages {
		ws, ok := r.conversationWorkspace(row.ConversationID)
		if ok && ws == workspaceID && row.ProviderMessageID == providerMessageID {
			return row, nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepo) MessagesForConversations(ctx context.Context, workspaceID string, conversationIDs []string, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = true
	}
	var out []Message
	for _, row := range r.messages {
		ws, ok := r.conversationWorkspace(row.ConversationID)
		if ok && ws == workspaceID && wanted[row.ConversationID] {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) InsertCall(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.calls {
		if row.ConversationID == c.ConversationID && row.ProviderCallID == c.ProviderCallID {
			return ErrAlreadyExists
		}
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *MemoryRepo) UpdateCall(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.calls {
		if r.calls[i].ID == c.ID {
			r.calls[i] = c
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) GetCallByProviderID(ctx context.Context, workspaceID, providerCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.calls {
		ws, ok := r.conversationWorkspace(row.ConversationID)
		if ok && ws == workspaceID && row.ProviderCallID == providerCallID {
			return row, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) CallsForConversations(ctx context.Context, workspaceID string, conversationIDs []string, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = true
	}
	var out []Call
	for _, row := range r.calls {
		ws, ok := r.conversationWorkspace(row.ConversationID)
		if ok && ws == workspaceID && wanted[row.ConversationID] {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Messages returns a copy of all stored messages (test helper).
func (r *MemoryRepo) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Conversations returns a copy of all stored conversations (test helper).
func (r *MemoryRepo) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conversation, len(r.conversations))
	copy(out, r.conversations)
	return out
}
