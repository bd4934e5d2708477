package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"comms-platform/internal/provider"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("integrations: not found")
	ErrAlreadyExists = errors.New("integrations: already exists")
	ErrInvalidInput  = errors.New("integrations: invalid input")
)

// CredentialCodec encrypts/decrypts provider credentials. The real
// implementation lives in an external key-management service; JSONCodec is
// the no-encryption stand-in used in local/dev and tests.
type CredentialCodec interface {
	Encrypt(creds provider.Credentials) (string, error)
	Decrypt(ciphertext string) (provider.Credentials, error)
}

type JSONCodec struct{}

func (JSONCodec) Encrypt(creds provider.Credentials) (string, error) {
	b, err := json.Marshal(creds)
	return string(b), err
}

func (JSONCodec) Decrypt(ciphertext string) (provider.Credentials, error) {
	if ciphertext == "" {
		return provider.Credentials{}, nil
	}
	var creds provider.Credentials
	if err := json.Unmarshal([]byte(ciphertext), &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// Service resolves workspace/provider integrations and their credentials.
//
// Tenancy invariant: workspace_id is required on every operation except
// webhook-token resolution, where the token itself identifies the workspace.
type Service struct {
	repo  Repository
	codec CredentialCodec
	clock func() time.Time
}

func NewService(repo Repository, codec CredentialCodec) *Service {
	return &Service{repo: repo, codec: codec, clock: time.Now}
}

type SetupRequest struct {
	WorkspaceID   string
	Provider      string
	Credentials   provider.Credentials
	WebhookSecret string
}

// Setup creates an active integration with a fresh webhook token.
// A second active integration for the same (workspace, provider) fails with
// ErrAlreadyExists via the storage uniqueness constraint.
func (s *Service) Setup(ctx context.Context, req SetupRequest) (Integration, error) {
	if req.WorkspaceID == "" || req.Provider == "" {
		return Integration{}, ErrInvalidInput
	}
	encrypted, err := s.codec.Encrypt(req.Credentials)
	if err != nil {
		return Integration{}, err
	}

	now := s.clock().UTC()
	in := Integration{
		ID:                   uuid.NewString(),
		WorkspaceID:          req.WorkspaceID,
		Provider:             req.Provider,
		Status:               StatusActive,
		EncryptedCredentials: encrypted,
		WebhookToken:         uuid.NewString(),
		WebhookSecret:        req.WebhookSecret,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Create(ctx, in); err != nil {
		return Integration{}, err
	}
	return in, nil
}

// ActiveCredentials returns the decrypted credentials for the workspace's
// active integration with a provider.
func (s *Service) ActiveCredentials(ctx context.Context, workspaceID, providerName string) (provider.Credentials, Integration, error) {
	if workspaceID == "" || providerName == "" {
		return nil, Integration{}, ErrInvalidInput
	}
	in, err := s.repo.GetActive(ctx, workspaceID, providerName)
	if err != nil {
		return nil, Integration{}, err
	}
	creds, err := s.codec.Decrypt(in.EncryptedCredentials)
	if err != nil {
		return nil, Integration{}, err
	}
	return creds, in, nil
}

// ResolveWebhookToken maps an inbound webhook URL token to its integration.
func (s *Service) ResolveWebhookToken(ctx context.Context, providerName, token string) (Integration, error) {
	if providerName == "" || token == "" {
		return Integration{}, ErrNotFound
	}
	return s.repo.GetByWebhookToken(ctx, providerName, token)
}

// RotateCredentials replaces stored credentials and stamps rotated_at.
func (s *Service) RotateCredentials(ctx context.Context, workspaceID, id string, creds provider.Credentials) error {
	if workspaceID == "" || id == "" {
		return ErrInvalidInput
	}
	encrypted, err := s.codec.Encrypt(creds)
	if err != nil {
		return err
	}
	return s.repo.UpdateCredentials(ctx, workspaceID, id, encrypted, s.clock().UTC())
}

// MarkError flips an integration into the error state (e.g., after repeated
// provider auth failures during sync).
func (s *Service) MarkError(ctx context.Context, workspaceID, id string) error {
	return s.repo.UpdateStatus(ctx, workspaceID, id, StatusError, s.clock().UTC())
}

func (s *Service) List(ctx context.Context, workspaceID string) ([]Integration, error) {
	if workspaceID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.List(ctx, workspaceID)
}
