package integrations

import (
	"context"
	"errors"
	"testing"

	"comms-platform/internal/provider"
)

func TestSetupAndResolveToken(t *testing.T) {
	svc := NewService(NewMemoryRepo(), JSONCodec{})

	in, err := svc.Setup(context.Background(), SetupRequest{
		WorkspaceID:   "w1",
		Provider:      "twilio",
		Credentials:   provider.Credentials{"account_sid": "AC1", "auth_token": "tok"},
		WebhookSecret: "shh",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if in.WebhookToken == "" {
		t.Fatalf("expected webhook token to be generated")
	}

	got, err := svc.ResolveWebhookToken(context.Background(), "twilio", in.WebhookToken)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.WorkspaceID != "w1" {
		t.Fatalf("token must resolve to owning workspace, got %q", got.WorkspaceID)
	}

	if _, err := svc.ResolveWebhookToken(context.Background(), "twilio", "bogus"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown token, got %v", err)
	}
}

func TestSetupRejectsSecondActiveIntegration(t *testing.T) {
	svc := NewService(NewMemoryRepo(), JSONCodec{})

	if _, err := svc.Setup(context.Background(), SetupRequest{WorkspaceID: "w1", Provider: "twilio"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.Setup(context.Background(), SetupRequest{WorkspaceID: "w1", Provider: "twilio"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	// A different workspace is fine.
	if _, err := svc.Setup(context.Background(), SetupRequest{WorkspaceID: "w2", Provider: "twilio"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestActiveCredentialsRoundTrip(t *testing.T) {
	svc := NewService(NewMemoryRepo(), JSONCodec{})

	creds := provider.Credentials{"api_key": "k1"}
	in, err := svc.Setup(context.Background(), SetupRequest{WorkspaceID: "w1", Provider: "openphone", Credentials: creds})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, gotIn, err := svc.ActiveCredentials(context.Background(), "w1", "openphone")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Get("api_key") != "k1" {
		t.Fatalf("credentials lost in round trip: %v", got)
	}
	if gotIn.ID != in.ID {
		t.Fatalf("expected same integration row")
	}
}

func TestRotateCredentials(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, JSONCodec{})

	in, err := svc.Setup(context.Background(), SetupRequest{WorkspaceID: "w1", Provider: "openphone", Credentials: provider.Credentials{"api_key": "old"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.RotateCredentials(context.Background(), "w1", in.ID, provider.Credentials{"api_key": "new"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, updated, err := svc.ActiveCredentials(context.Background(), "w1", "openphone")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Get("api_key") != "new" {
		t.Fatalf("expected rotated credentials, got %v", got)
	}
	if updated.RotatedAt == nil {
		t.Fatalf("expected rotated_at stamp")
	}
}
