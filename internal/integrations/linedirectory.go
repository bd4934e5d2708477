package integrations

import (
	"context"
	"fmt"

	"comms-platform/internal/provider"
)

// LineDirectory answers "which public number is behind this provider line
// id?" by listing the workspace's provisioned numbers through the adapter.
// The reconciliation engine caches results, so this hits the provider at
// most once per (workspace, line).
type LineDirectory struct {
	svc      *Service
	adapters *provider.Registry
}

func NewLineDirectory(svc *Service, adapters *provider.Registry) *LineDirectory {
	return &LineDirectory{svc: svc, adapters: adapters}
}

func (d *LineDirectory) ResolveLine(ctx context.Context, workspaceID, providerName, phoneLineID string) (string, error) {
	creds, _, err := d.svc.ActiveCredentials(ctx, workspaceID, providerName)
	if err != nil {
		return "", err
	}
	adapter, err := d.adapters.Get(providerName)
	if err != nil {
		return "", err
	}
	nums, err := adapter.GetPhoneNumbers(ctx, creds)
	if err != nil {
		return "", err
	}
	for _, n := range nums {
		if n.ID == phoneLineID {
			return n.Number, nil
		}
	}
	return "", fmt.Errorf("integrations: phone line %q not found for %s", phoneLineID, providerName)
}
