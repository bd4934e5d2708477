package auth

import (
	"context"
	"errors"
)

// Identity rides on context.Context so non-HTTP layers (gateway, sync jobs)
// can read it without depending on gin.

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxWorkspaceID
	ctxRole
)

// WithIdentity attaches the verified caller identity. Set once by the auth
// middleware after token verification; handlers read it back through the
// accessors below.
func WithIdentity(ctx context.Context, userID, workspaceID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxWorkspaceID, workspaceID)
	return context.WithValue(ctx, ctxRole, role)
}

// UserID returns the authenticated user id, or an error when the request
// never passed the auth middleware.
func UserID(ctx context.Context) (string, error) {
	return identityValue(ctx, ctxUserID, "user_id")
}

// WorkspaceID returns the tenant scope every query must be bound to.
func WorkspaceID(ctx context.Context) (string, error) {
	return identityValue(ctx, ctxWorkspaceID, "workspace_id")
}

// Role returns the caller's workspace role for rbac checks.
func Role(ctx context.Context) (string, error) {
	return identityValue(ctx, ctxRole, "role")
}

func identityValue(ctx context.Context, key ctxKey, name string) (string, error) {
	if s, ok := ctx.Value(key).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New(name + " not in context")
}
