package middleware

import (
	"context"
	"fmt"

	"github.com/coreauth/authcore/internal/authctx"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// AuthContextKey holds the *authctx.Context (C7) assembled by
// AuthMiddleware for the lifetime of the request.
const AuthContextKey contextKey = "auth_context"

// GetAuthContext extracts the request's identity context. Returns an
// error if AuthMiddleware never ran or found no context.
func GetAuthContext(ctx context.Context) (*authctx.Context, error) {
	val := ctx.Value(AuthContextKey)
	if val == nil {
		return nil, fmt.Errorf("auth context not found in request context")
	}
	actx, ok := val.(*authctx.Context)
	if !ok {
		return nil, fmt.Errorf("auth context has wrong type: %T", val)
	}
	return actx, nil
}

// GetUserID extracts the authenticated user's id, erroring if the
// request carries no authenticated context.
func GetUserID(ctx context.Context) (string, error) {
	actx, err := GetAuthContext(ctx)
	if err != nil {
		return "", err
	}
	if !actx.Authenticated || actx.User == nil {
		return "", fmt.Errorf("request is not authenticated")
	}
	return actx.User.ID, nil
}
