package server

import (
	"context"
)

type contextKey string

const adminContextKey contextKey = "admin"

const (
	authViaSession = "session"
	authViaToken   = "token"
)

// setAdminContext records how the caller authenticated.
func setAdminContext(ctx context.Context, via string) context.Context {
	return context.WithValue(ctx, adminContextKey, via)
}

// getAdminFromContext returns "session", "token" or "".
func getAdminFromContext(ctx context.Context) string {
	via, _ := ctx.Value(adminContextKey).(string)
	return via
}
