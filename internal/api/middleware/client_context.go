package middleware

import (
	"context"
	"slices"
	"time"
)

// clientContextKey is the context key for the authenticated client.
type clientContextKey struct{}

// ClientContext describes the API client behind an authenticated request.
type ClientContext struct {
	ClientID    string
	Name        string
	Permissions []string
	KeyID       string
	AuthTime    time.Time
}

// Can reports whether the client holds permission.
func (c ClientContext) Can(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// GetClientContext returns the authenticated client, if any.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	client, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return client, ok
}

// SetClientContext attaches client to ctx.
func SetClientContext(ctx context.Context, client ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}
