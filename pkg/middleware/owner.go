// Package middleware provides shared request-scoping helpers for the
// Kiln runtime.
//
// This package lives in pkg/ (not internal/) so embedding deployments
// can use GetOwner() and SetOwner() in their own middleware.
package middleware

import "context"

type contextKey string

const ownerKey contextKey = "owner_id"

// DefaultOwner is the workspace used when a request carries no
// workspace identity.
const DefaultOwner = "default"

// GetOwner extracts the owner (workspace) id from the context.
// Returns DefaultOwner if none is set.
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok && v != "" {
		return v
	}
	return DefaultOwner
}

// SetOwner stores the owner id in the context.
func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}
