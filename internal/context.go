package internal

import (
	"context"
	"time"
)

type ctxKey string

const (
	ContextUserKey        ctxKey = "userID"
	ContextEnvironmentKey ctxKey = "accessEnvironment"
)

// UserIDFromContext returns the authenticated user id placed in ctx by the
// identity middleware, or "" when the request is anonymous.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if userID, ok := ctx.Value(ContextUserKey).(string); ok {
		return userID
	}
	return ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserKey, userID)
}

// Request attributes placed in the access environment by the transport layer.
const (
	EnvIP     = "ip"
	EnvMethod = "method"
	EnvUserID = "userId"
)

// EnvironmentFromContext returns the request attributes collected for
// condition evaluation. The returned map is never nil.
func EnvironmentFromContext(ctx context.Context) map[string]any {
	if ctx != nil {
		if env, ok := ctx.Value(ContextEnvironmentKey).(map[string]any); ok && env != nil {
			return env
		}
	}
	return map[string]any{}
}

// ContextWithEnvironment merges attrs into the environment already carried by ctx.
func ContextWithEnvironment(ctx context.Context, attrs map[string]any) context.Context {
	merged := make(map[string]any)
	for k, v := range EnvironmentFromContext(ctx) {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	return context.WithValue(ctx, ContextEnvironmentKey, merged)
}

// ContextWithoutEnvironment removes keys from the environment carried by ctx.
func ContextWithoutEnvironment(ctx context.Context, keys ...string) context.Context {
	current := EnvironmentFromContext(ctx)
	trimmed := make(map[string]any, len(current))
	for k, v := range current {
		trimmed[k] = v
	}
	for _, k := range keys {
		delete(trimmed, k)
	}
	return context.WithValue(ctx, ContextEnvironmentKey, trimmed)
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
