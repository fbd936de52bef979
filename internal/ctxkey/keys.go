// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

import (
	"context"
	"log/slog"
)

// LoggerKey is the context key type for the request-scoped logger.
// Used by HTTP middleware to store the logger carrying the request_id attribute.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request ID.
type RequestIDKey struct{}

// ClientIPKey is the context key type for the client address resolved by
// the HTTP middleware.
type ClientIPKey struct{}

// Logger returns the request-scoped logger, or fallback when none is stored.
func Logger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey{}).(string)
	return id
}

// ClientIP returns the client address stored in ctx, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey{}).(string)
	return ip
}
