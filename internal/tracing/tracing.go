// Package tracing wraps sentry-go spans around storage and cache
// operations, the way this codebase's repository layer instruments
// every Create/Get/Update/Delete with a named span and structured
// tags. sentry.StartSpan always returns a span (one that is never sent
// when Sentry isn't initialized), so every call site can
// unconditionally call Start/Finish without a nil check.
package tracing

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// StartRepositorySpan starts a span named "db.{resource}.{operation}"
// tagged with the supplied attributes, mirroring this codebase's
// repository instrumentation convention.
func StartRepositorySpan(ctx context.Context, resource, operation string, tags map[string]interface{}) *sentry.Span {
	span := sentry.StartSpan(ctx, "db."+resource+"."+operation)
	for k, v := range tags {
		span.SetData(k, v)
	}
	return span
}

// StartCacheSpan is StartRepositorySpan's cache-layer counterpart.
func StartCacheSpan(ctx context.Context, operation, key string) *sentry.Span {
	span := sentry.StartSpan(ctx, "cache."+operation)
	span.SetData("cache.key", key)
	return span
}

// FinishSpan finishes span if it is non-nil.
func FinishSpan(span *sentry.Span) {
	if span == nil {
		return
	}
	span.Finish()
}

// SetSpanError marks span as failed and attaches err's message, if
// both span and err are non-nil.
func SetSpanError(span *sentry.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.Status = sentry.SpanStatusInternalError
	span.SetData("error", err.Error())
}
