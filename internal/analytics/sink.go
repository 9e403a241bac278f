// Package analytics implements the buffered ingestion pipeline usage
// and verification records flow through before landing in the
// analytical store: an in-process buffer, a best-effort Kafka publish
// of every record, and a pluggable Sink (ClickHouse, or a no-op for
// local development). Records reach the Sink from the in-process
// buffer; the pipeline does not consume its own Kafka topic.
package analytics

import (
	"context"

	"github.com/flowbill/entitlements/internal/domain/entitlement"
)

// Sink is the analytical store a flush ultimately lands records in.
type Sink interface {
	WriteUsage(ctx context.Context, records []*entitlement.UsageRecord) error
	WriteVerification(ctx context.Context, records []*entitlement.VerificationRecord) error
	Close() error
}

// NoopSink discards everything; used for local development where no
// ClickHouse cluster is configured.
type NoopSink struct{}

func (NoopSink) WriteUsage(context.Context, []*entitlement.UsageRecord) error { return nil }
func (NoopSink) WriteVerification(context.Context, []*entitlement.VerificationRecord) error {
	return nil
}
func (NoopSink) Close() error { return nil }
