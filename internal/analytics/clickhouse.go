package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	ierr "github.com/flowbill/entitlements/internal/errors"
)

// ClickHouseSink batches usage and verification records into the
// usage_records/verification_records tables, following this
// codebase's native-protocol connection style (see the ClickHouse
// optimize-query lambda for the same Open/Settings shape).
type ClickHouseSink struct {
	conn driver.Conn
}

func NewClickHouseSink(cfg *config.Configuration) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Analytics.ClickHouseDSN},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Protocol: clickhouse.Native,
	})
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to open clickhouse connection").Mark(ierr.ErrSystem)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, ierr.WithError(err).WithHint("failed to ping clickhouse").Mark(ierr.ErrSystem)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteUsage(ctx context.Context, records []*entitlement.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO usage_records
		(entitlement_id, grant_id, amount, occurred_at, idempotence_key, request_id)`)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	for _, r := range records {
		if err := batch.Append(r.EntitlementID, r.GrantID, r.Amount.String(), r.Timestamp, r.IdempotenceKey, r.RequestID); err != nil {
			return ierr.WithError(err).Mark(ierr.ErrSystem)
		}
	}
	if err := batch.Send(); err != nil {
		return ierr.WithError(err).WithHint("failed to write usage batch to clickhouse").Mark(ierr.ErrSystem)
	}
	return nil
}

func (s *ClickHouseSink) WriteVerification(ctx context.Context, records []*entitlement.VerificationRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO verification_records
		(entitlement_id, occurred_at, allowed, denied_reason, latency_ms, request_id)`)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	for _, r := range records {
		if err := batch.Append(r.EntitlementID, r.Timestamp, r.Allowed, string(r.DeniedReason), r.LatencyMs, r.RequestID); err != nil {
			return ierr.WithError(err).Mark(ierr.ErrSystem)
		}
	}
	if err := batch.Send(); err != nil {
		return ierr.WithError(err).WithHint("failed to write verification batch to clickhouse").Mark(ierr.ErrSystem)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close clickhouse connection: %w", err)
	}
	return nil
}
