package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/grant"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/postgres"
	"github.com/flowbill/entitlements/internal/tracing"
	"github.com/flowbill/entitlements/internal/types"
)

// retryTransient retries a transient storage op up to 3 times with
// jittered exponential backoff, matching this codebase's storage retry
// convention for "connection reset"-class errors. Validation/not-found
// errors are never retryable (ierr.ErrCode.Retryable reports that).
func retryTransient(ctx context.Context, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ierrErr, ok := err.(*ierr.Error); ok && !ierrErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PostgresStorage is the durable EntitlementStorage variant. State is
// stored as one row per key with the grant list and reset config
// serialized to jsonb; usage/verification records are append-only
// tables, which Flush counts but does not drain.
type PostgresStorage struct {
	client *postgres.Client
}

func NewPostgresStorage(client *postgres.Client) *PostgresStorage {
	return &PostgresStorage{client: client}
}

type persistedState struct {
	ID                string                  `json:"id"`
	ProjectID         string                  `json:"project_id"`
	CustomerID        string                  `json:"customer_id"`
	FeatureSlug       string                  `json:"feature_slug"`
	FeatureType       types.FeatureType       `json:"feature_type"`
	Limit             *decimal.Decimal        `json:"limit,omitempty"`
	AggregationMethod types.AggregationMethod `json:"aggregation_method"`
	MergingPolicy     types.MergingPolicy     `json:"merging_policy"`
	OverageStrategy   types.OverageStrategy   `json:"overage_strategy"`
	Threshold         *decimal.Decimal        `json:"threshold,omitempty"`
	EffectiveAt       time.Time               `json:"effective_at"`
	ExpiresAt         *time.Time              `json:"expires_at,omitempty"`
	ResetConfig       *types.ResetConfig      `json:"reset_config,omitempty"`
	Version           string                  `json:"version"`
	ComputedAt        time.Time               `json:"computed_at"`
	NextRevalidateAt  time.Time               `json:"next_revalidate_at"`
	Usage             decimal.Decimal         `json:"usage"`
	SnapshotUsage     decimal.Decimal         `json:"snapshot_usage"`
	LastReconciledID  string                  `json:"last_reconciled_id"`
	LastUpdated       time.Time               `json:"last_updated"`
	LastCycleStart    time.Time               `json:"last_cycle_start"`
	Grants            []*grant.Grant          `json:"grants"`
}

func toPersisted(s *entitlement.State) *persistedState {
	return &persistedState{
		ID: s.ID, ProjectID: s.ProjectID, CustomerID: s.CustomerID, FeatureSlug: s.FeatureSlug,
		FeatureType: s.FeatureType, Limit: s.Limit, AggregationMethod: s.AggregationMethod,
		MergingPolicy: s.MergingPolicy, OverageStrategy: s.OverageStrategy, Threshold: s.Threshold,
		EffectiveAt: s.EffectiveAt, ExpiresAt: s.ExpiresAt, ResetConfig: s.ResetConfig,
		Version: s.Version, ComputedAt: s.ComputedAt, NextRevalidateAt: s.NextRevalidateAt,
		Usage: s.Usage, SnapshotUsage: s.SnapshotUsage, LastReconciledID: s.LastReconciledID,
		LastUpdated: s.LastUpdated, LastCycleStart: s.LastCycleStart, Grants: s.Grants,
	}
}

func fromPersisted(p *persistedState) *entitlement.State {
	return &entitlement.State{
		ID: p.ID, ProjectID: p.ProjectID, CustomerID: p.CustomerID, FeatureSlug: p.FeatureSlug,
		FeatureType: p.FeatureType, Limit: p.Limit, AggregationMethod: p.AggregationMethod,
		MergingPolicy: p.MergingPolicy, OverageStrategy: p.OverageStrategy, Threshold: p.Threshold,
		EffectiveAt: p.EffectiveAt, ExpiresAt: p.ExpiresAt, ResetConfig: p.ResetConfig,
		Version: p.Version, ComputedAt: p.ComputedAt, NextRevalidateAt: p.NextRevalidateAt,
		Usage: p.Usage, SnapshotUsage: p.SnapshotUsage, LastReconciledID: p.LastReconciledID,
		LastUpdated: p.LastUpdated, LastCycleStart: p.LastCycleStart, Grants: p.Grants,
	}
}

func (s *PostgresStorage) Get(ctx context.Context, key string) (*entitlement.State, error) {
	span := tracing.StartRepositorySpan(ctx, "entitlement_state", "get", map[string]interface{}{"key": key})
	defer tracing.FinishSpan(span)

	var p persistedState
	var found bool
	err := retryTransient(ctx, func() error {
		row := s.client.QueryRow(ctx, `SELECT payload FROM entitlement_state WHERE key = $1`, key)
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				found = false
				return nil
			}
			return ierr.WithError(err).WithHint("failed to load entitlement state").Mark(ierr.ErrDatabase)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		found = true
		return nil
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return fromPersisted(&p), nil
}

func (s *PostgresStorage) Set(ctx context.Context, key string, state *entitlement.State) error {
	if state == nil {
		return ierr.NewError("state is nil").Mark(ierr.ErrValidation)
	}

	span := tracing.StartRepositorySpan(ctx, "entitlement_state", "set", map[string]interface{}{"key": key})
	defer tracing.FinishSpan(span)

	raw, err := json.Marshal(toPersisted(state))
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	err = retryTransient(ctx, func() error {
		_, err := s.client.Exec(ctx, `
			INSERT INTO entitlement_state (key, payload, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
		`, key, raw)
		if err != nil {
			return ierr.WithError(err).WithHint("failed to persist entitlement state").Mark(ierr.ErrDatabase)
		}
		return nil
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.Exec(ctx, `DELETE FROM entitlement_state WHERE key = $1`, key)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (s *PostgresStorage) GetAll(ctx context.Context) ([]*entitlement.State, error) {
	rows, err := s.client.Query(ctx, `SELECT payload FROM entitlement_state`)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var out []*entitlement.State
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		var p persistedState
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		out = append(out, fromPersisted(&p))
	}
	return out, rows.Err()
}

func (s *PostgresStorage) InsertUsageRecord(ctx context.Context, record *entitlement.UsageRecord) error {
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	_, err = s.client.Exec(ctx, `
		INSERT INTO entitlement_usage_record
			(id, entitlement_id, grant_id, amount, occurred_at, idempotence_key, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotence_key) DO NOTHING
	`, ulid.Make().String(), record.EntitlementID, record.GrantID, record.Amount.String(),
		record.Timestamp, record.IdempotenceKey, record.RequestID, meta)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (s *PostgresStorage) InsertVerification(ctx context.Context, record *entitlement.VerificationRecord) error {
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	_, err = s.client.Exec(ctx, `
		INSERT INTO entitlement_verification_record
			(id, entitlement_id, occurred_at, allowed, denied_reason, latency_ms, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ulid.Make().String(), record.EntitlementID, record.Timestamp, record.Allowed,
		string(record.DeniedReason), record.LatencyMs, record.RequestID, meta)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (s *PostgresStorage) GetAllUsageRecords(ctx context.Context) ([]*entitlement.UsageRecord, error) {
	rows, err := s.client.Query(ctx, `
		SELECT entitlement_id, grant_id, amount, occurred_at, idempotence_key, request_id
		FROM entitlement_usage_record ORDER BY occurred_at
	`)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var out []*entitlement.UsageRecord
	for rows.Next() {
		var rec entitlement.UsageRecord
		var amount string
		if err := rows.Scan(&rec.EntitlementID, &rec.GrantID, &amount, &rec.Timestamp, &rec.IdempotenceKey, &rec.RequestID); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		rec.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) GetAllVerifications(ctx context.Context) ([]*entitlement.VerificationRecord, error) {
	rows, err := s.client.Query(ctx, `
		SELECT entitlement_id, occurred_at, allowed, denied_reason, latency_ms, request_id
		FROM entitlement_verification_record ORDER BY occurred_at
	`)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var out []*entitlement.VerificationRecord
	for rows.Next() {
		var rec entitlement.VerificationRecord
		var reason string
		if err := rows.Scan(&rec.EntitlementID, &rec.Timestamp, &rec.Allowed, &reason, &rec.LatencyMs, &rec.RequestID); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		rec.DeniedReason = types.DeniedReason(reason)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) DeleteAllUsageRecords(ctx context.Context) error {
	_, err := s.client.Exec(ctx, `TRUNCATE entitlement_usage_record`)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (s *PostgresStorage) DeleteAllVerifications(ctx context.Context) error {
	_, err := s.client.Exec(ctx, `TRUNCATE entitlement_verification_record`)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

// InsertGrant upserts a grant row. Grants are soft-deleted (status
// transitions to deleted) rather than removed, since usage history may
// still reference a grant that is no longer active.
func (s *PostgresStorage) InsertGrant(ctx context.Context, g *grant.Grant) error {
	if g == nil {
		return ierr.NewError("grant is nil").Mark(ierr.ErrValidation)
	}

	var limit *string
	if g.Limit != nil {
		v := g.Limit.String()
		limit = &v
	}
	resetCfg, err := json.Marshal(g.ResetConfig)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	status := g.Status
	if status == "" {
		status = types.StatusPublished
	}

	return retryTransient(ctx, func() error {
		_, err := s.client.Exec(ctx, `
			INSERT INTO entitlement_grant
				(id, tenant_id, subject_id, feature_slug, grant_type, priority, grant_limit,
				 effective_at, expires_at, overage_strategy, feature_plan_version_id,
				 reset_config, metadata, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
			ON CONFLICT (id) DO UPDATE SET
				priority = EXCLUDED.priority,
				grant_limit = EXCLUDED.grant_limit,
				expires_at = EXCLUDED.expires_at,
				overage_strategy = EXCLUDED.overage_strategy,
				reset_config = EXCLUDED.reset_config,
				metadata = EXCLUDED.metadata,
				status = EXCLUDED.status,
				updated_at = now()
		`, g.ID, g.TenantID, g.SubjectID, g.FeatureSlug, string(g.Type), g.Priority, limit,
			g.EffectiveAt, g.ExpiresAt, string(g.OverageStrategy), g.FeaturePlanVersionID,
			resetCfg, meta, string(status))
		if err != nil {
			return ierr.WithError(err).WithHint("failed to persist grant").Mark(ierr.ErrDatabase)
		}
		return nil
	})
}

// ActiveGrantsForCustomer implements entitlement.GrantLoader. The
// effectiveAt/expiresAt/status filtering happens in SQL; ActiveAt's
// nanosecond-precision check is re-applied by the caller, since SQL
// timestamptz truncates below microsecond precision.
func (s *PostgresStorage) ActiveGrantsForCustomer(ctx context.Context, projectID, customerID string, now time.Time, featureSlug string) ([]*grant.Grant, error) {
	span := tracing.StartRepositorySpan(ctx, "entitlement_grant", "active_for_customer", map[string]interface{}{
		"project_id": projectID, "customer_id": customerID, "feature_slug": featureSlug,
	})
	defer tracing.FinishSpan(span)

	query := `
		SELECT id, tenant_id, subject_id, feature_slug, grant_type, priority, grant_limit,
		       effective_at, expires_at, overage_strategy, feature_plan_version_id,
		       reset_config, metadata, status, created_at, updated_at
		FROM entitlement_grant
		WHERE tenant_id = $1 AND subject_id = $2 AND status != $3
		  AND effective_at <= $4 AND (expires_at IS NULL OR expires_at > $4)
	`
	args := []interface{}{projectID, customerID, string(types.StatusDeleted), now}
	if featureSlug != "" {
		query += " AND feature_slug = $5"
		args = append(args, featureSlug)
	}

	var out []*grant.Grant
	err := retryTransient(ctx, func() error {
		rows, err := s.client.Query(ctx, query, args...)
		if err != nil {
			return ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			g, err := scanGrant(rows)
			if err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	return out, nil
}

type grantRow interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row grantRow) (*grant.Grant, error) {
	var g grant.Grant
	var limit *string
	var resetCfg, meta []byte
	var grantType, overage, status string

	if err := row.Scan(&g.ID, &g.TenantID, &g.SubjectID, &g.FeatureSlug, &grantType, &g.Priority, &limit,
		&g.EffectiveAt, &g.ExpiresAt, &overage, &g.FeaturePlanVersionID,
		&resetCfg, &meta, &status, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	if limit != nil {
		d, err := decimal.NewFromString(*limit)
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		g.Limit = &d
	}
	if len(resetCfg) > 0 && string(resetCfg) != "null" {
		if err := json.Unmarshal(resetCfg, &g.ResetConfig); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &g.Metadata); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
	}
	g.Type = types.GrantType(grantType)
	g.OverageStrategy = types.OverageStrategy(overage)
	g.Status = types.Status(status)
	return &g, nil
}

func (s *PostgresStorage) Flush(ctx context.Context) (*FlushResult, error) {
	res := &FlushResult{}

	row := s.client.QueryRow(ctx, `SELECT count(*), coalesce(max(id), '') FROM entitlement_usage_record`)
	if err := row.Scan(&res.Usage.Count, &res.Usage.LastID); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	row = s.client.QueryRow(ctx, `SELECT count(*), coalesce(max(id), '') FROM entitlement_verification_record`)
	if err := row.Scan(&res.Verification.Count, &res.Verification.LastID); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	return res, nil
}
