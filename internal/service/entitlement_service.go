// Package service implements the public verify/reportUsage contract
// (EntitlementService) and the subscription-machine driver
// (SubscriptionService), the two components every external edge
// (HTTP, gRPC, CLI — all out of this module's scope) calls into.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/flowbill/entitlements/internal/analytics"
	"github.com/flowbill/entitlements/internal/cache"
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/proration"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/storage"
	"github.com/flowbill/entitlements/internal/types"
)

// VerifyRequest is the input to Verify.
type VerifyRequest struct {
	ProjectID   string `validate:"required"`
	CustomerID  string `validate:"required"`
	FeatureSlug string `validate:"required"`
	RequestID   string
	Now         time.Time
}

// VerificationResult is always returned, never an error, for a
// well-formed request — "not entitled" is a result, not a failure.
type VerificationResult struct {
	Allowed      bool
	Usage        decimal.Decimal
	Remaining    decimal.Decimal
	DeniedReason types.DeniedReason
	RetryAfterMs int64
}

// ReportUsageRequest is the input to ReportUsage.
type ReportUsageRequest struct {
	ProjectID      string `validate:"required"`
	CustomerID     string `validate:"required"`
	FeatureSlug    string `validate:"required"`
	Amount         decimal.Decimal
	IdempotenceKey string
	RequestID      string
	Now            time.Time
	Metadata       types.Metadata
}

// ReportUsageResult mirrors entitlement.ConsumeResult for the public API.
type ReportUsageResult struct {
	Allowed           bool
	Usage             decimal.Decimal
	Remaining         decimal.Decimal
	NotifiedOverLimit bool
	DeniedReason      types.DeniedReason
	RetryAfterMs      int64
	ConsumedFrom      []entitlement.ConsumedFrom
}

// EntitlementService is the public contract: verify, reportUsage,
// invalidate, prewarm, flush. It owns cache coherence (SWR
// revalidation against the durable store), DB write-back throttling,
// and handing off accepted/denied events to the analytics pipeline.
type EntitlementService struct {
	cache   cache.Cache
	storage storage.EntitlementStorage
	grants  *entitlement.GrantsManager
	pipe    *analytics.Pipeline
	log     *logger.Logger

	revalidateInterval time.Duration
	syncToDBInterval   time.Duration

	sf       singleflight.Group
	validate *validator.Validate

	dedupMu sync.Mutex
	dedup   map[string]*ReportUsageResult // idempotenceKey -> result, for in-flight-window replay

	syncMu     sync.Mutex
	lastSyncAt map[string]time.Time
}

func NewEntitlementService(
	c cache.Cache,
	store storage.EntitlementStorage,
	grants *entitlement.GrantsManager,
	pipe *analytics.Pipeline,
	log *logger.Logger,
	cfg *config.Configuration,
) *EntitlementService {
	return &EntitlementService{
		cache:              c,
		storage:            store,
		grants:             grants,
		pipe:               pipe,
		log:                log,
		revalidateInterval: cfg.Cache.TTL,
		syncToDBInterval:   2 * time.Second,
		validate:           validator.New(),
		dedup:              make(map[string]*ReportUsageResult),
		lastSyncAt:         make(map[string]time.Time),
	}
}

func stateKey(projectID, customerID, featureSlug string) string {
	return fmt.Sprintf("%s:%s:%s", projectID, customerID, featureSlug)
}

// Verify never returns an error for a well-formed request; a missing
// or expired entitlement is a denied VerificationResult, not a failure.
func (s *EntitlementService) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, ierr.WithError(err).WithHint("invalid verify request").Mark(ierr.ErrValidation)
	}

	start := time.Now()
	key := stateKey(req.ProjectID, req.CustomerID, req.FeatureSlug)

	state, err := s.getStateWithRevalidation(ctx, key, req.Now)
	if err != nil {
		return nil, err
	}

	var result *VerificationResult
	if state == nil {
		result = &VerificationResult{Allowed: false, DeniedReason: types.DeniedEntitlementNotFound}
	} else {
		res, err := s.grants.Verify(state, req.Now)
		if err != nil {
			return nil, err
		}
		result = &VerificationResult{
			Allowed:      res.Allowed,
			Usage:        res.Usage,
			Remaining:    res.Remaining,
			DeniedReason: res.DeniedReason,
			RetryAfterMs: res.RetryAfterMs,
		}
	}

	s.bufferVerification(ctx, key, result, req.RequestID, time.Since(start))
	return result, nil
}

// ReportUsage applies amount against the effective entitlement. On
// allow, the cache (and, throttled, the durable store) reflect the new
// usage and one UsageRecord per attributed grant is buffered. Requests
// sharing an idempotenceKey within the in-memory dedup window replay
// the first request's result rather than double-consuming.
func (s *EntitlementService) ReportUsage(ctx context.Context, req ReportUsageRequest) (*ReportUsageResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, ierr.WithError(err).WithHint("invalid reportUsage request").Mark(ierr.ErrValidation)
	}

	key := stateKey(req.ProjectID, req.CustomerID, req.FeatureSlug)

	if req.IdempotenceKey != "" {
		s.dedupMu.Lock()
		if prior, ok := s.dedup[dedupKey(key, req.IdempotenceKey)]; ok {
			s.dedupMu.Unlock()
			return prior, nil
		}
		s.dedupMu.Unlock()
	}

	state, err := s.getStateWithRevalidation(ctx, key, req.Now)
	if err != nil {
		return nil, err
	}
	if state == nil {
		result := &ReportUsageResult{Allowed: false, DeniedReason: types.DeniedEntitlementNotFound}
		s.bufferVerification(ctx, key, &VerificationResult{DeniedReason: result.DeniedReason}, req.RequestID, 0)
		return result, nil
	}

	// A negative amount is only a refund against sum-behavior
	// aggregation (meter.Meter.isValidUsage enforces the rest: it must
	// not drive usage below zero). Every other aggregation method
	// rejects it here rather than surfacing meter's generic invalid-
	// usage error for an amount that was never going to be valid.
	if req.Amount.IsNegative() && state.AggregationMethod.Behavior() != types.BehaviorSum {
		return nil, ierr.NewError("amount must not be negative").
			WithHint("negative amounts are only accepted as refunds against sum-behavior aggregation methods").
			Mark(ierr.ErrValidation)
	}

	res, err := s.grants.Consume(state, req.Amount, req.Now)
	if err != nil {
		return nil, err
	}

	result := &ReportUsageResult{
		Allowed:           res.Allowed,
		Usage:             res.Usage,
		Remaining:         res.Remaining,
		NotifiedOverLimit: res.NotifiedOverLimit,
		DeniedReason:      res.DeniedReason,
		RetryAfterMs:      res.RetryAfterMs,
		ConsumedFrom:      res.ConsumedFrom,
	}

	if res.Allowed {
		if err := s.setCached(ctx, key, state); err != nil {
			s.log.Warnw("failed to refresh cache after consume", "error", err, "key", key)
		}
		s.syncToDBThrottled(ctx, key, state, req.Now)

		for _, c := range res.ConsumedFrom {
			s.pipe.EnqueueUsage(ctx, &entitlement.UsageRecord{
				EntitlementID:  state.ID,
				GrantID:        c.GrantID,
				Amount:         c.Amount,
				Timestamp:      req.Now,
				IdempotenceKey: req.IdempotenceKey,
				RequestID:      req.RequestID,
				Metadata:       req.Metadata,
			})
		}
	}

	if req.IdempotenceKey != "" {
		s.dedupMu.Lock()
		s.dedup[dedupKey(key, req.IdempotenceKey)] = result
		s.dedupMu.Unlock()
	}

	s.bufferVerification(ctx, key, &VerificationResult{
		Allowed: result.Allowed, Usage: result.Usage, Remaining: result.Remaining, DeniedReason: result.DeniedReason,
	}, req.RequestID, 0)

	return result, nil
}

func dedupKey(entitlementKey, idempotenceKey string) string {
	return entitlementKey + "|" + idempotenceKey
}

// Invalidate flushes the whole analytics buffer (not only key's
// records), then removes key from cache. It does not touch durable storage; the next read recomputes
// from there.
func (s *EntitlementService) Invalidate(ctx context.Context, projectID, customerID, featureSlug string) error {
	if err := s.pipe.Flush(ctx); err != nil {
		s.log.Warnw("flush before invalidate failed, proceeding anyway", "error", err)
	}
	key := stateKey(projectID, customerID, featureSlug)
	s.cache.Delete(ctx, key)
	return nil
}

// prewarmConcurrency bounds how many feature states Prewarm persists
// and caches at once, so a customer with hundreds of active grants
// cannot exhaust the storage connection pool in one burst.
const prewarmConcurrency = 8

// Prewarm loads every currently-active entitlement for a customer into
// cache, used ahead of a burst of expected verify/reportUsage traffic
// (e.g. right after a plan change).
func (s *EntitlementService) Prewarm(ctx context.Context, projectID, customerID string, now time.Time) error {
	states, err := s.grants.ComputeGrantsForCustomer(ctx, projectID, customerID, now, "")
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmConcurrency)

	for _, state := range states {
		state := state
		g.Go(func() error {
			key := stateKey(state.ProjectID, state.CustomerID, state.FeatureSlug)

			prior, err := s.storage.Get(gctx, key)
			if err != nil {
				return err
			}
			if prior != nil {
				s.carryUsageAcrossLimitChange(prior, state, now)
			}

			if err := s.storage.Set(gctx, key, state); err != nil {
				return err
			}
			if err := s.setCached(gctx, key, state); err != nil {
				s.log.Warnw("failed to cache prewarmed state", "error", err, "key", key)
			}
			return nil
		})
	}

	return g.Wait()
}

// carryUsageAcrossLimitChange applies proration.ProrateLimitChange when
// a freshly recomputed state's limit differs from what was previously
// persisted for the same key, so a mid-cycle plan upgrade/downgrade
// doesn't silently reset or double-count usage.
func (s *EntitlementService) carryUsageAcrossLimitChange(prior, next *entitlement.State, now time.Time) {
	if decimalPtrEqual(prior.Limit, next.Limit) {
		next.Usage = prior.Usage
		next.SnapshotUsage = prior.SnapshotUsage
		next.LastCycleStart = prior.LastCycleStart
		return
	}

	cycleEnd := prior.ExpiresAt
	if cycleEnd == nil {
		next.Usage = prior.Usage
		next.SnapshotUsage = prior.SnapshotUsage
		return
	}

	res := proration.ProrateLimitChange(prior.Limit, next.Limit, prior.LastCycleStart, *cycleEnd, now, prior.SnapshotUsage)
	next.SnapshotUsage = res.SnapshotUsage
	next.Usage = res.SnapshotUsage
	next.LastCycleStart = prior.LastCycleStart

	s.log.Infow("prorated usage across limit change", "key", next.Key(), "action", res.Action)
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Flush drains the analytics buffer.
func (s *EntitlementService) Flush(ctx context.Context) error {
	return s.pipe.Flush(ctx)
}

// getStateWithRevalidation implements the SWR protocol: cache hit+fresh
// returns immediately; cache hit+stale or cache miss collapse
// concurrent callers for the same key into one storage round trip via
// singleflight.
func (s *EntitlementService) getStateWithRevalidation(ctx context.Context, key string, now time.Time) (*entitlement.State, error) {
	cached, hit := s.getCached(ctx, key)

	if hit && now.Before(cached.NextRevalidateAt) {
		return cached, nil
	}

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		fresh, err := s.storage.Get(ctx, key)
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		if fresh == nil {
			if hit {
				s.cache.Delete(ctx, key)
			}
			return (*entitlement.State)(nil), nil
		}

		fresh.NextRevalidateAt = now.Add(s.revalidateInterval)
		if err := s.setCached(ctx, key, fresh); err != nil {
			s.log.Warnw("failed to refresh cache after revalidation", "error", err, "key", key)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	state, _ := v.(*entitlement.State)
	return state, nil
}

func (s *EntitlementService) getCached(ctx context.Context, key string) (*entitlement.State, bool) {
	val, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	state, ok := cache.UnmarshalCacheValue[entitlement.State](val)
	if !ok {
		return nil, false
	}
	return state, true
}

func (s *EntitlementService) setCached(ctx context.Context, key string, state *entitlement.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.cache.Set(ctx, key, string(raw), s.revalidateInterval)
	return nil
}

// syncToDBThrottled persists the full state via storage.Set, no more than once
// per syncToDBInterval per key; the cache remains authoritative between
// syncs, so a missed write-back never affects correctness, only
// durability lag.
func (s *EntitlementService) syncToDBThrottled(ctx context.Context, key string, state *entitlement.State, now time.Time) {
	s.syncMu.Lock()
	last, ok := s.lastSyncAt[key]
	if ok && now.Sub(last) < s.syncToDBInterval {
		s.syncMu.Unlock()
		return
	}
	s.lastSyncAt[key] = now
	s.syncMu.Unlock()

	if err := s.storage.Set(ctx, key, state); err != nil {
		s.log.Errorw("syncToDB failed, will retry on next throttle window", "error", err, "key", key)
	}
}

func (s *EntitlementService) bufferVerification(ctx context.Context, key string, result *VerificationResult, requestID string, latency time.Duration) {
	s.pipe.EnqueueVerification(ctx, &entitlement.VerificationRecord{
		EntitlementID: key,
		Timestamp:     time.Now(),
		Allowed:       result.Allowed,
		DeniedReason:  result.DeniedReason,
		LatencyMs:     latency.Milliseconds(),
		RequestID:     requestIDOrGenerated(requestID),
	})
}

func requestIDOrGenerated(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
