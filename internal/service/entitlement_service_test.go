package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/analytics"
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/grant"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/storage"
	"github.com/flowbill/entitlements/internal/types"
)

// fakeCache is a minimal cache.Cache that never expires anything,
// enough to exercise EntitlementService's SWR read path without
// pulling in the go-cache-backed singleton.
type fakeCache struct {
	mu    sync.Mutex
	store map[string]interface{}
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string]interface{})} }

func (c *fakeCache) Get(_ context.Context, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
}

func (c *fakeCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
}

func (c *fakeCache) DeleteByPrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.store {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.store, k)
		}
	}
}

func (c *fakeCache) Flush(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]interface{})
}

func (c *fakeCache) ForceCacheGet(ctx context.Context, key string) (interface{}, bool) { return c.Get(ctx, key) }
func (c *fakeCache) ForceCacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	c.Set(ctx, key, value, ttl)
}

// fakeSink captures everything the pipeline flushes to it.
type fakeSink struct {
	mu     sync.Mutex
	usage  []*entitlement.UsageRecord
	verify []*entitlement.VerificationRecord
}

func (s *fakeSink) WriteUsage(_ context.Context, records []*entitlement.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, records...)
	return nil
}

func (s *fakeSink) WriteVerification(_ context.Context, records []*entitlement.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify = append(s.verify, records...)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) usageRecords() []*entitlement.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entitlement.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

type noopQuarantine struct{}

func (noopQuarantine) Archive(context.Context, string, string, []byte) error { return nil }

func testServiceLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&config.Configuration{})
	require.NoError(t, err)
	return log
}

func testConfig() *config.Configuration {
	cfg := &config.Configuration{}
	cfg.Cache.TTL = time.Minute
	cfg.Analytics.BufferCapacity = 1000
	cfg.Analytics.BatchSize = 100
	cfg.Analytics.FlushInterval = time.Minute
	return cfg
}

// newTestService wires an EntitlementService over real InMemoryStorage
// (also the GrantsManager's loader) and an in-process analytics
// pipeline backed by a capturing fakeSink, so assertions can inspect
// exactly what was flushed.
func newTestService(t *testing.T) (*EntitlementService, *storage.InMemoryStorage, *fakeSink) {
	t.Helper()
	cfg := testConfig()
	log := testServiceLogger(t)
	store := storage.NewInMemoryStorage()
	grants := entitlement.NewGrantsManager(store, log)
	sink := &fakeSink{}
	pipe := analytics.NewInProcessPipeline(cfg, log, sink, noopQuarantine{})
	svc := NewEntitlementService(newFakeCache(), store, grants, pipe, log, cfg)
	return svc, store, sink
}

func seedState(t *testing.T, store *storage.InMemoryStorage, now time.Time, opts ...func(*entitlement.State)) *entitlement.State {
	t.Helper()
	limit := decimal.NewFromInt(100)
	state := &entitlement.State{
		ID:                "ent_1",
		ProjectID:         "proj_1",
		CustomerID:        "cust_1",
		FeatureSlug:       "api_calls",
		FeatureType:       types.FeatureTypeUsage,
		Limit:             &limit,
		AggregationMethod: types.AggregationSum,
		OverageStrategy:   types.OverageNone,
		EffectiveAt:       now.Add(-time.Hour),
	}
	for _, opt := range opts {
		opt(state)
	}
	require.NoError(t, store.Set(context.Background(), state.Key(), state))
	return state
}

func TestEntitlementService_VerifyDeniesMissingEntitlement(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.Verify(context.Background(), VerifyRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls", Now: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, types.DeniedEntitlementNotFound, res.DeniedReason)
}

func TestEntitlementService_VerifyNeverMutatesUsage(t *testing.T) {
	now := time.Now()
	svc, store, _ := newTestService(t)
	seedState(t, store, now)

	res, err := svc.Verify(context.Background(), VerifyRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls", Now: now,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	got, err := store.Get(context.Background(), "proj_1:cust_1:api_calls")
	require.NoError(t, err)
	require.True(t, got.Usage.IsZero())
}

// S7 — idempotent reportUsage: replaying the same idempotenceKey
// returns the first call's result and does not consume usage twice.
func TestEntitlementService_ReportUsageIsIdempotentOnKey(t *testing.T) {
	now := time.Now()
	svc, store, _ := newTestService(t)
	seedState(t, store, now)

	req := ReportUsageRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls",
		Amount: decimal.NewFromInt(10), IdempotenceKey: "idem-1", Now: now,
	}

	first, err := svc.ReportUsage(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.True(t, decimal.NewFromInt(10).Equal(first.Usage))

	second, err := svc.ReportUsage(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	got, err := store.Get(context.Background(), "proj_1:cust_1:api_calls")
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(10).Equal(got.Usage), "replayed request must not double-consume")
}

// S3/S4 — a reportUsage call spanning multiple grants buffers one
// UsageRecord per attributed grant, all sharing the caller's
// idempotence key, and every one of them survives to the sink.
func TestEntitlementService_ReportUsageBuffersOneRecordPerAttributedGrant(t *testing.T) {
	now := time.Now()
	svc, store, sink := newTestService(t)

	limitHigh := decimal.NewFromInt(5)
	limitLow := decimal.NewFromInt(100)
	require.NoError(t, store.InsertGrant(context.Background(), &grant.Grant{
		ID: "grant_high", SubjectID: "cust_1", FeatureSlug: "api_calls",
		Priority: 20, Limit: &limitHigh, EffectiveAt: now.Add(-time.Hour),
		BaseModel: types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}))
	require.NoError(t, store.InsertGrant(context.Background(), &grant.Grant{
		ID: "grant_low", SubjectID: "cust_1", FeatureSlug: "api_calls",
		Priority: 10, Limit: &limitLow, EffectiveAt: now.Add(-time.Hour),
		BaseModel: types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}))

	states, err := svc.grants.ComputeGrantsForCustomer(context.Background(), "proj_1", "cust_1", now, "")
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NoError(t, store.Set(context.Background(), states[0].Key(), states[0]))

	res, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls",
		Amount: decimal.NewFromInt(8), IdempotenceKey: "idem-multi", Now: now,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Len(t, res.ConsumedFrom, 2, "8 spans both the 5-capacity high grant and the low grant")

	require.NoError(t, svc.Flush(context.Background()))

	recorded := sink.usageRecords()
	require.Len(t, recorded, 2, "one buffered UsageRecord per attributed grant must survive to the sink")

	grantIDs := map[string]bool{}
	for _, r := range recorded {
		require.Equal(t, "idem-multi", r.IdempotenceKey, "every grant's record shares the caller's idempotence key")
		grantIDs[r.GrantID] = true
	}
	require.True(t, grantIDs["grant_high"])
	require.True(t, grantIDs["grant_low"])
}

func TestEntitlementService_ReportUsageRejectsNegativeForNonSumAggregation(t *testing.T) {
	now := time.Now()
	svc, store, _ := newTestService(t)
	seedState(t, store, now, func(s *entitlement.State) {
		s.AggregationMethod = types.AggregationMax
	})

	_, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls",
		Amount: decimal.NewFromInt(-1), Now: now,
	})
	require.Error(t, err)
}

func TestEntitlementService_ReportUsageAllowsNegativeRefundForSumAggregation(t *testing.T) {
	now := time.Now()
	svc, store, _ := newTestService(t)
	seedState(t, store, now)

	_, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls",
		Amount: decimal.NewFromInt(20), Now: now,
	})
	require.NoError(t, err)

	res, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls",
		Amount: decimal.NewFromInt(-5), Now: now,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, decimal.NewFromInt(15).Equal(res.Usage))
}

func TestEntitlementService_ReportUsageDeniesOverLimit(t *testing.T) {
	now := time.Now()
	svc, store, _ := newTestService(t)
	seedState(t, store, now)

	res, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		ProjectID: "proj_1", CustomerID: "cust_1", FeatureSlug: "api_calls",
		Amount: decimal.NewFromInt(1000), Now: now,
	})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, types.DeniedLimitExceeded, res.DeniedReason)
}
