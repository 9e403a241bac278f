package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/subscription"
	"github.com/flowbill/entitlements/internal/lock"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/types"
)

type fakeSubscriptionRepo struct {
	mu     sync.Mutex
	subs   map[string]*subscription.Subscription
	phases map[string][]*subscription.Phase
	saves  []*subscription.Subscription
}

func newFakeSubscriptionRepo() *fakeSubscriptionRepo {
	return &fakeSubscriptionRepo{
		subs:   make(map[string]*subscription.Subscription),
		phases: make(map[string][]*subscription.Phase),
	}
}

func (r *fakeSubscriptionRepo) Get(_ context.Context, subscriptionID string) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return nil, nil
	}
	clone := *sub
	return &clone, nil
}

func (r *fakeSubscriptionRepo) Save(_ context.Context, sub *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *sub
	r.subs[sub.ID] = &clone
	r.saves = append(r.saves, &clone)
	return nil
}

func (r *fakeSubscriptionRepo) ListPhases(_ context.Context, subscriptionID string) ([]*subscription.Phase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phases[subscriptionID], nil
}

func (r *fakeSubscriptionRepo) SavePhase(_ context.Context, phase *subscription.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[phase.SubscriptionID] = append(r.phases[phase.SubscriptionID], phase)
	return nil
}

func (r *fakeSubscriptionRepo) DeletePhase(_ context.Context, phaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for subID, phases := range r.phases {
		for i, p := range phases {
			if p.ID == phaseID {
				r.phases[subID] = append(phases[:i], phases[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (r *fakeSubscriptionRepo) lastSave() *subscription.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saves) == 0 {
		return nil
	}
	return r.saves[len(r.saves)-1]
}

func testSubServiceLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&config.Configuration{})
	require.NoError(t, err)
	return log
}

func testLockConfig() *config.Configuration {
	cfg := &config.Configuration{}
	cfg.SubscriptionLock.StaleTakeoverMs = 30000
	cfg.SubscriptionLock.OwnerStaleMs = 5000
	return cfg
}

// Renewing a subscription whose trial just ended drives the machine
// through renewing back to active, and persists both status and
// active=true (spec.md's "persist status and active on every
// subscription-tagged transition"). Renew()'s own wait target includes
// StateActive, so starting the fixture already StatusActive would let
// SendAndWait return before the event is even sent; trialing is the
// state that actually forces the RENEW event through fromTrialing.
func TestSubscriptionService_RenewPersistsStatusAndActive(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	now := time.Now()
	trialEnd := now.Add(-time.Minute)
	sub := &subscription.Subscription{
		ID: "sub_1", ProjectID: "proj_1", CustomerID: "cust_1",
		Status: subscription.StatusTrialing, AutoRenew: true,
		PaymentMethodID:    "pm_1",
		StartDate:          now.Add(-60 * 24 * time.Hour),
		TrialEnd:           &trialEnd,
		CurrentPeriodStart: now.Add(-30 * 24 * time.Hour),
		CurrentPeriodEnd:   now.Add(-time.Minute),
		ResetConfig: types.ResetConfig{
			Interval: types.ResetIntervalMonthly, IntervalCount: 1, PlanType: types.ResetPlanAnniversary,
		},
	}
	require.NoError(t, repo.Save(context.Background(), sub))
	require.NoError(t, repo.SavePhase(context.Background(), &subscription.Phase{
		ID: "phase_1", SubscriptionID: "sub_1", StartAt: sub.StartDate,
	}))

	renewer := func(_ context.Context, s *subscription.Subscription) (*subscription.Subscription, error) {
		next, err := types.NextResetDate(s.CurrentPeriodEnd, s.StartDate, s.ResetConfig)
		require.NoError(t, err)
		s.CurrentPeriodStart = s.CurrentPeriodEnd
		s.CurrentPeriodEnd = next
		return s, nil
	}

	svc := NewSubscriptionService(repo, lock.NewInMemoryLock(), testLockConfig(), testSubServiceLogger(t), nil, renewer)

	err := svc.Renew(context.Background(), "proj_1", "sub_1")
	require.NoError(t, err)

	saved := repo.lastSave()
	require.NotNil(t, saved)
	require.Equal(t, subscription.StatusActive, saved.Status)
	require.True(t, saved.Active)
	require.True(t, saved.CurrentPeriodEnd.After(now))
}

// Invoicing a past-due, billable subscription charges through the
// invoicer and returns to active, persisting active=true again.
// Invoice()'s wait target includes StateActive, so the fixture starts
// past-due rather than active for the same reason RenewPersists... above
// starts trialing.
func TestSubscriptionService_InvoicePersistsActiveOnSuccess(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	now := time.Now()
	sub := &subscription.Subscription{
		ID: "sub_3", ProjectID: "proj_1", CustomerID: "cust_1",
		Status: subscription.StatusPastDue, AutoRenew: true,
		PaymentMethodID:    "pm_1",
		CurrentPeriodStart: now.Add(-30 * 24 * time.Hour),
		CurrentPeriodEnd:   now.Add(-time.Minute),
	}
	require.NoError(t, repo.Save(context.Background(), sub))
	require.NoError(t, repo.SavePhase(context.Background(), &subscription.Phase{
		ID: "phase_1", SubscriptionID: "sub_3", StartAt: now.Add(-60 * 24 * time.Hour),
	}))

	invoicer := func(_ context.Context, s *subscription.Subscription) (*subscription.Subscription, error) {
		s.Version++
		return s, nil
	}

	svc := NewSubscriptionService(repo, lock.NewInMemoryLock(), testLockConfig(), testSubServiceLogger(t), invoicer, nil)

	err := svc.Invoice(context.Background(), "proj_1", "sub_3")
	require.NoError(t, err)

	saved := repo.lastSave()
	require.NotNil(t, saved)
	require.Equal(t, subscription.StatusActive, saved.Status)
	require.True(t, saved.Active)
	require.Equal(t, 1, saved.Version)
}

func TestSubscriptionService_CreateSubscriptionPersistsSubAndFirstPhase(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	svc := NewSubscriptionService(repo, lock.NewInMemoryLock(), testLockConfig(), testSubServiceLogger(t), nil, nil)

	sub := &subscription.Subscription{ID: "sub_4", ProjectID: "proj_1", CustomerID: "cust_1", Status: subscription.StatusActive}
	phase := &subscription.Phase{ID: "phase_1", SubscriptionID: "sub_4", StartAt: time.Now()}

	require.NoError(t, svc.CreateSubscription(context.Background(), sub, phase))

	got, err := repo.Get(context.Background(), "sub_4")
	require.NoError(t, err)
	require.NotNil(t, got)

	phases, err := repo.ListPhases(context.Background(), "sub_4")
	require.NoError(t, err)
	require.Len(t, phases, 1)
}

func TestSubscriptionService_CalculateCycleWindowHonorsTimezone(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	svc := NewSubscriptionService(repo, lock.NewInMemoryLock(), testLockConfig(), testSubServiceLogger(t), nil, nil)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		StartDate:          start,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
		Timezone:           "America/New_York",
		ResetConfig: types.ResetConfig{
			Interval: types.ResetIntervalMonthly, IntervalCount: 1, PlanType: types.ResetPlanAnniversary,
		},
	}

	windowStart, windowEnd, err := svc.CalculateCycleWindow(sub, start.AddDate(0, 0, 15))
	require.NoError(t, err)
	require.False(t, windowEnd.Before(windowStart))

	loc, err := sub.Location()
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())
}

func TestSubscriptionService_CalculateCycleWindowRejectsInvalidTimezone(t *testing.T) {
	sub := &subscription.Subscription{Timezone: "Not/AZone"}
	_, err := sub.Location()
	require.Error(t, err)
}
