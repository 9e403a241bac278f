package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMachine_LoadsIntoActiveAndRenews(t *testing.T) {
	sub := &Subscription{
		ID:                 "sub_1",
		Status:             StatusActive,
		AutoRenew:          true,
		PaymentMethodID:    "pm_1",
		CurrentPeriodStart: time.Now().Add(-30 * 24 * time.Hour),
		CurrentPeriodEnd:   time.Now().Add(-time.Hour),
	}
	phase := &Phase{ID: "phase_1", SubscriptionID: "sub_1", StartAt: sub.CurrentPeriodStart}

	var persisted []Status
	loaders := Loaders{
		LoadSubscription: func(ctx context.Context, id string) (*Subscription, *Phase, error) {
			return sub, phase, nil
		},
		RenewSubscription: func(ctx context.Context, s *Subscription) (*Subscription, error) {
			renewed := *s
			renewed.CurrentPeriodEnd = time.Now().Add(30 * 24 * time.Hour)
			return &renewed, nil
		},
		Persist: func(ctx context.Context, s *Subscription, active bool) error {
			persisted = append(persisted, s.Status)
			return nil
		},
	}

	m := New(loaders, nil)
	defer m.Close()

	ctx := context.Background()
	m.Start(ctx, "sub_1")

	final, err := m.SendAndWait(ctx, Event{}, func(s State) bool {
		return s != StateLoading && s != StateRestored
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StateActive, final)

	final, err = m.SendAndWait(ctx, Event{Type: EventRenew}, func(s State) bool {
		return s == StateRenewing || s == StateError
	}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateRenewing, final)

	final, err = m.SendAndWait(ctx, Event{}, func(s State) bool {
		return s == StateActive || s == StateError
	}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateActive, final)
	require.Contains(t, persisted, StatusActive)
}

// A subscription with auto-renew disabled expires instead of renewing
// once its period has elapsed, and the terminal transition persists
// active=false. The wait target deliberately excludes StateActive
// (unlike the target SubscriptionService.Renew uses), since the
// starting state here already is active and a target that included it
// would let SendAndWait return before the RENEW event was ever sent.
func TestMachine_ActiveWithoutAutoRenewExpires(t *testing.T) {
	sub := &Subscription{
		ID:                 "sub_3",
		Status:             StatusActive,
		AutoRenew:          false,
		CurrentPeriodStart: time.Now().Add(-30 * 24 * time.Hour),
		CurrentPeriodEnd:   time.Now().Add(-time.Hour),
	}
	phase := &Phase{ID: "phase_1", SubscriptionID: "sub_3", StartAt: sub.CurrentPeriodStart}

	var persisted []struct {
		status Status
		active bool
	}
	loaders := Loaders{
		LoadSubscription: func(ctx context.Context, id string) (*Subscription, *Phase, error) {
			return sub, phase, nil
		},
		Persist: func(ctx context.Context, s *Subscription, active bool) error {
			persisted = append(persisted, struct {
				status Status
				active bool
			}{s.Status, active})
			return nil
		},
	}

	m := New(loaders, nil)
	defer m.Close()

	ctx := context.Background()
	m.Start(ctx, "sub_3")
	_, err := m.SendAndWait(ctx, Event{}, func(s State) bool { return s != StateLoading && s != StateRestored }, time.Second)
	require.NoError(t, err)

	final, err := m.SendAndWait(ctx, Event{Type: EventRenew}, func(s State) bool {
		return s == StateExpired || s == StateError
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StateExpired, final)
	require.NotEmpty(t, persisted)
	last := persisted[len(persisted)-1]
	require.Equal(t, StatusExpired, last.status)
	require.False(t, last.active)
}

func TestMachine_TrialingRenewWithoutPaymentMethodErrors(t *testing.T) {
	trialEnd := time.Now().Add(-time.Hour)
	sub := &Subscription{
		ID:                    "sub_2",
		Status:                StatusTrialing,
		TrialEnd:              &trialEnd,
		PaymentMethodID:       "",
		RequiredPaymentMethod: true,
	}

	loaders := Loaders{
		LoadSubscription: func(ctx context.Context, id string) (*Subscription, *Phase, error) {
			return sub, nil, nil
		},
	}

	m := New(loaders, nil)
	defer m.Close()

	ctx := context.Background()
	m.Start(ctx, "sub_2")
	_, err := m.SendAndWait(ctx, Event{}, func(s State) bool { return s != StateLoading && s != StateRestored }, time.Second)
	require.NoError(t, err)

	final, err := m.SendAndWait(ctx, Event{Type: EventRenew}, func(s State) bool {
		return s == StateError || s == StateRenewing
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StateError, final)
}
