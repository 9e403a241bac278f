package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/domain/subscription"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/types"
)

func TestInMemorySubscriptionRepository_SaveThenGet(t *testing.T) {
	repo := NewInMemorySubscriptionRepository()
	ctx := context.Background()

	sub := &subscription.Subscription{
		ID: "sub_1", ProjectID: "proj_1", CustomerID: "cust_1",
		Status:    subscription.StatusActive,
		StartDate: time.Now(),
		BaseModel: types.BaseModel{Status: types.StatusPublished},
	}
	require.NoError(t, repo.Save(ctx, sub))

	got, err := repo.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, got.Status)

	sub.Status = subscription.StatusCanceled
	require.NoError(t, repo.Save(ctx, sub))

	got, err = repo.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.Equal(t, subscription.StatusCanceled, got.Status)
}

func TestInMemorySubscriptionRepository_GetMissingReturnsNotFound(t *testing.T) {
	repo := NewInMemorySubscriptionRepository()
	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, ierr.IsNotFound(err))
}

func TestInMemorySubscriptionRepository_PhasesScopedToSubscription(t *testing.T) {
	repo := NewInMemorySubscriptionRepository()
	ctx := context.Background()

	p1 := &subscription.Phase{ID: "phase_1", SubscriptionID: "sub_1", StartAt: time.Now()}
	p2 := &subscription.Phase{ID: "phase_2", SubscriptionID: "sub_2", StartAt: time.Now()}
	require.NoError(t, repo.SavePhase(ctx, p1))
	require.NoError(t, repo.SavePhase(ctx, p2))

	phases, err := repo.ListPhases(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, "phase_1", phases[0].ID)

	require.NoError(t, repo.DeletePhase(ctx, "phase_1"))
	phases, err = repo.ListPhases(ctx, "sub_1")
	require.NoError(t, err)
	require.Empty(t, phases)
}
