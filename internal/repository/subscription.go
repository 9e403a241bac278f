package repository

import (
	"context"
	"sync"

	"github.com/flowbill/entitlements/internal/domain/subscription"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/testutil"
)

// InMemorySubscriptionRepository implements service.SubscriptionRepository
// over testutil.InMemoryStore, with phases kept in a side index since
// they're looked up by subscription ID rather than their own ID.
type InMemorySubscriptionRepository struct {
	subs *testutil.InMemoryStore[*subscription.Subscription]

	phaseMu sync.Mutex
	phases  map[string]*subscription.Phase
}

func NewInMemorySubscriptionRepository() *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subs:   testutil.NewInMemoryStore[*subscription.Subscription](),
		phases: make(map[string]*subscription.Phase),
	}
}

func (r *InMemorySubscriptionRepository) Get(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	return r.subs.Get(ctx, subscriptionID)
}

func (r *InMemorySubscriptionRepository) Save(ctx context.Context, sub *subscription.Subscription) error {
	if _, err := r.subs.Get(ctx, sub.ID); err == nil {
		return r.subs.Update(ctx, sub.ID, sub)
	}
	return r.subs.Create(ctx, sub.ID, sub)
}

func (r *InMemorySubscriptionRepository) ListPhases(_ context.Context, subscriptionID string) ([]*subscription.Phase, error) {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()

	out := make([]*subscription.Phase, 0)
	for _, p := range r.phases {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *InMemorySubscriptionRepository) SavePhase(_ context.Context, phase *subscription.Phase) error {
	if phase == nil {
		return ierr.NewError("phase is nil").Mark(ierr.ErrValidation)
	}
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	r.phases[phase.ID] = phase
	return nil
}

func (r *InMemorySubscriptionRepository) DeletePhase(_ context.Context, phaseID string) error {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	delete(r.phases, phaseID)
	return nil
}
