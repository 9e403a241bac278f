package service

import (
	"context"
	"time"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/subscription"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/lock"
	"github.com/flowbill/entitlements/internal/logger"
)

// SubscriptionRepository is the durable store SubscriptionService
// reads/writes subscriptions and phases through.
type SubscriptionRepository interface {
	Get(ctx context.Context, subscriptionID string) (*subscription.Subscription, error)
	Save(ctx context.Context, sub *subscription.Subscription) error
	ListPhases(ctx context.Context, subscriptionID string) ([]*subscription.Phase, error)
	SavePhase(ctx context.Context, phase *subscription.Phase) error
	DeletePhase(ctx context.Context, phaseID string) error
}

// MachineOptions parametrizes withSubscriptionMachine.
type MachineOptions struct {
	TTL     time.Duration
	Timeout time.Duration
}

// SubscriptionService wraps SubscriptionMachine behind renew, invoice,
// and phase CRUD, serializing every machine-driving call through the
// subscription lock.
type SubscriptionService struct {
	repo  SubscriptionRepository
	lock  lock.SubscriptionLock
	cfg   *config.Configuration
	log   *logger.Logger
	nowFn func() time.Time

	invoicer InvoicerFunc
	renewer  RenewerFunc
}

// InvoicerFunc and RenewerFunc are the side-effectful calls the
// machine invokes; concrete implementations call out to a
// paymentprovider.Provider and a Temporal workflow, respectively.
type InvoicerFunc func(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)
type RenewerFunc func(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)

func NewSubscriptionService(
	repo SubscriptionRepository,
	lockStore lock.SubscriptionLock,
	cfg *config.Configuration,
	log *logger.Logger,
	invoicer InvoicerFunc,
	renewer RenewerFunc,
) *SubscriptionService {
	return &SubscriptionService{
		repo:     repo,
		lock:     lockStore,
		cfg:      cfg,
		log:      log,
		nowFn:    time.Now,
		invoicer: invoicer,
		renewer:  renewer,
	}
}

// withSubscriptionMachine acquires the subscription lock, starts a
// heartbeat, builds a machine, runs fn against it, and releases the
// lock (and stops the heartbeat) once fn returns, whether it succeeded
// or not.
func (s *SubscriptionService) withSubscriptionMachine(
	ctx context.Context,
	projectID, subscriptionID string,
	opts MachineOptions,
	fn func(ctx context.Context, m *subscription.Machine) error,
) error {
	now := s.nowFn()
	lease, err := s.lock.Acquire(ctx, projectID, subscriptionID, lock.AcquireOptions{
		TTL:           opts.TTL,
		Now:           now,
		StaleTakeover: time.Duration(s.cfg.SubscriptionLock.StaleTakeoverMs) * time.Millisecond,
		OwnerStale:    time.Duration(s.cfg.SubscriptionLock.OwnerStaleMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go lock.Heartbeat(hbCtx, s.lock, lease, opts.TTL, opts.TTL*10, time.Now)

	defer func() {
		if err := s.lock.Release(ctx, lease); err != nil {
			s.log.Warnw("failed to release subscription lock", "error", err, "subscription_id", subscriptionID)
		}
	}()

	m := subscription.New(subscription.Loaders{
		LoadSubscription: func(ctx context.Context, id string) (*subscription.Subscription, *subscription.Phase, error) {
			sub, err := s.repo.Get(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			phases, err := s.repo.ListPhases(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			return sub, currentPhase(phases, s.nowFn()), nil
		},
		InvoiceSubscription: s.invoicer,
		RenewSubscription:   s.renewer,
		Persist: func(ctx context.Context, sub *subscription.Subscription, active bool) error {
			sub.Active = active
			return s.repo.Save(ctx, sub)
		},
	}, s.log)
	defer m.Close()

	m.Start(ctx, subscriptionID)
	if _, err := m.SendAndWait(ctx, subscription.Event{}, func(st subscription.State) bool {
		return st != subscription.StateLoading && st != subscription.StateRestored
	}, opts.Timeout); err != nil {
		return err
	}

	return fn(ctx, m)
}

func currentPhase(phases []*subscription.Phase, now time.Time) *subscription.Phase {
	for _, p := range phases {
		if p.StartAt.After(now) {
			continue
		}
		if p.EndAt != nil && !p.EndAt.After(now) {
			continue
		}
		return p
	}
	return nil
}

// Renew drives a RENEW event to completion.
func (s *SubscriptionService) Renew(ctx context.Context, projectID, subscriptionID string) error {
	return s.withSubscriptionMachine(ctx, projectID, subscriptionID, MachineOptions{TTL: 30 * time.Second, Timeout: 30 * time.Second},
		func(ctx context.Context, m *subscription.Machine) error {
			_, err := m.SendAndWait(ctx, subscription.Event{Type: subscription.EventRenew},
				func(st subscription.State) bool {
					return st == subscription.StateActive || st == subscription.StateExpired || st == subscription.StateError
				}, 30*time.Second)
			return err
		})
}

// Invoice drives an INVOICE event to completion.
func (s *SubscriptionService) Invoice(ctx context.Context, projectID, subscriptionID string) error {
	return s.withSubscriptionMachine(ctx, projectID, subscriptionID, MachineOptions{TTL: 30 * time.Second, Timeout: 30 * time.Second},
		func(ctx context.Context, m *subscription.Machine) error {
			_, err := m.SendAndWait(ctx, subscription.Event{Type: subscription.EventInvoice},
				func(st subscription.State) bool {
					return st == subscription.StateActive || st == subscription.StateError
				}, 30*time.Second)
			return err
		})
}

// CreatePhase validates phase non-overlap/consecutiveness before
// persisting, under the subscription lock so a concurrent phase CRUD
// or transition cannot race it.
func (s *SubscriptionService) CreatePhase(ctx context.Context, projectID, subscriptionID string, phase *subscription.Phase) error {
	return s.withSubscriptionMachine(ctx, projectID, subscriptionID, MachineOptions{TTL: 10 * time.Second, Timeout: 10 * time.Second},
		func(ctx context.Context, m *subscription.Machine) error {
			existing, err := s.repo.ListPhases(ctx, subscriptionID)
			if err != nil {
				return err
			}
			if err := subscription.ValidatePhasesAction(existing, phase, subscription.PhaseActionCreate, s.nowFn()); err != nil {
				return err
			}
			return s.repo.SavePhase(ctx, phase)
		})
}

func (s *SubscriptionService) UpdatePhase(ctx context.Context, projectID, subscriptionID string, phase *subscription.Phase) error {
	return s.withSubscriptionMachine(ctx, projectID, subscriptionID, MachineOptions{TTL: 10 * time.Second, Timeout: 10 * time.Second},
		func(ctx context.Context, m *subscription.Machine) error {
			existing, err := s.repo.ListPhases(ctx, subscriptionID)
			if err != nil {
				return err
			}
			if err := subscription.ValidatePhasesAction(existing, phase, subscription.PhaseActionUpdate, s.nowFn()); err != nil {
				return err
			}
			return s.repo.SavePhase(ctx, phase)
		})
}

func (s *SubscriptionService) RemovePhase(ctx context.Context, projectID, subscriptionID, phaseID string) error {
	return s.withSubscriptionMachine(ctx, projectID, subscriptionID, MachineOptions{TTL: 10 * time.Second, Timeout: 10 * time.Second},
		func(ctx context.Context, m *subscription.Machine) error {
			existing, err := s.repo.ListPhases(ctx, subscriptionID)
			if err != nil {
				return err
			}
			var target *subscription.Phase
			for _, p := range existing {
				if p.ID == phaseID {
					target = p
					break
				}
			}
			if target == nil {
				return ierr.NewError("phase not found").Mark(ierr.ErrNotFound)
			}
			if err := subscription.ValidatePhasesAction(existing, target, subscription.PhaseActionRemove, s.nowFn()); err != nil {
				return err
			}
			return s.repo.DeletePhase(ctx, phaseID)
		})
}

// CreateSubscription persists a new subscription and its first phase
// without going through the machine (there is nothing to serialize
// against yet).
func (s *SubscriptionService) CreateSubscription(ctx context.Context, sub *subscription.Subscription, firstPhase *subscription.Phase) error {
	if err := s.repo.Save(ctx, sub); err != nil {
		return err
	}
	return s.repo.SavePhase(ctx, firstPhase)
}

// CalculateCycleWindow is the pure cycle-window computation
// SubscriptionService exposes for invoicing/renewal scheduling.
func (s *SubscriptionService) CalculateCycleWindow(sub *subscription.Subscription, now time.Time) (time.Time, time.Time, error) {
	return calculateCycleWindow(sub, now)
}
