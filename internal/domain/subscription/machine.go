package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
)

// State is one node of the hierarchical machine.
type State string

const (
	StateLoading                  State = "loading"
	StateRestored                 State = "restored" // pseudo-state, branches immediately
	StateTrialing                 State = "trialing"
	StateGeneratingBillingPeriods State = "generating_billing_periods"
	StateInvoicing                State = "invoicing"
	StateRenewing                 State = "renewing"
	StateActive                   State = "active"
	StatePastDue                  State = "past_due"
	StateCanceling                State = "canceling"
	StateChanging                 State = "changing"
	StateExpiring                 State = "expiring"
	StateCanceled                 State = "canceled"
	StateExpired                  State = "expired"
	StateError                    State = "error"
)

// subscriptionTagged are the states whose entry persists
// subscription.status/active; all others ("machine"-tagged, e.g.
// invoicing, renewing) are transient and not written through.
var subscriptionTagged = map[State]Status{
	StateTrialing:  StatusTrialing,
	StateActive:    StatusActive,
	StatePastDue:   StatusPastDue,
	StateCanceling: StatusCanceling,
	StateExpiring:  StatusExpiring,
	StateCanceled:  StatusCanceled,
	StateExpired:   StatusExpired,
	StateError:     StatusError,
}

// EventType is one of the machine's input events.
type EventType string

const (
	EventRenew          EventType = "RENEW"
	EventInvoice        EventType = "INVOICE"
	EventBillingPeriod  EventType = "BILLING_PERIOD"
	EventCancel         EventType = "CANCEL"
	EventChange         EventType = "CHANGE"
	EventPaymentSuccess EventType = "PAYMENT_SUCCESS"
	EventPaymentFailure EventType = "PAYMENT_FAILURE"
	EventInvoiceSuccess EventType = "INVOICE_SUCCESS"
	EventInvoiceFailure EventType = "INVOICE_FAILURE"
)

// Event is one input to the machine.
type Event struct {
	Type     EventType
	Metadata map[string]any
}

// Loaders bundles the suspending calls the machine invokes from its
// single-consumer event loop. Each call is a "promise": it may take
// arbitrarily long and either returns an updated subscription or an
// error, at which point the machine enters the terminal error state.
type Loaders struct {
	LoadSubscription       func(ctx context.Context, subscriptionID string) (*Subscription, *Phase, error)
	GenerateBillingPeriods func(ctx context.Context, sub *Subscription) (*Subscription, error)
	InvoiceSubscription    func(ctx context.Context, sub *Subscription) (*Subscription, error)
	RenewSubscription      func(ctx context.Context, sub *Subscription) (*Subscription, error)
	Persist                func(ctx context.Context, sub *Subscription, active bool) error
}

// Machine is the hierarchical SubscriptionMachine. One instance is
// created per withSubscriptionMachine call, driven to completion, and
// discarded; it holds no state across lock acquisitions.
type Machine struct {
	mu      sync.Mutex
	state   State
	sub     *Subscription
	phase   *Phase
	errMeta map[string]any

	loaders Loaders
	log     *logger.Logger

	events  chan queuedEvent
	waiters []*waiter
	closed  bool
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

type waiter struct {
	match func(State) bool
	ch    chan State
}

// New creates a machine and starts its event-processing goroutine in
// the loading state. Callers must call Close when done (normally via
// the withSubscriptionMachine wrapper, once a terminal/target state is
// observed).
func New(loaders Loaders, log *logger.Logger) *Machine {
	m := &Machine{
		state:   StateLoading,
		loaders: loaders,
		log:     log,
		events:  make(chan queuedEvent, 64),
	}
	go m.run()
	return m
}

// Close stops the event loop. Safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.events)
}

// State returns the current state under lock.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start kicks off loading for the given subscription ID; it is sent as
// the machine's first internal event.
func (m *Machine) Start(ctx context.Context, subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- queuedEvent{ctx: ctx, event: Event{Type: "__load__", Metadata: map[string]any{"subscription_id": subscriptionID}}}
}

// Send enqueues an event without waiting for its outcome.
func (m *Machine) Send(ctx context.Context, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- queuedEvent{ctx: ctx, event: event}
}

// SendAndWait enqueues an event and blocks until the machine reaches a
// state satisfying match, or timeout elapses. A timed-out wait does not
// roll the machine back — the queued transition still runs to
// completion; the caller should treat the timeout as retry-after-reconcile.
func (m *Machine) SendAndWait(ctx context.Context, event Event, match func(State) bool, timeout time.Duration) (State, error) {
	ch := make(chan State, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ierr.NewError("machine is closed").Mark(ierr.ErrInvalidOperation)
	}
	if match(m.state) {
		cur := m.state
		m.mu.Unlock()
		return cur, nil
	}
	w := &waiter{match: match, ch: ch}
	m.waiters = append(m.waiters, w)
	m.events <- queuedEvent{ctx: ctx, event: event}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		return s, nil
	case <-timer.C:
		return "", ierr.NewError(fmt.Sprintf("timed out waiting for state matching target after %s", timeout)).
			Mark(ierr.ErrSystem)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Machine) run() {
	for qe := range m.events {
		m.process(qe.ctx, qe.event)
	}
}

func (m *Machine) process(ctx context.Context, event Event) {
	m.mu.Lock()
	cur := m.state
	sub := m.sub
	m.mu.Unlock()

	if event.Type == "__load__" {
		subscriptionID, _ := event.Metadata["subscription_id"].(string)
		loaded, phase, err := m.loaders.LoadSubscription(ctx, subscriptionID)
		if err != nil {
			m.enter(ctx, StateError, map[string]any{"reason": err.Error()})
			return
		}
		m.mu.Lock()
		m.sub, m.phase = loaded, phase
		m.mu.Unlock()
		m.enter(ctx, StateRestored, nil)
		m.branchOnRestore(ctx, loaded)
		return
	}

	if sub == nil {
		m.enter(ctx, StateError, map[string]any{"reason": "event received before subscription loaded"})
		return
	}

	switch cur {
	case StateTrialing:
		m.fromTrialing(ctx, event, sub)
	case StateActive:
		m.fromActive(ctx, event, sub)
	case StatePastDue:
		m.fromPastDue(ctx, event, sub)
	case StateInvoicing, StateRenewing, StateGeneratingBillingPeriods:
		// side-effectful transitions resolve via their own promise
		// callback (invokeInvoice/invokeRenew), not via external events.
	default:
		// canceling/expiring/canceled/expired/error: terminal or
		// awaiting their own promise; external events are no-ops.
	}
}

func (m *Machine) branchOnRestore(ctx context.Context, sub *Subscription) {
	switch sub.Status {
	case StatusTrialing:
		m.enter(ctx, StateTrialing, nil)
	case StatusActive:
		m.enter(ctx, StateActive, nil)
	case StatusPastDue:
		m.enter(ctx, StatePastDue, nil)
	case StatusCanceling:
		m.enter(ctx, StateCanceling, nil)
	case StatusExpiring:
		m.enter(ctx, StateExpiring, nil)
	case StatusCanceled:
		m.enter(ctx, StateCanceled, nil)
	case StatusExpired:
		m.enter(ctx, StateExpired, nil)
	default:
		m.enter(ctx, StateError, map[string]any{"reason": fmt.Sprintf("unknown subscription status %q", sub.Status)})
	}
}

func (m *Machine) fromTrialing(ctx context.Context, event Event, sub *Subscription) {
	if event.Type != EventRenew {
		return
	}
	if !sub.IsTrialExpired(time.Now()) {
		m.enter(ctx, StateError, map[string]any{"reason": "trial not expired"})
		return
	}
	if !sub.HasValidPaymentMethod() {
		m.enter(ctx, StateError, map[string]any{"reason": "invalid payment method"})
		return
	}
	m.invokeRenew(ctx, sub)
}

func (m *Machine) fromActive(ctx context.Context, event Event, sub *Subscription) {
	switch event.Type {
	case EventRenew:
		if IsCurrentPhaseNull(m.phase) {
			m.enter(ctx, StateError, map[string]any{"reason": "current phase is null"})
			return
		}
		if sub.CanRenew(time.Now()) && sub.IsAutoRenewEnabled() {
			m.invokeRenew(ctx, sub)
			return
		}
		if !sub.IsAutoRenewEnabled() {
			m.enter(ctx, StateExpired, nil)
			return
		}
		m.enter(ctx, StateError, map[string]any{"reason": "cannot renew"})
	case EventInvoice:
		if sub.HasValidPaymentMethod() && m.hasDueBillingPeriods(sub) {
			m.invokeInvoice(ctx, sub)
			return
		}
		m.enter(ctx, StateError, map[string]any{"reason": "not eligible to invoice"})
	case EventPaymentFailure:
		m.enter(ctx, StatePastDue, nil)
	case EventCancel:
		m.enter(ctx, StateCanceling, nil)
	}
}

func (m *Machine) fromPastDue(ctx context.Context, event Event, sub *Subscription) {
	switch event.Type {
	case EventPaymentSuccess:
		m.enter(ctx, StateActive, nil)
	case EventInvoice:
		if sub.HasValidPaymentMethod() && m.hasDueBillingPeriods(sub) {
			m.invokeInvoice(ctx, sub)
			return
		}
		m.enter(ctx, StateError, map[string]any{"reason": "not eligible to invoice"})
	}
}

// hasDueBillingPeriods is the guard `hasDueBillingPeriods`: true once
// the current period has elapsed. Open invoices are not consulted.
func (m *Machine) hasDueBillingPeriods(sub *Subscription) bool {
	return !time.Now().Before(sub.CurrentPeriodEnd)
}

func (m *Machine) invokeRenew(ctx context.Context, sub *Subscription) {
	m.enter(ctx, StateRenewing, nil)
	go func() {
		updated, err := m.loaders.RenewSubscription(ctx, sub)
		if err != nil {
			m.enter(ctx, StateError, map[string]any{"reason": err.Error()})
			return
		}
		m.mu.Lock()
		m.sub = updated
		m.mu.Unlock()
		m.enter(ctx, StateActive, nil)
	}()
}

func (m *Machine) invokeInvoice(ctx context.Context, sub *Subscription) {
	m.enter(ctx, StateInvoicing, nil)
	go func() {
		updated, err := m.loaders.InvoiceSubscription(ctx, sub)
		if err != nil {
			m.enter(ctx, StateError, map[string]any{"reason": err.Error()})
			return
		}
		m.mu.Lock()
		m.sub = updated
		m.mu.Unlock()
		m.enter(ctx, StateActive, nil)
	}()
}

// enter transitions the machine to next, persisting through if next is
// subscription-tagged, then notifies any SendAndWait callers whose
// predicate now matches.
func (m *Machine) enter(ctx context.Context, next State, meta map[string]any) {
	m.mu.Lock()
	m.state = next
	m.errMeta = meta
	sub := m.sub
	remaining := m.waiters[:0]
	var matched []*waiter
	for _, w := range m.waiters {
		if w.match(next) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()

	if status, ok := subscriptionTagged[next]; ok && sub != nil && m.loaders.Persist != nil {
		sub.Status = status
		if err := m.loaders.Persist(ctx, sub, status.Active()); err != nil && m.log != nil {
			m.log.Errorw("failed to persist subscription state", "error", err, "state", next)
		}
	}

	for _, w := range matched {
		w.ch <- next
	}
}
