package workflow

import (
	"context"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
)

const (
	ActivityNameRenew   = "RenewSubscriptionActivity"
	ActivityNameInvoice = "InvoiceSubscriptionActivity"
)

// Renewer and Invoicer are the actual billing-side effects, injected at
// worker registration time — a real deployment wires these to the
// payment-provider/billing-period generation logic; tests wire fakes.
type Renewer func(ctx context.Context, subscriptionID string) (*RenewOutput, error)
type Invoicer func(ctx context.Context, subscriptionID string) (*InvoiceOutput, error)

// Activities bundles the activity methods Temporal workers register.
// Exactly one instance is constructed per worker process and passed by
// pointer to worker.RegisterActivity, which registers its methods.
type Activities struct {
	renew   Renewer
	invoice Invoicer
	log     *logger.Logger
}

func NewActivities(renew Renewer, invoice Invoicer, log *logger.Logger) *Activities {
	return &Activities{renew: renew, invoice: invoice, log: log}
}

// RenewSubscriptionActivity is registered under ActivityNameRenew.
func (a *Activities) RenewSubscriptionActivity(ctx context.Context, in RenewInput) (*RenewOutput, error) {
	out, err := a.renew(ctx, in.SubscriptionID)
	if err != nil {
		a.log.Errorw("renew activity failed", "error", err, "subscription_id", in.SubscriptionID)
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	return out, nil
}

// InvoiceSubscriptionActivity is registered under ActivityNameInvoice.
func (a *Activities) InvoiceSubscriptionActivity(ctx context.Context, in InvoiceInput) (*InvoiceOutput, error) {
	out, err := a.invoice(ctx, in.SubscriptionID)
	if err != nil {
		a.log.Errorw("invoice activity failed", "error", err, "subscription_id", in.SubscriptionID)
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	return out, nil
}
