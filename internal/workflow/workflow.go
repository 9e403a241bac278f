// Package workflow supplies durable execution for the subscription
// machine's invoked side effects (invoiceSubscription, renewSubscription)
// as Temporal workflows and activities, so a worker crash mid-renewal
// does not lose the in-flight operation the way an in-process goroutine
// would.
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/flowbill/entitlements/internal/domain/subscription"
)

// activityTimeout bounds every activity this package defines at the
// 15-30s window the subscription machine's sendAndWait calls expect.
const activityTimeout = 30 * time.Second

// RenewInput and InvoiceInput carry just the subscription ID across the
// workflow boundary; activities reload the full aggregate from the
// repository rather than receiving it serialized. RenewOutput and
// InvoiceOutput return the updated subscription.
type RenewInput struct {
	SubscriptionID string
}

type RenewOutput struct {
	Subscription *subscription.Subscription
}

type InvoiceInput struct {
	SubscriptionID string
}

type InvoiceOutput struct {
	Subscription *subscription.Subscription
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// RenewSubscriptionWorkflow drives one subscription's renewal through
// the RenewSubscriptionActivity, returning the renewed subscription.
func RenewSubscriptionWorkflow(ctx workflow.Context, in RenewInput) (*RenewOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var out RenewOutput
	if err := workflow.ExecuteActivity(ctx, ActivityNameRenew, in).Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvoiceSubscriptionWorkflow drives one subscription's invoicing
// through the InvoiceSubscriptionActivity.
func InvoiceSubscriptionWorkflow(ctx workflow.Context, in InvoiceInput) (*InvoiceOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var out InvoiceOutput
	if err := workflow.ExecuteActivity(ctx, ActivityNameInvoice, in).Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
