package workflow

import (
	"context"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/subscription"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
)

// NewTemporalClient dials the Temporal frontend named by config.Temporal.
func NewTemporalClient(cfg *config.Configuration) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to connect to temporal").Mark(ierr.ErrSystem)
	}
	return c, nil
}

// RunWorker registers the workflows and activities this package defines
// on cfg.Temporal.TaskQueue and blocks until ctx is cancelled.
func RunWorker(ctx context.Context, c client.Client, cfg *config.Configuration, activities *Activities) error {
	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(RenewSubscriptionWorkflow)
	w.RegisterWorkflow(InvoiceSubscriptionWorkflow)
	w.RegisterActivity(activities)

	stop := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	return w.Run(stop)
}

// Driver executes RenewSubscriptionWorkflow/InvoiceSubscriptionWorkflow
// synchronously from the caller's point of view — it starts the
// workflow and blocks on its result — so it can be adapted directly
// into service.SubscriptionService's InvoicerFunc/RenewerFunc.
type Driver struct {
	client    client.Client
	taskQueue string
	log       *logger.Logger
}

func NewDriver(c client.Client, cfg *config.Configuration, log *logger.Logger) *Driver {
	return &Driver{client: c, taskQueue: cfg.Temporal.TaskQueue, log: log}
}

// Renew starts RenewSubscriptionWorkflow and waits for it to complete.
func (d *Driver) Renew(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "renew-" + sub.ID,
		TaskQueue: d.taskQueue,
	}, RenewSubscriptionWorkflow, RenewInput{SubscriptionID: sub.ID})
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	var out RenewOutput
	if err := run.Get(ctx, &out); err != nil {
		return nil, ierr.WithError(err).WithHint("renew workflow failed").Mark(ierr.ErrSystem)
	}
	return out.Subscription, nil
}

// Invoice starts InvoiceSubscriptionWorkflow and waits for it to complete.
func (d *Driver) Invoice(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "invoice-" + sub.ID,
		TaskQueue: d.taskQueue,
	}, InvoiceSubscriptionWorkflow, InvoiceInput{SubscriptionID: sub.ID})
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	var out InvoiceOutput
	if err := run.Get(ctx, &out); err != nil {
		return nil, ierr.WithError(err).WithHint("invoice workflow failed").Mark(ierr.ErrSystem)
	}
	return out.Subscription, nil
}
