// Command worker runs the Temporal worker that executes
// RenewSubscriptionWorkflow/InvoiceSubscriptionWorkflow against the
// billing activities, the durable-execution half of the subscription
// machine's renew/invoice side effects.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/flowbill/entitlements/internal/bootstrap"
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/workflow"
)

func main() {
	fx.New(
		bootstrap.Module,
		fx.Invoke(runWorker),
		fx.WithLogger(func(l *logger.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Desugar()}
		}),
	).Run()
}

func runWorker(
	lc fx.Lifecycle,
	infra *bootstrap.Infra,
	cfg *config.Configuration,
	activities *workflow.Activities,
	log *logger.Logger,
) error {
	if infra.Temporal == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := workflow.RunWorker(ctx, infra.Temporal, cfg, activities); err != nil {
					log.Errorw("temporal worker exited", "error", err)
				}
			}()
			log.Info("worker ready")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			infra.Close(log)
			return nil
		},
	})
	return nil
}
