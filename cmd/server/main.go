// Command server starts the long-running analytics flush loop and
// constructs the EntitlementService/CustomerService/SubscriptionService
// façades this system's API surface (HTTP, gRPC — out of this
// module's scope) would be built against.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/flowbill/entitlements/internal/bootstrap"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/service"
)

func main() {
	fx.New(
		bootstrap.Module,
		fx.Invoke(registerLifecycle),
		fx.WithLogger(func(l *logger.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Desugar()}
		}),
	).Run()
}

// registerLifecycle forces construction of the three façades (so any
// wiring mistake surfaces at boot, not on first request) and starts
// the analytics pipeline's background flush loop, stopping it and
// releasing every dialed backend on shutdown.
func registerLifecycle(
	lc fx.Lifecycle,
	infra *bootstrap.Infra,
	log *logger.Logger,
	_ *service.EntitlementService,
	_ *service.CustomerService,
	_ *service.SubscriptionService,
) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go infra.Pipeline.Run(ctx)
			log.Info("server ready")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			infra.Close(log)
			return nil
		},
	})
}
