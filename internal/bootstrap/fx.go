package bootstrap

import (
	"context"

	"go.uber.org/fx"

	"github.com/flowbill/entitlements/internal/billing"
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/crypto"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/repository"
	"github.com/flowbill/entitlements/internal/service"
	"github.com/flowbill/entitlements/internal/workflow"
)

// Module is the fx module a binary composes to get every provider
// this package exposes, mirroring the embedded-fx.In param-struct
// style this domain's other services are constructed with: one param
// struct per constructor, fields resolved from the container by type,
// optional ones tagged accordingly so a binary can override the
// default in-memory repository with a real one just by providing it
// earlier in its own fx graph.
var Module = fx.Module("bootstrap",
	fx.Provide(
		config.NewConfig,
		logger.NewLogger,
		crypto.NewBox,
		provideInfra,
		provideGrantsManager,
		provideEntitlementService,
		provideCustomerService,
		provideSubscriptionService,
		provideWorkflowDriver,
		provideBiller,
		provideActivities,
	),
)

func provideInfra(cfg *config.Configuration, log *logger.Logger) (*Infra, error) {
	return New(context.Background(), cfg, log)
}

func provideGrantsManager(infra *Infra, log *logger.Logger) *entitlement.GrantsManager {
	return entitlement.NewGrantsManager(infra.EntitlementStorage, log)
}

// EntitlementServiceParams is resolved from the container the same way
// the fx-wired examples in this domain pull their dependencies: every
// field filled in by type, nothing threaded through positional args.
type EntitlementServiceParams struct {
	fx.In

	Infra  *Infra
	Grants *entitlement.GrantsManager
	Log    *logger.Logger
	Cfg    *config.Configuration
}

func provideEntitlementService(p EntitlementServiceParams) *service.EntitlementService {
	return service.NewEntitlementService(p.Infra.Cache, p.Infra.EntitlementStorage, p.Grants, p.Infra.Pipeline, p.Log, p.Cfg)
}

type CustomerServiceParams struct {
	fx.In

	Repo  service.CustomerRepository `optional:"true"`
	Infra *Infra
	Box   *crypto.Box
	Ents  *service.EntitlementService
	Log   *logger.Logger
}

func provideCustomerService(p CustomerServiceParams) *service.CustomerService {
	repo := p.Repo
	if repo == nil {
		repo = repository.NewInMemoryCustomerRepository()
	}
	return service.NewCustomerService(repo, p.Infra.Provider, p.Box, p.Ents, p.Log)
}

type SubscriptionServiceParams struct {
	fx.In

	Repo   service.SubscriptionRepository `optional:"true"`
	Infra  *Infra
	Cfg    *config.Configuration
	Log    *logger.Logger
	Driver *workflow.Driver
}

func provideSubscriptionService(p SubscriptionServiceParams) *service.SubscriptionService {
	repo := p.Repo
	if repo == nil {
		repo = repository.NewInMemorySubscriptionRepository()
	}
	return service.NewSubscriptionService(repo, p.Infra.SubscriptionLock, p.Cfg, p.Log, p.Driver.Invoice, p.Driver.Renew)
}

func provideWorkflowDriver(infra *Infra, cfg *config.Configuration, log *logger.Logger) (*workflow.Driver, error) {
	if infra.Temporal == nil {
		return nil, ierr.NewError("temporal client unavailable").
			WithHint("the subscription driver needs a reachable temporal frontend").
			Mark(ierr.ErrSystem)
	}
	return workflow.NewDriver(infra.Temporal, cfg, log), nil
}

// BillerParams resolves the worker-side dependencies Biller needs; the
// repositories here are the same optional-with-fallback pair
// CustomerServiceParams/SubscriptionServiceParams use, kept separate so
// the worker process can be started without also constructing the API
// façades.
type BillerParams struct {
	fx.In

	SubscriptionRepo service.SubscriptionRepository `optional:"true"`
	CustomerRepo     service.CustomerRepository     `optional:"true"`
	Infra            *Infra
	Box              *crypto.Box
	Log              *logger.Logger
}

func provideBiller(p BillerParams) *billing.Biller {
	subs := p.SubscriptionRepo
	if subs == nil {
		subs = repository.NewInMemorySubscriptionRepository()
	}
	customers := p.CustomerRepo
	if customers == nil {
		customers = repository.NewInMemoryCustomerRepository()
	}
	return billing.NewBiller(subs, customers, p.Infra.Provider, p.Box, p.Log)
}

func provideActivities(biller *billing.Biller, log *logger.Logger) *workflow.Activities {
	return workflow.NewActivities(biller.Renew, biller.Invoice, log)
}
