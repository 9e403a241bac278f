package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/analytics"
	"github.com/flowbill/entitlements/internal/cache"
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/crypto"
	"github.com/flowbill/entitlements/internal/domain/customer"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/grant"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/paymentprovider"
	"github.com/flowbill/entitlements/internal/storage"
)

type fakeCustomerRepo struct {
	byID    map[string]*customer.Customer
	byEmail map[string]*customer.Customer
}

func newFakeCustomerRepo() *fakeCustomerRepo {
	return &fakeCustomerRepo{byID: map[string]*customer.Customer{}, byEmail: map[string]*customer.Customer{}}
}

func (r *fakeCustomerRepo) Get(_ context.Context, _, customerID string) (*customer.Customer, error) {
	c, ok := r.byID[customerID]
	if !ok {
		return nil, ierr.NewError("customer not found").Mark(ierr.ErrNotFound)
	}
	return c, nil
}

func (r *fakeCustomerRepo) GetByEmail(_ context.Context, _, email string) (*customer.Customer, error) {
	c, ok := r.byEmail[email]
	if !ok {
		return nil, ierr.NewError("customer not found").Mark(ierr.ErrNotFound)
	}
	return c, nil
}

func (r *fakeCustomerRepo) Save(_ context.Context, c *customer.Customer) error {
	r.byID[c.ID] = c
	r.byEmail[c.Email] = c
	return nil
}

type fakeProvider struct {
	name      string
	createErr error
	nextID    string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) CreateCustomer(_ context.Context, email string, _ map[string]string) (*paymentprovider.CustomerRef, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &paymentprovider.CustomerRef{ProviderCustomerID: p.nextID, Email: email}, nil
}

func (p *fakeProvider) ChargeInvoice(context.Context, paymentprovider.ChargeRequest) (*paymentprovider.ChargeResult, error) {
	return &paymentprovider.ChargeResult{Status: paymentprovider.ChargeSucceeded}, nil
}

func (p *fakeProvider) RefundCharge(context.Context, string, decimal.Decimal) error { return nil }

type fakeGrantLoader struct{}

func (fakeGrantLoader) ActiveGrantsForCustomer(context.Context, string, string, time.Time, string) ([]*grant.Grant, error) {
	return nil, nil
}

func testBox(t *testing.T) *crypto.Box {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
	box, err := crypto.NewBox(&config.Configuration{})
	require.NoError(t, err)
	return box
}

func testEntitlementService(t *testing.T) *EntitlementService {
	t.Helper()
	cfg := &config.Configuration{}
	cfg.Cache.TTL = time.Minute
	pipe := analytics.NewInProcessPipeline(cfg, logger.GetLogger(), analytics.NoopSink{}, analytics.NoopQuarantine{})
	grants := entitlement.NewGrantsManager(fakeGrantLoader{}, logger.GetLogger())
	return NewEntitlementService(cache.GetInMemoryCache(), storage.NewInMemoryStorage(), grants, pipe, logger.GetLogger(), cfg)
}

func TestCustomerService_SignUpCreatesAndEncryptsProviderRef(t *testing.T) {
	repo := newFakeCustomerRepo()
	provider := &fakeProvider{name: "stripe", nextID: "cus_123"}
	box := testBox(t)
	svc := NewCustomerService(repo, provider, box, testEntitlementService(t), logger.GetLogger())

	c, err := svc.SignUp(context.Background(), SignUpRequest{ProjectID: "proj_1", Email: "a@example.com"})
	require.NoError(t, err)
	require.Equal(t, customer.StatusActive, c.Status)
	require.NotEqual(t, "cus_123", c.EncryptedProviderCustomerID)

	decrypted, err := svc.ProviderCustomerID(c)
	require.NoError(t, err)
	require.Equal(t, "cus_123", decrypted)
}

func TestCustomerService_SignUpIsIdempotentByEmail(t *testing.T) {
	repo := newFakeCustomerRepo()
	provider := &fakeProvider{name: "stripe", nextID: "cus_123"}
	box := testBox(t)
	svc := NewCustomerService(repo, provider, box, testEntitlementService(t), logger.GetLogger())

	first, err := svc.SignUp(context.Background(), SignUpRequest{ProjectID: "proj_1", Email: "a@example.com"})
	require.NoError(t, err)

	second, err := svc.SignUp(context.Background(), SignUpRequest{ProjectID: "proj_1", Email: "a@example.com"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestCustomerService_DisableBlocksPlanChangeRevalidation(t *testing.T) {
	repo := newFakeCustomerRepo()
	provider := &fakeProvider{name: "stripe", nextID: "cus_123"}
	box := testBox(t)
	svc := NewCustomerService(repo, provider, box, testEntitlementService(t), logger.GetLogger())

	c, err := svc.SignUp(context.Background(), SignUpRequest{ProjectID: "proj_1", Email: "b@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.Disable(context.Background(), "proj_1", c.ID))
	err = svc.OnPlanChanged(context.Background(), "proj_1", c.ID)
	require.Error(t, err)
}
