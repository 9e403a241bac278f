package billing

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/crypto"
	"github.com/flowbill/entitlements/internal/domain/customer"
	"github.com/flowbill/entitlements/internal/domain/subscription"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/paymentprovider"
	"github.com/flowbill/entitlements/internal/types"
)

type fakeSubStore struct {
	subs map[string]*subscription.Subscription
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{subs: make(map[string]*subscription.Subscription)}
}

func (f *fakeSubStore) Get(_ context.Context, id string) (*subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, ierr.NewError("subscription not found").Mark(ierr.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeSubStore) Save(_ context.Context, sub *subscription.Subscription) error {
	f.subs[sub.ID] = sub
	return nil
}

type fakeCustomerStore struct {
	customers map[string]*customer.Customer
}

func (f *fakeCustomerStore) Get(_ context.Context, _, customerID string) (*customer.Customer, error) {
	c, ok := f.customers[customerID]
	if !ok {
		return nil, ierr.NewError("customer not found").Mark(ierr.ErrNotFound)
	}
	return c, nil
}

type fakeProvider struct {
	result  *paymentprovider.ChargeResult
	err     error
	lastReq paymentprovider.ChargeRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateCustomer(_ context.Context, _ string, _ map[string]string) (*paymentprovider.CustomerRef, error) {
	return nil, nil
}

func (f *fakeProvider) ChargeInvoice(_ context.Context, req paymentprovider.ChargeRequest) (*paymentprovider.ChargeResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeProvider) RefundCharge(_ context.Context, _ string, _ decimal.Decimal) error { return nil }

func testBox(t *testing.T) *crypto.Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))
	box, err := crypto.NewBox(&config.Configuration{Encryption: config.Encryption{KeyEnvVar: "ENCRYPTION_KEY"}})
	require.NoError(t, err)
	return box
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&config.Configuration{})
	require.NoError(t, err)
	return log
}

func TestBiller_RenewAdvancesPeriodOnAnchor(t *testing.T) {
	subs := newFakeSubStore()
	start := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		ID: "sub_1", ProjectID: "proj_1", CustomerID: "cust_1",
		Status:             subscription.StatusActive,
		StartDate:          start,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
		ResetConfig:        types.ResetConfig{Interval: types.ResetIntervalMonthly, IntervalCount: 1},
		BaseModel:          types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}
	require.NoError(t, subs.Save(context.Background(), sub))

	b := NewBiller(subs, &fakeCustomerStore{customers: map[string]*customer.Customer{}}, &fakeProvider{}, testBox(t), testLogger(t))

	out, err := b.Renew(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Equal(t, sub.CurrentPeriodEnd, out.Subscription.CurrentPeriodEnd)
	require.True(t, out.Subscription.CurrentPeriodEnd.After(start.AddDate(0, 1, 0)))
	require.Equal(t, 1, out.Subscription.Version)
}

func TestBiller_InvoiceChargesProviderAndPersistsFailure(t *testing.T) {
	box := testBox(t)
	encrypted, err := box.Encrypt("cus_provider_123")
	require.NoError(t, err)

	subs := newFakeSubStore()
	sub := &subscription.Subscription{
		ID: "sub_1", ProjectID: "proj_1", CustomerID: "cust_1",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Metadata:           types.Metadata{"amount": "49.99", "currency": "usd"},
		BaseModel:          types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}
	require.NoError(t, subs.Save(context.Background(), sub))

	customers := &fakeCustomerStore{customers: map[string]*customer.Customer{
		"cust_1": {ID: "cust_1", ProjectID: "proj_1", Status: customer.StatusActive, EncryptedProviderCustomerID: encrypted},
	}}
	provider := &fakeProvider{result: &paymentprovider.ChargeResult{Status: paymentprovider.ChargeFailed, FailureReason: "card_declined"}}

	b := NewBiller(subs, customers, provider, box, testLogger(t))
	out, err := b.Invoice(context.Background(), "sub_1")
	require.NoError(t, err)
	require.True(t, out.Subscription.RequiredPaymentMethod)
	require.Equal(t, "cus_provider_123", provider.lastReq.ProviderCustomerID)
	require.True(t, provider.lastReq.Amount.Equal(decimal.RequireFromString("49.99")))
	require.Equal(t, "usd", provider.lastReq.Currency)
}

func TestBiller_InvoiceDefaultsToZeroAmountWithoutMetadata(t *testing.T) {
	box := testBox(t)
	encrypted, err := box.Encrypt("cus_provider_456")
	require.NoError(t, err)

	subs := newFakeSubStore()
	sub := &subscription.Subscription{
		ID: "sub_1", ProjectID: "proj_1", CustomerID: "cust_1",
		CurrentPeriodStart: time.Now(),
		BaseModel:          types.BaseModel{TenantID: "proj_1", Status: types.StatusPublished},
	}
	require.NoError(t, subs.Save(context.Background(), sub))

	customers := &fakeCustomerStore{customers: map[string]*customer.Customer{
		"cust_1": {ID: "cust_1", ProjectID: "proj_1", Status: customer.StatusActive, EncryptedProviderCustomerID: encrypted},
	}}
	provider := &fakeProvider{result: &paymentprovider.ChargeResult{Status: paymentprovider.ChargeSucceeded}}

	b := NewBiller(subs, customers, provider, box, testLogger(t))
	out, err := b.Invoice(context.Background(), "sub_1")
	require.NoError(t, err)
	require.False(t, out.Subscription.RequiredPaymentMethod)
	require.True(t, provider.lastReq.Amount.IsZero())
	require.Equal(t, "usd", provider.lastReq.Currency)
}
