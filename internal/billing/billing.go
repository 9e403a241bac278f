// Package billing supplies the concrete billing-side effects the
// Temporal workflow activities invoke: advancing a subscription's
// billing period and charging its customer through the configured
// payment provider. This is the "real deployment" wiring the workflow
// package's Renewer/Invoicer doc comments describe; tests exercise the
// machine itself against fakes instead.
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowbill/entitlements/internal/crypto"
	"github.com/flowbill/entitlements/internal/domain/customer"
	"github.com/flowbill/entitlements/internal/domain/subscription"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/paymentprovider"
	"github.com/flowbill/entitlements/internal/types"
	"github.com/flowbill/entitlements/internal/workflow"
)

// SubscriptionStore is the subset of service.SubscriptionRepository the
// billing activities need.
type SubscriptionStore interface {
	Get(ctx context.Context, subscriptionID string) (*subscription.Subscription, error)
	Save(ctx context.Context, sub *subscription.Subscription) error
}

// CustomerStore is the subset of service.CustomerRepository the billing
// activities need to resolve the payment-provider customer reference.
type CustomerStore interface {
	Get(ctx context.Context, projectID, customerID string) (*customer.Customer, error)
}

// Biller implements the Renew/Invoice callbacks internal/workflow.Activities
// invokes from inside a running Temporal workflow.
type Biller struct {
	subs      SubscriptionStore
	customers CustomerStore
	provider  paymentprovider.Provider
	box       *crypto.Box
	log       *logger.Logger
	nowFn     func() time.Time
}

func NewBiller(subs SubscriptionStore, customers CustomerStore, provider paymentprovider.Provider, box *crypto.Box, log *logger.Logger) *Biller {
	return &Biller{subs: subs, customers: customers, provider: provider, box: box, log: log, nowFn: time.Now}
}

// Renew advances the subscription's billing period by one reset cycle
// anchored on its own start date. Satisfies workflow.Renewer.
func (b *Biller) Renew(ctx context.Context, subscriptionID string) (*workflow.RenewOutput, error) {
	sub, err := b.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	loc, err := sub.Location()
	if err != nil {
		return nil, err
	}

	next, err := types.NextResetDate(sub.CurrentPeriodEnd.In(loc), sub.StartDate.In(loc), sub.ResetConfig)
	if err != nil {
		return nil, err
	}

	sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = next
	sub.Version++

	if err := b.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	b.log.Infow("renewed subscription period", "subscription_id", sub.ID, "period_end", sub.CurrentPeriodEnd)
	return &workflow.RenewOutput{Subscription: sub}, nil
}

// Invoice charges the subscription's customer through the payment
// provider for the period that just closed. A declined/failed charge
// is reported back on the subscription, not returned as an error —
// the subscription machine's own guards decide whether that means
// past_due or cancellation; only a transport-level failure to reach
// the provider is an error here.
func (b *Biller) Invoice(ctx context.Context, subscriptionID string) (*workflow.InvoiceOutput, error) {
	sub, err := b.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	cust, err := b.customers.Get(ctx, sub.ProjectID, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	providerCustomerID, err := b.box.Decrypt(cust.EncryptedProviderCustomerID)
	if err != nil {
		return nil, err
	}

	amount := invoiceAmount(sub)
	result, err := b.provider.ChargeInvoice(ctx, paymentprovider.ChargeRequest{
		ProviderCustomerID: providerCustomerID,
		Amount:             amount,
		Currency:           invoiceCurrency(sub),
		InvoiceID:          sub.ID + ":" + sub.CurrentPeriodStart.Format(time.RFC3339),
		IdempotenceKey:     sub.ID + ":" + sub.CurrentPeriodStart.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	if result.Status != paymentprovider.ChargeSucceeded {
		b.log.Warnw("invoice charge did not succeed", "subscription_id", sub.ID,
			"status", result.Status, "failure_reason", result.FailureReason)
		sub.RequiredPaymentMethod = true
	}

	sub.Version++
	if err := b.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	return &workflow.InvoiceOutput{Subscription: sub}, nil
}

// invoiceAmount reads the period charge from metadata, since no plan
// pricing model is built in this tree; subscriptions created without
// an "amount" entry invoice for zero, which still exercises the
// charge/idempotence path end to end.
func invoiceAmount(sub *subscription.Subscription) decimal.Decimal {
	raw, ok := sub.Metadata["amount"]
	if !ok {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func invoiceCurrency(sub *subscription.Subscription) string {
	if c, ok := sub.Metadata["currency"]; ok && c != "" {
		return c
	}
	return "usd"
}
