// Package paymentprovider abstracts the payment-provider bridging the
// CustomerService façade needs during sign-up and plan changes: create
// a customer on the provider's side, charge an invoice, refund a
// charge. Stripe and Chargebee each get a thin adapter over the
// abstract Provider interface; the one a process uses is picked from
// PaymentProvider.Default in configuration, not at compile time.
package paymentprovider

import (
	"context"

	"github.com/shopspring/decimal"

	ierr "github.com/flowbill/entitlements/internal/errors"
)

// CustomerRef identifies a customer on the provider's side once
// created; ProviderCustomerID is opaque to callers.
type CustomerRef struct {
	ProviderCustomerID string
	Email              string
}

// ChargeRequest is one attempt to collect payment for an invoice.
type ChargeRequest struct {
	ProviderCustomerID string
	Amount             decimal.Decimal
	Currency           string
	InvoiceID          string
	IdempotenceKey     string
	Metadata           map[string]string
}

// ChargeResult reports what the provider did with a ChargeRequest.
// Status mirrors the provider's own lifecycle (succeeded, pending,
// requires_action, failed) rather than collapsing to a bool, since a
// failed charge vs. one requiring 3DS step-up need different caller
// handling.
type ChargeResult struct {
	ProviderChargeID string
	Status           ChargeStatus
	FailureReason    string
}

type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargePending        ChargeStatus = "pending"
	ChargeRequiresAction ChargeStatus = "requires_action"
	ChargeFailed         ChargeStatus = "failed"
)

// Provider is the abstract payment-provider contract every adapter
// (Stripe, Chargebee) satisfies.
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*CustomerRef, error)
	ChargeInvoice(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	RefundCharge(ctx context.Context, providerChargeID string, amount decimal.Decimal) error
}

// ErrUnknownProvider is returned by New for an unconfigured provider name.
var ErrUnknownProvider = ierr.NewError("unknown payment provider").Mark(ierr.ErrValidation)
