package paymentprovider

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	"github.com/flowbill/entitlements/internal/config"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
)

// StripeProvider adapts stripe-go's client to Provider. The
// underlying HTTP client is a retryablehttp client so transient
// network failures (not application-level declines) are retried
// before the call is reported as failed.
type StripeProvider struct {
	client  *stripe.Client
	limiter *outboundLimiter
	log     *logger.Logger
}

// stripeRatePerSecond and stripeRateBurst follow Stripe's published
// default per-key limit of ~100 requests/second in live mode.
const (
	stripeRatePerSecond = 80
	stripeRateBurst     = 20
)

func newRetryableHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return rc.StandardClient()
}

// NewStripeProvider builds a StripeProvider from config.PaymentProvider.Stripe.
func NewStripeProvider(cfg *config.Configuration, log *logger.Logger) (*StripeProvider, error) {
	if cfg.PaymentProvider.Stripe.APIKey == "" {
		return nil, ierr.NewError("stripe api key not configured").Mark(ierr.ErrValidation)
	}

	client := stripe.NewClient(cfg.PaymentProvider.Stripe.APIKey,
		stripe.WithHTTPClient(newRetryableHTTPClient()))

	return &StripeProvider{
		client:  client,
		limiter: newOutboundLimiter(stripeRatePerSecond, stripeRateBurst),
		log:     log,
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*CustomerRef, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return nil, err
	}

	params := &stripe.CustomerCreateParams{
		Email: stripe.String(email),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	cust, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("stripe customer creation failed").Mark(ierr.ErrSystem)
	}

	return &CustomerRef{ProviderCustomerID: cust.ID, Email: email}, nil
}

func (p *StripeProvider) ChargeInvoice(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return nil, err
	}

	amountMinor := req.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(req.Currency),
		Customer: stripe.String(req.ProviderCustomerID),
		Confirm:  stripe.Bool(true),
	}
	params.SetIdempotencyKey(req.IdempotenceKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("stripe charge failed").Mark(ierr.ErrSystem)
	}

	return &ChargeResult{
		ProviderChargeID: intent.ID,
		Status:           stripeStatusToChargeStatus(string(intent.Status)),
	}, nil
}

func (p *StripeProvider) RefundCharge(ctx context.Context, providerChargeID string, amount decimal.Decimal) error {
	if err := p.limiter.wait(ctx); err != nil {
		return err
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(providerChargeID),
		Amount:        stripe.Int64(amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()),
	}
	if _, err := p.client.V1Refunds.Create(ctx, params); err != nil {
		return ierr.WithError(err).WithHint("stripe refund failed").Mark(ierr.ErrSystem)
	}
	return nil
}

func stripeStatusToChargeStatus(s string) ChargeStatus {
	switch s {
	case "succeeded":
		return ChargeSucceeded
	case "requires_action", "requires_confirmation":
		return ChargeRequiresAction
	case "processing":
		return ChargePending
	default:
		return ChargeFailed
	}
}
