package paymentprovider

import (
	"context"

	chargebee "github.com/chargebee/chargebee-go/v3"
	"github.com/chargebee/chargebee-go/v3/actions/customer"
	"github.com/chargebee/chargebee-go/v3/actions/transaction"
	"github.com/shopspring/decimal"

	"github.com/flowbill/entitlements/internal/config"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
)

// ChargebeeProvider adapts chargebee-go to Provider.
type ChargebeeProvider struct {
	site    string
	limiter *outboundLimiter
	log     *logger.Logger
}

// chargebeeRatePerSecond and chargebeeRateBurst follow Chargebee's
// published default limit of 100 requests/minute for standard plans.
const (
	chargebeeRatePerSecond = 1.5
	chargebeeRateBurst     = 10
)

// NewChargebeeProvider configures the process-wide chargebee client
// (the SDK is configured globally by site, not per-instance) and
// returns an adapter bound to it.
func NewChargebeeProvider(cfg *config.Configuration, log *logger.Logger) (*ChargebeeProvider, error) {
	if cfg.PaymentProvider.Chargebee.Site == "" || cfg.PaymentProvider.Chargebee.APIKey == "" {
		return nil, ierr.NewError("chargebee site/api key not configured").Mark(ierr.ErrValidation)
	}

	chargebee.Configure(cfg.PaymentProvider.Chargebee.APIKey, cfg.PaymentProvider.Chargebee.Site)
	return &ChargebeeProvider{
		site:    cfg.PaymentProvider.Chargebee.Site,
		limiter: newOutboundLimiter(chargebeeRatePerSecond, chargebeeRateBurst),
		log:     log,
	}, nil
}

func (p *ChargebeeProvider) Name() string { return "chargebee" }

func (p *ChargebeeProvider) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*CustomerRef, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return nil, err
	}

	result, err := customer.Create(&customer.CreateRequestParams{
		Email: email,
	}).Request(ctx)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("chargebee customer creation failed").Mark(ierr.ErrSystem)
	}

	return &CustomerRef{ProviderCustomerID: result.Customer.Id, Email: email}, nil
}

func (p *ChargebeeProvider) ChargeInvoice(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return nil, err
	}

	amountMinor := req.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	result, err := transaction.RecordPayment(req.InvoiceID, &transaction.RecordPaymentInvoiceRequestParams{
		Transaction: &transaction.RecordPaymentInvoiceTransactionParams{
			Amount: amountMinor,
		},
	}).Request(ctx)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("chargebee charge failed").Mark(ierr.ErrSystem)
	}

	return &ChargeResult{
		ProviderChargeID: result.Transaction.Id,
		Status:           chargebeeStatusToChargeStatus(string(result.Transaction.Status)),
	}, nil
}

func (p *ChargebeeProvider) RefundCharge(ctx context.Context, providerChargeID string, amount decimal.Decimal) error {
	if err := p.limiter.wait(ctx); err != nil {
		return err
	}

	amountMinor := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	_, err := transaction.Refund(providerChargeID, &transaction.RefundTransactionRequestParams{
		Amount: amountMinor,
	}).Request(ctx)
	if err != nil {
		return ierr.WithError(err).WithHint("chargebee refund failed").Mark(ierr.ErrSystem)
	}
	return nil
}

func chargebeeStatusToChargeStatus(s string) ChargeStatus {
	switch s {
	case "success":
		return ChargeSucceeded
	case "in_progress":
		return ChargePending
	default:
		return ChargeFailed
	}
}
