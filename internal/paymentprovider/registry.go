package paymentprovider

import (
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/logger"
)

// New builds the Provider named by cfg.PaymentProvider.Default.
func New(cfg *config.Configuration, log *logger.Logger) (Provider, error) {
	switch cfg.PaymentProvider.Default {
	case "stripe", "":
		return NewStripeProvider(cfg, log)
	case "chargebee":
		return NewChargebeeProvider(cfg, log)
	default:
		return nil, ErrUnknownProvider
	}
}
