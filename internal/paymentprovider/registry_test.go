package paymentprovider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/logger"
)

func TestNew_UnknownProviderFails(t *testing.T) {
	cfg := &config.Configuration{}
	cfg.PaymentProvider.Default = "paypal"

	_, err := New(cfg, logger.GetLogger())
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNew_MissingStripeKeyFails(t *testing.T) {
	cfg := &config.Configuration{}
	cfg.PaymentProvider.Default = "stripe"

	_, err := New(cfg, logger.GetLogger())
	require.Error(t, err)
}
