package paymentprovider

import (
	"context"

	"golang.org/x/time/rate"

	ierr "github.com/flowbill/entitlements/internal/errors"
)

// outboundLimiter throttles calls to a payment provider's API so a
// burst of charges/refunds/customer creations from this process can't
// trip the provider's own per-key rate limit. go-retryablehttp already
// retries transient failures including 429s, but retrying into a rate
// limit just wastes the retry budget; self-limiting the outbound rate
// avoids hitting it in the first place.
type outboundLimiter struct {
	limiter *rate.Limiter
}

// newOutboundLimiter allows perSecond outbound calls per second on
// average, with bursts of up to burst calls, matching
// the conservative per-key limits Stripe and Chargebee both publish
// for standard API keys.
func newOutboundLimiter(perSecond float64, burst int) *outboundLimiter {
	return &outboundLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *outboundLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return ierr.WithError(err).WithHint("payment provider rate limit wait failed").Mark(ierr.ErrSystem)
	}
	return nil
}
