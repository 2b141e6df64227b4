package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const defaultCardTimeout = 15 * time.Second

type cardRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// CardProviderConfig configures the CardProvider. Credentials arrive through
// this struct at startup; the adapter never reads process environment.
type CardProviderConfig struct {
	APIKey  string
	Timeout time.Duration
	Logger  Logger
	// Refunds overrides the Stripe refund client, used by tests.
	Refunds cardRefundAPI
}

// CardProvider refunds card payments through the processor's payment-intent
// API. The recorded payment reference is the intent identifier.
type CardProvider struct {
	refunds cardRefundAPI
	timeout time.Duration
	logger  Logger
}

// NewCardProvider constructs a card adapter from the given configuration.
// A missing API key is a configuration failure surfaced at startup, not at
// refund time.
func NewCardProvider(cfg CardProviderConfig) (*CardProvider, error) {
	refunds := cfg.Refunds
	if refunds == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("card: api key is required")
		}
		sc := client.New(apiKey, nil)
		refunds = sc.Refunds
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCardTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &CardProvider{
		refunds: refunds,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Refund issues a single refund against the payment intent named by
// req.PaymentRef. All failures, including timeouts, resolve to a failure
// outcome.
func (p *CardProvider) Refund(ctx context.Context, req RefundRequest) RefundOutcome {
	if p == nil {
		return Failure("card: provider not configured")
	}

	ref := strings.TrimSpace(req.PaymentRef)
	if ref == "" {
		return Failure(msgNoPaymentInfo)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := mapCardRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	refund, err := p.refunds.New(params)
	if err != nil {
		p.logger(ctx, "payments.card.refund.failed", map[string]any{
			"paymentIntent": ref,
			"error":         err.Error(),
		})
		return Failure(cardErrorMessage(err))
	}
	if refund == nil || refund.ID == "" {
		p.logger(ctx, "payments.card.refund.failed", map[string]any{
			"paymentIntent": ref,
			"error":         "missing refund id",
		})
		return Failure("card: provider returned no refund id")
	}

	p.logger(ctx, "payments.card.refund.succeeded", map[string]any{
		"paymentIntent": ref,
		"refundId":      refund.ID,
	})

	return RefundOutcome{Success: true, RefundID: refund.ID}
}

// cardErrorMessage prefers the processor's human-readable message over the
// raw wrapped error.
func cardErrorMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && strings.TrimSpace(stripeErr.Msg) != "" {
		return stripeErr.Msg
	}
	return err.Error()
}

func mapCardRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
