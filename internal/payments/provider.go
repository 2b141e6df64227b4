package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message used when an order carries no provider or payment reference. This is
// a normal path for unpaid orders, not an exception.
const msgNoPaymentInfo = "no payment information available for refund"

// RefundRequest carries everything an adapter needs to return funds.
type RefundRequest struct {
	// Provider selects the adapter ("card", "wallet"). Empty means no payment
	// was ever initiated.
	Provider string
	// PaymentRef is the provider-side reference recorded at capture time: a
	// payment-intent id for card, an order-capture id for wallet.
	PaymentRef string
	// Reason is forwarded to providers that accept one.
	Reason string
	// IdempotencyKey guards against double refunds when a call is replayed.
	// Callers derive it from the order id.
	IdempotencyKey string
}

// RefundOutcome is the normalised result of a refund attempt. Adapters always
// resolve to an outcome; provider-side failures never surface as errors.
type RefundOutcome struct {
	Success  bool
	RefundID string
	Error    string
}

// Failure builds a failed outcome from a human-readable message.
func Failure(message string) RefundOutcome {
	return RefundOutcome{Success: false, Error: strings.TrimSpace(message)}
}

// Provider is the uniform refund capability each payment processor adapter
// implements. Implementations fail closed: network errors, non-2xx responses,
// and missing fields all fold into a failure outcome.
type Provider interface {
	Refund(ctx context.Context, req RefundRequest) RefundOutcome
}

// Logger defines the structured logging hook shared by payment adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// Dispatcher routes refund requests to the adapter registered for the order's
// payment provider. The lookup table is built once at startup.
type Dispatcher struct {
	providers map[string]Provider
	logger    Logger
}

// NewDispatcher constructs a Dispatcher over the supplied adapters, keyed by
// provider identifier.
func NewDispatcher(providers map[string]Provider, logger Logger) (*Dispatcher, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	table := make(map[string]Provider, len(providers))
	for key, provider := range providers {
		normalized := strings.TrimSpace(strings.ToLower(key))
		if normalized == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", key)
		}
		table[normalized] = provider
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Dispatcher{providers: table, logger: logger}, nil
}

// ProcessRefund resolves the adapter for req.Provider and returns its outcome
// verbatim. Missing payment information and unknown providers are reported as
// failure outcomes so callers can still proceed with cancellation.
func (d *Dispatcher) ProcessRefund(ctx context.Context, req RefundRequest) RefundOutcome {
	if d == nil {
		return Failure("refund dispatcher not configured")
	}

	provider := strings.TrimSpace(strings.ToLower(req.Provider))
	ref := strings.TrimSpace(req.PaymentRef)
	if provider == "" || ref == "" {
		return Failure(msgNoPaymentInfo)
	}

	adapter, ok := d.providers[provider]
	if !ok {
		d.logger(ctx, "payments.refund.unknown_provider", map[string]any{
			"provider": provider,
		})
		return Failure(fmt.Sprintf("unknown payment provider %q", provider))
	}

	req.Provider = provider
	req.PaymentRef = ref
	outcome := adapter.Refund(ctx, req)

	d.logger(ctx, "payments.refund.processed", map[string]any{
		"provider": provider,
		"success":  outcome.Success,
		"refundId": outcome.RefundID,
	})

	return outcome
}
