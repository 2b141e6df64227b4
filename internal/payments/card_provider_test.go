package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubRefundAPI struct {
	refund *stripe.Refund
	err    error
	params *stripe.RefundParams
	calls  int
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.calls++
	s.params = params
	return s.refund, s.err
}

func TestCardProviderRefundSuccess(t *testing.T) {
	api := &stubRefundAPI{refund: &stripe.Refund{ID: "re_1"}}
	provider, err := NewCardProvider(CardProviderConfig{Refunds: api})
	if err != nil {
		t.Fatalf("NewCardProvider returned error: %v", err)
	}

	outcome := provider.Refund(context.Background(), RefundRequest{
		Provider:       "card",
		PaymentRef:     "pi_123",
		IdempotencyKey: "order-O1-refund",
	})

	if !outcome.Success {
		t.Fatalf("expected success, got failure: %s", outcome.Error)
	}
	if outcome.RefundID != "re_1" {
		t.Fatalf("expected refund id re_1, got %q", outcome.RefundID)
	}
	if api.calls != 1 {
		t.Fatalf("expected one refund call, got %d", api.calls)
	}
	if got := stripe.StringValue(api.params.PaymentIntent); got != "pi_123" {
		t.Fatalf("expected payment intent pi_123, got %q", got)
	}
}

func TestCardProviderRefundDeclined(t *testing.T) {
	api := &stubRefundAPI{err: &stripe.Error{Msg: "charge has already been refunded"}}
	provider, err := NewCardProvider(CardProviderConfig{Refunds: api})
	if err != nil {
		t.Fatalf("NewCardProvider returned error: %v", err)
	}

	outcome := provider.Refund(context.Background(), RefundRequest{PaymentRef: "pi_123"})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.Error != "charge has already been refunded" {
		t.Fatalf("unexpected error message: %q", outcome.Error)
	}
}

func TestCardProviderRefundTransportError(t *testing.T) {
	api := &stubRefundAPI{err: errors.New("connection reset")}
	provider, err := NewCardProvider(CardProviderConfig{Refunds: api})
	if err != nil {
		t.Fatalf("NewCardProvider returned error: %v", err)
	}

	outcome := provider.Refund(context.Background(), RefundRequest{PaymentRef: "pi_123"})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.Error != "connection reset" {
		t.Fatalf("unexpected error message: %q", outcome.Error)
	}
}

func TestCardProviderRefundMissingReference(t *testing.T) {
	api := &stubRefundAPI{refund: &stripe.Refund{ID: "re_1"}}
	provider, err := NewCardProvider(CardProviderConfig{Refunds: api})
	if err != nil {
		t.Fatalf("NewCardProvider returned error: %v", err)
	}

	outcome := provider.Refund(context.Background(), RefundRequest{PaymentRef: "   "})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.Error != msgNoPaymentInfo {
		t.Fatalf("unexpected error message: %q", outcome.Error)
	}
	if api.calls != 0 {
		t.Fatalf("expected no refund call, got %d", api.calls)
	}
}

func TestNewCardProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewCardProvider(CardProviderConfig{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
