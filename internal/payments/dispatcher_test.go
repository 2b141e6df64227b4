package payments

import (
	"context"
	"testing"
)

type fakeProvider struct {
	outcome RefundOutcome
	lastReq RefundRequest
	calls   int
}

func (f *fakeProvider) Refund(_ context.Context, req RefundRequest) RefundOutcome {
	f.calls++
	f.lastReq = req
	return f.outcome
}

func TestDispatcherRoutesToRegisteredProvider(t *testing.T) {
	card := &fakeProvider{outcome: RefundOutcome{Success: true, RefundID: "re_1"}}
	wallet := &fakeProvider{outcome: Failure("should not be called")}
	dispatcher, err := NewDispatcher(map[string]Provider{
		"card":   card,
		"wallet": wallet,
	}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}

	outcome := dispatcher.ProcessRefund(context.Background(), RefundRequest{
		Provider:   "card",
		PaymentRef: "pi_123",
	})

	if !outcome.Success || outcome.RefundID != "re_1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if card.calls != 1 {
		t.Fatalf("expected one card call, got %d", card.calls)
	}
	if wallet.calls != 0 {
		t.Fatalf("expected no wallet call, got %d", wallet.calls)
	}
}

func TestDispatcherReturnsAdapterOutcomeVerbatim(t *testing.T) {
	card := &fakeProvider{outcome: Failure("card declined the refund")}
	dispatcher, err := NewDispatcher(map[string]Provider{"card": card}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}

	outcome := dispatcher.ProcessRefund(context.Background(), RefundRequest{
		Provider:   "card",
		PaymentRef: "pi_123",
	})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.Error != "card declined the refund" {
		t.Fatalf("unexpected error message: %q", outcome.Error)
	}
}

func TestDispatcherMissingPaymentInfo(t *testing.T) {
	card := &fakeProvider{outcome: RefundOutcome{Success: true}}
	dispatcher, err := NewDispatcher(map[string]Provider{"card": card}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}

	for name, req := range map[string]RefundRequest{
		"no provider":  {PaymentRef: "pi_123"},
		"no reference": {Provider: "card"},
		"neither":      {},
	} {
		outcome := dispatcher.ProcessRefund(context.Background(), req)
		if outcome.Success {
			t.Fatalf("%s: expected failure outcome", name)
		}
		if outcome.Error != msgNoPaymentInfo {
			t.Fatalf("%s: unexpected error message: %q", name, outcome.Error)
		}
	}
	if card.calls != 0 {
		t.Fatalf("expected no provider calls, got %d", card.calls)
	}
}

func TestDispatcherUnknownProvider(t *testing.T) {
	dispatcher, err := NewDispatcher(map[string]Provider{"card": &fakeProvider{}}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}

	outcome := dispatcher.ProcessRefund(context.Background(), RefundRequest{
		Provider:   "crypto",
		PaymentRef: "tx_1",
	})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.Error != `unknown payment provider "crypto"` {
		t.Fatalf("unexpected error message: %q", outcome.Error)
	}
}

func TestDispatcherNormalizesProviderKey(t *testing.T) {
	card := &fakeProvider{outcome: RefundOutcome{Success: true, RefundID: "re_1"}}
	dispatcher, err := NewDispatcher(map[string]Provider{"Card": card}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}

	outcome := dispatcher.ProcessRefund(context.Background(), RefundRequest{
		Provider:   " CARD ",
		PaymentRef: " pi_123 ",
	})

	if !outcome.Success {
		t.Fatalf("expected success, got failure: %s", outcome.Error)
	}
	if card.lastReq.Provider != "card" || card.lastReq.PaymentRef != "pi_123" {
		t.Fatalf("expected normalized request, got %+v", card.lastReq)
	}
}

func TestNewDispatcherRejectsEmptyRegistry(t *testing.T) {
	if _, err := NewDispatcher(nil, nil); err == nil {
		t.Fatal("expected error for empty registry")
	}
}
