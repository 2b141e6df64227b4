package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/payments"
	"github.com/oakmere/storefront/internal/repositories"
)

type repoError struct {
	notFound bool
	conflict bool
}

func (e *repoError) Error() string       { return "repository error" }
func (e *repoError) IsNotFound() bool    { return e.notFound }
func (e *repoError) IsConflict() bool    { return e.conflict }
func (e *repoError) IsUnavailable() bool { return false }

type stubOrderRepository struct {
	orders map[string]domain.Order

	markCancelledErr error
	cancelCalls      int
	statusUpdates    []repositories.OrderStatusFieldUpdate
}

func newStubOrderRepository(orders ...domain.Order) *stubOrderRepository {
	repo := &stubOrderRepository{orders: map[string]domain.Order{}}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *stubOrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.orders[order.ID] = order
	return nil
}

func (r *stubOrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &repoError{notFound: true}
	}
	return order, nil
}

func (r *stubOrderRepository) List(_ context.Context, _ repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	page := domain.CursorPage[domain.Order]{}
	for _, order := range r.orders {
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r *stubOrderRepository) UpdateStatusField(_ context.Context, cmd repositories.OrderStatusFieldUpdate) error {
	order, ok := r.orders[cmd.OrderID]
	if !ok {
		return &repoError{notFound: true}
	}
	r.statusUpdates = append(r.statusUpdates, cmd)
	switch cmd.Field {
	case string(domain.StatusFieldOrder):
		order.Status = domain.OrderStatus(cmd.NewValue)
	case string(domain.StatusFieldPayment):
		order.PaymentStatus = domain.PaymentStatus(cmd.NewValue)
		if cmd.PaidAt != nil && order.PaidAt == nil {
			order.PaidAt = cmd.PaidAt
		}
	case string(domain.StatusFieldFulfillment):
		order.FulfillmentStatus = domain.FulfillmentStatus(cmd.NewValue)
	}
	order.UpdatedAt = cmd.UpdatedAt
	r.orders[cmd.OrderID] = order
	return nil
}

func (r *stubOrderRepository) MarkCancelled(_ context.Context, cmd repositories.OrderCancelUpdate) error {
	r.cancelCalls++
	if r.markCancelledErr != nil {
		return r.markCancelledErr
	}
	order, ok := r.orders[cmd.OrderID]
	if !ok {
		return &repoError{notFound: true}
	}
	if order.Status == domain.OrderStatusCancelled {
		return &repoError{conflict: true}
	}
	order.Status = domain.OrderStatusCancelled
	cancelledAt := cmd.CancelledAt
	order.CancelledAt = &cancelledAt
	order.UpdatedAt = cmd.CancelledAt
	r.orders[cmd.OrderID] = order
	return nil
}

func (r *stubOrderRepository) SetPaymentStatus(_ context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) error {
	order, ok := r.orders[orderID]
	if !ok {
		return &repoError{notFound: true}
	}
	order.PaymentStatus = status
	order.UpdatedAt = updatedAt
	r.orders[orderID] = order
	return nil
}

type stubHistoryRepository struct {
	entries []domain.StatusHistoryEntry
}

func (r *stubHistoryRepository) Append(_ context.Context, entry domain.StatusHistoryEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubHistoryRepository) ListByOrder(_ context.Context, orderID string, _ domain.Pagination) (domain.CursorPage[domain.StatusHistoryEntry], error) {
	page := domain.CursorPage[domain.StatusHistoryEntry]{}
	for _, entry := range r.entries {
		if entry.OrderID == orderID {
			page.Items = append(page.Items, entry)
		}
	}
	return page, nil
}

func (r *stubHistoryRepository) ListRefundRelevant(_ context.Context, orderID string, _ domain.Pagination) (domain.CursorPage[domain.StatusHistoryEntry], error) {
	page := domain.CursorPage[domain.StatusHistoryEntry]{}
	for _, entry := range r.entries {
		if entry.OrderID == orderID && (entry.NewValue == "refunded" || entry.NewValue == "cancelled") {
			page.Items = append(page.Items, entry)
		}
	}
	return page, nil
}

type stubDispatcher struct {
	outcome payments.RefundOutcome
	lastReq payments.RefundRequest
	calls   int
}

func (d *stubDispatcher) ProcessRefund(_ context.Context, req payments.RefundRequest) payments.RefundOutcome {
	d.calls++
	d.lastReq = req
	return d.outcome
}

var testClock = func() time.Time {
	return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
}

func newTestOrderService(t *testing.T, orders *stubOrderRepository, history *stubHistoryRepository, dispatcher *stubDispatcher) OrderService {
	t.Helper()
	var seq int
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:  orders,
		History: history,
		Refunds: dispatcher,
		Clock:   testClock,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("osh_%03d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService returned error: %v", err)
	}
	return svc
}

func paidCardOrder(id string) domain.Order {
	provider := domain.PaymentProviderCard
	ref := "pi_123"
	return domain.Order{
		ID:                id,
		OrderNumber:       "SO-2026-000041",
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPaid,
		FulfillmentStatus: domain.FulfillmentStatusUnfulfilled,
		PaymentProvider:   &provider,
		PaymentRef:        &ref,
		Total:             "49.90",
		Currency:          "EUR",
		CreatedAt:         testClock().Add(-time.Hour),
		UpdatedAt:         testClock().Add(-time.Hour),
	}
}

func TestCancelPaidOrderWithSuccessfulRefund(t *testing.T) {
	orders := newStubOrderRepository(paidCardOrder("O1"))
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.RefundOutcome{Success: true, RefundID: "re_1"}}
	svc := newTestOrderService(t, orders, history, dispatcher)

	result, err := svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "O1",
		Actor:   "admin@x",
		Reason:  "customer request",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if result.RefundOutcome == nil || !result.RefundOutcome.Success || result.RefundOutcome.RefundID != "re_1" {
		t.Fatalf("unexpected refund outcome: %+v", result.RefundOutcome)
	}
	if result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", result.Order.Status)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment status, got %s", result.Order.PaymentStatus)
	}
	if result.Order.CancelledAt == nil {
		t.Fatal("expected cancelled-at timestamp")
	}

	if dispatcher.calls != 1 {
		t.Fatalf("expected one refund call, got %d", dispatcher.calls)
	}
	if dispatcher.lastReq.Provider != "card" || dispatcher.lastReq.PaymentRef != "pi_123" {
		t.Fatalf("unexpected refund request: %+v", dispatcher.lastReq)
	}
	if dispatcher.lastReq.IdempotencyKey != "refund_O1" {
		t.Fatalf("unexpected idempotency key: %q", dispatcher.lastReq.IdempotencyKey)
	}

	if len(history.entries) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history.entries))
	}
	statusEntry := history.entries[0]
	if statusEntry.Field != domain.StatusFieldOrder || statusEntry.PreviousValue != "pending" || statusEntry.NewValue != "cancelled" {
		t.Fatalf("unexpected status entry: %+v", statusEntry)
	}
	if statusEntry.Reason != "customer request" || statusEntry.Actor != "admin@x" {
		t.Fatalf("unexpected status entry provenance: %+v", statusEntry)
	}
	paymentEntry := history.entries[1]
	if paymentEntry.Field != domain.StatusFieldPayment || paymentEntry.PreviousValue != "paid" || paymentEntry.NewValue != "refunded" {
		t.Fatalf("unexpected payment entry: %+v", paymentEntry)
	}
	if !strings.Contains(paymentEntry.Reason, "re_1") {
		t.Fatalf("expected refund id in payment entry reason, got %q", paymentEntry.Reason)
	}
}

func TestCancelPaidOrderWithFailedRefund(t *testing.T) {
	orders := newStubOrderRepository(paidCardOrder("O1"))
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.Failure("card declined")}
	svc := newTestOrderService(t, orders, history, dispatcher)

	result, err := svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "O1",
		Actor:   "admin@x",
		Reason:  "customer request",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if result.RefundOutcome == nil || result.RefundOutcome.Success {
		t.Fatalf("expected failed refund outcome, got %+v", result.RefundOutcome)
	}
	if result.RefundOutcome.Error != "card declined" {
		t.Fatalf("unexpected refund error: %q", result.RefundOutcome.Error)
	}
	if result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", result.Order.Status)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment status to stay paid, got %s", result.Order.PaymentStatus)
	}
	if len(history.entries) != 1 || history.entries[0].Field != domain.StatusFieldOrder {
		t.Fatalf("expected a single status entry, got %+v", history.entries)
	}
}

func TestCancelUnpaidOrderSkipsRefund(t *testing.T) {
	order := paidCardOrder("O2")
	order.PaymentStatus = domain.PaymentStatusPending
	order.PaymentProvider = nil
	order.PaymentRef = nil
	orders := newStubOrderRepository(order)
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.RefundOutcome{Success: true}}
	svc := newTestOrderService(t, orders, history, dispatcher)

	result, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "O2", Actor: "admin@x"})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if result.RefundOutcome != nil {
		t.Fatalf("expected no refund outcome, got %+v", result.RefundOutcome)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("expected no refund call, got %d", dispatcher.calls)
	}
	if len(history.entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history.entries))
	}
}

func TestCancelAlreadyCancelledOrder(t *testing.T) {
	order := paidCardOrder("O3")
	order.Status = domain.OrderStatusCancelled
	orders := newStubOrderRepository(order)
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{}
	svc := newTestOrderService(t, orders, history, dispatcher)

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "O3", Actor: "admin@x"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("expected no refund call, got %d", dispatcher.calls)
	}
	if len(history.entries) != 0 {
		t.Fatalf("expected no history entries, got %d", len(history.entries))
	}
}

func TestCancelLostRaceMapsToAlreadyCancelled(t *testing.T) {
	orders := newStubOrderRepository(paidCardOrder("O4"))
	orders.markCancelledErr = &repoError{conflict: true}
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.Failure("unused")}
	svc := newTestOrderService(t, orders, history, dispatcher)

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "O4", Actor: "admin@x"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestCancelMissingOrder(t *testing.T) {
	svc := newTestOrderService(t, newStubOrderRepository(), &stubHistoryRepository{}, &stubDispatcher{})

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ghost", Actor: "admin@x"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestUpdateStatusAppliesFulfillmentTransition(t *testing.T) {
	order := paidCardOrder("O5")
	order.Status = domain.OrderStatusProcessing
	orders := newStubOrderRepository(order)
	history := &stubHistoryRepository{}
	svc := newTestOrderService(t, orders, history, &stubDispatcher{})

	shipped := domain.OrderStatusShipped
	fulfilled := domain.FulfillmentStatusFulfilled
	result, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:           "O5",
		Status:            &shipped,
		FulfillmentStatus: &fulfilled,
		Actor:             "ops@x",
		Reason:            "carrier picked up",
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if result.Order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", result.Order.Status)
	}
	if result.Order.FulfillmentStatus != domain.FulfillmentStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", result.Order.FulfillmentStatus)
	}
	if len(history.entries) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history.entries))
	}
}

func TestUpdateStatusRejectsUnknownEnumValue(t *testing.T) {
	orders := newStubOrderRepository(paidCardOrder("O6"))
	svc := newTestOrderService(t, orders, &stubHistoryRepository{}, &stubDispatcher{})

	bogus := domain.OrderStatus("teleported")
	_, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "O6",
		Status:  &bogus,
		Actor:   "ops@x",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestUpdateStatusSetsPaidAtOnce(t *testing.T) {
	order := paidCardOrder("O7")
	order.PaymentStatus = domain.PaymentStatusPending
	orders := newStubOrderRepository(order)
	svc := newTestOrderService(t, orders, &stubHistoryRepository{}, &stubDispatcher{})

	paid := domain.PaymentStatusPaid
	result, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:       "O7",
		PaymentStatus: &paid,
		Actor:         "ops@x",
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if result.Order.PaidAt == nil || !result.Order.PaidAt.Equal(testClock()) {
		t.Fatalf("expected paid-at to be set, got %v", result.Order.PaidAt)
	}

	if len(orders.statusUpdates) != 1 || orders.statusUpdates[0].PaidAt == nil {
		t.Fatalf("expected guarded payment update with paid-at, got %+v", orders.statusUpdates)
	}
}

func TestUpdateStatusDelegatesCancellation(t *testing.T) {
	orders := newStubOrderRepository(paidCardOrder("O8"))
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.RefundOutcome{Success: true, RefundID: "re_9"}}
	svc := newTestOrderService(t, orders, history, dispatcher)

	cancelled := domain.OrderStatusCancelled
	result, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "O8",
		Status:  &cancelled,
		Actor:   "admin@x",
		Reason:  "fraud review",
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected refund dispatch through cancellation path, got %d calls", dispatcher.calls)
	}
	if result.RefundOutcome == nil || result.RefundOutcome.RefundID != "re_9" {
		t.Fatalf("unexpected refund outcome: %+v", result.RefundOutcome)
	}
	if result.Order.Status != domain.OrderStatusCancelled || result.Order.CancelledAt == nil {
		t.Fatalf("expected cancellation side effects, got %+v", result.Order)
	}
	if len(history.entries) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history.entries))
	}
}

func TestUpdateStatusNoChangesIsNoop(t *testing.T) {
	order := paidCardOrder("O9")
	orders := newStubOrderRepository(order)
	history := &stubHistoryRepository{}
	svc := newTestOrderService(t, orders, history, &stubDispatcher{})

	pending := domain.OrderStatusPending
	result, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "O9",
		Status:  &pending,
		Actor:   "ops@x",
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if len(history.entries) != 0 {
		t.Fatalf("expected no history entries, got %d", len(history.entries))
	}
	if result.Order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order: %+v", result.Order)
	}
}

func TestRetryRefundSucceeds(t *testing.T) {
	order := paidCardOrder("O10")
	order.Status = domain.OrderStatusCancelled
	orders := newStubOrderRepository(order)
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.RefundOutcome{Success: true, RefundID: "re_77"}}
	svc := newTestOrderService(t, orders, history, dispatcher)

	outcome, err := svc.RetryRefund(context.Background(), RetryRefundCommand{OrderID: "O10", Actor: "admin@x"})
	if err != nil {
		t.Fatalf("RetryRefund returned error: %v", err)
	}
	if !outcome.Success || outcome.RefundID != "re_77" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	stored := orders.orders["O10"]
	if stored.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment status, got %s", stored.PaymentStatus)
	}
	if len(history.entries) != 1 || !strings.Contains(history.entries[0].Reason, "re_77") {
		t.Fatalf("expected payment entry with refund id, got %+v", history.entries)
	}
}

func TestRetryRefundFailureLeavesStateUntouched(t *testing.T) {
	order := paidCardOrder("O11")
	order.Status = domain.OrderStatusCancelled
	orders := newStubOrderRepository(order)
	history := &stubHistoryRepository{}
	dispatcher := &stubDispatcher{outcome: payments.Failure("provider unreachable")}
	svc := newTestOrderService(t, orders, history, dispatcher)

	outcome, err := svc.RetryRefund(context.Background(), RetryRefundCommand{OrderID: "O11", Actor: "admin@x"})
	if err != nil {
		t.Fatalf("RetryRefund returned error: %v", err)
	}
	if outcome.Success || outcome.Error != "provider unreachable" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if orders.orders["O11"].PaymentStatus != domain.PaymentStatusPaid {
		t.Fatal("expected payment status to stay paid")
	}
	if len(history.entries) != 0 {
		t.Fatalf("expected no history entries, got %d", len(history.entries))
	}
}

func TestRetryRefundRequiresCancelledOrder(t *testing.T) {
	orders := newStubOrderRepository(paidCardOrder("O12"))
	svc := newTestOrderService(t, orders, &stubHistoryRepository{}, &stubDispatcher{})

	_, err := svc.RetryRefund(context.Background(), RetryRefundCommand{OrderID: "O12", Actor: "admin@x"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestRetryRefundRejectsAlreadyRefunded(t *testing.T) {
	order := paidCardOrder("O13")
	order.Status = domain.OrderStatusCancelled
	order.PaymentStatus = domain.PaymentStatusRefunded
	orders := newStubOrderRepository(order)
	svc := newTestOrderService(t, orders, &stubHistoryRepository{}, &stubDispatcher{})

	_, err := svc.RetryRefund(context.Background(), RetryRefundCommand{OrderID: "O13", Actor: "admin@x"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}
