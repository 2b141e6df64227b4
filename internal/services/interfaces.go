package services

import (
	"context"

	domain "github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/payments"
	"github.com/oakmere/storefront/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderLineItem      = domain.OrderLineItem
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	FulfillmentStatus  = domain.FulfillmentStatus
	StatusField        = domain.StatusField
	StatusHistoryEntry = domain.StatusHistoryEntry
	SystemHealthReport = domain.SystemHealthReport

	RefundOutcome = payments.RefundOutcome

	OrderListFilter = repositories.OrderListFilter
)

// RefundDispatcher resolves the payment adapter for an order and returns the
// refund outcome. Provider-side failures surface as outcomes, never errors.
type RefundDispatcher interface {
	ProcessRefund(ctx context.Context, req payments.RefundRequest) payments.RefundOutcome
}

// OrderService orchestrates order cancellation, status transitions, and refund retries.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (CancellationResult, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (UpdateStatusResult, error)
	RetryRefund(ctx context.Context, cmd RetryRefundCommand) (RefundOutcome, error)
}

// StatusHistoryService provides read access to the append-only audit trail.
type StatusHistoryService interface {
	ListForOrder(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[StatusHistoryEntry], error)
	ListRefundRelevant(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[StatusHistoryEntry], error)
}

// SystemService surfaces operational health for monitoring endpoints.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
}

// CancelOrderCommand identifies the order to cancel and who asked for it.
type CancelOrderCommand struct {
	OrderID string
	Actor   string
	Reason  string
}

// CancellationResult reports the cancelled order together with the refund
// outcome. RefundOutcome is nil when no refund was attempted, which is the
// normal case for unpaid orders.
type CancellationResult struct {
	Order         Order
	RefundOutcome *RefundOutcome
}

// UpdateOrderStatusCommand proposes new values for any subset of the three
// status fields. Nil fields are left untouched.
type UpdateOrderStatusCommand struct {
	OrderID           string
	Status            *OrderStatus
	PaymentStatus     *PaymentStatus
	FulfillmentStatus *FulfillmentStatus
	Actor             string
	Reason            string
}

// UpdateStatusResult reports the updated order. RefundOutcome is set only when
// the proposed order status was "cancelled" and the update was routed through
// the cancellation path.
type UpdateStatusResult struct {
	Order         Order
	RefundOutcome *RefundOutcome
}

// RetryRefundCommand re-attempts the refund of a cancelled order whose
// original refund failed.
type RetryRefundCommand struct {
	OrderID string
	Actor   string
}
