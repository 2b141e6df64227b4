package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/payments"
	"github.com/oakmere/storefront/internal/repositories"
)

const (
	historyIDPrefix = "osh_"

	// DefaultActor is recorded when the caller supplies no actor identity.
	DefaultActor = "system"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates the order changed concurrently.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	History     repositories.StatusHistoryRepository
	UnitOfWork  repositories.UnitOfWork
	Refunds     RefundDispatcher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	history    repositories.StatusHistoryRepository
	unitOfWork repositories.UnitOfWork
	refunds    RefundDispatcher
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: status history repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("order service: refund dispatcher is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return historyIDPrefix + ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		unitOfWork: unit,
		refunds:    deps.Refunds,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Cancel moves the order to its terminal cancelled state. When the order was
// paid and carries a payment reference, the refund is attempted first; a
// failed refund is reported in the result but does not block cancellation.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (CancellationResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return CancellationResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actor := normalizeActor(cmd.Actor)
	reason := strings.TrimSpace(cmd.Reason)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return CancellationResult{}, s.mapRepositoryError(err)
	}
	if order.Status == domain.OrderStatusCancelled {
		return CancellationResult{}, fmt.Errorf("%w: order is already cancelled", ErrOrderInvalidState)
	}

	// The refund is an external side effect that cannot be rolled back, so it
	// runs before any storage write. The idempotency key shields a replay.
	var refundOutcome *RefundOutcome
	if order.PaymentStatus == domain.PaymentStatusPaid && derefString(order.PaymentRef) != "" {
		outcome := s.refunds.ProcessRefund(ctx, payments.RefundRequest{
			Provider:       derefString(order.PaymentProvider),
			PaymentRef:     derefString(order.PaymentRef),
			Reason:         reason,
			IdempotencyKey: refundIdempotencyKey(orderID),
		})
		refundOutcome = &outcome
		if !outcome.Success {
			s.logger(ctx, "order.cancel.refund_failed", map[string]any{
				"orderId": orderID,
				"error":   outcome.Error,
			})
		}
	}

	now := s.clock()
	prevStatus := order.Status
	prevPayment := order.PaymentStatus

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		// The guarded update makes concurrent cancellations race safely: the
		// loser sees a conflict here instead of writing a duplicate trail.
		if err := s.orders.MarkCancelled(txCtx, repositories.OrderCancelUpdate{
			OrderID:     orderID,
			CancelledAt: now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}

		if err := s.history.Append(txCtx, domain.StatusHistoryEntry{
			ID:            s.newID(),
			OrderID:       orderID,
			Field:         domain.StatusFieldOrder,
			PreviousValue: string(prevStatus),
			NewValue:      string(domain.OrderStatusCancelled),
			Actor:         actor,
			Reason:        reason,
			CreatedAt:     now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}

		if refundOutcome != nil && refundOutcome.Success {
			if err := s.orders.SetPaymentStatus(txCtx, orderID, domain.PaymentStatusRefunded, now); err != nil {
				return s.mapRepositoryError(err)
			}
			if err := s.history.Append(txCtx, domain.StatusHistoryEntry{
				ID:            s.newID(),
				OrderID:       orderID,
				Field:         domain.StatusFieldPayment,
				PreviousValue: string(prevPayment),
				NewValue:      string(domain.PaymentStatusRefunded),
				Actor:         actor,
				Reason:        refundReason(refundOutcome.RefundID),
				CreatedAt:     now,
			}); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderConflict) {
			return CancellationResult{}, fmt.Errorf("%w: order is already cancelled", ErrOrderInvalidState)
		}
		return CancellationResult{}, err
	}

	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	if refundOutcome != nil && refundOutcome.Success {
		order.PaymentStatus = domain.PaymentStatusRefunded
	}

	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId":         orderID,
		"previousStatus":  string(prevStatus),
		"actor":           actor,
		"refundAttempted": refundOutcome != nil,
	})

	return CancellationResult{Order: order, RefundOutcome: refundOutcome}, nil
}

// UpdateStatus applies the proposed field values. A proposed order status of
// "cancelled" is routed through Cancel so refund handling is never bypassed.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (UpdateStatusResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return UpdateStatusResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Status == nil && cmd.PaymentStatus == nil && cmd.FulfillmentStatus == nil {
		return UpdateStatusResult{}, fmt.Errorf("%w: at least one status field is required", ErrOrderInvalidInput)
	}
	if cmd.Status != nil && !cmd.Status.Valid() {
		return UpdateStatusResult{}, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, *cmd.Status)
	}
	if cmd.PaymentStatus != nil && !cmd.PaymentStatus.Valid() {
		return UpdateStatusResult{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, *cmd.PaymentStatus)
	}
	if cmd.FulfillmentStatus != nil && !cmd.FulfillmentStatus.Valid() {
		return UpdateStatusResult{}, fmt.Errorf("%w: unknown fulfillment status %q", ErrOrderInvalidInput, *cmd.FulfillmentStatus)
	}
	actor := normalizeActor(cmd.Actor)
	reason := strings.TrimSpace(cmd.Reason)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return UpdateStatusResult{}, s.mapRepositoryError(err)
	}

	result := UpdateStatusResult{Order: order}
	if cmd.Status != nil && *cmd.Status == domain.OrderStatusCancelled && order.Status != domain.OrderStatusCancelled {
		cancellation, err := s.Cancel(ctx, CancelOrderCommand{OrderID: orderID, Actor: actor, Reason: reason})
		if err != nil {
			return UpdateStatusResult{}, err
		}
		result.Order = cancellation.Order
		result.RefundOutcome = cancellation.RefundOutcome
		order = cancellation.Order
	}

	type transition struct {
		field    domain.StatusField
		previous string
		next     string
		paidAt   *time.Time
	}
	now := s.clock()
	var transitions []transition

	if cmd.Status != nil && *cmd.Status != domain.OrderStatusCancelled && *cmd.Status != order.Status {
		transitions = append(transitions, transition{
			field:    domain.StatusFieldOrder,
			previous: string(order.Status),
			next:     string(*cmd.Status),
		})
	}
	if cmd.PaymentStatus != nil && *cmd.PaymentStatus != order.PaymentStatus {
		tr := transition{
			field:    domain.StatusFieldPayment,
			previous: string(order.PaymentStatus),
			next:     string(*cmd.PaymentStatus),
		}
		if *cmd.PaymentStatus == domain.PaymentStatusPaid && order.PaidAt == nil {
			tr.paidAt = &now
		}
		transitions = append(transitions, tr)
	}
	if cmd.FulfillmentStatus != nil && *cmd.FulfillmentStatus != order.FulfillmentStatus {
		transitions = append(transitions, transition{
			field:    domain.StatusFieldFulfillment,
			previous: string(order.FulfillmentStatus),
			next:     string(*cmd.FulfillmentStatus),
		})
	}
	if len(transitions) == 0 {
		return result, nil
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		for _, tr := range transitions {
			if err := s.orders.UpdateStatusField(txCtx, repositories.OrderStatusFieldUpdate{
				OrderID:   orderID,
				Field:     string(tr.field),
				Expected:  tr.previous,
				NewValue:  tr.next,
				UpdatedAt: now,
				PaidAt:    tr.paidAt,
			}); err != nil {
				return s.mapRepositoryError(err)
			}
			if err := s.history.Append(txCtx, domain.StatusHistoryEntry{
				ID:            s.newID(),
				OrderID:       orderID,
				Field:         tr.field,
				PreviousValue: tr.previous,
				NewValue:      tr.next,
				Actor:         actor,
				Reason:        reason,
				CreatedAt:     now,
			}); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		return nil
	})
	if err != nil {
		return UpdateStatusResult{}, err
	}

	for _, tr := range transitions {
		switch tr.field {
		case domain.StatusFieldOrder:
			order.Status = domain.OrderStatus(tr.next)
		case domain.StatusFieldPayment:
			order.PaymentStatus = domain.PaymentStatus(tr.next)
			if tr.paidAt != nil {
				order.PaidAt = tr.paidAt
			}
		case domain.StatusFieldFulfillment:
			order.FulfillmentStatus = domain.FulfillmentStatus(tr.next)
		}
	}
	order.UpdatedAt = now
	result.Order = order

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId":     orderID,
		"actor":       actor,
		"transitions": len(transitions),
	})

	return result, nil
}

// RetryRefund re-attempts the refund of an already-cancelled order. It bypasses
// the cancellation state guard but still records the payment transition.
func (s *orderService) RetryRefund(ctx context.Context, cmd RetryRefundCommand) (RefundOutcome, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RefundOutcome{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actor := normalizeActor(cmd.Actor)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return RefundOutcome{}, s.mapRepositoryError(err)
	}
	if order.Status != domain.OrderStatusCancelled {
		return RefundOutcome{}, fmt.Errorf("%w: refund retry requires a cancelled order", ErrOrderInvalidState)
	}
	if order.PaymentStatus == domain.PaymentStatusRefunded {
		return RefundOutcome{}, fmt.Errorf("%w: order is already refunded", ErrOrderInvalidState)
	}

	outcome := s.refunds.ProcessRefund(ctx, payments.RefundRequest{
		Provider:       derefString(order.PaymentProvider),
		PaymentRef:     derefString(order.PaymentRef),
		Reason:         "refund retry",
		IdempotencyKey: refundIdempotencyKey(orderID),
	})
	if !outcome.Success {
		s.logger(ctx, "order.refund.retry_failed", map[string]any{
			"orderId": orderID,
			"actor":   actor,
			"error":   outcome.Error,
		})
		return outcome, nil
	}

	now := s.clock()
	prevPayment := order.PaymentStatus
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.SetPaymentStatus(txCtx, orderID, domain.PaymentStatusRefunded, now); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.mapRepositoryError(s.history.Append(txCtx, domain.StatusHistoryEntry{
			ID:            s.newID(),
			OrderID:       orderID,
			Field:         domain.StatusFieldPayment,
			PreviousValue: string(prevPayment),
			NewValue:      string(domain.PaymentStatusRefunded),
			Actor:         actor,
			Reason:        refundReason(outcome.RefundID),
			CreatedAt:     now,
		}))
	})
	if err != nil {
		return RefundOutcome{}, err
	}

	s.logger(ctx, "order.refund.retried", map[string]any{
		"orderId":  orderID,
		"actor":    actor,
		"refundId": outcome.RefundID,
	})

	return outcome, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

// refundReason synthesizes the payment-status entry reason so its provenance
// stays distinct from the caller-supplied cancellation reason.
func refundReason(refundID string) string {
	return fmt.Sprintf("Automatic refund on cancellation. Refund ID: %s", refundID)
}

func refundIdempotencyKey(orderID string) string {
	return "refund_" + orderID
}

func normalizeActor(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return DefaultActor
	}
	return actor
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
