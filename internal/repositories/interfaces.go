package repositories

import (
	"context"
	"time"

	domain "github.com/oakmere/storefront/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	StatusHistory() StatusHistoryRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers and provides query helpers for admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdateStatusField sets a single status column. The write fails with a
	// conflict error when the stored value no longer matches expected.
	UpdateStatusField(ctx context.Context, cmd OrderStatusFieldUpdate) error
	// MarkCancelled claims the order for cancellation. The update is guarded
	// so that an order already cancelled yields a conflict error instead of a
	// second write.
	MarkCancelled(ctx context.Context, cmd OrderCancelUpdate) error
	// SetPaymentStatus records the payment outcome of a refund attempt.
	SetPaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) error
}

// OrderStatusFieldUpdate names one status column and its transition.
type OrderStatusFieldUpdate struct {
	OrderID   string
	Field     string
	Expected  string
	NewValue  string
	UpdatedAt time.Time
	// PaidAt, when set, records the first capture time. An already-set
	// paid_at column is never overwritten.
	PaidAt *time.Time
}

// OrderCancelUpdate carries the fields written when an order is cancelled.
type OrderCancelUpdate struct {
	OrderID     string
	CancelledAt time.Time
}

// StatusHistoryRepository persists the append-only status audit trail. Entries
// are never updated or deleted.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.StatusHistoryEntry) error
	ListByOrder(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.StatusHistoryEntry], error)
	// ListRefundRelevant returns only entries whose new value is "refunded" or
	// "cancelled", newest first.
	ListRefundRelevant(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.StatusHistoryEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter controls admin order listings.
type OrderListFilter struct {
	Status     []string
	Provider   string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
