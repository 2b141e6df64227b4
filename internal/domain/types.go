package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus tracks the fulfilment-pipeline stage of an order.
type OrderStatus string

const (
	// OrderStatusPending indicates the order is placed but not yet being worked.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus tracks the monetary state of an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no capture has completed yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the payment was captured.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the capture attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the captured amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// FulfillmentStatus tracks shipping completion independently of the other two enums.
type FulfillmentStatus string

const (
	// FulfillmentStatusUnfulfilled indicates no line item has shipped.
	FulfillmentStatusUnfulfilled FulfillmentStatus = "unfulfilled"
	// FulfillmentStatusPartial indicates some, but not all, line items shipped.
	FulfillmentStatusPartial FulfillmentStatus = "partial"
	// FulfillmentStatusFulfilled indicates every line item shipped.
	FulfillmentStatusFulfilled FulfillmentStatus = "fulfilled"
)

// Payment provider identifiers recorded on orders. The dispatcher treats anything
// outside this set as a failure outcome rather than an error.
const (
	PaymentProviderCard   = "card"
	PaymentProviderWallet = "wallet"
)

// StatusField names the order column a history entry describes.
type StatusField string

const (
	// StatusFieldOrder is the order status column.
	StatusFieldOrder StatusField = "status"
	// StatusFieldPayment is the payment status column.
	StatusFieldPayment StatusField = "payment_status"
	// StatusFieldFulfillment is the fulfillment status column.
	StatusFieldFulfillment StatusField = "fulfillment_status"
)

var validOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:    {},
	OrderStatusProcessing: {},
	OrderStatusShipped:    {},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

var validPaymentStatuses = map[PaymentStatus]struct{}{
	PaymentStatusPending:  {},
	PaymentStatusPaid:     {},
	PaymentStatusFailed:   {},
	PaymentStatusRefunded: {},
}

var validFulfillmentStatuses = map[FulfillmentStatus]struct{}{
	FulfillmentStatusUnfulfilled: {},
	FulfillmentStatusPartial:     {},
	FulfillmentStatusFulfilled:   {},
}

// Valid reports whether the status is a member of the order-status enumeration.
func (s OrderStatus) Valid() bool {
	_, ok := validOrderStatuses[s]
	return ok
}

// Terminal reports whether no further order-status transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDelivered
}

// Valid reports whether the status is a member of the payment-status enumeration.
func (s PaymentStatus) Valid() bool {
	_, ok := validPaymentStatuses[s]
	return ok
}

// Valid reports whether the status is a member of the fulfillment-status enumeration.
func (s FulfillmentStatus) Valid() bool {
	_, ok := validFulfillmentStatuses[s]
	return ok
}

// Order is the aggregate mutated by the order service. Monetary fields hold
// fixed-point decimal strings and are only interpreted through platform/money.
type Order struct {
	ID          string
	OrderNumber string

	Subtotal      string
	ShippingTotal string
	TaxTotal      string
	Total         string
	Currency      string

	Status            OrderStatus
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus

	// PaymentProvider and PaymentRef are nil when no payment was ever initiated
	// (pay-on-delivery, abandoned checkout).
	PaymentProvider *string
	PaymentRef      *string

	Items []OrderLineItem

	CustomerEmail string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	CancelledAt *time.Time
}

// OrderLineItem is a priced product snapshot captured at checkout completion.
type OrderLineItem struct {
	ID        string
	OrderID   string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice string
	Total     string
}

// Shared health status values reported for dependency probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// StatusHistoryEntry is one immutable audit record per order field transition.
type StatusHistoryEntry struct {
	ID            string
	OrderID       string
	Field         StatusField
	PreviousValue string
	NewValue      string
	Actor         string
	Reason        string
	CreatedAt     time.Time
}
