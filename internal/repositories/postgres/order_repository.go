package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/platform/money"
	"github.com/oakmere/storefront/internal/platform/pagination"
	"github.com/oakmere/storefront/internal/repositories"
)

// Columns a status transition may target. Anything else is rejected before it
// reaches SQL.
var statusColumns = map[string]struct{}{
	string(domain.StatusFieldOrder):       {},
	string(domain.StatusFieldPayment):     {},
	string(domain.StatusFieldFulfillment): {},
}

// OrderRepository persists orders and their line items in Postgres.
type OrderRepository struct {
	db *sqlx.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an OrderRepository over the shared pool.
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

type orderRow struct {
	ID                string         `db:"id"`
	OrderNumber       string         `db:"order_number"`
	Subtotal          string         `db:"subtotal"`
	ShippingTotal     string         `db:"shipping_total"`
	TaxTotal          string         `db:"tax_total"`
	Total             string         `db:"total"`
	Currency          string         `db:"currency"`
	Status            string         `db:"status"`
	PaymentStatus     string         `db:"payment_status"`
	FulfillmentStatus string         `db:"fulfillment_status"`
	PaymentProvider   sql.NullString `db:"payment_provider"`
	PaymentRef        sql.NullString `db:"payment_ref"`
	CustomerEmail     string         `db:"customer_email"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	PaidAt            sql.NullTime   `db:"paid_at"`
	CancelledAt       sql.NullTime   `db:"cancelled_at"`
}

type orderItemRow struct {
	ID        string `db:"id"`
	OrderID   string `db:"order_id"`
	SKU       string `db:"sku"`
	Name      string `db:"name"`
	Quantity  int    `db:"quantity"`
	UnitPrice string `db:"unit_price"`
	Total     string `db:"total"`
}

const orderColumns = `id, order_number, subtotal, shipping_total, tax_total, total, currency,
	status, payment_status, fulfillment_status, payment_provider, payment_ref,
	customer_email, created_at, updated_at, paid_at, cancelled_at`

func (row orderRow) toDomain(items []orderItemRow) domain.Order {
	order := domain.Order{
		ID:                row.ID,
		OrderNumber:       row.OrderNumber,
		Subtotal:          row.Subtotal,
		ShippingTotal:     row.ShippingTotal,
		TaxTotal:          row.TaxTotal,
		Total:             row.Total,
		Currency:          row.Currency,
		Status:            domain.OrderStatus(row.Status),
		PaymentStatus:     domain.PaymentStatus(row.PaymentStatus),
		FulfillmentStatus: domain.FulfillmentStatus(row.FulfillmentStatus),
		CustomerEmail:     row.CustomerEmail,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if row.PaymentProvider.Valid {
		provider := row.PaymentProvider.String
		order.PaymentProvider = &provider
	}
	if row.PaymentRef.Valid {
		ref := row.PaymentRef.String
		order.PaymentRef = &ref
	}
	if row.PaidAt.Valid {
		paidAt := row.PaidAt.Time
		order.PaidAt = &paidAt
	}
	if row.CancelledAt.Valid {
		cancelledAt := row.CancelledAt.Time
		order.CancelledAt = &cancelledAt
	}
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ID:        item.ID,
			OrderID:   item.OrderID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return order
}

// Insert stores an order header together with its line items. Monetary
// amounts are normalized to two fractional digits; malformed amounts fail the
// insert rather than being coerced.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q := querier(ctx, r.db)

	if err := normalizeOrderAmounts(&order); err != nil {
		return fmt.Errorf("orders: insert: %w", err)
	}

	const insertOrder = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	var (
		provider    = nullString(order.PaymentProvider)
		paymentRef  = nullString(order.PaymentRef)
		paidAt      = nullTime(order.PaidAt)
		cancelledAt = nullTime(order.CancelledAt)
	)
	if _, err := q.ExecContext(ctx, insertOrder,
		order.ID, order.OrderNumber,
		order.Subtotal, order.ShippingTotal, order.TaxTotal, order.Total, order.Currency,
		string(order.Status), string(order.PaymentStatus), string(order.FulfillmentStatus),
		provider, paymentRef,
		order.CustomerEmail, order.CreatedAt, order.UpdatedAt, paidAt, cancelledAt,
	); err != nil {
		return WrapError("orders: insert", err)
	}

	const insertItem = `INSERT INTO order_items (id, order_id, sku, name, quantity, unit_price, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, item := range order.Items {
		if _, err := q.ExecContext(ctx, insertItem,
			item.ID, order.ID, item.SKU, item.Name, item.Quantity, item.UnitPrice, item.Total,
		); err != nil {
			return WrapError("orders: insert item", err)
		}
	}
	return nil
}

func normalizeOrderAmounts(order *domain.Order) error {
	amounts := []*string{&order.Subtotal, &order.ShippingTotal, &order.TaxTotal, &order.Total}
	for _, amount := range amounts {
		normalized, err := money.Normalize(*amount)
		if err != nil {
			return err
		}
		*amount = normalized
	}
	for i := range order.Items {
		item := &order.Items[i]
		for _, amount := range []*string{&item.UnitPrice, &item.Total} {
			normalized, err := money.Normalize(*amount)
			if err != nil {
				return err
			}
			*amount = normalized
		}
	}
	return nil
}

// FindByID loads an order header and its line items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q := querier(ctx, r.db)

	var row orderRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return domain.Order{}, WrapError("orders: find", err)
	}

	var items []orderItemRow
	err = sqlx.SelectContext(ctx, q, &items,
		`SELECT id, order_id, sku, name, quantity, unit_price, total
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return domain.Order{}, WrapError("orders: find items", err)
	}
	return row.toDomain(items), nil
}

// List returns order headers newest first with keyset pagination. Line items
// are not loaded for listings.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	q := querier(ctx, r.db)

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, conflictError("orders: list", err)
	}
	pageSize := pagination.ClampPageSize(filter.Pagination.PageSize)

	var (
		conditions []string
		args       []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			placeholders = append(placeholders, arg(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if provider := strings.TrimSpace(filter.Provider); provider != "" {
		conditions = append(conditions, "payment_provider = "+arg(provider))
	}
	if filter.DateRange.From != nil {
		conditions = append(conditions, "created_at >= "+arg(*filter.DateRange.From))
	}
	if filter.DateRange.To != nil {
		conditions = append(conditions, "created_at <= "+arg(*filter.DateRange.To))
	}
	if !cursor.Zero() {
		conditions = append(conditions, "(created_at, id) < ("+arg(cursor.CreatedAt)+", "+arg(cursor.ID)+")")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(pageSize+1)

	var rows []orderRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return domain.CursorPage[domain.Order]{}, WrapError("orders: list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	for _, row := range rows {
		page.Items = append(page.Items, row.toDomain(nil))
	}
	if hasMore {
		last := rows[len(rows)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, WrapError("orders: list", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

// UpdateStatusField writes one status column guarded by its expected current
// value. A vanished expectation surfaces as a conflict.
func (r *OrderRepository) UpdateStatusField(ctx context.Context, cmd repositories.OrderStatusFieldUpdate) error {
	if _, ok := statusColumns[cmd.Field]; !ok {
		return conflictError("orders: update status", fmt.Errorf("unknown status field %q", cmd.Field))
	}
	q := querier(ctx, r.db)

	var (
		query string
		args  []any
	)
	if cmd.PaidAt != nil {
		query = fmt.Sprintf(
			`UPDATE orders SET %s = $1, updated_at = $2, paid_at = COALESCE(paid_at, $3) WHERE id = $4 AND %s = $5`,
			cmd.Field, cmd.Field,
		)
		args = []any{cmd.NewValue, cmd.UpdatedAt, *cmd.PaidAt, cmd.OrderID, cmd.Expected}
	} else {
		query = fmt.Sprintf(
			`UPDATE orders SET %s = $1, updated_at = $2 WHERE id = $3 AND %s = $4`,
			cmd.Field, cmd.Field,
		)
		args = []any{cmd.NewValue, cmd.UpdatedAt, cmd.OrderID, cmd.Expected}
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return WrapError("orders: update status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return WrapError("orders: update status", err)
	}
	if affected == 0 {
		return r.classifyMissedUpdate(ctx, "orders: update status", cmd.OrderID)
	}
	return nil
}

// MarkCancelled claims the order for cancellation. The guard makes concurrent
// cancellations race safely: exactly one caller observes an affected row.
func (r *OrderRepository) MarkCancelled(ctx context.Context, cmd repositories.OrderCancelUpdate) error {
	q := querier(ctx, r.db)

	res, err := q.ExecContext(ctx,
		`UPDATE orders SET status = $1, cancelled_at = $2, updated_at = $2
		 WHERE id = $3 AND status <> $1`,
		string(domain.OrderStatusCancelled), cmd.CancelledAt, cmd.OrderID,
	)
	if err != nil {
		return WrapError("orders: cancel", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return WrapError("orders: cancel", err)
	}
	if affected == 0 {
		return r.classifyMissedUpdate(ctx, "orders: cancel", cmd.OrderID)
	}
	return nil
}

// SetPaymentStatus records the payment outcome of a refund attempt.
func (r *OrderRepository) SetPaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) error {
	q := querier(ctx, r.db)

	res, err := q.ExecContext(ctx,
		`UPDATE orders SET payment_status = $1, updated_at = $2 WHERE id = $3`,
		string(status), updatedAt, orderID,
	)
	if err != nil {
		return WrapError("orders: set payment status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return WrapError("orders: set payment status", err)
	}
	if affected == 0 {
		return notFoundError("orders: set payment status", sql.ErrNoRows)
	}
	return nil
}

// classifyMissedUpdate distinguishes a missing order from a guard that did not
// match after a zero-row update.
func (r *OrderRepository) classifyMissedUpdate(ctx context.Context, op, orderID string) error {
	q := querier(ctx, r.db)

	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID); err != nil {
		return WrapError(op, err)
	}
	if !exists {
		return notFoundError(op, sql.ErrNoRows)
	}
	return conflictError(op, errors.New("order state changed concurrently"))
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
