package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/platform/pagination"
	"github.com/oakmere/storefront/internal/repositories"
)

// StatusHistoryRepository persists the append-only audit trail. There are no
// UPDATE or DELETE paths on this table.
type StatusHistoryRepository struct {
	db *sqlx.DB
}

var _ repositories.StatusHistoryRepository = (*StatusHistoryRepository)(nil)

// NewStatusHistoryRepository constructs a StatusHistoryRepository over the shared pool.
func NewStatusHistoryRepository(db *sqlx.DB) *StatusHistoryRepository {
	return &StatusHistoryRepository{db: db}
}

type historyRow struct {
	ID            string    `db:"id"`
	OrderID       string    `db:"order_id"`
	Field         string    `db:"field"`
	PreviousValue string    `db:"previous_value"`
	NewValue      string    `db:"new_value"`
	Actor         string    `db:"actor"`
	Reason        string    `db:"reason"`
	CreatedAt     time.Time `db:"created_at"`
}

const historyColumns = `id, order_id, field, previous_value, new_value, actor, reason, created_at`

func (row historyRow) toDomain() domain.StatusHistoryEntry {
	return domain.StatusHistoryEntry{
		ID:            row.ID,
		OrderID:       row.OrderID,
		Field:         domain.StatusField(row.Field),
		PreviousValue: row.PreviousValue,
		NewValue:      row.NewValue,
		Actor:         row.Actor,
		Reason:        row.Reason,
		CreatedAt:     row.CreatedAt,
	}
}

// Append stores one audit entry. It participates in the caller's transaction
// when one is bound to the context.
func (r *StatusHistoryRepository) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	q := querier(ctx, r.db)

	_, err := q.ExecContext(ctx,
		`INSERT INTO order_status_history (`+historyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.OrderID, string(entry.Field),
		entry.PreviousValue, entry.NewValue, entry.Actor, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return WrapError("status history: append", err)
	}
	return nil
}

// ListByOrder returns the order's audit trail newest first.
func (r *StatusHistoryRepository) ListByOrder(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.StatusHistoryEntry], error) {
	return r.list(ctx, orderID, pager, false)
}

// ListRefundRelevant returns only the entries whose new value is "refunded" or
// "cancelled", newest first. It backs refund-specific audit views.
func (r *StatusHistoryRepository) ListRefundRelevant(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.StatusHistoryEntry], error) {
	return r.list(ctx, orderID, pager, true)
}

func (r *StatusHistoryRepository) list(ctx context.Context, orderID string, pager domain.Pagination, refundRelevant bool) (domain.CursorPage[domain.StatusHistoryEntry], error) {
	q := querier(ctx, r.db)

	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.StatusHistoryEntry]{}, conflictError("status history: list", err)
	}
	pageSize := pagination.ClampPageSize(pager.PageSize)

	args := []any{orderID}
	query := `SELECT ` + historyColumns + ` FROM order_status_history WHERE order_id = $1`
	if refundRelevant {
		args = append(args, string(domain.PaymentStatusRefunded), string(domain.OrderStatusCancelled))
		query += fmt.Sprintf(" AND new_value IN ($%d, $%d)", len(args)-1, len(args))
	}
	if !cursor.Zero() {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, pageSize+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var rows []historyRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return domain.CursorPage[domain.StatusHistoryEntry]{}, WrapError("status history: list", err)
	}

	page := domain.CursorPage[domain.StatusHistoryEntry]{}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	for _, row := range rows {
		page.Items = append(page.Items, row.toDomain())
	}
	if hasMore {
		last := rows[len(rows)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.StatusHistoryEntry]{}, WrapError("status history: list", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}
