package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/platform/money"
	"github.com/oakmere/storefront/internal/repositories"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New returned error: %v", err)
	}
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func requireExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func asRepositoryError(t *testing.T, err error) repositories.RepositoryError {
	t.Helper()
	var repoErr *Error
	if !errors.As(err, &repoErr) {
		t.Fatalf("expected repository error, got %v", err)
	}
	return repoErr
}

func TestMarkCancelledClaimsOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE orders SET status = \$1, cancelled_at = \$2, updated_at = \$2`).
		WithArgs("cancelled", now, "ord_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkCancelled(context.Background(), repositories.OrderCancelUpdate{
		OrderID:     "ord_1",
		CancelledAt: now,
	})
	if err != nil {
		t.Fatalf("MarkCancelled returned error: %v", err)
	}
	requireExpectations(t, mock)
}

func TestMarkCancelledAlreadyCancelled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec(`UPDATE orders SET status = \$1, cancelled_at = \$2, updated_at = \$2`).
		WithArgs("cancelled", sqlmock.AnyArg(), "ord_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.MarkCancelled(context.Background(), repositories.OrderCancelUpdate{
		OrderID:     "ord_1",
		CancelledAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if repoErr := asRepositoryError(t, err); !repoErr.IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
	requireExpectations(t, mock)
}

func TestMarkCancelledMissingOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec(`UPDATE orders SET status = \$1, cancelled_at = \$2, updated_at = \$2`).
		WithArgs("cancelled", sqlmock.AnyArg(), "ord_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ord_missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.MarkCancelled(context.Background(), repositories.OrderCancelUpdate{
		OrderID:     "ord_missing",
		CancelledAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if repoErr := asRepositoryError(t, err); !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
	requireExpectations(t, mock)
}

func TestUpdateStatusFieldGuardedWrite(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE orders SET payment_status = \$1, updated_at = \$2 WHERE id = \$3 AND payment_status = \$4`).
		WithArgs("refunded", now, "ord_1", "paid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatusField(context.Background(), repositories.OrderStatusFieldUpdate{
		OrderID:   "ord_1",
		Field:     string(domain.StatusFieldPayment),
		Expected:  "paid",
		NewValue:  "refunded",
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpdateStatusField returned error: %v", err)
	}
	requireExpectations(t, mock)
}

func TestUpdateStatusFieldRejectsUnknownColumn(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewOrderRepository(db)

	err := repo.UpdateStatusField(context.Background(), repositories.OrderStatusFieldUpdate{
		OrderID:  "ord_1",
		Field:    "status; DROP TABLE orders",
		Expected: "pending",
		NewValue: "processing",
	})
	if err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestFindByIDMissingOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM orders WHERE id = \$1`).
		WithArgs("ord_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindByID(context.Background(), "ord_missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if repoErr := asRepositoryError(t, err); !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
	requireExpectations(t, mock)
}

func TestRunInTxJoinsRepositoryCalls(t *testing.T) {
	db, mock := newMockDB(t)
	health, err := repositories.NewProbeHealthRepository([]repositories.DependencyCheck{
		{Name: "noop", Check: func(context.Context) error { return nil }},
	}, nil)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository returned error: %v", err)
	}
	registry, err := NewRegistry(db, health)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \$1, cancelled_at = \$2, updated_at = \$2`).
		WithArgs("cancelled", now, "ord_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_status_history`).
		WithArgs("hist_1", "ord_1", "status", "pending", "cancelled", "admin@example.com", "customer request", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = registry.RunInTx(context.Background(), func(ctx context.Context) error {
		if err := registry.Orders().MarkCancelled(ctx, repositories.OrderCancelUpdate{
			OrderID:     "ord_1",
			CancelledAt: now,
		}); err != nil {
			return err
		}
		return registry.StatusHistory().Append(ctx, domain.StatusHistoryEntry{
			ID:            "hist_1",
			OrderID:       "ord_1",
			Field:         domain.StatusFieldOrder,
			PreviousValue: "pending",
			NewValue:      "cancelled",
			Actor:         "admin@example.com",
			Reason:        "customer request",
			CreatedAt:     now,
		})
	})
	if err != nil {
		t.Fatalf("RunInTx returned error: %v", err)
	}
	requireExpectations(t, mock)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	health, err := repositories.NewProbeHealthRepository([]repositories.DependencyCheck{
		{Name: "noop", Check: func(context.Context) error { return nil }},
	}, nil)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository returned error: %v", err)
	}
	registry, err := NewRegistry(db, health)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = registry.RunInTx(context.Background(), func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	requireExpectations(t, mock)
}

func TestInsertNormalizesAmounts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec("INSERT INTO orders").
		WithArgs(
			"ord_1", "SO-1001",
			"90.00", "5.50", "4.50", "100.00", "EUR",
			"pending", "pending", "unfulfilled",
			nil, nil,
			"buyer@example.com", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("item_1", "ord_1", "SKU-1", "Mug", 2, "45.00", "90.00").
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	err := repo.Insert(context.Background(), domain.Order{
		ID:                "ord_1",
		OrderNumber:       "SO-1001",
		Subtotal:          "90",
		ShippingTotal:     "5.5",
		TaxTotal:          "4.500",
		Total:             "100.00",
		Currency:          "EUR",
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: domain.FulfillmentStatusUnfulfilled,
		CustomerEmail:     "buyer@example.com",
		Items: []domain.OrderLineItem{
			{ID: "item_1", OrderID: "ord_1", SKU: "SKU-1", Name: "Mug", Quantity: 2, UnitPrice: "45", Total: "90.0"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	requireExpectations(t, mock)
}

func TestInsertRejectsMalformedAmount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOrderRepository(db)

	err := repo.Insert(context.Background(), domain.Order{
		ID:       "ord_1",
		Subtotal: "ninety",
		Total:    "100.00",
	})
	if !errors.Is(err, money.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount error, got %v", err)
	}
	requireExpectations(t, mock)
}
