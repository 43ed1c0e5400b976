package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return &DB{DB: sqlx.NewDb(sqlDB, "sqlmock"), driver: "postgres"}, mock
}

var orderMockColumns = []string{
	"id", "product_id", "status", "payment_token", "payer_id", "sale_amount_minor", "currency",
	"shipping_address", "supplier_order_id", "tracking_status", "error_message", "created_at",
	"updated_at", "paid_at", "purchased_at",
}

func TestApplyOrderEvent_LostRace(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT (.+) FROM orders WHERE id`).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows(orderMockColumns).AddRow(
			"ord-1", "prod-1", "PAID", "PAY-1", "PAYER", int64(35340), "CLP",
			"{}", "", "", "", now, now, now, nil,
		))
	mock.ExpectExec(`UPDATE orders SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := db.ApplyOrderEvent(context.Background(), "ord-1", "begin_purchase", OrderPatch{})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Contains(t, err.Error(), "concurrently")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSale_CommissionFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sales`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO commissions`).WillReturnError(boom)
	mock.ExpectRollback()

	err := db.RecordSale(context.Background(), sampleSale(), "com-1")
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_QueryError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT (.+) FROM orders`).WillReturnError(errors.New("connection reset"))

	_, err := db.GetOrder(context.Background(), "ord-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sampleSale() *domain.Sale {
	return &domain.Sale{
		ID:        "sale-1",
		OrderID:   "ord-1",
		ProductID: "prod-1",
		Settlement: settlement.Result{
			SaleAmount:         settlement.New(35340, "CLP"),
			SupplierCost:       settlement.New(28272, "CLP"),
			MarketplaceFee:     settlement.New(4594, "CLP"),
			GrossProfit:        settlement.New(2474, "CLP"),
			PlatformCommission: settlement.New(124, "CLP"),
			NetUserProfit:      settlement.New(2350, "CLP"),
		},
		CreatedAt: time.Now().UTC(),
	}
}
