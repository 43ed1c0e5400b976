package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/fsm"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

var orderSM = fsm.NewOrderStateMachine()

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrDuplicateOrder indicates an order already exists for the payment token.
var ErrDuplicateOrder = errors.New("order already exists for payment")

// ErrInvalidStateTransition indicates an invalid order state transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid order state transition")

// ErrSaleExists indicates the order has already been settled.
var ErrSaleExists = errors.New("sale already recorded")

// ErrSaleNotFound indicates no sale has been recorded for the order.
var ErrSaleNotFound = errors.New("sale not found")

type orderRow struct {
	ID              string     `db:"id"`
	ProductID       string     `db:"product_id"`
	Status          string     `db:"status"`
	PaymentToken    string     `db:"payment_token"`
	PayerID         string     `db:"payer_id"`
	SaleAmountMinor int64      `db:"sale_amount_minor"`
	Currency        string     `db:"currency"`
	ShippingAddress string     `db:"shipping_address"`
	SupplierOrderID string     `db:"supplier_order_id"`
	TrackingStatus  string     `db:"tracking_status"`
	ErrorMessage    string     `db:"error_message"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	PaidAt          *time.Time `db:"paid_at"`
	PurchasedAt     *time.Time `db:"purchased_at"`
}

func (r orderRow) toDomain() (*domain.Order, error) {
	var addr domain.ShippingAddress
	if err := json.Unmarshal([]byte(r.ShippingAddress), &addr); err != nil {
		return nil, fmt.Errorf("decoding shipping address: %w", err)
	}
	return &domain.Order{
		ID:              r.ID,
		ProductID:       r.ProductID,
		Status:          domain.OrderStatus(r.Status),
		PaymentToken:    r.PaymentToken,
		PayerID:         r.PayerID,
		SaleAmount:      settlement.New(r.SaleAmountMinor, r.Currency),
		ShippingAddress: addr,
		SupplierOrderID: r.SupplierOrderID,
		TrackingStatus:  r.TrackingStatus,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		PaidAt:          r.PaidAt,
		PurchasedAt:     r.PurchasedAt,
	}, nil
}

const orderColumns = `id, product_id, status, payment_token, payer_id, sale_amount_minor, currency,
	shipping_address, supplier_order_id, tracking_status, error_message, created_at, updated_at,
	paid_at, purchased_at`

// CreateOrder inserts a new order in CREATED state.
// Returns ErrDuplicateOrder if the payment token was already used.
func (db *DB) CreateOrder(ctx context.Context, o *domain.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encoding shipping address: %w", err)
	}

	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO orders (id, product_id, status, payment_token, sale_amount_minor, currency,
			shipping_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), o.ID, o.ProductID, string(domain.OrderCreated), o.PaymentToken, o.SaleAmount.AmountMinor,
		o.SaleAmount.Currency, string(addr), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("inserting order: %w", err)
	}
	o.Status = domain.OrderCreated
	return nil
}

// GetOrder returns an order by ID.
func (db *DB) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return db.getOrder(ctx, `id = ?`, id)
}

// GetOrderByPaymentToken returns the order created for a payment.
func (db *DB) GetOrderByPaymentToken(ctx context.Context, token string) (*domain.Order, error) {
	return db.getOrder(ctx, `payment_token = ?`, token)
}

func (db *DB) getOrder(ctx context.Context, where string, arg any) (*domain.Order, error) {
	var row orderRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT `+orderColumns+` FROM orders WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return row.toDomain()
}

// ListOrders returns orders, newest first, optionally filtered by status.
func (db *DB) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	var rows []orderRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// OrderPatch carries the fields an order event sets.
type OrderPatch struct {
	PayerID         string
	SupplierOrderID string
	ErrorMessage    string
}

// ApplyOrderEvent moves an order through its state machine. The update is
// conditional on the status read, so two callers racing on the same event
// cannot both succeed.
func (db *DB) ApplyOrderEvent(ctx context.Context, id, event string, patch OrderPatch) (*domain.Order, error) {
	o, err := db.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	current := string(o.Status)
	if !orderSM.CanTransition(current, event) {
		return nil, fmt.Errorf("%w: cannot %s from %s", ErrInvalidStateTransition, event, current)
	}
	next, err := orderSM.Transition(ctx, current, event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{next, now}

	switch event {
	case fsm.OrderEventConfirmPayment:
		sets = append(sets, "payer_id = ?", "paid_at = ?")
		args = append(args, patch.PayerID, now)
	case fsm.OrderEventCompletePurchase:
		if patch.SupplierOrderID == "" {
			return nil, fmt.Errorf("%w: purchase requires a supplier order id", ErrInvalidStateTransition)
		}
		sets = append(sets, "supplier_order_id = ?", "purchased_at = ?")
		args = append(args, patch.SupplierOrderID, now)
	case fsm.OrderEventFail:
		if patch.ErrorMessage == "" {
			return nil, fmt.Errorf("%w: failure requires a reason", ErrInvalidStateTransition)
		}
		sets = append(sets, "error_message = ?")
		args = append(args, patch.ErrorMessage)
	}

	args = append(args, id, current)
	result, err := db.ExecContext(ctx, db.Rebind(
		`UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("updating order: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: order state changed concurrently", ErrInvalidStateTransition)
	}

	return db.GetOrder(ctx, id)
}

// SetTrackingStatus stores the latest carrier status for an order.
func (db *DB) SetTrackingStatus(ctx context.Context, id, status string) error {
	result, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE orders SET tracking_status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tracking status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// RecordSale stores a settled sale and its platform commission together.
func (db *DB) RecordSale(ctx context.Context, s *domain.Sale, commissionID string) error {
	r := s.Settlement

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sales (id, order_id, product_id, currency, sale_amount_minor, supplier_cost_minor,
			marketplace_fee_minor, gross_profit_minor, net_user_profit_minor, unprofitable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.OrderID, s.ProductID, r.SaleAmount.Currency, r.SaleAmount.AmountMinor,
		r.SupplierCost.AmountMinor, r.MarketplaceFee.AmountMinor, r.GrossProfit.AmountMinor,
		r.NetUserProfit.AmountMinor, r.Unprofitable, s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSaleExists
		}
		return fmt.Errorf("inserting sale: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO commissions (id, sale_id, amount_minor, currency, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), commissionID, s.ID, r.PlatformCommission.AmountMinor, r.PlatformCommission.Currency, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting commission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type saleRow struct {
	ID                  string    `db:"id"`
	OrderID             string    `db:"order_id"`
	ProductID           string    `db:"product_id"`
	Currency            string    `db:"currency"`
	SaleAmountMinor     int64     `db:"sale_amount_minor"`
	SupplierCostMinor   int64     `db:"supplier_cost_minor"`
	MarketplaceFeeMinor int64     `db:"marketplace_fee_minor"`
	GrossProfitMinor    int64     `db:"gross_profit_minor"`
	NetUserProfitMinor  int64     `db:"net_user_profit_minor"`
	CommissionMinor     int64     `db:"commission_minor"`
	Unprofitable        bool      `db:"unprofitable"`
	CreatedAt           time.Time `db:"created_at"`
}

// GetSaleByOrder returns the settlement recorded for an order.
func (db *DB) GetSaleByOrder(ctx context.Context, orderID string) (*domain.Sale, error) {
	var row saleRow
	err := db.GetContext(ctx, &row, db.Rebind(`
		SELECT s.id, s.order_id, s.product_id, s.currency, s.sale_amount_minor, s.supplier_cost_minor,
			s.marketplace_fee_minor, s.gross_profit_minor, s.net_user_profit_minor, s.unprofitable,
			s.created_at, c.amount_minor AS commission_minor
		FROM sales s JOIN commissions c ON c.sale_id = s.id
		WHERE s.order_id = ?
	`), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSaleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying sale: %w", err)
	}

	m := func(v int64) settlement.Money { return settlement.New(v, row.Currency) }
	return &domain.Sale{
		ID:        row.ID,
		OrderID:   row.OrderID,
		ProductID: row.ProductID,
		Settlement: settlement.Result{
			SaleAmount:         m(row.SaleAmountMinor),
			SupplierCost:       m(row.SupplierCostMinor),
			MarketplaceFee:     m(row.MarketplaceFeeMinor),
			GrossProfit:        m(row.GrossProfitMinor),
			PlatformCommission: m(row.CommissionMinor),
			NetUserProfit:      m(row.NetUserProfitMinor),
			Unprofitable:       row.Unprofitable,
		},
		CreatedAt: row.CreatedAt,
	}, nil
}

// isUniqueViolation recognizes unique-constraint errors from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
