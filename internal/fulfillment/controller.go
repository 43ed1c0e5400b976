// Package fulfillment drives an order from payment capture to supplier
// purchase and tracking.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buildtall-systems/dropship/internal/db"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/events"
	"github.com/buildtall-systems/dropship/internal/fsm"
	"github.com/buildtall-systems/dropship/internal/metrics"
	"github.com/buildtall-systems/dropship/internal/providers"
	"github.com/buildtall-systems/dropship/internal/resilience"
)

// Dependency names used with the breaker registry.
const (
	BreakerPayments = "paypal"
	BreakerSupplier = "aliexpress"
	BreakerTracking = "tracking"
)

// ReasonCancelled is recorded when the caller gave up mid-purchase.
const ReasonCancelled = "cancelled"

// ErrInvalidOrderTransition indicates the order's state does not allow the
// requested operation.
var ErrInvalidOrderTransition = errors.New("invalid order transition")

// ErrPaymentMismatch indicates the captured amount differs from the sale.
var ErrPaymentMismatch = errors.New("captured amount does not match sale")

// Store persists orders. *db.DB implements it.
type Store interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByPaymentToken(ctx context.Context, token string) (*domain.Order, error)
	ApplyOrderEvent(ctx context.Context, id, event string, patch db.OrderPatch) (*domain.Order, error)
	SetTrackingStatus(ctx context.Context, id, status string) error
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// Controller owns the order state machine.
type Controller struct {
	store     Store
	breakers  *resilience.Registry
	payments  providers.PaymentCapture
	purchases providers.SupplierPurchase
	tracking  providers.Tracking
	locks     Locker
	sink      events.Sink
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocker replaces the in-process lock, e.g. with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(c *Controller) { c.locks = l }
}

func WithSink(s events.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(c *Controller) { c.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func New(store Store, breakers *resilience.Registry, p providers.Set, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		breakers:  breakers,
		payments:  p.Payments,
		purchases: p.Purchases,
		tracking:  p.Tracking,
		locks:     NewKeyedMutex(),
		sink:      events.Nop{},
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "fulfillment")
	return c
}

// CreateOrder records a sale as a CREATED order. A repeated notification
// for the same payment returns the existing order.
func (c *Controller) CreateOrder(ctx context.Context, n domain.SaleNotification) (*domain.Order, error) {
	if n.PaymentToken == "" {
		return nil, fmt.Errorf("%w: sale has no payment token", ErrInvalidOrderTransition)
	}
	now := time.Now().UTC()
	o := &domain.Order{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ProductID:       n.ProductID,
		PaymentToken:    n.PaymentToken,
		SaleAmount:      n.Amount,
		ShippingAddress: n.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, db.ErrDuplicateOrder) {
			return c.store.GetOrderByPaymentToken(ctx, n.PaymentToken)
		}
		return nil, err
	}
	c.observe(ctx, o)
	return o, nil
}

// CapturePayment confirms the buyer's payment: CREATED -> PAID. An order
// that is already paid is returned unchanged. Transient failures leave the
// order CREATED for a later retry; a rejected capture fails it.
func (c *Controller) CapturePayment(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case domain.OrderCreated:
	case domain.OrderFailed:
		return o, fmt.Errorf("%w: order %s is FAILED: %s", ErrInvalidOrderTransition, o.ID, o.ErrorMessage)
	default:
		return o, nil
	}

	capture, err := resilience.Call(ctx, c.breakers, BreakerPayments, func(ctx context.Context) (providers.Capture, error) {
		return c.payments.CaptureOrder(ctx, o.PaymentToken)
	})
	if err != nil {
		if errors.Is(err, providers.ErrRejected) {
			_, _ = c.Fail(context.WithoutCancel(ctx), o.ID, "payment rejected: "+err.Error())
		}
		return o, fmt.Errorf("capturing payment for order %s: %w", o.ID, err)
	}
	if capture.Amount != o.SaleAmount {
		reason := fmt.Sprintf("captured %s, expected %s", capture.Amount, o.SaleAmount)
		_, _ = c.Fail(context.WithoutCancel(ctx), o.ID, reason)
		return o, fmt.Errorf("%w: %s", ErrPaymentMismatch, reason)
	}

	return c.apply(context.WithoutCancel(ctx), o.ID, fsm.OrderEventConfirmPayment, db.OrderPatch{PayerID: capture.PayerID})
}

// PurchaseResult is the outcome of a purchase attempt.
type PurchaseResult struct {
	Order           *domain.Order
	SupplierOrderID string
	// Cached is true when the supplier order already existed and no
	// supplier call was made.
	Cached bool
}

// Purchase places the supplier order: PAID -> PURCHASING -> PURCHASED.
// It is idempotent per order. A retry for an order that already has a
// supplier reference returns it without calling the supplier, and
// concurrent retries are serialized by a per-order lock so exactly one of
// them reaches the supplier.
func (c *Controller) Purchase(ctx context.Context, orderID string) (PurchaseResult, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if o.SupplierOrderID != "" {
		return PurchaseResult{Order: o, SupplierOrderID: o.SupplierOrderID, Cached: true}, nil
	}

	unlock, err := c.locks.Lock(ctx, orderID)
	if err != nil {
		return PurchaseResult{Order: o}, fmt.Errorf("locking order %s: %w", orderID, err)
	}
	defer unlock()

	// Re-read under the lock: a concurrent holder may have finished.
	if o, err = c.store.GetOrder(ctx, orderID); err != nil {
		return PurchaseResult{}, err
	}
	if o.SupplierOrderID != "" {
		return PurchaseResult{Order: o, SupplierOrderID: o.SupplierOrderID, Cached: true}, nil
	}

	switch o.Status {
	case domain.OrderPaid, domain.OrderPurchasing:
	default:
		return PurchaseResult{Order: o}, fmt.Errorf("%w: cannot purchase order %s in %s", ErrInvalidOrderTransition, o.ID, o.Status)
	}

	// Admission comes before the claim so a refused call leaves the order
	// untouched, and it holds any half-open trial slot until the supplier
	// call below reports.
	adm, err := c.breakers.Acquire(BreakerSupplier)
	if err != nil {
		return PurchaseResult{Order: o}, err
	}
	defer adm.Release()

	if o.Status == domain.OrderPaid {
		if o, err = c.apply(ctx, o.ID, fsm.OrderEventBeginPurchase, db.OrderPatch{}); err != nil {
			return PurchaseResult{}, err
		}
	} else {
		// A previous attempt claimed the order and stopped before recording
		// the result. The supplier deduplicates on the order id.
		c.logger.Warn("resuming interrupted purchase", "order", o.ID)
	}

	product, err := c.store.GetProduct(ctx, o.ProductID)
	if err != nil {
		return c.failPurchase(ctx, o, err)
	}
	maxPrice, err := product.SupplierCost.Add(product.Shipping)
	if err != nil {
		return c.failPurchase(ctx, o, err)
	}

	supplierID, err := c.purchases.PlaceOrder(ctx, providers.PurchaseRequest{
		ProductURL:      product.SupplierURL,
		ShippingAddress: o.ShippingAddress,
		MaxPrice:        maxPrice,
		IdempotencyKey:  o.ID,
	})
	adm.Done(err)
	if err != nil {
		return c.failPurchase(ctx, o, err)
	}

	done, err := c.apply(context.WithoutCancel(ctx), o.ID, fsm.OrderEventCompletePurchase, db.OrderPatch{SupplierOrderID: supplierID})
	if err != nil {
		c.logger.Error("recording supplier order", "order", o.ID, "supplier_order", supplierID, "error", err)
		return PurchaseResult{Order: o, SupplierOrderID: supplierID}, err
	}
	c.logger.Info("supplier order placed", "order", o.ID, "supplier_order", supplierID)
	return PurchaseResult{Order: done, SupplierOrderID: supplierID}, nil
}

// failPurchase records cause on a PURCHASING order. The write uses a
// context that survives the caller's cancellation so the order never stays
// PURCHASING because the caller went away.
func (c *Controller) failPurchase(ctx context.Context, o *domain.Order, cause error) (PurchaseResult, error) {
	reason := cause.Error()
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		reason = ReasonCancelled
	}
	failed, err := c.Fail(context.WithoutCancel(ctx), o.ID, reason)
	if err != nil {
		c.logger.Error("marking order failed", "order", o.ID, "reason", reason, "error", err)
		failed = o
	}
	return PurchaseResult{Order: failed}, fmt.Errorf("purchasing order %s: %w", o.ID, cause)
}

// RefreshTracking fetches and stores the carrier status of a purchased order.
func (c *Controller) RefreshTracking(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderPurchased {
		return o, fmt.Errorf("%w: order %s is %s, not PURCHASED", ErrInvalidOrderTransition, o.ID, o.Status)
	}

	status, err := resilience.Call(ctx, c.breakers, BreakerTracking, func(ctx context.Context) (string, error) {
		return c.tracking.GetTrackingStatus(ctx, o.SupplierOrderID)
	})
	if err != nil {
		return o, fmt.Errorf("tracking order %s: %w", o.ID, err)
	}
	if err := c.store.SetTrackingStatus(ctx, o.ID, status); err != nil {
		return o, err
	}
	o.TrackingStatus = status
	return o, nil
}

// Fail moves a non-terminal order to FAILED. The reason is required.
func (c *Controller) Fail(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: failure requires a reason", ErrInvalidOrderTransition)
	}
	return c.apply(ctx, orderID, fsm.OrderEventFail, db.OrderPatch{ErrorMessage: reason})
}

// Get returns an order.
func (c *Controller) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return c.store.GetOrder(ctx, orderID)
}

func (c *Controller) apply(ctx context.Context, id, event string, patch db.OrderPatch) (*domain.Order, error) {
	o, err := c.store.ApplyOrderEvent(ctx, id, event, patch)
	if err != nil {
		if errors.Is(err, db.ErrInvalidStateTransition) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrderTransition, err)
		}
		return nil, err
	}
	c.observe(ctx, o)
	return o, nil
}

func (c *Controller) observe(ctx context.Context, o *domain.Order) {
	c.metrics.ObserveOrder(string(o.Status))
	c.logger.Info("order transition", "order", o.ID, "status", o.Status)

	env, err := events.New(events.KindOrder, o.ProductID, o)
	if err == nil {
		err = c.sink.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		c.logger.Warn("publishing order event", "order", o.ID, "error", err)
	}
}
