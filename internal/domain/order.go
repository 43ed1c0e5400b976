package domain

import (
	"time"

	"github.com/buildtall-systems/dropship/internal/settlement"
)

// OrderStatus is a fulfillment order state.
type OrderStatus string

const (
	OrderCreated    OrderStatus = "CREATED"
	OrderPaid       OrderStatus = "PAID"
	OrderPurchasing OrderStatus = "PURCHASING"
	OrderPurchased  OrderStatus = "PURCHASED"
	OrderFailed     OrderStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderPurchased || s == OrderFailed
}

// ShippingAddress is where the supplier ships to.
type ShippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
}

// Order tracks one sale from payment to supplier purchase.
type Order struct {
	ID              string           `json:"id"`
	ProductID       string           `json:"productId"`
	Status          OrderStatus      `json:"status"`
	PaymentToken    string           `json:"-"`
	PayerID         string           `json:"payerId,omitempty"`
	SaleAmount      settlement.Money `json:"saleAmount"`
	ShippingAddress ShippingAddress  `json:"shippingAddress"`
	SupplierOrderID string           `json:"supplierOrderId,omitempty"`
	TrackingStatus  string           `json:"trackingStatus,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	PaidAt          *time.Time       `json:"paidAt,omitempty"`
	PurchasedAt     *time.Time       `json:"purchasedAt,omitempty"`
}

// SaleNotification is what a sales channel reports for a new sale.
type SaleNotification struct {
	ProductID       string           `json:"productId"`
	ListingID       string           `json:"listingId"`
	PaymentToken    string           `json:"paymentToken"`
	Amount          settlement.Money `json:"amount"`
	ShippingAddress ShippingAddress  `json:"shippingAddress"`
}

// Sale is a settled order.
type Sale struct {
	ID         string            `json:"id"`
	OrderID    string            `json:"orderId"`
	ProductID  string            `json:"productId"`
	Settlement settlement.Result `json:"settlement"`
	CreatedAt  time.Time         `json:"createdAt"`
}
