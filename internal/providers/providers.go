// Package providers defines the external collaborators a cycle talks to and
// ships two implementations of each: a JSON-over-HTTP adapter and a
// simulated fallback.
package providers

import (
	"context"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

// DemandSignal is one trend data point for a keyword.
type DemandSignal struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

// Listing is what gets published to the marketplace.
type Listing struct {
	ProductID   string           `json:"productId"`
	Title       string           `json:"title"`
	Price       settlement.Money `json:"price"`
	SupplierURL string           `json:"supplierUrl"`
}

// Capture is a completed payment capture.
type Capture struct {
	Amount  settlement.Money `json:"amount"`
	PayerID string           `json:"payerId"`
}

// PurchaseRequest asks the supplier to ship one unit. IdempotencyKey is the
// order id; suppliers that honour it never create a second order for it.
type PurchaseRequest struct {
	ProductURL      string                 `json:"productUrl"`
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	MaxPrice        settlement.Money       `json:"maxPrice"`
	IdempotencyKey  string                 `json:"-"`
}

type TrendProvider interface {
	Search(ctx context.Context, keyword string) ([]DemandSignal, error)
}

type SupplierSearch interface {
	FindProducts(ctx context.Context, keyword string) ([]domain.Opportunity, error)
}

// Marketplace lists products. ComparePrice returns the lowest competing
// price for a catalog query such as a product title.
type Marketplace interface {
	Publish(ctx context.Context, l Listing) (string, error)
	ComparePrice(ctx context.Context, query string) (settlement.Money, error)
}

// SaleFeed reports the next sale of a published listing.
type SaleFeed interface {
	AwaitSale(ctx context.Context, listingID string) (domain.SaleNotification, error)
}

type PaymentCapture interface {
	CaptureOrder(ctx context.Context, paymentToken string) (Capture, error)
}

type SupplierPurchase interface {
	PlaceOrder(ctx context.Context, req PurchaseRequest) (string, error)
}

type Tracking interface {
	GetTrackingStatus(ctx context.Context, supplierOrderID string) (string, error)
}

// Set bundles one implementation of every collaborator.
type Set struct {
	Trends      TrendProvider
	Supplier    SupplierSearch
	Marketplace Marketplace
	Sales       SaleFeed
	Payments    PaymentCapture
	Purchases   SupplierPurchase
	Tracking    Tracking
}

// IsReal reports whether p performs real external calls. Simulated
// implementations return false.
func IsReal(p any) bool {
	s, ok := p.(interface{ Simulated() bool })
	return !ok || !s.Simulated()
}
