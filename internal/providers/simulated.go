package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

// Simulated implements every collaborator in memory. Results are
// deterministic per keyword so verification runs are repeatable. It never
// moves money or places real orders.
type Simulated struct {
	// Currency of simulated supplier prices.
	Currency string
	// MarketCurrency of simulated competitor prices.
	MarketCurrency string

	mu       sync.Mutex
	listings map[string]Listing
	tokens   map[string]settlement.Money
	orders   map[string]string // idempotency key -> supplier order id
}

func NewSimulated() *Simulated {
	return &Simulated{
		Currency:       "USD",
		MarketCurrency: "CLP",
		listings:       make(map[string]Listing),
		tokens:         make(map[string]settlement.Money),
		orders:         make(map[string]string),
	}
}

// Simulated marks results from this provider as not real.
func (s *Simulated) Simulated() bool { return true }

func (s *Simulated) Search(_ context.Context, keyword string) ([]DemandSignal, error) {
	h := hash(keyword)
	return []DemandSignal{
		{Keyword: keyword, Score: float64(h%100) / 100, Source: "simulated"},
	}, nil
}

func (s *Simulated) FindProducts(_ context.Context, keyword string) ([]domain.Opportunity, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("%w: empty keyword", ErrNoResults)
	}

	h := hash(keyword)
	now := time.Now().UTC()
	opps := make([]domain.Opportunity, 0, 3)
	for i := range uint32(3) {
		// 5.00 .. 54.99 in the supplier currency, shipping 1.00 .. 5.99.
		cost := settlement.New(int64(500+(h+i*977)%5000), s.Currency)
		ship := settlement.New(int64(100+(h+i*131)%500), s.Currency)
		ref := fmt.Sprintf("sim-%08x-%d", h, i)
		opps = append(opps, domain.Opportunity{
			Title:        fmt.Sprintf("%s #%d", keyword, i+1),
			SupplierCost: cost,
			Shipping:     ship,
			SupplierURL:  "https://supplier.invalid/item/" + ref,
			SupplierRef:  ref,
			DiscoveredAt: now,
		})
	}
	return opps, nil
}

func (s *Simulated) Publish(_ context.Context, l Listing) (string, error) {
	id := "sim-listing-" + l.ProductID
	s.mu.Lock()
	s.listings[id] = l
	s.mu.Unlock()
	return id, nil
}

// ComparePrice reports a competitor five percent above our own listing for
// the same title, or a price derived from the query when nothing is listed.
func (s *Simulated) ComparePrice(_ context.Context, query string) (settlement.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listings {
		if l.Title == query {
			return settlement.New(l.Price.AmountMinor*105/100, l.Price.Currency), nil
		}
	}
	scale := int64(1)
	if settlement.Scale(s.MarketCurrency) == 2 {
		scale = 100
	}
	return settlement.New(int64(10000+hash(query)%40000)*scale, s.MarketCurrency), nil
}

// AwaitSale sells a published listing immediately at its list price.
func (s *Simulated) AwaitSale(ctx context.Context, listingID string) (domain.SaleNotification, error) {
	if err := ctx.Err(); err != nil {
		return domain.SaleNotification{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return domain.SaleNotification{}, fmt.Errorf("%w: unknown listing %s", ErrRejected, listingID)
	}
	token := "sim-pay-" + uuid.NewString()
	s.tokens[token] = l.Price
	return domain.SaleNotification{
		ProductID:    l.ProductID,
		ListingID:    listingID,
		PaymentToken: token,
		Amount:       l.Price,
		ShippingAddress: domain.ShippingAddress{
			Name:    "Simulated Buyer",
			Line1:   "1 Test Street",
			City:    "Santiago",
			Country: "CL",
		},
	}, nil
}

func (s *Simulated) CaptureOrder(_ context.Context, paymentToken string) (Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amount, ok := s.tokens[paymentToken]
	if !ok {
		return Capture{}, fmt.Errorf("%w: unknown payment token", ErrRejected)
	}
	return Capture{Amount: amount, PayerID: "sim-payer"}, nil
}

func (s *Simulated) PlaceOrder(_ context.Context, req PurchaseRequest) (string, error) {
	if req.ProductURL == "" {
		return "", fmt.Errorf("%w: product url required", ErrRejected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.orders[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	id := "sim-order-" + uuid.NewString()
	if req.IdempotencyKey != "" {
		s.orders[req.IdempotencyKey] = id
	}
	return id, nil
}

func (s *Simulated) GetTrackingStatus(_ context.Context, supplierOrderID string) (string, error) {
	if supplierOrderID == "" {
		return "", fmt.Errorf("%w: supplier order id required", ErrRejected)
	}
	return "AWAITING_SHIPMENT", nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(s)))
	return h.Sum32()
}
