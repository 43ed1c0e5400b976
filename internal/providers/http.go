package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/buildtall-systems/dropship/internal/config"
	"github.com/buildtall-systems/dropship/internal/credentials"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

// Client performs JSON calls against one collaborator. Credentials are
// resolved on every call so rotated secrets take effect without a restart.
type Client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      credentials.Store
	userID     string
	env        string
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCredentials attaches a bearer token from store for userID in env.
func WithCredentials(store credentials.Store, userID, env string) ClientOption {
	return func(c *Client) {
		c.creds = store
		c.userID = userID
		c.env = env
	}
}

// WithRateLimit caps outbound calls at rps with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for service rooted at baseURL.
func NewClient(service, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil). It returns http.StatusNoContent without decoding.
func (c *Client) do(ctx context.Context, method, path string, in, out any, header http.Header) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %s: rate limit: %w", ErrRequest, c.service, err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: encoding request: %v", ErrRequest, c.service, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: creating request: %v", ErrRequest, c.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.creds != nil {
		cred, err := c.creds.Get(ctx, credentials.UserFrom(ctx, c.userID), c.service, c.env)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrRequest, c.service, err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)
		c.logger.Debug("calling provider", "service", c.service, "path", path, "token", credentials.Mask(cred.Token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Keep the context error reachable so cancellation is not mistaken
		// for an upstream failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrRequest, c.service, ctxErr)
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrRequest, c.service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("%w: %s: HTTP %d", ErrRejected, c.service, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return resp.StatusCode, fmt.Errorf("%w: %s: HTTP %d", ErrRequest, c.service, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %s: invalid JSON: %v", ErrRequest, c.service, err)
		}
	}
	return resp.StatusCode, nil
}

// wireMoney is the collaborators' money encoding: a major-unit decimal string.
type wireMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toWire(m settlement.Money) wireMoney {
	return wireMoney{Amount: m.Decimal().StringFixed(settlement.Scale(m.Currency)), Currency: m.Currency}
}

func (w wireMoney) money() (settlement.Money, error) {
	if w.Currency == "" {
		return settlement.Money{}, fmt.Errorf("%w: money without currency", ErrRequest)
	}
	return settlement.Parse(w.Amount, w.Currency)
}

// HTTPTrends implements TrendProvider.
type HTTPTrends struct{ *Client }

func (h HTTPTrends) Search(ctx context.Context, keyword string) ([]DemandSignal, error) {
	var out struct {
		Signals []DemandSignal `json:"signals"`
	}
	if _, err := h.do(ctx, http.MethodGet, "/trends?keyword="+url.QueryEscape(keyword), nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

// HTTPSupplier implements SupplierSearch.
type HTTPSupplier struct{ *Client }

type wireOpportunity struct {
	Title    string    `json:"title"`
	Cost     wireMoney `json:"cost"`
	Shipping wireMoney `json:"shipping"`
	URL      string    `json:"url"`
	Ref      string    `json:"ref"`
}

func (h HTTPSupplier) FindProducts(ctx context.Context, keyword string) ([]domain.Opportunity, error) {
	var out struct {
		Products []wireOpportunity `json:"products"`
	}
	if _, err := h.do(ctx, http.MethodGet, "/products?keyword="+url.QueryEscape(keyword), nil, &out, nil); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	opps := make([]domain.Opportunity, 0, len(out.Products))
	for _, p := range out.Products {
		cost, err := p.Cost.money()
		if err != nil {
			return nil, fmt.Errorf("product %q cost: %w", p.Ref, err)
		}
		shipping := settlement.New(0, cost.Currency)
		if p.Shipping.Amount != "" {
			if shipping, err = p.Shipping.money(); err != nil {
				return nil, fmt.Errorf("product %q shipping: %w", p.Ref, err)
			}
		}
		opps = append(opps, domain.Opportunity{
			Title:        p.Title,
			SupplierCost: cost,
			Shipping:     shipping,
			SupplierURL:  p.URL,
			SupplierRef:  p.Ref,
			DiscoveredAt: now,
		})
	}
	return opps, nil
}

// HTTPMarketplace implements Marketplace.
type HTTPMarketplace struct{ *Client }

func (h HTTPMarketplace) Publish(ctx context.Context, l Listing) (string, error) {
	in := struct {
		ProductID   string    `json:"productId"`
		Title       string    `json:"title"`
		Price       wireMoney `json:"price"`
		SupplierURL string    `json:"supplierUrl"`
	}{l.ProductID, l.Title, toWire(l.Price), l.SupplierURL}

	var out struct {
		ID string `json:"id"`
	}
	hdr := http.Header{"Idempotency-Key": {l.ProductID}}
	if _, err := h.do(ctx, http.MethodPost, "/listings", in, &out, hdr); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: %s: empty listing id", ErrRequest, h.service)
	}
	return out.ID, nil
}

func (h HTTPMarketplace) ComparePrice(ctx context.Context, query string) (settlement.Money, error) {
	var out wireMoney
	if _, err := h.do(ctx, http.MethodGet, "/prices/lowest?query="+url.QueryEscape(query), nil, &out, nil); err != nil {
		return settlement.Money{}, err
	}
	return out.money()
}

// HTTPSaleFeed implements SaleFeed by polling. 204 means no sale yet.
type HTTPSaleFeed struct {
	*Client
	PollInterval time.Duration
}

func (h HTTPSaleFeed) AwaitSale(ctx context.Context, listingID string) (domain.SaleNotification, error) {
	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		var out struct {
			ProductID       string                 `json:"productId"`
			PaymentToken    string                 `json:"paymentToken"`
			Amount          wireMoney              `json:"amount"`
			ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
		}
		status, err := h.do(ctx, http.MethodGet, "/listings/"+url.PathEscape(listingID)+"/sale", nil, &out, nil)
		if err != nil {
			return domain.SaleNotification{}, err
		}
		if status != http.StatusNoContent {
			amount, err := out.Amount.money()
			if err != nil {
				return domain.SaleNotification{}, err
			}
			return domain.SaleNotification{
				ProductID:       out.ProductID,
				ListingID:       listingID,
				PaymentToken:    out.PaymentToken,
				Amount:          amount,
				ShippingAddress: out.ShippingAddress,
			}, nil
		}

		select {
		case <-ctx.Done():
			return domain.SaleNotification{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// HTTPPayments implements PaymentCapture.
type HTTPPayments struct{ *Client }

func (h HTTPPayments) CaptureOrder(ctx context.Context, paymentToken string) (Capture, error) {
	var out struct {
		Amount  wireMoney `json:"amount"`
		PayerID string    `json:"payerId"`
	}
	hdr := http.Header{"Idempotency-Key": {paymentToken}}
	if _, err := h.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(paymentToken)+"/capture", nil, &out, hdr); err != nil {
		return Capture{}, err
	}
	amount, err := out.Amount.money()
	if err != nil {
		return Capture{}, err
	}
	return Capture{Amount: amount, PayerID: out.PayerID}, nil
}

// HTTPPurchases implements SupplierPurchase.
type HTTPPurchases struct{ *Client }

func (h HTTPPurchases) PlaceOrder(ctx context.Context, req PurchaseRequest) (string, error) {
	in := struct {
		ProductURL      string                 `json:"productUrl"`
		ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
		MaxPrice        wireMoney              `json:"maxPrice"`
	}{req.ProductURL, req.ShippingAddress, toWire(req.MaxPrice)}

	var out struct {
		OrderID string `json:"orderId"`
	}
	var hdr http.Header
	if req.IdempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": {req.IdempotencyKey}}
	}
	if _, err := h.do(ctx, http.MethodPost, "/orders", in, &out, hdr); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("%w: %s: empty supplier order id", ErrRequest, h.service)
	}
	return out.OrderID, nil
}

// HTTPTracking implements Tracking.
type HTTPTracking struct{ *Client }

func (h HTTPTracking) GetTrackingStatus(ctx context.Context, supplierOrderID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if _, err := h.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(supplierOrderID)+"/tracking", nil, &out, nil); err != nil {
		return "", err
	}
	return out.Status, nil
}

// NewSet builds the collaborator set from provider config. A provider with
// no base URL falls back to sim.
func NewSet(cfg map[string]config.ProviderConfig, sim *Simulated, opts ...ClientOption) Set {
	client := func(name string) *Client {
		pc, ok := cfg[name]
		if !ok || pc.BaseURL == "" {
			return nil
		}
		o := append([]ClientOption{WithRateLimit(pc.RatePerSecond, pc.Burst)}, opts...)
		c := NewClient(name, pc.BaseURL, o...)
		if pc.Timeout > 0 {
			c.httpClient.Timeout = pc.Timeout
		}
		return c
	}

	set := Set{
		Trends:      sim,
		Supplier:    sim,
		Marketplace: sim,
		Sales:       sim,
		Payments:    sim,
		Purchases:   sim,
		Tracking:    sim,
	}
	if c := client("trends"); c != nil {
		set.Trends = HTTPTrends{c}
	}
	if c := client("aliexpress"); c != nil {
		set.Supplier = HTTPSupplier{c}
		set.Purchases = HTTPPurchases{c}
	}
	if c := client("marketplace"); c != nil {
		set.Marketplace = HTTPMarketplace{c}
	}
	if c := client("sales"); c != nil {
		// Sale polling waits on buyers, not on a slow server.
		c.httpClient.Timeout = 0
		set.Sales = HTTPSaleFeed{Client: c}
	}
	if c := client("paypal"); c != nil {
		set.Payments = HTTPPayments{c}
	}
	if c := client("tracking"); c != nil {
		set.Tracking = HTTPTracking{c}
	}
	return set
}
