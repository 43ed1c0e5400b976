package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/fulfillment"
	"github.com/buildtall-systems/dropship/internal/providers"
	"github.com/buildtall-systems/dropship/internal/resilience"
	"github.com/buildtall-systems/dropship/internal/settlement"
	"github.com/buildtall-systems/dropship/internal/workflow"
)

var errProfitGuard = errors.New("profit guard")

// handler runs one stage. It reports whether a real (non-simulated)
// collaborator produced the result.
type handler func(ctx context.Context, c *cycle) (bool, error)

// cycle carries stage outputs forward to later stages.
type cycle struct {
	criteria Criteria
	result   *CycleResult
	logger   *slog.Logger

	product *domain.Product
	order   *domain.Order
	// open is a product stage begun by one handler and closed by a later one.
	open domain.Stage
}

func (o *Orchestrator) trends(ctx context.Context, c *cycle) (bool, error) {
	p := o.deps.Providers.Trends
	signals, err := resilience.Call(ctx, o.deps.Breakers, BreakerTrends, func(ctx context.Context) ([]providers.DemandSignal, error) {
		return p.Search(ctx, c.criteria.Keyword)
	})
	if err != nil {
		return false, err
	}
	c.result.Signals = signals
	return providers.IsReal(p), nil
}

func (o *Orchestrator) supplierSearch(ctx context.Context, c *cycle) (bool, error) {
	p := o.deps.Providers.Supplier
	opps, err := resilience.Call(ctx, o.deps.Breakers, BreakerSupplier, func(ctx context.Context) ([]domain.Opportunity, error) {
		return p.FindProducts(ctx, c.criteria.Keyword)
	})
	if err != nil {
		return false, err
	}

	op, err := o.choose(opps, c.criteria)
	if err != nil {
		return providers.IsReal(p), err
	}

	product, err := o.deps.Workflow.Create(ctx, workflow.Draft{Opportunity: op, Currency: o.cfg.Currency, Actor: o.cfg.Actor})
	if err != nil {
		return providers.IsReal(p), err
	}
	c.product = product
	c.result.ProductID = product.ID

	product, err = o.deps.Workflow.Advance(ctx, product.ID, domain.StageScrape, workflow.Outcome{
		Success:     true,
		ExternalRef: op.SupplierRef,
		Actor:       o.cfg.Actor,
	})
	if err != nil {
		o.finalize(ctx, c, domain.StageScrape, err)
		return providers.IsReal(p), err
	}
	c.product = product
	return providers.IsReal(p), nil
}

// choose returns the first opportunity whose landed cost fits the capital cap.
func (o *Orchestrator) choose(opps []domain.Opportunity, c Criteria) (domain.Opportunity, error) {
	if len(opps) == 0 {
		return domain.Opportunity{}, fmt.Errorf("%w: for %q", providers.ErrNoResults, c.Keyword)
	}
	if c.MaxCapital.IsZero() {
		return opps[0], nil
	}
	for _, op := range opps {
		landed, err := o.landedCost(op.SupplierCost, op.Shipping)
		if err != nil {
			return domain.Opportunity{}, err
		}
		if landed.Currency == c.MaxCapital.Currency && landed.AmountMinor <= c.MaxCapital.AmountMinor {
			return op, nil
		}
	}
	return domain.Opportunity{}, fmt.Errorf("%w: nothing within capital %s", providers.ErrNoResults, c.MaxCapital)
}

func (o *Orchestrator) landedCost(cost, shipping settlement.Money) (settlement.Money, error) {
	rate, err := o.deps.Rates.Rate(cost.Currency, o.cfg.Currency)
	if err != nil {
		return settlement.Money{}, err
	}
	return settlement.LandedCost(cost, shipping, o.cfg.Currency, rate)
}

func (o *Orchestrator) pricing(ctx context.Context, c *cycle) (bool, error) {
	p := c.product
	total, err := o.landedCost(p.SupplierCost, p.Shipping)
	if err != nil {
		o.finalize(ctx, c, domain.StageAnalyze, err)
		return true, err
	}
	price, err := settlement.SuggestPrice(total, o.cfg.TargetMargin)
	if err != nil {
		o.finalize(ctx, c, domain.StageAnalyze, err)
		return true, err
	}
	projected, err := settlement.SettleSale(price, total, o.cfg.MarketplaceFee, o.cfg.PlatformCommission)
	if err != nil {
		o.finalize(ctx, c, domain.StageAnalyze, err)
		return true, err
	}

	floor := c.criteria.MinNetProfit
	belowMin := !floor.IsZero() && floor.Currency == projected.NetUserProfit.Currency &&
		projected.NetUserProfit.AmountMinor < floor.AmountMinor
	guard := projected.Unprofitable || belowMin
	c.result.Pricing = &Pricing{
		TotalCost:      total,
		SuggestedPrice: price,
		Projected:      projected,
		ProfitGuard:    guard,
	}

	wf := o.deps.Workflow
	if guard && o.cfg.ProfitGuard == ProfitGuardBlock {
		detail := fmt.Sprintf("projected net %s on price %s", projected.NetUserProfit, price)
		if _, err := wf.RecordPricing(ctx, p.ID, total, price, false, o.cfg.Actor); err != nil {
			return true, err
		}
		if _, err := wf.Advance(ctx, p.ID, domain.StageAnalyze, workflow.Outcome{Reason: ErrTextProfitGuard, Actor: o.cfg.Actor}); err != nil {
			return true, err
		}
		if c.product, err = wf.SetStatus(ctx, p.ID, domain.ProductRejected, o.cfg.Actor, detail); err != nil {
			return true, err
		}
		return true, fmt.Errorf("%w: %s", errProfitGuard, detail)
	}
	if guard {
		c.logger.Warn("profit guard", "net", projected.NetUserProfit, "price", price, "unprofitable", projected.Unprofitable)
	}

	if wf.Mode(domain.StagePublish) == domain.ModeManual {
		_, err = wf.Skip(ctx, p.ID, domain.StageAnalyze, "manual publish mode", o.cfg.Actor)
	} else {
		_, err = wf.Advance(ctx, p.ID, domain.StageAnalyze, workflow.Outcome{Success: true, Actor: o.cfg.Actor})
	}
	if err != nil {
		o.finalize(ctx, c, domain.StageAnalyze, err)
		return true, err
	}
	if c.product, err = wf.RecordPricing(ctx, p.ID, total, price, true, o.cfg.Actor); err != nil {
		return true, err
	}
	return true, nil
}

func (o *Orchestrator) marketplaceCompare(ctx context.Context, c *cycle) (bool, error) {
	mp := o.deps.Providers.Marketplace
	competitor, err := resilience.Call(ctx, o.deps.Breakers, BreakerMarketplace, func(ctx context.Context) (settlement.Money, error) {
		return mp.ComparePrice(ctx, c.product.Title)
	})
	if err != nil {
		return false, err
	}
	c.result.Pricing.CompetitorPrice = &competitor
	ours := c.result.Pricing.SuggestedPrice
	if competitor.Currency == ours.Currency && competitor.AmountMinor < ours.AmountMinor {
		c.logger.Info("competitor is cheaper", "competitor", competitor, "ours", ours)
	}
	return providers.IsReal(mp), nil
}

func (o *Orchestrator) publish(ctx context.Context, c *cycle) (bool, error) {
	mp := o.deps.Providers.Marketplace
	wf := o.deps.Workflow
	p := c.product

	if _, err := wf.Begin(ctx, p.ID, domain.StagePublish, o.cfg.Actor); err != nil {
		return false, err
	}
	listingID, err := resilience.Call(ctx, o.deps.Breakers, BreakerMarketplace, func(ctx context.Context) (string, error) {
		return mp.Publish(ctx, providers.Listing{
			ProductID:   p.ID,
			Title:       p.Title,
			Price:       p.Price,
			SupplierURL: p.SupplierURL,
		})
	})
	if err != nil {
		o.finalize(ctx, c, domain.StagePublish, err)
		return false, err
	}
	c.result.ListingID = listingID

	if _, err := wf.Publish(ctx, p.ID, listingID, o.cfg.Actor); err != nil {
		o.finalize(ctx, c, domain.StagePublish, err)
		return providers.IsReal(mp), err
	}
	product, err := wf.Advance(ctx, p.ID, domain.StagePublish, workflow.Outcome{Success: true, ExternalRef: listingID, Actor: o.cfg.Actor})
	if err != nil {
		o.finalize(ctx, c, domain.StagePublish, err)
		return providers.IsReal(mp), err
	}
	c.product = product
	return providers.IsReal(mp), nil
}

func (o *Orchestrator) sale(ctx context.Context, c *cycle) (bool, error) {
	feed := o.deps.Providers.Sales
	n, err := feed.AwaitSale(ctx, c.result.ListingID)
	if err != nil {
		return false, err
	}
	if n.ProductID == "" {
		n.ProductID = c.product.ID
	}

	order, err := o.deps.Fulfillment.CreateOrder(ctx, n)
	if err != nil {
		return providers.IsReal(feed), err
	}
	c.order = order
	c.result.OrderID = order.ID

	if _, err := o.deps.Workflow.Begin(ctx, c.product.ID, domain.StagePurchase, o.cfg.Actor); err != nil {
		return providers.IsReal(feed), err
	}
	c.open = domain.StagePurchase
	return providers.IsReal(feed), nil
}

func (o *Orchestrator) paymentCapture(ctx context.Context, c *cycle) (bool, error) {
	order, err := o.deps.Fulfillment.CapturePayment(ctx, c.order.ID)
	if err != nil {
		o.finalize(ctx, c, domain.StagePurchase, err)
		return false, err
	}
	c.order = order
	return providers.IsReal(o.deps.Providers.Payments), nil
}

func (o *Orchestrator) supplierPurchase(ctx context.Context, c *cycle) (bool, error) {
	res, err := o.deps.Fulfillment.Purchase(ctx, c.order.ID)
	if err != nil {
		o.finalize(ctx, c, domain.StagePurchase, err)
		return false, err
	}
	c.order = res.Order
	c.result.SupplierOrderID = res.SupplierOrderID

	product, err := o.deps.Workflow.Advance(ctx, c.product.ID, domain.StagePurchase, workflow.Outcome{
		Success:     true,
		ExternalRef: res.SupplierOrderID,
		Actor:       o.cfg.Actor,
	})
	if err != nil {
		o.finalize(ctx, c, domain.StagePurchase, err)
		return false, err
	}
	c.product = product
	c.open = ""
	return providers.IsReal(o.deps.Providers.Purchases), nil
}

func (o *Orchestrator) tracking(ctx context.Context, c *cycle) (bool, error) {
	order, err := o.deps.Fulfillment.RefreshTracking(ctx, c.order.ID)
	if err != nil {
		return false, err
	}
	c.order = order
	if _, err := o.deps.Workflow.Begin(ctx, c.product.ID, domain.StageFulfillment, o.cfg.Actor); err != nil {
		return false, err
	}
	return providers.IsReal(o.deps.Providers.Tracking), nil
}

func (o *Orchestrator) accounting(ctx context.Context, c *cycle) (bool, error) {
	r, err := settlement.SettleSale(c.order.SaleAmount, c.product.TotalCost, o.cfg.MarketplaceFee, o.cfg.PlatformCommission)
	if err != nil {
		return true, err
	}
	sale := &domain.Sale{
		ID:         uuid.Must(uuid.NewV7()).String(),
		OrderID:    c.order.ID,
		ProductID:  c.product.ID,
		Settlement: r,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.deps.Sales.RecordSale(ctx, sale, uuid.Must(uuid.NewV7()).String()); err != nil {
		return true, err
	}
	c.result.Settlement = &r
	if r.Unprofitable {
		c.logger.Warn("unprofitable sale", "order", c.order.ID, "gross", r.GrossProfit)
	}
	return providers.IsReal(o.deps.Providers.Payments), nil
}

// finalize records a product stage as failed after cause, with a context
// that outlives the cycle so a cancelled stage is not left in-progress.
// A stage that already left pending/in-progress is left alone.
func (o *Orchestrator) finalize(ctx context.Context, c *cycle, stage domain.Stage, cause error) {
	if c.product == nil {
		return
	}
	reason := cause.Error()
	switch {
	case errors.Is(cause, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		reason = ErrTextCancelled
	case errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = "timeout"
	case resilience.IsCircuitOpen(cause):
		reason = "circuit open"
	}
	_, err := o.deps.Workflow.Advance(context.WithoutCancel(ctx), c.product.ID, stage, workflow.Outcome{Reason: reason, Actor: o.cfg.Actor})
	if err != nil && !errors.Is(err, workflow.ErrInvalidTransition) {
		c.logger.Error("recording stage failure", "stage", stage, "error", err)
	}
	if stage == c.open {
		c.open = ""
	}
}

// abandon closes out work a cancelled or aborted cycle left half done: the
// stage opened by sale is failed, and an order whose payment was never
// captured is failed since nothing else will capture it.
func (o *Orchestrator) abandon(ctx context.Context, c *cycle, cause error) {
	if c.open != "" {
		o.finalize(ctx, c, c.open, cause)
	}
	if c.order == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	order, err := o.deps.Fulfillment.Get(bg, c.order.ID)
	if err != nil || order.Status != domain.OrderCreated {
		return
	}
	reason := cause.Error()
	if ctx.Err() != nil {
		reason = fulfillment.ReasonCancelled
	}
	if _, err := o.deps.Fulfillment.Fail(bg, order.ID, reason); err != nil {
		c.logger.Error("failing abandoned order", "order", order.ID, "error", err)
	}
}
