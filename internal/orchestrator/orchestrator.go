// Package orchestrator runs dropshipping cycles: one pass of a product
// opportunity from trend discovery to accounting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/buildtall-systems/dropship/internal/credentials"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/events"
	"github.com/buildtall-systems/dropship/internal/fulfillment"
	"github.com/buildtall-systems/dropship/internal/metrics"
	"github.com/buildtall-systems/dropship/internal/providers"
	"github.com/buildtall-systems/dropship/internal/resilience"
	"github.com/buildtall-systems/dropship/internal/settlement"
	"github.com/buildtall-systems/dropship/internal/workflow"
)

// Profit Guard policies.
type ProfitGuard string

const (
	ProfitGuardWarn  ProfitGuard = "warn"
	ProfitGuardBlock ProfitGuard = "block"
)

// Breaker names for dependencies the orchestrator calls directly. Payment,
// purchase and tracking calls go through the fulfillment controller.
const (
	BreakerTrends      = "trends"
	BreakerSupplier    = fulfillment.BreakerSupplier
	BreakerMarketplace = "marketplace"
)

// Criteria selects what a cycle works on.
type Criteria struct {
	Keyword      string `json:"keyword"`
	SkipPostSale bool   `json:"skipPostSale"`
	// MaxCapital caps the landed cost of the chosen opportunity. Zero means
	// no cap.
	MaxCapital settlement.Money `json:"maxCapital"`
	// MinNetProfit is the smallest acceptable projected net profit. Zero
	// means any positive profit.
	MinNetProfit settlement.Money `json:"minNetProfit"`
	// UserID selects whose credentials outbound calls use.
	UserID string `json:"userId,omitempty"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage      Stage  `json:"stage"`
	OK         bool   `json:"ok"`
	Real       bool   `json:"real"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// Pricing summarizes the pricing stage.
type Pricing struct {
	TotalCost       settlement.Money  `json:"totalCost"`
	SuggestedPrice  settlement.Money  `json:"suggestedPrice"`
	Projected       settlement.Result `json:"projected"`
	CompetitorPrice *settlement.Money `json:"competitorPrice,omitempty"`
	ProfitGuard     bool              `json:"profitGuard"`
}

// CycleResult is the full diagnostic picture of one cycle.
type CycleResult struct {
	ID              string                   `json:"id"`
	Keyword         string                   `json:"keyword"`
	Success         bool                     `json:"success"`
	Stages          []StageResult            `json:"stages"`
	Signals         []providers.DemandSignal `json:"signals,omitempty"`
	ProductID       string                   `json:"productId,omitempty"`
	ListingID       string                   `json:"listingId,omitempty"`
	OrderID         string                   `json:"orderId,omitempty"`
	SupplierOrderID string                   `json:"supplierOrderId,omitempty"`
	Pricing         *Pricing                 `json:"pricing,omitempty"`
	Settlement      *settlement.Result       `json:"settlement,omitempty"`
	StartedAt       time.Time                `json:"startedAt"`
	FinishedAt      time.Time                `json:"finishedAt"`
}

// Stage returns the result for s.
func (r CycleResult) Stage(s Stage) StageResult {
	for _, sr := range r.Stages {
		if sr.Stage == s {
			return sr
		}
	}
	return StageResult{Stage: s}
}

// SaleRecorder persists settled sales. *db.DB implements it.
type SaleRecorder interface {
	RecordSale(ctx context.Context, s *domain.Sale, commissionID string) error
}

// Deps are the collaborators a cycle uses.
type Deps struct {
	Workflow    *workflow.Machine
	Fulfillment *fulfillment.Controller
	Sales       SaleRecorder
	Providers   providers.Set
	Breakers    *resilience.Registry
	Rates       *settlement.RateTable
}

// Settings are the commercial and timing parameters of a cycle.
type Settings struct {
	Currency           string
	TargetMargin       decimal.Decimal
	MarketplaceFee     decimal.Decimal
	PlatformCommission decimal.Decimal
	ProfitGuard        ProfitGuard
	StageTimeout       time.Duration
	StageTimeouts      map[Stage]time.Duration
	Actor              string
}

// Orchestrator runs cycles. It is safe for concurrent use; concurrent
// cycles share the breaker registry.
type Orchestrator struct {
	deps     Deps
	cfg      Settings
	handlers map[Stage]handler
	sink     events.Sink
	metrics  *metrics.Registry
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(deps Deps, cfg Settings, opts ...Option) *Orchestrator {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.ProfitGuard == "" {
		cfg.ProfitGuard = ProfitGuardWarn
	}
	if cfg.Actor == "" {
		cfg.Actor = "orchestrator"
	}
	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		sink:   events.Nop{},
		tracer: otel.Tracer("github.com/buildtall-systems/dropship/internal/orchestrator"),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.handlers = map[Stage]handler{
		StageTrends:             o.trends,
		StageSupplierSearch:     o.supplierSearch,
		StagePricing:            o.pricing,
		StageMarketplaceCompare: o.marketplaceCompare,
		StagePublish:            o.publish,
		StageSale:               o.sale,
		StagePaymentCapture:     o.paymentCapture,
		StageSupplierPurchase:   o.supplierPurchase,
		StageTracking:           o.tracking,
		StageAccounting:         o.accounting,
	}
	return o
}

// fatal errors abort the rest of the cycle.
func fatal(err error) bool {
	return errors.Is(err, workflow.ErrInvalidTransition) ||
		errors.Is(err, settlement.ErrInvalidMargin) ||
		errors.Is(err, settlement.ErrSettlementMismatch)
}

// Validate rejects criteria whose amounts are not in the settlement
// currency.
func (o *Orchestrator) Validate(c Criteria) error {
	limits := []struct {
		name string
		m    settlement.Money
	}{
		{"maxCapital", c.MaxCapital},
		{"minNetProfit", c.MinNetProfit},
	}
	for _, l := range limits {
		if !l.m.IsZero() && !strings.EqualFold(l.m.Currency, o.cfg.Currency) {
			return fmt.Errorf("%w: %s is in %q, settlement currency is %s",
				settlement.ErrCurrencyMismatch, l.name, l.m.Currency, o.cfg.Currency)
		}
	}
	return nil
}

// RunCycle executes every stage in order and always returns a complete
// result. Stage failures are recorded, not returned.
func (o *Orchestrator) RunCycle(ctx context.Context, c Criteria) CycleResult {
	ctx = credentials.WithUser(ctx, c.UserID)
	res := CycleResult{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Keyword:   c.Keyword,
		StartedAt: o.now().UTC(),
	}
	ctx, span := o.tracer.Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("cycle.id", res.ID),
		attribute.String("cycle.keyword", c.Keyword),
		attribute.Bool("cycle.skip_post_sale", c.SkipPostSale),
	))
	defer span.End()

	logger := o.logger.With("cycle", res.ID, "keyword", c.Keyword)
	run := &cycle{criteria: c, result: &res, logger: logger}

	var results [numStages]StageResult
	st := planState{
		results:       &results,
		skipPostSale:  c.SkipPostSale,
		manualPublish: o.deps.Workflow.Mode(domain.StagePublish) == domain.ModeManual,
	}
	for _, s := range Stages() {
		st.cancelled = ctx.Err() != nil
		d := decide(s, st)
		sr := StageResult{Stage: s}

		switch d {
		case Skip:
			sr.OK, sr.Skipped = true, true
		case BlockedByUpstream:
			sr.Error = ErrTextUpstreamFailed
		case Aborted:
			sr.Error = ErrTextAborted
		case Cancelled:
			sr.Error = ErrTextCancelled
		case Run:
			var err error
			sr, err = o.runStage(ctx, s, run)
			if err != nil && fatal(err) {
				logger.Error("cycle aborted", "stage", s, "error", err)
				st.aborted = true
			}
		}

		results[s] = sr
		outcome := d.String()
		if d == Run {
			outcome = "ok"
			if !sr.OK {
				outcome = "failed"
			}
		}
		o.metrics.ObserveStage(s.String(), outcome)
	}

	switch {
	case ctx.Err() != nil:
		o.abandon(ctx, run, ctx.Err())
	case st.aborted:
		o.abandon(ctx, run, errors.New(ErrTextAborted))
	}

	res.Stages = results[:]
	res.Success = true
	for _, sr := range res.Stages {
		if !sr.Skipped && !sr.OK {
			res.Success = false
		}
	}
	res.FinishedAt = o.now().UTC()

	span.SetAttributes(attribute.Bool("cycle.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, "cycle failed")
	}
	o.metrics.ObserveCycle(res.Success, res.FinishedAt.Sub(res.StartedAt))
	o.publishResult(ctx, res)
	logger.Info("cycle finished", "success", res.Success, "product", res.ProductID, "order", res.OrderID)
	return res
}

// runStage invokes the stage handler under the stage's timeout.
func (o *Orchestrator) runStage(ctx context.Context, s Stage, c *cycle) (StageResult, error) {
	timeout := o.cfg.StageTimeout
	if t, ok := o.cfg.StageTimeouts[s]; ok && t > 0 {
		timeout = t
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx, span := o.tracer.Start(sctx, "stage."+s.String())
	defer span.End()

	start := o.now()
	isReal, err := o.handlers[s](sctx, c)
	sr := StageResult{
		Stage:      s,
		OK:         err == nil,
		Real:       isReal && err == nil,
		DurationMS: o.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		sr.Error = stageError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, sr.Error)
		c.logger.Warn("stage failed", "stage", s, "error", err)
	}
	span.SetAttributes(attribute.Bool("stage.ok", sr.OK), attribute.Bool("stage.real", sr.Real))
	return sr, err
}

// stageError renders err for a StageResult. Cancellation of the cycle
// itself reads as "cancelled"; a stage timeout keeps its message.
func stageError(parent context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return ErrTextCancelled
	case errors.Is(err, errProfitGuard):
		return ErrTextProfitGuard
	}
	return err.Error()
}

func (o *Orchestrator) publishResult(ctx context.Context, res CycleResult) {
	env, err := events.New(events.KindCycle, res.ID, res)
	if err == nil {
		err = o.sink.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		o.logger.Warn("publishing cycle result", "cycle", res.ID, "error", err)
	}
}

// RunBatch runs independent cycles with at most parallel in flight.
// Results are in input order.
func (o *Orchestrator) RunBatch(ctx context.Context, criteria []Criteria, parallel int) []CycleResult {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]CycleResult, len(criteria))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, c := range criteria {
		g.Go(func() error {
			results[i] = o.RunCycle(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
