// Package workflow tracks each product through its lifecycle stages and keeps
// the append-only audit timeline.
package workflow

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
	"github.com/buildtall-systems/dropship/internal/settlement"
)

// ErrInvalidTransition indicates a stage or status change the lifecycle does
// not allow from the product's current state.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrUnknownStage indicates a stage name outside the lifecycle.
var ErrUnknownStage = errors.New("unknown stage")

// Store persists products and their timeline. *db.DB implements it.
type Store interface {
	InsertProduct(ctx context.Context, p *domain.Product, ev domain.TimelineEvent) error
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ApplyStageChange(ctx context.Context, c db.StageChange) error
	UpdateProduct(ctx context.Context, u db.ProductUpdate) error
	ListTimeline(ctx context.Context, productID string) ([]domain.TimelineEvent, error)
}

// Machine applies lifecycle transitions. It holds no per-product state, so
// one Machine serves every product concurrently; conflicting writes are
// caught by the store's version check.
type Machine struct {
	store     Store
	sink      events.Sink
	metrics   *metrics.Registry
	logger    *slog.Logger
	modes     map[domain.Stage]domain.StageMode
	now       func() time.Time
	stageSM   *fsm.StageStateMachine
	productSM *fsm.ProductStateMachine
}

// Option configures a Machine.
type Option func(*Machine)

// WithModes sets the mode new products get per stage.
func WithModes(modes map[domain.Stage]domain.StageMode) Option {
	return func(m *Machine) {
		for k, v := range modes {
			m.modes[k] = v
		}
	}
}

func WithMetrics(r *metrics.Registry) Option {
	return func(m *Machine) { m.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func New(store Store, sink events.Sink, opts ...Option) *Machine {
	if sink == nil {
		sink = events.Nop{}
	}
	m := &Machine{
		store:     store,
		sink:      sink,
		logger:    slog.Default(),
		modes:     make(map[domain.Stage]domain.StageMode),
		now:       time.Now,
		stageSM:   fsm.NewStageStateMachine(),
		productSM: fsm.NewProductStateMachine(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "workflow")
	return m
}

// Mode returns the configured mode for stage.
func (m *Machine) Mode(stage domain.Stage) domain.StageMode {
	if mode, ok := m.modes[stage]; ok {
		return mode
	}
	return domain.ModeAutomatic
}

// Draft is the input for a new product.
type Draft struct {
	Opportunity domain.Opportunity
	Currency    string
	Actor       string
}

// Create persists a product from an opportunity with every stage pending.
func (m *Machine) Create(ctx context.Context, d Draft) (*domain.Product, error) {
	now := m.now().UTC()
	op := d.Opportunity
	p := &domain.Product{
		ID:           uuid.NewString(),
		Title:        op.Title,
		SupplierURL:  op.SupplierURL,
		SupplierRef:  op.SupplierRef,
		SupplierCost: op.SupplierCost,
		Shipping:     op.Shipping,
		TotalCost:    settlement.New(0, d.Currency),
		Price:        settlement.New(0, d.Currency),
		Status:       domain.ProductPending,
		CurrentStage: domain.Stages[0],
		Stages:       make(map[domain.Stage]domain.StageInfo, len(domain.Stages)),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, s := range domain.Stages {
		p.Stages[s] = domain.StageInfo{Stage: s, Status: domain.StagePending, Mode: m.Mode(s), UpdatedAt: now}
	}

	ev := m.newEvent(p.ID, domain.StageScrape, domain.ActionCreated, d.Actor, op.SupplierURL, now)
	if err := m.store.InsertProduct(ctx, p, ev); err != nil {
		return nil, fmt.Errorf("creating product: %w", err)
	}
	m.publish(ctx, ev)
	m.logger.Info("product created", "product", p.ID, "title", p.Title)
	return p, nil
}

// Get returns a product with its stages.
func (m *Machine) Get(ctx context.Context, id string) (*domain.Product, error) {
	return m.store.GetProduct(ctx, id)
}

// Timeline returns the product's audit trail in order.
func (m *Machine) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	return m.store.ListTimeline(ctx, id)
}

// Begin moves a pending stage to in-progress.
func (m *Machine) Begin(ctx context.Context, id string, stage domain.Stage, actor string) (*domain.Product, error) {
	return m.transition(ctx, id, stage, fsm.StageEventStart, domain.ActionStarted, true, actor, "", "")
}

// Outcome is the result of working a stage.
type Outcome struct {
	Success     bool
	Reason      string
	ExternalRef string
	Actor       string
}

// Advance completes or fails a stage. Completing a stage requires every
// earlier stage to be completed, skipped or not-needed.
func (m *Machine) Advance(ctx context.Context, id string, stage domain.Stage, o Outcome) (*domain.Product, error) {
	if o.Success {
		return m.transition(ctx, id, stage, fsm.StageEventComplete, domain.ActionCompleted, true, o.Actor, o.ExternalRef, o.Reason)
	}
	reason := o.Reason
	if reason == "" {
		reason = "failed"
	}
	return m.transition(ctx, id, stage, fsm.StageEventFail, domain.ActionFailed, false, o.Actor, o.ExternalRef, reason)
}

// Skip marks a pending stage not-needed, e.g. automatic analysis when
// publishing is manual.
func (m *Machine) Skip(ctx context.Context, id string, stage domain.Stage, reason, actor string) (*domain.Product, error) {
	return m.transition(ctx, id, stage, fsm.StageEventSkip, domain.ActionSkipped, false, actor, "", reason)
}

// Bypass is an operator override marking a pending or failed stage skipped.
func (m *Machine) Bypass(ctx context.Context, id string, stage domain.Stage, reason, actor string) (*domain.Product, error) {
	return m.transition(ctx, id, stage, fsm.StageEventBypass, domain.ActionBypassed, false, actor, "", reason)
}

// Retry returns a failed stage to pending.
func (m *Machine) Retry(ctx context.Context, id string, stage domain.Stage, actor string) (*domain.Product, error) {
	return m.transition(ctx, id, stage, fsm.StageEventRetry, domain.ActionRetried, false, actor, "", "")
}

func (m *Machine) transition(ctx context.Context, id string, stage domain.Stage, event, action string,
	needPrior bool, actor, ref, reason string) (*domain.Product, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	p, err := m.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	info := p.Stages[stage]
	if !m.stageSM.CanTransition(string(info.Status), event) {
		return nil, fmt.Errorf("%w: %s stage %s cannot %s", ErrInvalidTransition, stage, info.Status, event)
	}
	if needPrior {
		for _, prior := range domain.Stages[:stage.Index()] {
			if !p.Stages[prior].Status.Satisfied() {
				return nil, fmt.Errorf("%w: %s requires %s, which is %s",
					ErrInvalidTransition, stage, prior, p.Stages[prior].Status)
			}
		}
	}
	next, err := m.stageSM.Transition(ctx, string(info.Status), event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	now := m.now().UTC()
	from := info.Status
	info.Status = domain.StageStatus(next)
	info.Reason = reason
	info.UpdatedAt = now
	if ref != "" {
		info.ExternalRef = ref
	}
	info.CompletedAt = nil
	if info.Status == domain.StageCompleted {
		info.CompletedAt = &now
	}
	p.Stages[stage] = info
	current := domain.CurrentStage(p.Stages)

	detail := reason
	if detail == "" {
		detail = ref
	}
	ev := m.newEvent(p.ID, stage, action, actor, detail, now)

	err = m.store.ApplyStageChange(ctx, db.StageChange{
		ProductID:       p.ID,
		ExpectedVersion: p.Version,
		Stage:           stage,
		From:            from,
		To:              info.Status,
		ExternalRef:     info.ExternalRef,
		Reason:          info.Reason,
		CompletedAt:     info.CompletedAt,
		CurrentStage:    current,
		Event:           ev,
	})
	if err != nil {
		return nil, fmt.Errorf("applying %s on %s: %w", event, stage, err)
	}

	p.CurrentStage = current
	p.Version++
	p.UpdatedAt = now
	m.publish(ctx, ev)
	m.logger.Debug("stage transition", "product", p.ID, "stage", stage, "from", from, "to", info.Status, "actor", actor)
	return p, nil
}

var statusEvents = map[domain.ProductStatus]string{
	domain.ProductApproved:  fsm.ProductEventApprove,
	domain.ProductRejected:  fsm.ProductEventReject,
	domain.ProductPublished: fsm.ProductEventPublish,
	domain.ProductInactive:  fsm.ProductEventDeactivate,
}

// SetStatus changes the product's commercial status.
func (m *Machine) SetStatus(ctx context.Context, id string, to domain.ProductStatus, actor, detail string) (*domain.Product, error) {
	return m.update(ctx, id, to, actor, func(p *domain.Product, u *db.ProductUpdate) string {
		if detail == "" {
			return string(p.Status) + " -> " + string(to)
		}
		return detail
	})
}

// RecordPricing stores the landed cost and asking price and approves the
// product. Pass approve=false to keep the status unchanged.
func (m *Machine) RecordPricing(ctx context.Context, id string, totalCost, price settlement.Money, approve bool, actor string) (*domain.Product, error) {
	var to domain.ProductStatus
	if approve {
		to = domain.ProductApproved
	}
	return m.update(ctx, id, to, actor, func(p *domain.Product, u *db.ProductUpdate) string {
		u.TotalCost = &totalCost
		u.Price = &price
		p.TotalCost = totalCost
		p.Price = price
		return "cost " + totalCost.String() + ", price " + price.String()
	})
}

// Publish records the marketplace listing and marks the product published.
func (m *Machine) Publish(ctx context.Context, id, listingID, actor string) (*domain.Product, error) {
	return m.update(ctx, id, domain.ProductPublished, actor, func(p *domain.Product, u *db.ProductUpdate) string {
		u.ListingID = listingID
		p.ListingID = listingID
		return listingID
	})
}

func (m *Machine) update(ctx context.Context, id string, to domain.ProductStatus, actor string,
	fill func(*domain.Product, *db.ProductUpdate) string) (*domain.Product, error) {
	p, err := m.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	u := db.ProductUpdate{ID: p.ID, ExpectedVersion: p.Version}
	action := domain.ActionPriced
	if to != "" {
		event, ok := statusEvents[to]
		if !ok || !m.productSM.CanTransition(string(p.Status), event) {
			return nil, fmt.Errorf("%w: product %s cannot become %s", ErrInvalidTransition, p.Status, to)
		}
		u.Status = to
		action = domain.ActionStatus
		if to == domain.ProductPublished {
			action = domain.ActionListed
		}
	}
	detail := fill(p, &u)
	if to != "" {
		p.Status = to
	}

	now := m.now().UTC()
	u.Event = m.newEvent(p.ID, p.CurrentStage, action, actor, detail, now)
	if err := m.store.UpdateProduct(ctx, u); err != nil {
		return nil, fmt.Errorf("updating product %s: %w", p.ID, err)
	}

	p.Version++
	p.UpdatedAt = now
	m.publish(ctx, u.Event)
	return p, nil
}

func (m *Machine) newEvent(productID string, stage domain.Stage, action, actor, detail string, at time.Time) domain.TimelineEvent {
	if actor == "" {
		actor = "system"
	}
	return domain.TimelineEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ProductID: productID,
		Stage:     stage,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: at,
	}
}

// publish forwards a committed event. A sink failure is logged, not
// returned: the database row is the record of truth.
func (m *Machine) publish(ctx context.Context, ev domain.TimelineEvent) {
	m.metrics.ObserveTimelineEvent()
	env, err := events.New(events.KindTimeline, ev.ProductID, ev)
	if err == nil {
		err = m.sink.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		m.logger.Warn("publishing timeline event", "product", ev.ProductID, "event", ev.ID, "error", err)
	}
}
