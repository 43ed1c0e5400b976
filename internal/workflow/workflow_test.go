package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/dropship/internal/db"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/events"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (s *recordingSink) Publish(_ context.Context, e events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func setupMachine(t *testing.T, opts ...Option) (*Machine, *recordingSink) {
	t.Helper()

	database, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		t.Fatalf("migrating test db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	sink := &recordingSink{}
	return New(database, sink, opts...), sink
}

func createProduct(t *testing.T, m *Machine) *domain.Product {
	t.Helper()
	p, err := m.Create(context.Background(), Draft{
		Opportunity: domain.Opportunity{
			Title:        "Desk lamp",
			SupplierCost: settlement.MustParse("25.50", "USD"),
			Shipping:     settlement.MustParse("4.30", "USD"),
			SupplierURL:  "https://supplier.example/item/9",
			SupplierRef:  "AE-9",
			DiscoveredAt: time.Now(),
		},
		Currency: "CLP",
		Actor:    "test",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func complete(t *testing.T, m *Machine, id string, stage domain.Stage) *domain.Product {
	t.Helper()
	p, err := m.Advance(context.Background(), id, stage, Outcome{Success: true, Actor: "test"})
	if err != nil {
		t.Fatalf("Advance(%s): %v", stage, err)
	}
	return p
}

func TestCreate(t *testing.T) {
	m, sink := setupMachine(t, WithModes(map[domain.Stage]domain.StageMode{
		domain.StagePublish: domain.ModeManual,
	}))
	p := createProduct(t, m)

	got, err := m.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.ProductPending || got.CurrentStage != domain.StageScrape {
		t.Errorf("Get() status=%s stage=%s", got.Status, got.CurrentStage)
	}
	if got.Stages[domain.StagePublish].Mode != domain.ModeManual {
		t.Errorf("publish mode = %s, want manual", got.Stages[domain.StagePublish].Mode)
	}
	if got.Stages[domain.StageAnalyze].Mode != domain.ModeAutomatic {
		t.Errorf("analyze mode = %s, want automatic", got.Stages[domain.StageAnalyze].Mode)
	}
	if sink.count() != 1 {
		t.Errorf("published %d events, want 1", sink.count())
	}
}

func TestAdvance_RequiresPriorStages(t *testing.T) {
	ctx := context.Background()
	m, _ := setupMachine(t)
	p := createProduct(t, m)
	complete(t, m, p.ID, domain.StageScrape)

	_, err := m.Advance(ctx, p.ID, domain.StagePublish, Outcome{Success: true})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Advance(publish) with analyze pending error = %v, want ErrInvalidTransition", err)
	}

	got, _ := m.Get(ctx, p.ID)
	if got.Stages[domain.StagePublish].Status != domain.StagePending {
		t.Errorf("publish = %s after rejected advance, want pending", got.Stages[domain.StagePublish].Status)
	}
}

func TestAdvance_WalksStagesInOrder(t *testing.T) {
	ctx := context.Background()
	m, sink := setupMachine(t)
	p := createProduct(t, m)

	p = complete(t, m, p.ID, domain.StageScrape)
	if p.CurrentStage != domain.StageAnalyze {
		t.Errorf("current stage = %s, want analyze", p.CurrentStage)
	}

	if _, err := m.Begin(ctx, p.ID, domain.StageAnalyze, "test"); err != nil {
		t.Fatalf("Begin(analyze): %v", err)
	}
	p = complete(t, m, p.ID, domain.StageAnalyze)

	p, err := m.Advance(ctx, p.ID, domain.StagePublish, Outcome{Success: true, ExternalRef: "MLC-1"})
	if err != nil {
		t.Fatalf("Advance(publish): %v", err)
	}
	if p.CurrentStage != domain.StagePurchase {
		t.Errorf("current stage = %s, want purchase", p.CurrentStage)
	}

	got, _ := m.Get(ctx, p.ID)
	pub := got.Stages[domain.StagePublish]
	if pub.Status != domain.StageCompleted || pub.ExternalRef != "MLC-1" || pub.CompletedAt == nil {
		t.Errorf("publish stage = %+v", pub)
	}
	if got.Version != p.Version {
		t.Errorf("stored version %d, returned %d", got.Version, p.Version)
	}

	timeline, err := m.Timeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	wantActions := []string{
		domain.ActionCreated, domain.ActionCompleted, domain.ActionStarted,
		domain.ActionCompleted, domain.ActionCompleted,
	}
	if len(timeline) != len(wantActions) {
		t.Fatalf("timeline has %d events, want %d", len(timeline), len(wantActions))
	}
	for i, want := range wantActions {
		if timeline[i].Action != want {
			t.Errorf("timeline[%d].Action = %s, want %s", i, timeline[i].Action, want)
		}
	}
	if sink.count() != len(wantActions) {
		t.Errorf("published %d events, want %d", sink.count(), len(wantActions))
	}
}

func TestSkip_NotNeededSatisfiesLaterStages(t *testing.T) {
	ctx := context.Background()
	m, _ := setupMachine(t)
	p := createProduct(t, m)

	// Skipping ahead of the current stage leaves the current stage alone.
	p, err := m.Skip(ctx, p.ID, domain.StageAnalyze, "manual-publish", "test")
	if err != nil {
		t.Fatalf("Skip(analyze): %v", err)
	}
	if p.CurrentStage != domain.StageScrape {
		t.Errorf("current stage = %s, want scrape", p.CurrentStage)
	}

	complete(t, m, p.ID, domain.StageScrape)
	p = complete(t, m, p.ID, domain.StagePublish)
	if p.CurrentStage != domain.StagePurchase {
		t.Errorf("current stage = %s, want purchase", p.CurrentStage)
	}
	if p.Stages[domain.StageAnalyze].Status != domain.StageNotNeeded {
		t.Errorf("analyze = %s, want not-needed", p.Stages[domain.StageAnalyze].Status)
	}
}

func TestFailBypassRetry(t *testing.T) {
	ctx := context.Background()
	m, _ := setupMachine(t)
	p := createProduct(t, m)
	complete(t, m, p.ID, domain.StageScrape)

	p, err := m.Advance(ctx, p.ID, domain.StageAnalyze, Outcome{Reason: "no demand"})
	if err != nil {
		t.Fatalf("Advance(fail): %v", err)
	}
	if p.Stages[domain.StageAnalyze].Status != domain.StageFailed || p.Stages[domain.StageAnalyze].Reason != "no demand" {
		t.Errorf("analyze = %+v", p.Stages[domain.StageAnalyze])
	}

	if _, err := m.Advance(ctx, p.ID, domain.StageAnalyze, Outcome{Success: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completing a failed stage error = %v, want ErrInvalidTransition", err)
	}

	p, err = m.Retry(ctx, p.ID, domain.StageAnalyze, "operator")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if p.Stages[domain.StageAnalyze].Status != domain.StagePending {
		t.Errorf("analyze after retry = %s, want pending", p.Stages[domain.StageAnalyze].Status)
	}

	if _, err := m.Retry(ctx, p.ID, domain.StageAnalyze, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("retrying a pending stage error = %v, want ErrInvalidTransition", err)
	}

	p, err = m.Bypass(ctx, p.ID, domain.StageAnalyze, "operator override", "operator")
	if err != nil {
		t.Fatalf("Bypass: %v", err)
	}
	if p.CurrentStage != domain.StagePublish {
		t.Errorf("current stage = %s, want publish", p.CurrentStage)
	}
}

func TestUnknownStage(t *testing.T) {
	m, _ := setupMachine(t)
	p := createProduct(t, m)
	if _, err := m.Begin(context.Background(), p.ID, domain.Stage("shipping"), "test"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("Begin(unknown) error = %v, want ErrUnknownStage", err)
	}
}

func TestProductStatus(t *testing.T) {
	ctx := context.Background()
	m, _ := setupMachine(t)
	p := createProduct(t, m)

	if _, err := m.Publish(ctx, p.ID, "MLC-1", "test"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Publish from PENDING error = %v, want ErrInvalidTransition", err)
	}

	p, err := m.RecordPricing(ctx, p.ID, settlement.New(28272, "CLP"), settlement.New(35340, "CLP"), true, "test")
	if err != nil {
		t.Fatalf("RecordPricing: %v", err)
	}
	if p.Status != domain.ProductApproved || p.Price.AmountMinor != 35340 {
		t.Errorf("after pricing = %+v", p)
	}

	p, err = m.Publish(ctx, p.ID, "MLC-1", "test")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, _ := m.Get(ctx, p.ID)
	if got.Status != domain.ProductPublished || got.ListingID != "MLC-1" || got.TotalCost.AmountMinor != 28272 {
		t.Errorf("stored product = %+v", got)
	}

	if _, err := m.SetStatus(ctx, p.ID, domain.ProductApproved, "test", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PUBLISHED -> APPROVED error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.SetStatus(ctx, p.ID, domain.ProductInactive, "operator", "delisted"); err != nil {
		t.Errorf("SetStatus(INACTIVE): %v", err)
	}
}

func TestAdvance_ConcurrentCompletion(t *testing.T) {
	ctx := context.Background()
	m, _ := setupMachine(t)
	p := createProduct(t, m)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Advance(ctx, p.ID, domain.StageScrape, Outcome{Success: true}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d concurrent completions succeeded, want 1", wins)
	}
	timeline, _ := m.Timeline(ctx, p.ID)
	if len(timeline) != 2 {
		t.Errorf("timeline has %d events, want 2", len(timeline))
	}
}
