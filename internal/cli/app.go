package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/buildtall-systems/dropship/internal/config"
	"github.com/buildtall-systems/dropship/internal/credentials"
	"github.com/buildtall-systems/dropship/internal/db"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/events"
	"github.com/buildtall-systems/dropship/internal/fulfillment"
	"github.com/buildtall-systems/dropship/internal/metrics"
	"github.com/buildtall-systems/dropship/internal/orchestrator"
	"github.com/buildtall-systems/dropship/internal/providers"
	"github.com/buildtall-systems/dropship/internal/resilience"
	"github.com/buildtall-systems/dropship/internal/settlement"
	"github.com/buildtall-systems/dropship/internal/workflow"
)

// app is the wired service graph shared by the serve, cycle and order
// commands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	db           *db.DB
	metrics      *metrics.Registry
	breakers     *resilience.Registry
	sink         events.Sink
	workflow     *workflow.Machine
	fulfillment  *fulfillment.Controller
	orchestrator *orchestrator.Orchestrator
}

// openDB opens and migrates the configured database.
func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return database, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	settings, err := orchestratorSettings(cfg)
	if err != nil {
		return nil, err
	}
	rates, err := settlement.NewRateTable(cfg.Settlement.Rates)
	if err != nil {
		return nil, fmt.Errorf("loading exchange rates: %w", err)
	}

	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: database, metrics: metrics.NewRegistry()}

	a.sink, err = newSink(cfg.Events)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.breakers = resilience.NewRegistry(breakerSettings(cfg.Resilience.Defaults),
		resilience.WithOverrides(breakerOverrides(cfg.Resilience.Overrides)),
		resilience.WithObserver(a.metrics.BreakerObserver()),
		resilience.WithLogger(logger),
	)

	store := credentials.FromViper(viper.GetViper())
	set := providers.NewSet(cfg.Providers, providers.NewSimulated(),
		providers.WithCredentials(store, cfg.Credentials.UserID, cfg.Credentials.Environment),
		providers.WithLogger(logger),
	)
	for _, name := range config.ProviderNames {
		if cfg.Providers[name].BaseURL == "" {
			logger.Info("using simulated provider", "provider", name)
		}
	}

	locker, err := newLocker(ctx, cfg.Locks)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.workflow = workflow.New(database, a.sink,
		workflow.WithModes(stageModes(cfg.Workflow.Modes)),
		workflow.WithMetrics(a.metrics),
		workflow.WithLogger(logger),
	)
	a.fulfillment = fulfillment.New(database, a.breakers, set,
		fulfillment.WithLocker(locker),
		fulfillment.WithSink(a.sink),
		fulfillment.WithMetrics(a.metrics),
		fulfillment.WithLogger(logger),
	)
	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Workflow:    a.workflow,
		Fulfillment: a.fulfillment,
		Sales:       database,
		Providers:   set,
		Breakers:    a.breakers,
		Rates:       rates,
	}, settings,
		orchestrator.WithSink(a.sink),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(logger),
	)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// orchestratorSettings converts config strings and durations into cycle
// settings.
func orchestratorSettings(cfg *config.Config) (orchestrator.Settings, error) {
	s := orchestrator.Settings{
		Currency:      cfg.Settlement.Currency,
		ProfitGuard:   orchestrator.ProfitGuard(cfg.Settlement.ProfitGuard),
		StageTimeout:  cfg.Orchestrator.StageTimeout,
		StageTimeouts: map[orchestrator.Stage]time.Duration{orchestrator.StageSale: cfg.Orchestrator.SaleWait},
		Actor:         cfg.Orchestrator.Actor,
	}
	fractions := []struct {
		name string
		in   string
		out  *decimal.Decimal
	}{
		{"settlement.target_margin", cfg.Settlement.TargetMargin, &s.TargetMargin},
		{"settlement.marketplace_fee", cfg.Settlement.MarketplaceFee, &s.MarketplaceFee},
		{"settlement.platform_commission", cfg.Settlement.PlatformCommission, &s.PlatformCommission},
	}
	for _, f := range fractions {
		d, err := decimal.NewFromString(f.in)
		if err != nil {
			return s, fmt.Errorf("%w: %s %q", config.ErrInvalidConfig, f.name, f.in)
		}
		*f.out = d
	}
	for name, d := range cfg.Orchestrator.StageTimeouts {
		stage, ok := orchestrator.ParseStage(name)
		if !ok {
			return s, fmt.Errorf("%w: orchestrator.stage_timeouts: unknown stage %q", config.ErrInvalidConfig, name)
		}
		s.StageTimeouts[stage] = d
	}
	return s, nil
}

func breakerSettings(b config.BreakerConfig) resilience.Settings {
	return resilience.Settings{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout,
		ResetTimeout:     b.ResetTimeout,
	}
}

func breakerOverrides(in map[string]config.BreakerConfig) map[string]resilience.Settings {
	out := make(map[string]resilience.Settings, len(in))
	for name, b := range in {
		out[name] = breakerSettings(b)
	}
	return out
}

func stageModes(in map[string]string) map[domain.Stage]domain.StageMode {
	out := make(map[domain.Stage]domain.StageMode, len(in))
	for name, mode := range in {
		out[domain.Stage(name)] = domain.ParseStageMode(mode)
	}
	return out
}

// newSink builds the audit sink: a JSONL file, Kafka, both, or nothing.
func newSink(cfg config.EventsConfig) (events.Sink, error) {
	var sinks []events.Sink
	if cfg.File != "" {
		f, err := events.NewFileSink(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("opening event file: %w", err)
		}
		sinks = append(sinks, f)
	}
	if cfg.KafkaBrokers != "" {
		sinks = append(sinks, events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	switch len(sinks) {
	case 0:
		return events.Nop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return events.NewMultiSink(sinks...), nil
	}
}

func newLocker(ctx context.Context, cfg config.LocksConfig) (fulfillment.Locker, error) {
	if cfg.Backend != "redis" {
		return fulfillment.NewKeyedMutex(), nil
	}
	l := fulfillment.NewRedisLockerAddr(cfg.RedisAddr, cfg.TTL)
	if err := l.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return l, nil
}
