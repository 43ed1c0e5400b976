package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig indicates a setting outside its allowed values.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration.
type Config struct {
	Verbose      bool
	LogFormat    string
	Database     DatabaseConfig
	Server       ServerConfig
	Settlement   SettlementConfig
	Resilience   ResilienceConfig
	Workflow     WorkflowConfig
	Orchestrator OrchestratorConfig
	Providers    map[string]ProviderConfig
	Credentials  CredentialsConfig
	Events       EventsConfig
	Locks        LocksConfig
	Telemetry    TelemetryConfig
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Driver string // sqlite or postgres
	DSN    string
}

// ServerConfig holds the HTTP trigger surface settings.
type ServerConfig struct {
	Addr           string
	TokenHash      string // bcrypt hash of the operator bearer token
	RequestsPerMin int
}

// Profit Guard policies.
const (
	ProfitGuardWarn  = "warn"
	ProfitGuardBlock = "block"
)

// SettlementConfig holds pricing and payout settings. Fractions are decimal
// strings so they reach the settlement engine without float rounding.
type SettlementConfig struct {
	Currency           string
	TargetMargin       string
	MarketplaceFee     string
	PlatformCommission string
	ProfitGuard        string // warn or block
	Rates              map[string]string
}

// BreakerConfig mirrors resilience.Settings.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
}

// ResilienceConfig holds circuit breaker defaults and per-dependency overrides.
type ResilienceConfig struct {
	Defaults  BreakerConfig
	Overrides map[string]BreakerConfig
}

// WorkflowConfig holds per-stage modes.
type WorkflowConfig struct {
	Modes map[string]string
}

// OrchestratorConfig holds cycle execution settings.
type OrchestratorConfig struct {
	StageTimeout  time.Duration
	StageTimeouts map[string]time.Duration
	Parallel      int
	Actor         string
	SaleWait      time.Duration
}

// ProviderConfig describes one external collaborator. An empty BaseURL
// selects the simulated implementation.
type ProviderConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// CredentialsConfig selects which stored credentials outbound calls use.
type CredentialsConfig struct {
	UserID      string
	Environment string
}

// EventsConfig holds audit sink settings.
type EventsConfig struct {
	File         string
	KafkaBrokers string
	KafkaTopic   string
}

// LocksConfig selects the per-order lock backend.
type LocksConfig struct {
	Backend   string // memory or redis
	RedisAddr string
	TTL       time.Duration
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	SampleRate   float64
}

// ProviderNames lists the collaborators read from providers.<name>.
var ProviderNames = []string{"trends", "aliexpress", "marketplace", "sales", "paypal", "tracking"}

// Load reads configuration from Viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{
		Verbose:   viper.GetBool("verbose"),
		LogFormat: viper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: viper.GetString("database.driver"),
			DSN:    viper.GetString("database.dsn"),
		},
		Server: ServerConfig{
			Addr:           viper.GetString("server.addr"),
			TokenHash:      viper.GetString("server.token_hash"),
			RequestsPerMin: viper.GetInt("server.requests_per_min"),
		},
		Settlement: SettlementConfig{
			Currency:           strings.ToUpper(viper.GetString("settlement.currency")),
			TargetMargin:       viper.GetString("settlement.target_margin"),
			MarketplaceFee:     viper.GetString("settlement.marketplace_fee"),
			PlatformCommission: viper.GetString("settlement.platform_commission"),
			ProfitGuard:        strings.ToLower(viper.GetString("settlement.profit_guard")),
			Rates:              viper.GetStringMapString("settlement.rates"),
		},
		Resilience: ResilienceConfig{
			Defaults:  breakerConfig("resilience.defaults"),
			Overrides: map[string]BreakerConfig{},
		},
		Workflow: WorkflowConfig{
			Modes: viper.GetStringMapString("workflow.modes"),
		},
		Orchestrator: OrchestratorConfig{
			StageTimeout:  viper.GetDuration("orchestrator.stage_timeout"),
			StageTimeouts: map[string]time.Duration{},
			Parallel:      viper.GetInt("orchestrator.parallel"),
			Actor:         viper.GetString("orchestrator.actor"),
			SaleWait:      viper.GetDuration("orchestrator.sale_wait"),
		},
		Providers: map[string]ProviderConfig{},
		Credentials: CredentialsConfig{
			UserID:      viper.GetString("credentials.user_id"),
			Environment: viper.GetString("credentials.environment"),
		},
		Events: EventsConfig{
			File:         viper.GetString("events.file"),
			KafkaBrokers: viper.GetString("events.kafka_brokers"),
			KafkaTopic:   viper.GetString("events.kafka_topic"),
		},
		Locks: LocksConfig{
			Backend:   strings.ToLower(viper.GetString("locks.backend")),
			RedisAddr: viper.GetString("locks.redis_addr"),
			TTL:       viper.GetDuration("locks.ttl"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: viper.GetString("telemetry.otlp_endpoint"),
			ServiceName:  viper.GetString("telemetry.service_name"),
			Insecure:     viper.GetBool("telemetry.insecure"),
			SampleRate:   viper.GetFloat64("telemetry.sample_rate"),
		},
	}

	for name := range viper.GetStringMap("resilience.overrides") {
		cfg.Resilience.Overrides[name] = breakerConfig("resilience.overrides." + name)
	}
	for stage := range viper.GetStringMap("orchestrator.stage_timeouts") {
		cfg.Orchestrator.StageTimeouts[stage] = viper.GetDuration("orchestrator.stage_timeouts." + stage)
	}
	for _, name := range ProviderNames {
		key := "providers." + name
		cfg.Providers[name] = ProviderConfig{
			BaseURL:       viper.GetString(key + ".base_url"),
			Timeout:       viper.GetDuration(key + ".timeout"),
			RatePerSecond: viper.GetFloat64(key + ".rate_per_second"),
			Burst:         viper.GetInt(key + ".burst"),
		}
	}

	// Apply defaults
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "dropship.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.RequestsPerMin == 0 {
		cfg.Server.RequestsPerMin = 60
	}
	if cfg.Settlement.Currency == "" {
		cfg.Settlement.Currency = "CLP"
	}
	if cfg.Settlement.TargetMargin == "" {
		cfg.Settlement.TargetMargin = "0.20"
	}
	if cfg.Settlement.MarketplaceFee == "" {
		cfg.Settlement.MarketplaceFee = "0.13"
	}
	if cfg.Settlement.PlatformCommission == "" {
		cfg.Settlement.PlatformCommission = "0.05"
	}
	if cfg.Settlement.ProfitGuard == "" {
		cfg.Settlement.ProfitGuard = ProfitGuardWarn
	}
	if len(cfg.Settlement.Rates) == 0 {
		cfg.Settlement.Rates = map[string]string{"USD_CLP": "950.75"}
	}
	if cfg.Orchestrator.StageTimeout == 0 {
		cfg.Orchestrator.StageTimeout = 30 * time.Second
	}
	if cfg.Orchestrator.Parallel == 0 {
		cfg.Orchestrator.Parallel = 4
	}
	if cfg.Orchestrator.Actor == "" {
		cfg.Orchestrator.Actor = "orchestrator"
	}
	if cfg.Orchestrator.SaleWait == 0 {
		cfg.Orchestrator.SaleWait = 2 * time.Minute
	}
	if cfg.Credentials.UserID == "" {
		cfg.Credentials.UserID = "default"
	}
	if cfg.Credentials.Environment == "" {
		cfg.Credentials.Environment = "sandbox"
	}
	if cfg.Events.KafkaTopic == "" {
		cfg.Events.KafkaTopic = "dropship.events"
	}
	if cfg.Locks.Backend == "" {
		cfg.Locks.Backend = "memory"
	}
	if cfg.Locks.TTL == 0 {
		cfg.Locks.TTL = 2 * time.Minute
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dropship"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Settlement.ProfitGuard {
	case ProfitGuardWarn, ProfitGuardBlock:
	default:
		return fmt.Errorf("%w: settlement.profit_guard %q (want warn or block)", ErrInvalidConfig, c.Settlement.ProfitGuard)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: database.driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required for %s", ErrInvalidConfig, c.Database.Driver)
	}
	switch c.Locks.Backend {
	case "memory":
	case "redis":
		if c.Locks.RedisAddr == "" {
			return fmt.Errorf("%w: locks.redis_addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: locks.backend %q", ErrInvalidConfig, c.Locks.Backend)
	}
	return nil
}

func breakerConfig(prefix string) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: viper.GetInt(prefix + ".failure_threshold"),
		SuccessThreshold: viper.GetInt(prefix + ".success_threshold"),
		Timeout:          viper.GetDuration(prefix + ".timeout"),
		ResetTimeout:     viper.GetDuration(prefix + ".reset_timeout"),
	}
}
