package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/buildtall-systems/dropship/internal/config"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/events"
	"github.com/buildtall-systems/dropship/internal/orchestrator"
)

func loadConfig(t *testing.T, values map[string]any) *config.Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for k, v := range values {
		viper.Set(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	return cfg
}

func TestOrchestratorSettings(t *testing.T) {
	cfg := loadConfig(t, map[string]any{
		"orchestrator.sale_wait":              "45s",
		"orchestrator.stage_timeouts.publish": "5s",
		"settlement.profit_guard":             "block",
	})

	s, err := orchestratorSettings(cfg)
	if err != nil {
		t.Fatalf("orchestratorSettings: %v", err)
	}
	if s.TargetMargin.String() != "0.2" || s.MarketplaceFee.String() != "0.13" || s.PlatformCommission.String() != "0.05" {
		t.Errorf("fractions = %s/%s/%s", s.TargetMargin, s.MarketplaceFee, s.PlatformCommission)
	}
	if s.ProfitGuard != orchestrator.ProfitGuardBlock {
		t.Errorf("profit guard = %q", s.ProfitGuard)
	}
	if got := s.StageTimeouts[orchestrator.StageSale]; got != 45*time.Second {
		t.Errorf("sale timeout = %v, want 45s", got)
	}
	if got := s.StageTimeouts[orchestrator.StagePublish]; got != 5*time.Second {
		t.Errorf("publish timeout = %v, want 5s", got)
	}
}

func TestOrchestratorSettings_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"bad fraction", map[string]any{"settlement.marketplace_fee": "13%"}},
		{"unknown stage timeout", map[string]any{"orchestrator.stage_timeouts.refund": "1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, tt.values)
			_, err := orchestratorSettings(cfg)
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestStageModes(t *testing.T) {
	modes := stageModes(map[string]string{"publish": "manual", "analyze": "bogus"})
	if modes[domain.StagePublish] != domain.ModeManual {
		t.Errorf("publish = %q", modes[domain.StagePublish])
	}
	if modes[domain.StageAnalyze] != domain.ModeAutomatic {
		t.Errorf("analyze = %q, want automatic fallback", modes[domain.StageAnalyze])
	}
}

func TestNewSink(t *testing.T) {
	dir := t.TempDir()

	s, err := newSink(config.EventsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(events.Nop); !ok {
		t.Errorf("no sinks configured: got %T", s)
	}

	s, err = newSink(config.EventsConfig{File: filepath.Join(dir, "events.jsonl")})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*events.FileSink); !ok {
		t.Errorf("file only: got %T", s)
	}

	s, err = newSink(config.EventsConfig{File: filepath.Join(dir, "events.jsonl"), KafkaBrokers: "localhost:9092", KafkaTopic: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*events.MultiSink); !ok {
		t.Errorf("file and kafka: got %T", s)
	}
	_ = s.Close()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func useTempDB(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("database.dsn", filepath.Join(t.TempDir(), "dropship.db"))
}

func TestVersionCommand(t *testing.T) {
	viper.Reset()
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "dropship dev\n") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json: %v", err)
	}
	var info buildInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if info.Version != "dev" || info.Go == "" {
		t.Errorf("unexpected build info %+v", info)
	}
	versionJSON = false
}

func TestMigrateCommand(t *testing.T) {
	useTempDB(t)
	if _, err := execute(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestCycleCommand(t *testing.T) {
	useTempDB(t)
	out, err := execute(t, "cycle", "--keyword", "desk lamp", "--skip-post-sale", "--json")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	var res orchestrator.CycleResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if !res.Success {
		t.Errorf("cycle failed: %+v", res.Stages)
	}
	if res.ProductID == "" {
		t.Error("no product recorded")
	}
	if len(res.Stages) != 10 {
		t.Errorf("got %d stages, want 10", len(res.Stages))
	}
}

func TestPrintCycle(t *testing.T) {
	var buf bytes.Buffer
	printCycle(&buf, orchestrator.CycleResult{
		ID:      "c1",
		Keyword: "mug",
		Stages: []orchestrator.StageResult{
			{Stage: orchestrator.StageTrends, OK: true, Real: true},
			{Stage: orchestrator.StageSale, OK: true, Skipped: true},
			{Stage: orchestrator.StagePublish, Error: "upstream-failed"},
		},
	})
	out := buf.String()
	for _, want := range []string{"success", "trends", "skipped", "upstream-failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
