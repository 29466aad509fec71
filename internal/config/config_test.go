package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/matching"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Session.Budget != 5*time.Minute {
		t.Errorf("budget = %s, want 5m", cfg.Session.Budget)
	}
	mc := cfg.MatchingConfig()
	def := matching.DefaultConfig()
	if mc.LockThreshold != def.LockThreshold || !mc.ExactTolerance.Equal(def.ExactTolerance) {
		t.Errorf("matching config = %+v, want defaults", mc)
	}
	if len(mc.Pairs) != len(def.Pairs) {
		t.Errorf("pairs = %d, want %d", len(mc.Pairs), len(def.Pairs))
	}
	if p := cfg.ConfidenceParams(); p.PenaltyFactor != 2.5 || p.PenaltyCap != 50 {
		t.Errorf("confidence params = %+v", p)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "recon.yaml")
	body := `
server:
  port: "9000"
engine:
  lock_threshold: 80
  pairs: ["BS:MS", "is:cf"]
session:
  budget: 90s
`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECON_DATABASE_PATH", "/tmp/x.db")

	cfg, err := Load(viper.New(), file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Session.Budget != 90*time.Second {
		t.Errorf("budget = %s", cfg.Session.Budget)
	}
	pairs := cfg.MatchingConfig().Pairs
	want := []matching.StatementPair{
		{Source: domain.DocBalanceSheet, Target: domain.DocMortgageStatement},
		{Source: domain.DocIncomeStatement, Target: domain.DocCashFlow},
	}
	if len(pairs) != len(want) || pairs[0] != want[0] || pairs[1] != want[1] {
		t.Errorf("pairs = %+v, want %+v", pairs, want)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"acceptance above lock", "engine:\n  min_acceptance: 90\n  lock_threshold: 80\n"},
		{"zero weights", "engine:\n  name_weight: 0\n  amount_weight: 0\n"},
		{"bad tolerance", "engine:\n  exact_tolerance: abc\n"},
		{"bad pair", "engine:\n  pairs: [\"BS-MS\"]\n"},
		{"inverted tiers", "tiering:\n  escalate_below: 95\n  suggest_from: 90\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(file, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(viper.New(), file); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestNewLogger(t *testing.T) {
	l := NewLogger(LogConfig{Level: "debug", Format: "text"})
	if l.GetLevel().String() != "debug" {
		t.Errorf("level = %s", l.GetLevel())
	}
	if NewLogger(LogConfig{Level: "bogus"}).GetLevel().String() != "info" {
		t.Error("unknown level should fall back to info")
	}
}
