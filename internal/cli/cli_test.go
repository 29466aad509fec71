package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/reconciliation"
	"github.com/propledger/reconciler/internal/repository"
)

const seedYAML = `
materiality:
  - property_id: P1
    statement_type: balance_sheet
    absolute_threshold: "100"
  - statement_type: IS
    relative_threshold_pct: "0.5"
risk_classes:
  - account_code_pattern: "2100*"
    risk_level: HIGH
mappings:
  - source_code: "40100"
    canonical_code: "4000"
    document_type: IS
rules:
  - id: rule-escrow
    formula: "BS[1400*] == MS[ESC*]"
    severity: high
    tolerance: materiality
covenants:
  - property_id: P1
    name: DSCR
    numerator: "sum(IS[4*]) - sum(IS[5*])"
    denominator: "12 * MS[DS*]"
    threshold: "1.25"
    blocking: true
health_configs:
  - persona: investor
    component_weights:
      mathematical_integrity: 0.25
      cross_statement_reconciliation: 0.25
      data_completeness: 0.25
      anomaly_free_score: 0.25
    blocked_close_rules: [covenant_breach]
`

func testRepos(t *testing.T) reconciliation.Repos {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return reconciliation.Repos{
		Records:       repository.NewRecordRepo(db),
		Sessions:      repository.NewSessionRepo(db),
		Matches:       repository.NewMatchRepo(db),
		Discrepancies: repository.NewDiscrepancyRepo(db),
		Config:        repository.NewConfigRepo(db),
		Health:        repository.NewHealthRepo(db),
	}
}

func TestApplySeed(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	f, err := ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	n, err := ApplySeed(ctx, repos, f)
	if err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
	want := SeedCounts{Materiality: 2, RiskClasses: 1, Mappings: 1, Rules: 1, Covenants: 1, HealthConfigs: 1}
	if n != want {
		t.Errorf("counts = %+v, want %+v", n, want)
	}

	mats, err := repos.Config.Materiality(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mats) != 2 {
		t.Fatalf("expected the P1 config and the global one, got %+v", mats)
	}
	for _, m := range mats {
		if m.PropertyID == domain.AnyProperty && m.StatementType != domain.DocIncomeStatement {
			t.Errorf("global config statement = %s, want IS", m.StatementType)
		}
	}

	classes, _ := repos.Config.RiskClasses(ctx)
	if len(classes) != 1 || classes[0].RiskLevel != domain.RiskHigh {
		t.Errorf("risk classes = %+v", classes)
	}
	covs, _ := repos.Config.Covenants(ctx, "P1")
	if len(covs) != 1 || covs[0].Threshold.String() != "1.25" || covs[0].Comparator != ">=" {
		t.Errorf("covenants = %+v", covs)
	}
	hc, err := repos.Health.LatestConfig(ctx, domain.PersonaInvestor)
	if err != nil || hc.Version != 1 || !hc.Blocks(domain.BlockCovenantBreach) {
		t.Errorf("investor config = %+v (%v)", hc, err)
	}
}

func TestApplySeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad statement", "materiality:\n  - statement_type: XX\n    absolute_threshold: \"1\"\n"},
		{"negative threshold", "materiality:\n  - absolute_threshold: \"(5)\"\n"},
		{"bad risk level", "risk_classes:\n  - account_code_pattern: \"1*\"\n    risk_level: extreme\n"},
		{"bad rule", "rules:\n  - id: r\n    formula: \"BS[1*] ==\"\n"},
		{"bad covenant", "covenants:\n  - name: x\n    numerator: \"IS[4*]\"\n    denominator: \"(\"\n    threshold: \"1\"\n"},
		{"weights", "health_configs:\n  - persona: auditor\n    component_weights: {mathematical_integrity: 2}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseSeed([]byte(tt.doc))
			if err != nil {
				t.Fatalf("ParseSeed: %v", err)
			}
			if _, err := ApplySeed(context.Background(), testRepos(t), f); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStrategyFlags(t *testing.T) {
	f, err := strategyFlags([]string{"Fuzzy", "rules"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if f.UseFuzzy || f.UseRules || !f.UseExact || !f.UseCalculated || !f.UseInferred || f.AutoResolve {
		t.Errorf("flags = %+v", f)
	}
	if _, err := strategyFlags([]string{"magic"}, true); err == nil {
		t.Error("expected unknown strategy error")
	}
	if _, err := strategyFlags([]string{"exact", "rule", "calculated", "fuzzy", "inferred"}, true); err == nil {
		t.Error("expected error when every strategy is disabled")
	}
}

func TestCommands_IngestSeedReconcile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dbPath := filepath.Join(dir, "recon.db")

	feed := `id,property_id,period_id,document_type,account_code,account_name,account_type,amount
bs-ad-prior,P1,2024-11,BS,1590,Accumulated Depreciation,asset,1000000.00
bs-ad,P1,2024-12,BS,1590,Accumulated Depreciation,asset,1064812.62
cf-dep,P1,2024-12,CF,8100,Depreciation add-back,expense,64727.14
is-dep,P1,2024-12,IS,6500,Depreciation Expense,expense,64812.62
`
	feedPath := filepath.Join(dir, "feed.csv")
	seedPath := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(feedPath, []byte(feed), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(seedPath, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append([]string{"--db", dbPath, "--log-level", "error"}, args...))
		if err := rootCmd.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("%v: %v\n%s", args, err, out.String())
		}
		return out.String()
	}

	if out := run("ingest", feedPath); !strings.Contains(out, "4 records ingested") {
		t.Errorf("ingest output: %s", out)
	}
	if out := run("ingest", feedPath); !strings.Contains(out, "already ingested") {
		t.Errorf("second ingest output: %s", out)
	}
	if out := run("seed", seedPath); !strings.Contains(out, "seeded 2 materiality") {
		t.Errorf("seed output: %s", out)
	}

	out := run("reconcile", "--property", "P1", "--period", "2024-12")
	for _, want := range []string{"state      COMPLETED", "matches    1", "tiers      0:1"} {
		if !strings.Contains(out, want) {
			t.Errorf("reconcile output missing %q:\n%s", want, out)
		}
	}

	if out := run("config", "show"); !strings.Contains(out, dbPath) {
		t.Errorf("config show should report the database path:\n%s", out)
	}
}
