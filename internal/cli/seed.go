package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/formula"
	"github.com/propledger/reconciler/internal/matching"
	"github.com/propledger/reconciler/internal/money"
	"github.com/propledger/reconciler/internal/reconciliation"
)

// SeedFile is the reference-data document loaded by `reconciler seed`.
//
//	materiality:
//	  - {property_id: P1, statement_type: BS, absolute_threshold: "100"}
//	risk_classes:
//	  - {account_code_pattern: "2100*", risk_level: high}
//	mappings:
//	  - {source_code: "40100", canonical_code: "4000", document_type: IS}
//	rules:
//	  - {id: rule-escrow, formula: "BS[1400*] == MS[ESC*]", severity: high}
//	covenants:
//	  - {property_id: P1, name: DSCR, numerator: ..., denominator: ..., threshold: "1.25"}
//	health_configs:
//	  - {persona: auditor, component_weights: {...}, blocked_close_rules: [...]}
type SeedFile struct {
	Materiality   []materialitySeed          `yaml:"materiality"`
	RiskClasses   []domain.AccountRiskClass  `yaml:"risk_classes"`
	Mappings      []domain.AccountMapping    `yaml:"mappings"`
	Rules         []domain.Rule              `yaml:"rules"`
	Covenants     []covenantSeed             `yaml:"covenants"`
	HealthConfigs []domain.HealthScoreConfig `yaml:"health_configs"`
}

type materialitySeed struct {
	PropertyID     string `yaml:"property_id"`
	StatementType  string `yaml:"statement_type"`
	AccountPattern string `yaml:"account_pattern"`
	Absolute       string `yaml:"absolute_threshold"`
	RelativePct    string `yaml:"relative_threshold_pct"`
}

type covenantSeed struct {
	ID          string `yaml:"id"`
	PropertyID  string `yaml:"property_id"`
	Name        string `yaml:"name"`
	Numerator   string `yaml:"numerator"`
	Denominator string `yaml:"denominator"`
	Threshold   string `yaml:"threshold"`
	Comparator  string `yaml:"comparator"`
	Blocking    bool   `yaml:"blocking"`
}

// SeedCounts reports how many entries of each kind were written.
type SeedCounts struct {
	Materiality, RiskClasses, Mappings, Rules, Covenants, HealthConfigs int
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &f, nil
}

// ApplySeed validates every entry and writes it. Materiality and health
// configs become new versions; the rest are upserts.
func ApplySeed(ctx context.Context, repos reconciliation.Repos, f *SeedFile) (SeedCounts, error) {
	var n SeedCounts

	for i, s := range f.Materiality {
		cfg := domain.MaterialityConfig{PropertyID: s.PropertyID, AccountPattern: s.AccountPattern}
		if cfg.PropertyID == "" {
			cfg.PropertyID = domain.AnyProperty
		}
		if s.StatementType != "" {
			dt, err := domain.ParseDocumentType(s.StatementType)
			if err != nil {
				return n, fmt.Errorf("materiality[%d]: %w", i, err)
			}
			cfg.StatementType = dt
		}
		var err error
		if cfg.AbsoluteThreshold, err = money.Parse(s.Absolute); err != nil {
			return n, fmt.Errorf("materiality[%d]: %w", i, err)
		}
		if cfg.RelativeThresholdPct, err = money.Parse(s.RelativePct); err != nil {
			return n, fmt.Errorf("materiality[%d]: %w", i, err)
		}
		if cfg.AbsoluteThreshold.IsNegative() || cfg.RelativeThresholdPct.IsNegative() {
			return n, fmt.Errorf("materiality[%d]: thresholds must be non-negative", i)
		}
		if err := repos.Config.InsertMateriality(ctx, &cfg); err != nil {
			return n, fmt.Errorf("materiality[%d]: %w", i, err)
		}
		n.Materiality++
	}

	for i, rc := range f.RiskClasses {
		level, err := domain.ParseRiskLevel(string(rc.RiskLevel))
		if err != nil || rc.AccountCodePattern == "" {
			return n, fmt.Errorf("risk_classes[%d]: invalid entry %+v", i, rc)
		}
		rc.RiskLevel = level
		if err := repos.Config.UpsertRiskClass(ctx, rc); err != nil {
			return n, fmt.Errorf("risk_classes[%d]: %w", i, err)
		}
		n.RiskClasses++
	}

	for i, m := range f.Mappings {
		if m.SourceCode == "" || m.CanonicalCode == "" {
			return n, fmt.Errorf("mappings[%d]: source_code and canonical_code are required", i)
		}
		if m.DocumentType != "" {
			dt, err := domain.ParseDocumentType(string(m.DocumentType))
			if err != nil {
				return n, fmt.Errorf("mappings[%d]: %w", i, err)
			}
			m.DocumentType = dt
		}
		if err := repos.Config.UpsertMapping(ctx, m); err != nil {
			return n, fmt.Errorf("mappings[%d]: %w", i, err)
		}
		n.Mappings++
	}

	for _, rule := range f.Rules {
		if rule.Severity == "" {
			rule.Severity = domain.SeverityStandard
		}
		if err := matching.ValidateRule(rule); err != nil {
			return n, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if err := repos.Config.UpsertRule(ctx, rule); err != nil {
			return n, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		n.Rules++
	}

	for i, s := range f.Covenants {
		threshold, err := money.Parse(s.Threshold)
		if err != nil {
			return n, fmt.Errorf("covenants[%d]: %w", i, err)
		}
		for _, src := range []string{s.Numerator, s.Denominator} {
			if _, err := formula.ParseExpr(src); err != nil {
				return n, fmt.Errorf("covenants[%d]: %w", i, err)
			}
		}
		if s.Comparator != "" && s.Comparator != ">=" && s.Comparator != "<=" {
			return n, fmt.Errorf("covenants[%d]: comparator must be >= or <=", i)
		}
		c := domain.Covenant{
			ID: s.ID, PropertyID: s.PropertyID, Name: s.Name,
			Numerator: s.Numerator, Denominator: s.Denominator,
			Threshold: threshold, Comparator: s.Comparator, Blocking: s.Blocking,
		}
		if err := repos.Config.UpsertCovenant(ctx, &c); err != nil {
			return n, fmt.Errorf("covenants[%d]: %w", i, err)
		}
		n.Covenants++
	}

	for i := range f.HealthConfigs {
		hc := f.HealthConfigs[i]
		if hc.CompositeCeiling == 0 {
			hc.CompositeCeiling = 60
		}
		if err := hc.Validate(); err != nil {
			return n, fmt.Errorf("health_configs[%d]: %w", i, err)
		}
		if err := repos.Health.InsertConfig(ctx, &hc); err != nil {
			return n, fmt.Errorf("health_configs[%d]: %w", i, err)
		}
		n.HealthConfigs++
	}
	return n, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load materiality, risk, mapping, rule, covenant and health-score reference data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		f, err := ParseSeed(data)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := ApplySeed(cmd.Context(), a.repos, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"seeded %d materiality, %d risk classes, %d mappings, %d rules, %d covenants, %d health configs\n",
			n.Materiality, n.RiskClasses, n.Mappings, n.Rules, n.Covenants, n.HealthConfigs)
		return nil
	},
}
