package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Persona string

const (
	PersonaAuditor    Persona = "auditor"
	PersonaController Persona = "controller"
	PersonaAnalyst    Persona = "analyst"
	PersonaInvestor   Persona = "investor"
)

var Personas = []Persona{PersonaAuditor, PersonaController, PersonaAnalyst, PersonaInvestor}

func ParsePersona(s string) (Persona, error) {
	switch p := Persona(strings.ToLower(strings.TrimSpace(s))); p {
	case PersonaAuditor, PersonaController, PersonaAnalyst, PersonaInvestor:
		return p, nil
	}
	return "", &ValidationError{Field: "persona", Message: fmt.Sprintf("unknown persona %q", s)}
}

// Health score components.
const (
	ComponentMathematicalIntegrity = "mathematical_integrity"
	ComponentCrossStatement        = "cross_statement_reconciliation"
	ComponentDataCompleteness      = "data_completeness"
	ComponentAnomalyFree           = "anomaly_free_score"
)

var Components = []string{
	ComponentMathematicalIntegrity,
	ComponentCrossStatement,
	ComponentDataCompleteness,
	ComponentAnomalyFree,
}

type BlockingRule string

const (
	BlockUnresolvedTier3 BlockingRule = "unresolved_tier3"
	BlockCovenantBreach  BlockingRule = "covenant_breach"
)

// HealthScoreConfig weights the components for one persona.
type HealthScoreConfig struct {
	Persona           Persona            `json:"persona" yaml:"persona"`
	Version           int                `json:"version" yaml:"version"`
	ComponentWeights  map[string]float64 `json:"component_weights" yaml:"component_weights"`
	BlockedCloseRules []BlockingRule     `json:"blocked_close_rules" yaml:"blocked_close_rules"`
	CompositeCeiling  float64            `json:"composite_ceiling" yaml:"composite_ceiling"`
	CreatedAt         time.Time          `json:"created_at" yaml:"-"`
}

// Validate checks the weights form a convex combination over known components.
func (c *HealthScoreConfig) Validate() error {
	if _, err := ParsePersona(string(c.Persona)); err != nil {
		return err
	}
	sum := 0.0
	for name, w := range c.ComponentWeights {
		if !knownComponent(name) {
			return &ValidationError{Field: "component_weights", Message: fmt.Sprintf("unknown component %q", name)}
		}
		if w < 0 {
			return &ValidationError{Field: "component_weights", Message: fmt.Sprintf("negative weight for %s", name)}
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return &ValidationError{Field: "component_weights", Message: fmt.Sprintf("weights sum to %.4f, want 1", sum)}
	}
	for _, r := range c.BlockedCloseRules {
		if r != BlockUnresolvedTier3 && r != BlockCovenantBreach {
			return &ValidationError{Field: "blocked_close_rules", Message: fmt.Sprintf("unknown rule %q", r)}
		}
	}
	if c.CompositeCeiling < 0 || c.CompositeCeiling > 100 {
		return &ValidationError{Field: "composite_ceiling", Message: "must be within [0,100]"}
	}
	return nil
}

// Blocks reports whether the config lists r as a close blocker.
func (c *HealthScoreConfig) Blocks(r BlockingRule) bool {
	for _, b := range c.BlockedCloseRules {
		if b == r {
			return true
		}
	}
	return false
}

func knownComponent(name string) bool {
	for _, c := range Components {
		if c == name {
			return true
		}
	}
	return false
}

// DefaultHealthConfigs are the version-1 persona weightings.
func DefaultHealthConfigs() []HealthScoreConfig {
	both := []BlockingRule{BlockUnresolvedTier3, BlockCovenantBreach}
	return []HealthScoreConfig{
		{
			Persona: PersonaAuditor, Version: 1,
			ComponentWeights: map[string]float64{
				ComponentMathematicalIntegrity: 0.35, ComponentCrossStatement: 0.35,
				ComponentDataCompleteness: 0.15, ComponentAnomalyFree: 0.15,
			},
			BlockedCloseRules: both, CompositeCeiling: 60,
		},
		{
			Persona: PersonaController, Version: 1,
			ComponentWeights: map[string]float64{
				ComponentMathematicalIntegrity: 0.30, ComponentCrossStatement: 0.30,
				ComponentDataCompleteness: 0.20, ComponentAnomalyFree: 0.20,
			},
			BlockedCloseRules: both, CompositeCeiling: 60,
		},
		{
			Persona: PersonaAnalyst, Version: 1,
			ComponentWeights: map[string]float64{
				ComponentMathematicalIntegrity: 0.25, ComponentCrossStatement: 0.25,
				ComponentDataCompleteness: 0.25, ComponentAnomalyFree: 0.25,
			},
			CompositeCeiling: 60,
		},
		{
			Persona: PersonaInvestor, Version: 1,
			ComponentWeights: map[string]float64{
				ComponentMathematicalIntegrity: 0.20, ComponentCrossStatement: 0.20,
				ComponentDataCompleteness: 0.20, ComponentAnomalyFree: 0.40,
			},
			BlockedCloseRules: []BlockingRule{BlockCovenantBreach}, CompositeCeiling: 60,
		},
	}
}

// HealthScore is one computed score. Rows are appended, the newest wins.
type HealthScore struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"session_id"`
	PropertyID      string             `json:"property_id"`
	PeriodID        string             `json:"period_id"`
	Persona         Persona            `json:"persona"`
	ConfigVersion   int                `json:"config_version"`
	CompositeScore  float64            `json:"composite_score"`
	ComponentScores map[string]float64 `json:"component_scores"`
	PeriodCloseable bool               `json:"period_closeable"`
	BlockingReasons []string           `json:"blocking_reasons,omitempty"`
	ComputedAt      time.Time          `json:"computed_at"`
}

// TrendPoint is one period in a health-score series.
type TrendPoint struct {
	PeriodID       string    `json:"period_id"`
	CompositeScore float64   `json:"composite_score"`
	ComputedAt     time.Time `json:"computed_at"`
}
