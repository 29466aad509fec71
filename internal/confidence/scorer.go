// Package confidence maps a match's strategy and amount deviation to a
// confidence score in [0,100]. Nothing here touches matching state.
package confidence

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
)

const (
	DefaultPenaltyFactor = 2.5
	DefaultPenaltyCap    = 50.0
)

// Params are the penalty constants for one statement type.
type Params struct {
	PenaltyFactor float64 `mapstructure:"penalty_factor" json:"penalty_factor"`
	PenaltyCap    float64 `mapstructure:"penalty_cap" json:"penalty_cap"`
}

func DefaultParams() Params {
	return Params{PenaltyFactor: DefaultPenaltyFactor, PenaltyCap: DefaultPenaltyCap}
}

// Compute is clamp(base - min(cap, |diff|/tol * factor), 0, 100).
// A non-positive tolerance gives no penalty for a zero diff and the full
// cap otherwise.
func Compute(base, diff, tol, factor, cap float64) float64 {
	diff = math.Abs(diff)
	var penalty float64
	switch {
	case tol > 0:
		penalty = math.Min(cap, diff/tol*factor)
	case diff > 0:
		penalty = cap
	}
	return clamp(base-penalty, 0, 100)
}

// BaseFor is the strategy base confidence. Rule matches use RuleBase.
func BaseFor(t domain.MatchType) float64 {
	switch t {
	case domain.MatchExact:
		return 100
	case domain.MatchRule:
		return 90
	case domain.MatchCalculated:
		return 95
	case domain.MatchFuzzy:
		return 50
	case domain.MatchInferred:
		return 70
	}
	return 0
}

// RuleBase ranks declared rules by criticality.
func RuleBase(s domain.RuleSeverity) float64 {
	switch s {
	case domain.SeverityCritical:
		return 95
	case domain.SeverityHigh:
		return 92
	}
	return 90
}

// Scorer applies Compute with per-statement overrides.
type Scorer struct {
	defaults  Params
	overrides map[domain.DocumentType]Params
}

func NewScorer(defaults Params, overrides map[domain.DocumentType]Params) *Scorer {
	if defaults.PenaltyFactor <= 0 {
		defaults.PenaltyFactor = DefaultPenaltyFactor
	}
	if defaults.PenaltyCap <= 0 {
		defaults.PenaltyCap = DefaultPenaltyCap
	}
	return &Scorer{defaults: defaults, overrides: overrides}
}

// ParamsFor returns the constants used for a statement type.
func (s *Scorer) ParamsFor(statement domain.DocumentType) Params {
	if p, ok := s.overrides[statement]; ok {
		return p
	}
	return s.defaults
}

// Score computes the confidence of a candidate with the given base.
func (s *Scorer) Score(statement domain.DocumentType, base float64, diff, tol decimal.Decimal) float64 {
	p := s.ParamsFor(statement)
	d, _ := diff.Float64()
	t, _ := tol.Float64()
	return round2(Compute(base, d, t, p.PenaltyFactor, p.PenaltyCap))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
