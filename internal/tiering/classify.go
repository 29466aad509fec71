// Package tiering classifies matches and discrepancies into escalation
// tiers and drives the reviewer state machine.
package tiering

import (
	"github.com/propledger/reconciler/internal/domain"
)

// Thresholds are the confidence cut-offs of the tier matrix.
type Thresholds struct {
	// Below Escalate a material or immaterial item is Tier 3.
	Escalate float64 `mapstructure:"escalate" json:"escalate"`
	// At or above Suggest a material item is Tier 1, otherwise Tier 2.
	Suggest float64 `mapstructure:"suggest" json:"suggest"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Escalate: 70, Suggest: 90}
}

// Input is everything classification depends on.
type Input struct {
	Confidence float64
	Material   bool
	Risk       domain.RiskLevel
}

// Outcome is a tier and the status it implies.
type Outcome struct {
	Tier   domain.Tier
	Status domain.MatchStatus
}

// Classify is a pure function of its input. The high-risk check runs first.
//
//	high risk                      -> 3 ESCALATED
//	confidence < Escalate          -> 3 ESCALATED
//	immaterial                     -> 0 AUTO_RESOLVED
//	material, confidence >= Suggest -> 1 SUGGESTED
//	material                       -> 2 ROUTED
func (t Thresholds) Classify(in Input) Outcome {
	switch {
	case in.Risk == domain.RiskHigh:
		return Outcome{domain.Tier3, domain.StatusEscalated}
	case in.Confidence < t.Escalate:
		return Outcome{domain.Tier3, domain.StatusEscalated}
	case !in.Material:
		return Outcome{domain.Tier0, domain.StatusAutoResolved}
	case in.Confidence >= t.Suggest:
		return Outcome{domain.Tier1, domain.StatusSuggested}
	default:
		return Outcome{domain.Tier2, domain.StatusRouted}
	}
}

// Classify uses DefaultThresholds.
func Classify(in Input) Outcome {
	return DefaultThresholds().Classify(in)
}
