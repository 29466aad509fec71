// Package health turns tiering outcomes into persona-weighted health scores.
package health

import (
	"fmt"
	"math"
	"sort"

	"github.com/propledger/reconciler/internal/domain"
)

// Inputs is the evaluated state of one session.
type Inputs struct {
	Matches       []domain.Match
	Discrepancies []domain.Discrepancy
	// RecordIDs are every record the session considered.
	RecordIDs []string
	Covenants []domain.CovenantResult
}

// Breakdown is a computed score before it is stamped with ids and time.
type Breakdown struct {
	Composite       float64
	Components      map[string]float64
	PeriodCloseable bool
	BlockingReasons []string
}

// Components scores each component in [0,100]. An empty domain scores 100,
// except data completeness which scores 0 without records.
func Components(in Inputs) map[string]float64 {
	var mathGood, mathTotal, crossGood, crossTotal int
	covered := map[string]bool{}
	for _, m := range in.Matches {
		good := m.State.Status.Resolved()
		switch m.MatchType {
		case domain.MatchRule, domain.MatchCalculated:
			mathTotal++
			if good {
				mathGood++
			}
		default:
			crossTotal++
			if good {
				crossGood++
			}
		}
		if m.State.Status != domain.StatusRejected {
			covered[m.SourceRecordID] = true
			covered[m.TargetRecordID] = true
			for _, id := range m.CorroboratingRecordIDs {
				covered[id] = true
			}
		}
	}
	for _, d := range in.Discrepancies {
		if d.State.Status.Resolved() {
			covered[d.RecordID] = true
		}
	}

	complete := 0
	for _, id := range in.RecordIDs {
		if covered[id] {
			complete++
		}
	}
	completeness := 0.0
	if len(in.RecordIDs) > 0 {
		completeness = 100 * float64(complete) / float64(len(in.RecordIDs))
	}

	items := len(in.Matches) + len(in.Discrepancies)
	anomalies := UnresolvedTier3(in)

	return map[string]float64{
		domain.ComponentMathematicalIntegrity: ratio(mathGood, mathTotal),
		domain.ComponentCrossStatement:        ratio(crossGood, crossTotal),
		domain.ComponentDataCompleteness:      round2(completeness),
		domain.ComponentAnomalyFree:           ratio(items-anomalies, items),
	}
}

// UnresolvedTier3 counts Tier 3 items without a reviewer decision.
func UnresolvedTier3(in Inputs) int {
	n := 0
	for _, m := range in.Matches {
		if m.State.Tier == domain.Tier3 && !m.State.Status.Terminal() {
			n++
		}
	}
	for _, d := range in.Discrepancies {
		if d.State.Tier == domain.Tier3 && !d.State.Status.Terminal() {
			n++
		}
	}
	return n
}

// Compute weights the components for cfg's persona and applies the
// blocked-close rules.
func Compute(cfg domain.HealthScoreConfig, in Inputs) Breakdown {
	comps := Components(in)

	names := make([]string, 0, len(cfg.ComponentWeights))
	for name := range cfg.ComponentWeights {
		names = append(names, name)
	}
	sort.Strings(names)
	composite := 0.0
	for _, name := range names {
		composite += cfg.ComponentWeights[name] * comps[name]
	}
	composite = clamp(composite, 0, 100)

	b := Breakdown{Components: comps, PeriodCloseable: true}
	if cfg.Blocks(domain.BlockUnresolvedTier3) {
		if n := UnresolvedTier3(in); n > 0 {
			b.BlockingReasons = append(b.BlockingReasons, fmt.Sprintf("%s: %d item(s) awaiting review", domain.BlockUnresolvedTier3, n))
		}
	}
	if cfg.Blocks(domain.BlockCovenantBreach) {
		for _, c := range in.Covenants {
			if c.Breached && c.Blocking {
				b.BlockingReasons = append(b.BlockingReasons, fmt.Sprintf("%s: %s %s vs %s %s",
					domain.BlockCovenantBreach, c.Name, c.Actual.StringFixed(2), c.Comparator, c.Threshold.String()))
			}
		}
	}
	if len(b.BlockingReasons) > 0 {
		b.PeriodCloseable = false
		composite = math.Min(composite, cfg.CompositeCeiling)
	}
	b.Composite = round2(composite)
	return b
}

func ratio(good, total int) float64 {
	if total <= 0 {
		return 100
	}
	return round2(100 * float64(good) / float64(total))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
