package confidence

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name            string
		base, diff, tol float64
		factor, cap     float64
		want            float64
	}{
		{"exact", 100, 0, 100, 2.5, 50, 100},
		{"half tolerance", 95, 50, 100, 2.5, 50, 93.75},
		{"negative diff uses magnitude", 95, -50, 100, 2.5, 50, 93.75},
		{"penalty capped", 70, 1e9, 1, 2.5, 50, 20},
		{"clamped at zero", 10, 1e9, 1, 2.5, 50, 0},
		{"clamped at hundred", 120, 0, 1, 2.5, 50, 100},
		{"zero tolerance zero diff", 90, 0, 0, 2.5, 50, 90},
		{"zero tolerance with diff", 90, 1, 0, 2.5, 50, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.base, tt.diff, tt.tol, tt.factor, tt.cap)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Compute = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeAlwaysInRange(t *testing.T) {
	for base := -50.0; base <= 150; base += 12.5 {
		for _, diff := range []float64{0, 0.01, 1, 100, 1e6} {
			for _, tol := range []float64{0, 0.5, 100} {
				got := Compute(base, diff, tol, DefaultPenaltyFactor, DefaultPenaltyCap)
				if got < 0 || got > 100 {
					t.Fatalf("Compute(%v,%v,%v) = %v out of [0,100]", base, diff, tol, got)
				}
			}
		}
	}
}

func TestBaseFor(t *testing.T) {
	want := map[domain.MatchType]float64{
		domain.MatchExact:      100,
		domain.MatchRule:       90,
		domain.MatchCalculated: 95,
		domain.MatchFuzzy:      50,
		domain.MatchInferred:   70,
	}
	for mt, w := range want {
		if got := BaseFor(mt); got != w {
			t.Errorf("BaseFor(%s) = %v, want %v", mt, got, w)
		}
	}
	if RuleBase(domain.SeverityCritical) != 95 || RuleBase(domain.SeverityHigh) != 92 || RuleBase(domain.SeverityStandard) != 90 {
		t.Error("unexpected rule base confidences")
	}
}

func TestScorerOverrides(t *testing.T) {
	s := NewScorer(DefaultParams(), map[domain.DocumentType]Params{
		domain.DocMortgageStatement: {PenaltyFactor: 10, PenaltyCap: 30},
	})

	diff := decimal.NewFromInt(50)
	tol := decimal.NewFromInt(100)

	if got := s.Score(domain.DocBalanceSheet, 95, diff, tol); got != 93.75 {
		t.Errorf("default params score = %v, want 93.75", got)
	}
	if got := s.Score(domain.DocMortgageStatement, 95, diff, tol); got != 90 {
		t.Errorf("override score = %v, want 90", got)
	}
}
