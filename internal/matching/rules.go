package matching

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/confidence"
	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/formula"
)

// DefaultRules is the built-in rule registry.
func DefaultRules() []domain.Rule {
	return []domain.Rule{
		{
			ID:          "rule-mortgage-principal",
			Description: "Balance sheet mortgage payable equals mortgage statement principal balance",
			Formula:     "BS[2300*] == MS[PRIN*]",
			Severity:    domain.SeverityCritical,
			Tolerance:   "materiality",
		},
		{
			ID:          "rule-escrow",
			Description: "Balance sheet escrow equals mortgage statement escrow balance",
			Formula:     "BS[1400*] == MS[ESC*]",
			Severity:    domain.SeverityHigh,
			Tolerance:   "materiality",
		},
		{
			ID:          "rule-rent-gpr",
			Description: "Income statement rental income equals rent roll gross potential rent",
			Formula:     "IS[4000*] == RR[GPR*]",
			Severity:    domain.SeverityStandard,
			Tolerance:   "pct:2",
		},
		{
			ID:          "rule-cash-ending",
			Description: "Balance sheet cash equals cash flow ending cash",
			Formula:     "BS[1000*] == CF[9900*]",
			Severity:    domain.SeverityHigh,
			Tolerance:   "materiality",
		},
	}
}

// Calculation compares derived values. The first two legs form the match;
// a third leg, when present, must corroborate within tolerance.
type Calculation struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Legs        []string `json:"legs" yaml:"legs"`
	Tolerance   string   `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
}

func DefaultCalculations() []Calculation {
	return []Calculation{
		{
			ID:          "calc-depreciation-3way",
			Description: "Accumulated depreciation change equals cash flow add-back equals depreciation expense",
			Legs:        []string{"delta(BS[1590*])", "CF[8100*]", "IS[6500*]"},
			Tolerance:   "materiality",
		},
		{
			ID:          "calc-interest",
			Description: "Income statement interest expense equals mortgage statement interest paid",
			Legs:        []string{"IS[6600*]", "MS[INT*]"},
			Tolerance:   "materiality",
		},
	}
}

// toleranceFunc resolves the tolerance for one evaluation.
type toleranceFunc func(r *run, anchor domain.FinancialRecord, baseline decimal.Decimal) decimal.Decimal

// ParseTolerance parses "materiality", "fixed:<amount>" or "pct:<percent>".
// An empty string means materiality.
func ParseTolerance(s string) (toleranceFunc, error) {
	s = strings.TrimSpace(s)
	kind, arg, _ := strings.Cut(s, ":")
	switch strings.ToLower(kind) {
	case "", "materiality":
		return func(r *run, a domain.FinancialRecord, base decimal.Decimal) decimal.Decimal {
			return r.tolerance(a, base)
		}, nil
	case "fixed":
		v, err := decimal.NewFromString(strings.TrimSpace(arg))
		if err != nil || v.IsNegative() {
			return nil, fmt.Errorf("bad fixed tolerance %q", s)
		}
		return func(*run, domain.FinancialRecord, decimal.Decimal) decimal.Decimal { return v }, nil
	case "pct":
		v, err := decimal.NewFromString(strings.TrimSpace(arg))
		if err != nil || v.IsNegative() {
			return nil, fmt.Errorf("bad pct tolerance %q", s)
		}
		return func(_ *run, _ domain.FinancialRecord, base decimal.Decimal) decimal.Decimal {
			return base.Abs().Mul(v).Div(decimal.NewFromInt(100)).Round(2)
		}, nil
	}
	return nil, fmt.Errorf("unknown tolerance kind %q", s)
}

type compiledRule struct {
	rule domain.Rule
	eq   *formula.Equation
	tol  toleranceFunc
	docs []domain.DocumentType
}

type compiledCalc struct {
	calc Calculation
	legs []*formula.Expr
	tol  toleranceFunc
	docs []domain.DocumentType
}

// ValidateRule reports whether a rule would compile.
func ValidateRule(rule domain.Rule) error {
	_, err := compileRule(rule)
	return err
}

func compileRule(rule domain.Rule) (compiledRule, error) {
	eq, err := formula.ParseEquation(rule.Formula)
	if err != nil {
		return compiledRule{}, err
	}
	tol, err := ParseTolerance(rule.Tolerance)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{
		rule: rule,
		eq:   eq,
		tol:  tol,
		docs: mergeDocs(eq.Left.Selectors(), eq.Right.Selectors()),
	}, nil
}

func compileRules(rules []domain.Rule) ([]compiledRule, []*domain.MatchingStrategyError) {
	var out []compiledRule
	var errs []*domain.MatchingStrategyError
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			errs = append(errs, &domain.MatchingStrategyError{Strategy: domain.MatchRule, RuleID: rule.ID, Err: err})
			continue
		}
		out = append(out, cr)
	}
	return out, errs
}

func compileCalculations(calcs []Calculation) ([]compiledCalc, []*domain.MatchingStrategyError) {
	var out []compiledCalc
	var errs []*domain.MatchingStrategyError
	for _, c := range calcs {
		cc, err := compileCalc(c)
		if err != nil {
			errs = append(errs, &domain.MatchingStrategyError{Strategy: domain.MatchCalculated, RuleID: c.ID, Err: err})
			continue
		}
		out = append(out, cc)
	}
	return out, errs
}

func compileCalc(c Calculation) (compiledCalc, error) {
	if len(c.Legs) < 2 || len(c.Legs) > 3 {
		return compiledCalc{}, fmt.Errorf("calculation needs 2 or 3 legs, got %d", len(c.Legs))
	}
	cc := compiledCalc{calc: c}
	for _, leg := range c.Legs {
		e, err := formula.ParseExpr(leg)
		if err != nil {
			return compiledCalc{}, err
		}
		cc.legs = append(cc.legs, e)
		cc.docs = mergeDocs(cc.docs, e.Selectors())
	}
	tol, err := ParseTolerance(c.Tolerance)
	if err != nil {
		return compiledCalc{}, err
	}
	cc.tol = tol
	return cc, nil
}

func mergeDocs(a, b []domain.DocumentType) []domain.DocumentType {
	out := append([]domain.DocumentType(nil), a...)
	for _, d := range b {
		dup := false
		for _, x := range out {
			if x == d {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	return out
}

// rulesPass evaluates each rule once. A rule whose operands are missing
// does not apply; any other evaluation failure is reported for that rule
// alone.
func (r *run) rulesPass() []*domain.MatchingStrategyError {
	var errs []*domain.MatchingStrategyError
	for _, cr := range r.rules {
		if err := r.applyRule(cr); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *run) applyRule(cr compiledRule) (se *domain.MatchingStrategyError) {
	defer func() {
		if rec := recover(); rec != nil {
			se = &domain.MatchingStrategyError{Strategy: domain.MatchRule, RuleID: cr.rule.ID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	left, err := cr.eq.Left.Eval(r.pool)
	if err == nil {
		var right formula.Result
		right, err = cr.eq.Right.Eval(r.pool)
		if err == nil {
			r.claimEvaluated(domain.MatchRule, cr.rule.ID, confidence.RuleBase(cr.rule.Severity), cr.tol, left, right, nil)
			return nil
		}
	}
	if errors.Is(err, formula.ErrNoOperand) {
		return nil
	}
	return &domain.MatchingStrategyError{Strategy: domain.MatchRule, RuleID: cr.rule.ID, Err: err}
}

// calculatedPass evaluates each calculation once.
func (r *run) calculatedPass() []*domain.MatchingStrategyError {
	var errs []*domain.MatchingStrategyError
	for _, cc := range r.calcs {
		if err := r.applyCalc(cc); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *run) applyCalc(cc compiledCalc) (se *domain.MatchingStrategyError) {
	defer func() {
		if rec := recover(); rec != nil {
			se = &domain.MatchingStrategyError{Strategy: domain.MatchCalculated, RuleID: cc.calc.ID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	results := make([]formula.Result, 0, len(cc.legs))
	for _, leg := range cc.legs {
		res, err := leg.Eval(r.pool)
		if errors.Is(err, formula.ErrNoOperand) {
			return nil
		}
		if err != nil {
			return &domain.MatchingStrategyError{Strategy: domain.MatchCalculated, RuleID: cc.calc.ID, Err: err}
		}
		results = append(results, res)
	}
	var third *formula.Result
	if len(results) == 3 {
		third = &results[2]
	}
	r.claimEvaluated(domain.MatchCalculated, cc.calc.ID, confidence.BaseFor(domain.MatchCalculated), cc.tol, results[0], results[1], third)
	return nil
}

// claimEvaluated turns two evaluated sides into a match on their primary
// anchors. A corroborating third side within tolerance joins the claim;
// one outside tolerance (or already taken) penalizes the confidence by its
// deviation instead.
func (r *run) claimEvaluated(mt domain.MatchType, basis string, base float64, tolFn toleranceFunc, left, right formula.Result, third *formula.Result) {
	srcRec, ok1 := left.Primary()
	tgtRec, ok2 := right.Primary()
	if !ok1 || !ok2 {
		return
	}
	si, ok1 := r.pool.Lookup(srcRec.ID)
	ti, ok2 := r.pool.Lookup(tgtRec.ID)
	if !ok1 || !ok2 || si == ti {
		return
	}

	tol := tolFn(r, srcRec, right.Value)
	diff := left.Value.Sub(right.Value)
	penalized := diff.Abs()

	var corrob []int
	var corrobIDs []string
	if third != nil {
		dev := decimal.Max(left.Value.Sub(third.Value).Abs(), right.Value.Sub(third.Value).Abs())
		ci := -1
		if rec, ok := third.Primary(); ok {
			if i, ok := r.pool.Lookup(rec.ID); ok && i != si && i != ti {
				ci = i
			}
		}
		conf := r.e.scorer.Score(srcRec.DocumentType, base, diff, tol)
		if ci >= 0 && !dev.GreaterThan(tol) && r.pool.CanClaim(ci, conf) {
			corrob = []int{ci}
			corrobIDs = []string{r.pool.Record(ci).ID}
		} else if dev.GreaterThan(penalized) {
			penalized = dev
		}
	}

	conf := r.e.scorer.Score(srcRec.DocumentType, base, penalized, tol)
	if conf < r.e.cfg.MinAcceptance {
		return
	}
	if !r.pool.CanClaim(si, conf) || !r.pool.CanClaim(ti, conf) {
		return
	}
	m := r.newMatch(mt, basis, srcRec, tgtRec, left.Value, right.Value, tol, conf)
	m.CorroboratingRecordIDs = corrobIDs
	r.pool.Claim(m, si, ti, corrob...)
}
