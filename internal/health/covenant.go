package health

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/formula"
)

// EvaluateCovenants computes numerator/denominator for each covenant. A
// covenant whose operands are missing is reported unevaluated, not breached.
func EvaluateCovenants(sessionID string, covenants []domain.Covenant, env formula.Env) []domain.CovenantResult {
	out := make([]domain.CovenantResult, 0, len(covenants))
	for _, c := range covenants {
		out = append(out, evaluate(sessionID, c, env))
	}
	return out
}

func evaluate(sessionID string, c domain.Covenant, env formula.Env) domain.CovenantResult {
	res := domain.CovenantResult{
		SessionID:  sessionID,
		CovenantID: c.ID,
		Name:       c.Name,
		Threshold:  c.Threshold,
		Comparator: c.Comparator,
		Blocking:   c.Blocking,
	}
	if res.Comparator == "" {
		res.Comparator = ">="
	}

	num, err := evalExpr(c.Numerator, env)
	if err != nil {
		res.Detail = "numerator: " + err.Error()
		return res
	}
	den, err := evalExpr(c.Denominator, env)
	if err != nil {
		res.Detail = "denominator: " + err.Error()
		return res
	}
	if den.IsZero() {
		res.Detail = "denominator is zero"
		return res
	}

	res.Actual = num.Div(den).Round(4)
	switch res.Comparator {
	case "<=":
		res.Breached = res.Actual.GreaterThan(c.Threshold)
	default:
		res.Breached = res.Actual.LessThan(c.Threshold)
	}
	res.Detail = fmt.Sprintf("%s / %s = %s / %s", c.Numerator, c.Denominator, num.StringFixed(2), den.StringFixed(2))
	return res
}

func evalExpr(src string, env formula.Env) (decimal.Decimal, error) {
	e, err := formula.ParseExpr(src)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := e.Eval(env)
	if err != nil {
		return decimal.Zero, err
	}
	return r.Value, nil
}

// DefaultCovenants returns the debt service coverage covenant for a property.
func DefaultCovenants(propertyID string) []domain.Covenant {
	return []domain.Covenant{
		{
			ID:          "cov-dscr-" + propertyID,
			PropertyID:  propertyID,
			Name:        "DSCR",
			Numerator:   "sum(IS[4*]) - sum(IS[5*])",
			Denominator: "12 * MS[DS*]",
			Threshold:   decimal.RequireFromString("1.25"),
			Comparator:  ">=",
			Blocking:    true,
		},
	}
}
