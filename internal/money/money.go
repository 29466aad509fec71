package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Cent is the smallest difference treated as an exact match.
var Cent = decimal.New(1, -2)

// Parse reads a statement amount. It accepts currency symbols, thousands
// separators and accounting-style parentheses for negatives: "(1,234.50)".
func Parse(s string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(s)
	if raw == "" || raw == "-" {
		return decimal.Zero, nil
	}

	negative := false
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		negative = true
		raw = raw[1 : len(raw)-1]
	}
	raw = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "").Replace(raw)
	if strings.HasSuffix(raw, "-") {
		negative = !negative
		raw = strings.TrimSuffix(raw, "-")
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs()
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Ratio returns a/b as float64, or 0 when b is zero.
func Ratio(a, b decimal.Decimal) float64 {
	if b.IsZero() {
		return 0
	}
	f, _ := a.Div(b).Float64()
	return f
}

// Format renders d as "$1,234.56" (negatives as "-$1,234.56").
func Format(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return sign + "$" + b.String() + "." + frac
}
