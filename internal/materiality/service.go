// Package materiality resolves the tolerance below which a difference
// between two statements is considered immaterial.
package materiality

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/domain"
)

// Fallback is used when no MaterialityConfig applies: max($1, 0.1% of baseline).
var (
	FallbackAbsolute    = decimal.NewFromInt(1)
	FallbackRelativePct = decimal.RequireFromString("0.1")
)

const (
	SourceAccount   = "account_override"
	SourceStatement = "statement"
	SourceProperty  = "property_default"
	SourceFallback  = "system_default"
)

var hundred = decimal.NewFromInt(100)

// riskMultipliers tighten tolerance for riskier accounts. Values above 1 are
// never applied.
var riskMultipliers = map[domain.RiskLevel]decimal.Decimal{
	domain.RiskLow:      decimal.NewFromInt(1),
	domain.RiskNormal:   decimal.NewFromInt(1),
	domain.RiskElevated: decimal.RequireFromString("0.5"),
	domain.RiskHigh:     decimal.RequireFromString("0.25"),
}

var riskRank = map[domain.RiskLevel]int{
	domain.RiskLow: 0, domain.RiskNormal: 1, domain.RiskElevated: 2, domain.RiskHigh: 3,
}

// Resolution explains where a tolerance came from.
type Resolution struct {
	Tolerance decimal.Decimal  `json:"tolerance"`
	Base      decimal.Decimal  `json:"base"`
	Source    string           `json:"source"`
	ConfigID  string           `json:"config_id,omitempty"`
	RiskLevel domain.RiskLevel `json:"risk_level"`
	// Warning is set to *domain.MaterialityConfigMissing when the
	// fallback was used.
	Warning error `json:"-"`
}

// Resolver answers tolerance queries against one immutable set of configs.
type Resolver struct {
	configs     []domain.MaterialityConfig
	riskClasses []domain.AccountRiskClass
	fallbackAbs decimal.Decimal
	fallbackPct decimal.Decimal
	logger      *logrus.Logger
	// warned holds the property/statement/account keys whose fallback has
	// been logged.
	warned sync.Map
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithFallback overrides the documented system fallback.
func WithFallback(absolute, relativePct decimal.Decimal) Option {
	return func(r *Resolver) {
		r.fallbackAbs = absolute
		r.fallbackPct = relativePct
	}
}

func NewResolver(configs []domain.MaterialityConfig, risk []domain.AccountRiskClass, logger *logrus.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		configs:     append([]domain.MaterialityConfig(nil), configs...),
		riskClasses: append([]domain.AccountRiskClass(nil), risk...),
		fallbackAbs: FallbackAbsolute,
		fallbackPct: FallbackRelativePct,
		logger:      logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// FromSnapshot builds a resolver for a session's captured configuration.
func FromSnapshot(s *domain.ConfigSnapshot, logger *logrus.Logger, opts ...Option) *Resolver {
	return NewResolver(s.Materiality, s.RiskClasses, logger, opts...)
}

// ResolveTolerance returns max(absolute, |baseline| x pct/100) from the most
// specific config, tightened by the account's risk class.
func (r *Resolver) ResolveTolerance(propertyID string, statement domain.DocumentType, accountCode string, baseline decimal.Decimal) Resolution {
	res := Resolution{RiskLevel: r.RiskLevel(accountCode)}

	cfg, source, ok := r.lookup(propertyID, statement, accountCode)
	if ok {
		res.Base = tolerance(cfg.AbsoluteThreshold, cfg.RelativeThresholdPct, baseline)
		res.Source = source
		res.ConfigID = cfg.ID
	} else {
		res.Base = tolerance(r.fallbackAbs, r.fallbackPct, baseline)
		res.Source = SourceFallback
		res.Warning = &domain.MaterialityConfigMissing{
			PropertyID: propertyID, StatementType: statement, AccountCode: accountCode,
		}
		if _, seen := r.warned.LoadOrStore(propertyID+"|"+string(statement)+"|"+accountCode, struct{}{}); !seen && r.logger != nil {
			r.logger.WithFields(logrus.Fields{
				"module":    "materiality",
				"property":  propertyID,
				"statement": statement,
				"account":   accountCode,
				"fallback":  res.Base.String(),
			}).Warn("MaterialityConfigMissing: using system default tolerance")
		}
	}

	mult, ok := riskMultipliers[res.RiskLevel]
	if !ok || mult.GreaterThan(decimal.NewFromInt(1)) {
		mult = decimal.NewFromInt(1)
	}
	res.Tolerance = res.Base.Mul(mult).Round(2)
	return res
}

// RiskLevel returns the highest risk level among classes matching code.
func (r *Resolver) RiskLevel(codes ...string) domain.RiskLevel {
	level := domain.RiskNormal
	matched := false
	for _, code := range codes {
		for _, rc := range r.riskClasses {
			if !domain.MatchPattern(rc.AccountCodePattern, code) {
				continue
			}
			if !matched || riskRank[rc.RiskLevel] > riskRank[level] {
				level = rc.RiskLevel
				matched = true
			}
		}
	}
	return level
}

// HighRisk reports whether any of the codes is classified high risk.
func (r *Resolver) HighRisk(codes ...string) bool {
	return r.RiskLevel(codes...) == domain.RiskHigh
}

func tolerance(abs, pct, baseline decimal.Decimal) decimal.Decimal {
	rel := baseline.Abs().Mul(pct).Div(hundred)
	if abs.GreaterThan(rel) {
		return abs
	}
	return rel
}

type candidate struct {
	cfg         domain.MaterialityConfig
	property    int
	pattern     int
	statement   int
	specificity int
}

// lookup picks the most specific config: property-specific beats global,
// then account-pattern override (longest pattern first), then
// statement-level, then property default. Newer versions break ties.
func (r *Resolver) lookup(propertyID string, statement domain.DocumentType, code string) (domain.MaterialityConfig, string, bool) {
	var cands []candidate
	for _, c := range r.configs {
		if c.PropertyID != propertyID && c.PropertyID != domain.AnyProperty {
			continue
		}
		if c.StatementType != "" && c.StatementType != statement {
			continue
		}
		if c.AccountPattern != "" && !domain.MatchPattern(c.AccountPattern, code) {
			continue
		}
		cd := candidate{cfg: c}
		if c.PropertyID == propertyID {
			cd.property = 1
		}
		if c.AccountPattern != "" {
			cd.pattern = 1
			cd.specificity = domain.PatternSpecificity(c.AccountPattern)
		}
		if c.StatementType != "" {
			cd.statement = 1
		}
		cands = append(cands, cd)
	}
	if len(cands) == 0 {
		return domain.MaterialityConfig{}, "", false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.property != b.property {
			return a.property > b.property
		}
		if a.pattern != b.pattern {
			return a.pattern > b.pattern
		}
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		if a.statement != b.statement {
			return a.statement > b.statement
		}
		return a.cfg.Version > b.cfg.Version
	})

	best := cands[0]
	switch {
	case best.pattern == 1:
		return best.cfg, SourceAccount, true
	case best.statement == 1:
		return best.cfg, SourceStatement, true
	default:
		return best.cfg, SourceProperty, true
	}
}
