package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AnyProperty marks a global (all-properties) materiality config.
const AnyProperty = "*"

// MaterialityConfig sets the tolerance below which a difference is immaterial.
// An empty StatementType applies to every statement; an empty AccountPattern
// makes the config statement-level.
type MaterialityConfig struct {
	ID                   string          `json:"id"`
	PropertyID           string          `json:"property_id" validate:"required"`
	StatementType        DocumentType    `json:"statement_type,omitempty"`
	AccountPattern       string          `json:"account_pattern,omitempty"`
	AbsoluteThreshold    decimal.Decimal `json:"absolute_threshold"`
	RelativeThresholdPct decimal.Decimal `json:"relative_threshold_pct"`
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskNormal   RiskLevel = "normal"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
)

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskNormal, RiskElevated, RiskHigh:
		return r, nil
	}
	return "", &ValidationError{Field: "risk_level", Message: fmt.Sprintf("unknown risk level %q", s)}
}

// AccountRiskClass tags account codes matching a pattern with a risk level.
type AccountRiskClass struct {
	AccountCodePattern string    `json:"account_code_pattern" yaml:"account_code_pattern" validate:"required"`
	RiskLevel          RiskLevel `json:"risk_level" yaml:"risk_level" validate:"required"`
}

// AccountMapping maps a source-system account code to a canonical chart code.
type AccountMapping struct {
	SourceCode    string       `json:"source_code" yaml:"source_code" validate:"required"`
	CanonicalCode string       `json:"canonical_code" yaml:"canonical_code" validate:"required"`
	DocumentType  DocumentType `json:"document_type,omitempty" yaml:"document_type,omitempty"`
}

type RuleSeverity string

const (
	SeverityCritical RuleSeverity = "critical"
	SeverityHigh     RuleSeverity = "high"
	SeverityStandard RuleSeverity = "standard"
)

// Rule is a declarative cross-statement relationship. Tolerance is one of
// "materiality", "fixed:<amount>" or "pct:<percent>".
type Rule struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description" yaml:"description"`
	Formula     string       `json:"formula" yaml:"formula"`
	Severity    RuleSeverity `json:"severity" yaml:"severity"`
	Tolerance   string       `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
}

// Covenant is a lender threshold evaluated as Numerator / Denominator.
type Covenant struct {
	ID          string          `json:"id"`
	PropertyID  string          `json:"property_id" yaml:"property_id" validate:"required"`
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Numerator   string          `json:"numerator" yaml:"numerator" validate:"required"`
	Denominator string          `json:"denominator" yaml:"denominator" validate:"required"`
	Threshold   decimal.Decimal `json:"threshold" yaml:"threshold"`
	Comparator  string          `json:"comparator" yaml:"comparator" validate:"omitempty,oneof=>= <="`
	Blocking    bool            `json:"blocking" yaml:"blocking"`
}

// CovenantResult is a covenant evaluated against one session's records.
type CovenantResult struct {
	SessionID  string          `json:"session_id"`
	CovenantID string          `json:"covenant_id"`
	Name       string          `json:"name"`
	Actual     decimal.Decimal `json:"actual"`
	Threshold  decimal.Decimal `json:"threshold"`
	Comparator string          `json:"comparator"`
	Breached   bool            `json:"breached"`
	Blocking   bool            `json:"blocking"`
	Detail     string          `json:"detail,omitempty"`
}

// ConfigSnapshot is the immutable configuration a session ran with.
type ConfigSnapshot struct {
	Materiality   []MaterialityConfig `json:"materiality"`
	RiskClasses   []AccountRiskClass  `json:"risk_classes"`
	Mappings      []AccountMapping    `json:"mappings"`
	Rules         []Rule              `json:"rules"`
	Covenants     []Covenant          `json:"covenants"`
	HealthConfigs []HealthScoreConfig `json:"health_configs"`
	CapturedAt    time.Time           `json:"captured_at"`
}

// HealthConfig returns the snapshot's config for a persona.
func (s *ConfigSnapshot) HealthConfig(p Persona) (HealthScoreConfig, bool) {
	for _, c := range s.HealthConfigs {
		if c.Persona == p {
			return c, true
		}
	}
	return HealthScoreConfig{}, false
}
