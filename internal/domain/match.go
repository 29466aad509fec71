package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchRule       MatchType = "rule"
	MatchCalculated MatchType = "calculated"
	MatchFuzzy      MatchType = "fuzzy"
	MatchInferred   MatchType = "inferred"
)

// StrategyOrder is the fixed priority in which strategies consume the pool.
var StrategyOrder = []MatchType{MatchExact, MatchRule, MatchCalculated, MatchFuzzy, MatchInferred}

type MatchStatus string

const (
	StatusPending      MatchStatus = "PENDING"
	StatusAutoResolved MatchStatus = "AUTO_RESOLVED"
	StatusSuggested    MatchStatus = "SUGGESTED"
	StatusRouted       MatchStatus = "ROUTED"
	StatusEscalated    MatchStatus = "ESCALATED"
	StatusApproved     MatchStatus = "APPROVED"
	StatusRejected     MatchStatus = "REJECTED"
	StatusModified     MatchStatus = "MODIFIED"
)

// ParseMatchStatus returns "" with ok=false for unknown values.
func ParseMatchStatus(s string) (MatchStatus, bool) {
	switch st := MatchStatus(s); st {
	case StatusPending, StatusAutoResolved, StatusSuggested, StatusRouted,
		StatusEscalated, StatusApproved, StatusRejected, StatusModified:
		return st, true
	}
	return "", false
}

// Tiered statuses are the outcomes of classification.
func (s MatchStatus) Tiered() bool {
	switch s {
	case StatusAutoResolved, StatusSuggested, StatusRouted, StatusEscalated:
		return true
	}
	return false
}

// Terminal statuses are reviewer decisions.
func (s MatchStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusModified:
		return true
	}
	return false
}

// Resolved statuses count as healthy for scoring.
func (s MatchStatus) Resolved() bool {
	return s == StatusAutoResolved || s == StatusApproved || s == StatusModified
}

// CanReview reports whether a reviewer decision may follow s.
func (s MatchStatus) CanReview() bool {
	return s.Tiered()
}

type Tier int

const (
	TierUnclassified Tier = -1
	Tier0            Tier = 0
	Tier1            Tier = 1
	Tier2            Tier = 2
	Tier3            Tier = 3
)

// Match pairs two records within a session. The match facts never change
// after creation; review progress lives in MatchState.
type Match struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	SourceRecordID    string          `json:"source_record_id"`
	TargetRecordID    string          `json:"target_record_id"`
	SourceAccountCode string          `json:"source_account_code"`
	TargetAccountCode string          `json:"target_account_code"`
	SourceDocument    DocumentType    `json:"source_document"`
	TargetDocument    DocumentType    `json:"target_document"`
	MatchType         MatchType       `json:"match_type"`
	Basis             string          `json:"basis,omitempty"`
	ConfidenceScore   float64         `json:"confidence_score"`
	SourceAmount      decimal.Decimal `json:"source_amount"`
	TargetAmount      decimal.Decimal `json:"target_amount"`
	AmountDifference  decimal.Decimal `json:"amount_difference"`
	Tolerance         decimal.Decimal `json:"tolerance"`
	Partition         int             `json:"partition"`
	CreatedAt         time.Time       `json:"created_at"`
	// CorroboratingRecordIDs are extra records a multi-leg calculation
	// consumed to support this match.
	CorroboratingRecordIDs []string `json:"corroborating_record_ids,omitempty"`

	State MatchState `json:"state"`
}

// AbsDifference is |source - target|.
func (m *Match) AbsDifference() decimal.Decimal {
	return m.AmountDifference.Abs()
}

// Material reports whether the difference exceeds the match tolerance.
func (m *Match) Material() bool {
	return m.AbsDifference().GreaterThan(m.Tolerance)
}

// MatchState is one version of a match's (or discrepancy's) review state.
type MatchState struct {
	Version        int              `json:"version"`
	Status         MatchStatus      `json:"status"`
	Tier           Tier             `json:"tier"`
	Material       bool             `json:"material"`
	ReviewNotes    string           `json:"review_notes,omitempty"`
	ModifiedAmount *decimal.Decimal `json:"modified_amount,omitempty"`
	Actor          string           `json:"actor,omitempty"`
	ReviewedAt     *time.Time       `json:"reviewed_at,omitempty"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

// Fix is a proposed correction. It is advisory only.
type Fix struct {
	MatchID       string          `json:"match_id"`
	RecordID      string          `json:"record_id"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	ProposedValue decimal.Decimal `json:"proposed_value"`
	Delta         decimal.Decimal `json:"delta"`
	Rationale     string          `json:"rationale"`
}
