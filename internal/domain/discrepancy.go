package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Discrepancy is a record left unmatched after every enabled strategy ran.
type Discrepancy struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	RecordID     string          `json:"record_id"`
	DocumentType DocumentType    `json:"document_type"`
	AccountCode  string          `json:"account_code"`
	Reason       string          `json:"reason"`
	Amount       decimal.Decimal `json:"amount"`
	Tolerance    decimal.Decimal `json:"tolerance"`
	Partition    int             `json:"partition"`
	CreatedAt    time.Time       `json:"created_at"`

	State MatchState `json:"state"`
}

// Material reports whether the unmatched amount exceeds tolerance.
func (d *Discrepancy) Material() bool {
	return d.Amount.Abs().GreaterThan(d.Tolerance)
}
