package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DocumentType identifies the financial statement a line item was extracted from.
type DocumentType string

const (
	DocBalanceSheet      DocumentType = "BS"
	DocIncomeStatement   DocumentType = "IS"
	DocCashFlow          DocumentType = "CF"
	DocMortgageStatement DocumentType = "MS"
	DocRentRoll          DocumentType = "RR"
)

var documentTypes = map[string]DocumentType{
	"BS": DocBalanceSheet, "BALANCE_SHEET": DocBalanceSheet,
	"IS": DocIncomeStatement, "INCOME_STATEMENT": DocIncomeStatement,
	"CF": DocCashFlow, "CASH_FLOW": DocCashFlow,
	"MS": DocMortgageStatement, "MORTGAGE_STATEMENT": DocMortgageStatement,
	"RR": DocRentRoll, "RENT_ROLL": DocRentRoll,
}

// ParseDocumentType accepts the short code or the long name in any case.
func ParseDocumentType(s string) (DocumentType, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "_")
	if dt, ok := documentTypes[key]; ok {
		return dt, nil
	}
	return "", &ValidationError{Field: "document_type", Message: fmt.Sprintf("unknown document type %q", s)}
}

// AccountType is the closed set of account classifications.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// ParseAccountType rejects anything outside the five account classes.
func ParseAccountType(s string) (AccountType, error) {
	switch AccountType(strings.ToLower(strings.TrimSpace(s))) {
	case AccountAsset:
		return AccountAsset, nil
	case AccountLiability:
		return AccountLiability, nil
	case AccountEquity:
		return AccountEquity, nil
	case AccountRevenue:
		return AccountRevenue, nil
	case AccountExpense:
		return AccountExpense, nil
	}
	return "", &ValidationError{Field: "account_type", Message: fmt.Sprintf("unknown account type %q", s)}
}

// FinancialRecord is one extracted line item. Records are produced by the
// extraction subsystem and never modified here.
type FinancialRecord struct {
	ID                   string          `json:"id"`
	PropertyID           string          `json:"property_id"`
	PeriodID             string          `json:"period_id"`
	DocumentType         DocumentType    `json:"document_type"`
	AccountCode          string          `json:"account_code"`
	AccountName          string          `json:"account_name"`
	AccountType          AccountType     `json:"account_type"`
	Amount               decimal.Decimal `json:"amount"`
	ExtractionConfidence float64         `json:"extraction_confidence"`
}

// RecordInput carries unvalidated record fields from a feed.
type RecordInput struct {
	ID                   string
	PropertyID           string
	PeriodID             string
	DocumentType         string
	AccountCode          string
	AccountName          string
	AccountType          string
	Amount               decimal.Decimal
	ExtractionConfidence float64
}

// NewFinancialRecord validates in and builds a record.
func NewFinancialRecord(in RecordInput) (FinancialRecord, error) {
	if strings.TrimSpace(in.ID) == "" {
		return FinancialRecord{}, &ValidationError{Field: "id", Message: "record id is required"}
	}
	if strings.TrimSpace(in.PropertyID) == "" || strings.TrimSpace(in.PeriodID) == "" {
		return FinancialRecord{}, &ValidationError{
			Field: "property_id", Message: "property_id and period_id are required", RecordIDs: []string{in.ID},
		}
	}
	if strings.TrimSpace(in.AccountCode) == "" {
		return FinancialRecord{}, &ValidationError{Field: "account_code", Message: "account code is required", RecordIDs: []string{in.ID}}
	}
	dt, err := ParseDocumentType(in.DocumentType)
	if err != nil {
		return FinancialRecord{}, withRecord(err, in.ID)
	}
	at, err := ParseAccountType(in.AccountType)
	if err != nil {
		return FinancialRecord{}, withRecord(err, in.ID)
	}
	if in.ExtractionConfidence < 0 || in.ExtractionConfidence > 1 {
		return FinancialRecord{}, &ValidationError{
			Field: "extraction_confidence", Message: "must be within [0,1]", RecordIDs: []string{in.ID},
		}
	}
	return FinancialRecord{
		ID:                   strings.TrimSpace(in.ID),
		PropertyID:           strings.TrimSpace(in.PropertyID),
		PeriodID:             strings.TrimSpace(in.PeriodID),
		DocumentType:         dt,
		AccountCode:          strings.TrimSpace(in.AccountCode),
		AccountName:          strings.TrimSpace(in.AccountName),
		AccountType:          at,
		Amount:               in.Amount,
		ExtractionConfidence: in.ExtractionConfidence,
	}, nil
}

func withRecord(err error, id string) error {
	if ve, ok := err.(*ValidationError); ok {
		ve.RecordIDs = append(ve.RecordIDs, id)
		return ve
	}
	return err
}
