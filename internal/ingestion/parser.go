package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/money"
)

// Supported feed formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// recordNamespace derives stable ids for feed rows that carry none.
var recordNamespace = uuid.MustParse("6f1c7a52-4a1e-4d0e-9a57-3c1d2f8b9e10")

// columns maps accepted header spellings to record fields.
var columns = map[string]string{
	"id": "id", "record_id": "id",
	"property_id": "property_id", "property": "property_id",
	"period_id": "period_id", "period": "period_id",
	"document_type": "document_type", "statement": "document_type", "statement_type": "document_type",
	"account_code": "account_code", "code": "account_code",
	"account_name": "account_name", "name": "account_name", "description": "account_name",
	"account_type": "account_type", "type": "account_type",
	"amount": "amount",
	"extraction_confidence": "extraction_confidence", "confidence": "extraction_confidence",
}

var requiredColumns = []string{"property_id", "period_id", "document_type", "account_code", "account_type", "amount"}

// ParseCSV reads a header-first CSV feed.
//
// Expected header (any order, extra columns ignored):
//
//	id,property_id,period_id,document_type,account_code,account_name,account_type,amount,extraction_confidence
func ParseCSV(data []byte) ([]domain.FinancialRecord, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
	}
	return parseRows(rows)
}

// ParseXLSX reads the first worksheet of a spreadsheet feed laid out like
// the CSV feed.
func ParseXLSX(data []byte) ([]domain.FinancialRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &domain.ValidationError{Field: "file", Message: "workbook has no sheets"}
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return parseRows(rows)
}

type jsonRecord struct {
	ID                   string          `json:"id"`
	PropertyID           string          `json:"property_id"`
	PeriodID             string          `json:"period_id"`
	DocumentType         string          `json:"document_type"`
	AccountCode          string          `json:"account_code"`
	AccountName          string          `json:"account_name"`
	AccountType          string          `json:"account_type"`
	Amount               json.RawMessage `json:"amount"`
	ExtractionConfidence *float64        `json:"extraction_confidence"`
}

// ParseJSON reads either a bare array of records or {"records": [...]}.
// Amounts may be numbers or strings in statement notation.
func ParseJSON(data []byte) ([]domain.FinancialRecord, error) {
	var items []jsonRecord
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Records []jsonRecord `json:"records"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		items = env.Records
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	out := make([]domain.FinancialRecord, 0, len(items))
	for i, it := range items {
		raw := strings.Trim(string(it.Amount), `"`)
		if raw == "null" {
			raw = ""
		}
		amount, err := money.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d amount: %w", i, err)
		}
		conf := 1.0
		if it.ExtractionConfidence != nil {
			conf = *it.ExtractionConfidence
		}
		rec, err := build(domain.RecordInput{
			ID:                   it.ID,
			PropertyID:           it.PropertyID,
			PeriodID:             it.PeriodID,
			DocumentType:         it.DocumentType,
			AccountCode:          it.AccountCode,
			AccountName:          it.AccountName,
			AccountType:          it.AccountType,
			Amount:               amount,
			ExtractionConfidence: conf,
		}, i)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseRows(rows [][]string) ([]domain.FinancialRecord, error) {
	if len(rows) == 0 {
		return nil, &domain.ValidationError{Field: "file", Message: "feed is empty"}
	}

	idx := map[string]int{}
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := columns[key]; ok {
			if _, dup := idx[field]; !dup {
				idx[field] = i
			}
		}
	}
	for _, c := range requiredColumns {
		if _, ok := idx[c]; !ok {
			return nil, &domain.ValidationError{Field: "header", Message: fmt.Sprintf("missing column %q", c)}
		}
	}

	var out []domain.FinancialRecord
	for n, row := range rows[1:] {
		lineNum := n + 2
		if blank(row) {
			continue
		}
		cell := func(field string) string {
			i, ok := idx[field]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		amount, err := money.Parse(cell("amount"))
		if err != nil {
			return nil, fmt.Errorf("line %d amount: %w", lineNum, err)
		}
		conf := 1.0
		if s := cell("extraction_confidence"); s != "" {
			conf, err = strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d extraction_confidence: %w", lineNum, err)
			}
			if strings.HasSuffix(s, "%") {
				conf /= 100
			}
		}

		rec, err := build(domain.RecordInput{
			ID:                   cell("id"),
			PropertyID:           cell("property_id"),
			PeriodID:             cell("period_id"),
			DocumentType:         cell("document_type"),
			AccountCode:          cell("account_code"),
			AccountName:          cell("account_name"),
			AccountType:          cell("account_type"),
			Amount:               amount,
			ExtractionConfidence: conf,
		}, lineNum)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// build validates one row. Rows without an id get one derived from their
// position and key fields, so re-ingesting the same feed yields the same ids.
func build(in domain.RecordInput, pos int) (domain.FinancialRecord, error) {
	if strings.TrimSpace(in.ID) == "" {
		key := strings.Join([]string{in.PropertyID, in.PeriodID, strings.ToUpper(in.DocumentType), in.AccountCode, strconv.Itoa(pos)}, "|")
		in.ID = uuid.NewSHA1(recordNamespace, []byte(key)).String()
	}
	return domain.NewFinancialRecord(in)
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
