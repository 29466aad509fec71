// Command generate writes a deterministic sample property: three months of
// extracted statement feeds in every supported format plus a seed file.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/propledger/reconciler/internal/domain"
)

const property = "HARBOR-01"

var periods = []string{"2024-10", "2024-11", "2024-12"}

type line struct {
	doc    domain.DocumentType
	code   string
	name   string
	typ    domain.AccountType
	amount decimal.Decimal
}

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()
	outDir := filepath.Join(baseDir, "sample")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		panic(err)
	}

	byDoc := map[domain.DocumentType][]domain.FinancialRecord{}
	state := newLedger()
	for i, period := range periods {
		lines := state.month(rng, i == len(periods)-1)
		for j, l := range lines {
			rec := domain.FinancialRecord{
				ID:                   fmt.Sprintf("%s-%s-%s-%02d", property, period, l.doc, j),
				PropertyID:           property,
				PeriodID:             period,
				DocumentType:         l.doc,
				AccountCode:          l.code,
				AccountName:          l.name,
				AccountType:          l.typ,
				Amount:               l.amount.Round(2),
				ExtractionConfidence: 0.9 + rng.Float64()/10,
			}
			byDoc[l.doc] = append(byDoc[l.doc], rec)
		}
	}

	writeCSV(filepath.Join(outDir, "balance_sheet.csv"), byDoc[domain.DocBalanceSheet])
	writeCSV(filepath.Join(outDir, "income_statement.csv"), byDoc[domain.DocIncomeStatement])
	writeJSONFile(filepath.Join(outDir, "cash_flow.json"), map[string]any{"records": byDoc[domain.DocCashFlow]})
	writeJSONFile(filepath.Join(outDir, "mortgage_statement.json"), byDoc[domain.DocMortgageStatement])
	writeXLSX(filepath.Join(outDir, "rent_roll.xlsx"), byDoc[domain.DocRentRoll])
	writeSeed(filepath.Join(outDir, "seed.yaml"))

	for doc, recs := range byDoc {
		fmt.Printf("Generated %d %s records\n", len(recs), doc)
	}
	fmt.Printf("Wrote sample feeds and seed.yaml -> %s\n", outDir)
}

// ledger carries balances from month to month so roll-forwards hold.
type ledger struct {
	cash, escrow, accumDep, principal decimal.Decimal
}

func newLedger() *ledger {
	return &ledger{
		cash:      decimal.NewFromInt(412_000),
		escrow:    decimal.NewFromInt(38_500),
		accumDep:  decimal.NewFromInt(1_000_000),
		principal: decimal.NewFromInt(9_250_000),
	}
}

func money(f float64) decimal.Decimal { return decimal.NewFromFloat(f).Round(2) }

// jitter returns an extraction error of up to a few dollars.
func jitter(rng *rand.Rand) decimal.Decimal {
	return money((rng.Float64() - 0.5) * 6)
}

// month advances the ledger one period. The last month carries an injected
// ending-cash break on the cash flow statement.
func (l *ledger) month(rng *rand.Rand, anomaly bool) []line {
	gpr := money(182_000 + rng.Float64()*4_000)
	vacancy := money(float64(gpr.IntPart()) * (0.03 + rng.Float64()*0.02))
	rent := gpr.Sub(vacancy)
	other := money(6_500 + rng.Float64()*1_000)
	opex := money(71_000 + rng.Float64()*6_000)
	dep := money(64_812.62)
	interest := l.principal.Mul(decimal.NewFromFloat(0.055)).Div(decimal.NewFromInt(12)).Round(2)
	principalPaid := money(11_400)
	escrowIn := money(4_200)

	noi := rent.Add(other).Sub(opex)
	netCash := noi.Sub(interest).Sub(principalPaid).Sub(escrowIn)

	l.accumDep = l.accumDep.Add(dep)
	l.principal = l.principal.Sub(principalPaid)
	l.escrow = l.escrow.Add(escrowIn)
	l.cash = l.cash.Add(netCash)

	endingCash := l.cash.Add(jitter(rng))
	if anomaly {
		endingCash = endingCash.Add(decimal.NewFromInt(12_000))
	}

	return []line{
		{domain.DocBalanceSheet, "1000", "Cash - Operating", domain.AccountAsset, l.cash},
		{domain.DocBalanceSheet, "1400", "Escrow - Taxes & Insurance", domain.AccountAsset, l.escrow.Add(jitter(rng))},
		{domain.DocBalanceSheet, "1590", "Accumulated Depreciation", domain.AccountAsset, l.accumDep},
		{domain.DocBalanceSheet, "2300", "Mortgage Payable", domain.AccountLiability, l.principal},

		{domain.DocIncomeStatement, "4000", "Rental Income", domain.AccountRevenue, rent},
		{domain.DocIncomeStatement, "4100", "Other Income", domain.AccountRevenue, other},
		{domain.DocIncomeStatement, "5100", "Operating Expenses", domain.AccountExpense, opex},
		{domain.DocIncomeStatement, "6500", "Depreciation Expense", domain.AccountExpense, dep},
		{domain.DocIncomeStatement, "6800", "Mortgage Interest", domain.AccountExpense, interest},

		{domain.DocCashFlow, "8100", "Depreciation add-back", domain.AccountExpense, dep.Add(jitter(rng))},
		{domain.DocCashFlow, "9900", "Ending Cash", domain.AccountAsset, endingCash},

		{domain.DocMortgageStatement, "PRIN-BAL", "Principal Balance", domain.AccountLiability, l.principal},
		{domain.DocMortgageStatement, "ESC-BAL", "Escrow Balance", domain.AccountAsset, l.escrow},
		{domain.DocMortgageStatement, "DS-PMT", "Monthly Debt Service", domain.AccountLiability, interest.Add(principalPaid)},

		{domain.DocRentRoll, "GPR", "Gross Potential Rent", domain.AccountRevenue, rent.Add(jitter(rng))},
	}
}

var header = []string{"id", "property_id", "period_id", "document_type", "account_code",
	"account_name", "account_type", "amount", "extraction_confidence"}

func row(r domain.FinancialRecord) []string {
	return []string{r.ID, r.PropertyID, r.PeriodID, string(r.DocumentType), r.AccountCode,
		r.AccountName, string(r.AccountType), r.Amount.StringFixed(2), fmt.Sprintf("%.3f", r.ExtractionConfidence)}
}

func writeCSV(path string, recs []domain.FinancialRecord) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write(header)
	for _, r := range recs {
		w.Write(row(r))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		panic(err)
	}
}

func writeXLSX(path string, recs []domain.FinancialRecord) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		panic(err)
	}
	for i, r := range recs {
		cells := row(r)
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &cells); err != nil {
			panic(err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		panic(err)
	}
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func writeSeed(path string) {
	seed := map[string]any{
		"materiality": []map[string]string{
			{"property_id": property, "statement_type": "BS", "absolute_threshold": "250", "relative_threshold_pct": "0.05"},
			{"property_id": property, "statement_type": "CF", "absolute_threshold": "250"},
			{"property_id": property, "statement_type": "RR", "relative_threshold_pct": "2"},
		},
		"risk_classes": []map[string]string{
			{"account_code_pattern": "2300*", "risk_level": "high"},
			{"account_code_pattern": "PRIN*", "risk_level": "high"},
			{"account_code_pattern": "1400*", "risk_level": "elevated"},
		},
		"covenants": []map[string]any{
			{"property_id": property, "name": "DSCR", "numerator": "sum(IS[4*]) - sum(IS[5*])",
				"denominator": "12 * MS[DS*]", "threshold": "1.25", "blocking": true},
		},
	}
	out, err := yaml.Marshal(seed)
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "../../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
