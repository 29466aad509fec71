// Package formula parses and evaluates the small expression language used
// by reconciliation rules and covenants:
//
//	BS[2300*] == MS[principal*]
//	delta(BS[1590*]) == CF[8100*]
//	sum(IS[4*]) - sum(IS[5*])
//	12 * MS[debt_service]
//
// A selector DOC[pattern] names a document type and an account-code glob.
package formula

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
)

// ErrNoOperand means a selector matched nothing; the formula does not apply.
var ErrNoOperand = errors.New("no record matches operand")

// SyntaxError reports a malformed formula.
type SyntaxError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula %q: %s at offset %d", e.Formula, e.Msg, e.Pos)
}

// Env supplies records to an evaluation. Select returns current-period
// records matching the selector in preference order; Prior returns the
// prior-period records.
type Env interface {
	Select(doc domain.DocumentType, pattern string) []domain.FinancialRecord
	Prior(doc domain.DocumentType, pattern string) []domain.FinancialRecord
}

// Result is an evaluated expression. Anchors are the records the value was
// read from; the first one represents the expression in a match.
type Result struct {
	Value   decimal.Decimal
	Anchors []domain.FinancialRecord
}

// Primary returns the first anchor.
func (r Result) Primary() (domain.FinancialRecord, bool) {
	if len(r.Anchors) == 0 {
		return domain.FinancialRecord{}, false
	}
	return r.Anchors[0], true
}

// Expr is a parsed arithmetic expression.
type Expr struct {
	src   string
	terms []term
}

func (e *Expr) String() string { return e.src }

// Equation is "left == right".
type Equation struct {
	Left  *Expr
	Right *Expr
}

type term struct {
	negative bool
	coef     decimal.Decimal
	fn       string // "", "sum", "delta", "prior", or "const"
	doc      domain.DocumentType
	pattern  string
}

// ParseEquation parses a rule formula.
func ParseEquation(s string) (*Equation, error) {
	left, right, ok := strings.Cut(s, "==")
	if !ok {
		return nil, &SyntaxError{Formula: s, Pos: 0, Msg: "missing '=='"}
	}
	if strings.Contains(right, "==") {
		return nil, &SyntaxError{Formula: s, Pos: len(left) + 2, Msg: "more than one '=='"}
	}
	l, err := parseExpr(s, left, 0)
	if err != nil {
		return nil, err
	}
	r, err := parseExpr(s, right, len(left)+2)
	if err != nil {
		return nil, err
	}
	return &Equation{Left: l, Right: r}, nil
}

// ParseExpr parses a standalone expression, as used by covenants.
func ParseExpr(s string) (*Expr, error) {
	return parseExpr(s, s, 0)
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env Env) (Result, error) {
	var res Result
	for _, t := range e.terms {
		v, anchors, err := t.eval(env)
		if err != nil {
			return Result{}, err
		}
		if t.negative {
			v = v.Neg()
		}
		res.Value = res.Value.Add(v)
		res.Anchors = append(res.Anchors, anchors...)
	}
	return res, nil
}

func (t term) eval(env Env) (decimal.Decimal, []domain.FinancialRecord, error) {
	switch t.fn {
	case "const":
		return t.coef, nil, nil
	case "sum":
		recs := env.Select(t.doc, t.pattern)
		if len(recs) == 0 {
			return decimal.Zero, nil, fmt.Errorf("%s[%s]: %w", t.doc, t.pattern, ErrNoOperand)
		}
		total := decimal.Zero
		for _, r := range recs {
			total = total.Add(r.Amount)
		}
		return total.Mul(t.coef), recs, nil
	case "prior":
		prior := env.Prior(t.doc, t.pattern)
		if len(prior) == 0 {
			return decimal.Zero, nil, fmt.Errorf("prior %s[%s]: %w", t.doc, t.pattern, ErrNoOperand)
		}
		return prior[0].Amount.Mul(t.coef), nil, nil
	case "delta":
		cur := env.Select(t.doc, t.pattern)
		if len(cur) == 0 {
			return decimal.Zero, nil, fmt.Errorf("%s[%s]: %w", t.doc, t.pattern, ErrNoOperand)
		}
		want := domain.NormalizeAccountCode(cur[0].AccountCode)
		for _, p := range env.Prior(t.doc, t.pattern) {
			if domain.NormalizeAccountCode(p.AccountCode) == want {
				return cur[0].Amount.Sub(p.Amount).Mul(t.coef), cur[:1], nil
			}
		}
		return decimal.Zero, nil, fmt.Errorf("prior %s[%s]: %w", t.doc, t.pattern, ErrNoOperand)
	default:
		cur := env.Select(t.doc, t.pattern)
		if len(cur) == 0 {
			return decimal.Zero, nil, fmt.Errorf("%s[%s]: %w", t.doc, t.pattern, ErrNoOperand)
		}
		return cur[0].Amount.Mul(t.coef), cur[:1], nil
	}
}

// Selectors lists the document types an expression reads.
func (e *Expr) Selectors() []domain.DocumentType {
	var out []domain.DocumentType
	seen := map[domain.DocumentType]bool{}
	for _, t := range e.terms {
		if t.fn == "const" || seen[t.doc] {
			continue
		}
		seen[t.doc] = true
		out = append(out, t.doc)
	}
	return out
}

// --- parser ---

type parser struct {
	full   string
	src    string
	offset int
	pos    int
}

func parseExpr(full, src string, offset int) (*Expr, error) {
	p := &parser{full: full, src: src, offset: offset}
	e := &Expr{src: strings.TrimSpace(src)}

	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("empty expression")
	}
	negative := false
	for {
		p.skipSpace()
		if p.peek() == '-' {
			negative = !negative
			p.pos++
			p.skipSpace()
		}
		t, err := p.term()
		if err != nil {
			return nil, err
		}
		t.negative = negative
		e.terms = append(e.terms, t)

		p.skipSpace()
		if p.eof() {
			return e, nil
		}
		switch p.peek() {
		case '+':
			negative = false
		case '-':
			negative = true
		default:
			return nil, p.errorf(fmt.Sprintf("unexpected %q", p.peek()))
		}
		p.pos++
	}
}

func (p *parser) term() (term, error) {
	t := term{coef: decimal.NewFromInt(1)}
	if isNumberStart(p.peek()) {
		n, err := p.number()
		if err != nil {
			return t, err
		}
		p.skipSpace()
		if p.peek() != '*' {
			t.fn = "const"
			t.coef = n
			return t, nil
		}
		p.pos++
		p.skipSpace()
		t.coef = n
	}

	ident := p.ident()
	if ident == "" {
		return t, p.errorf("expected selector")
	}
	p.skipSpace()
	if p.peek() == '(' {
		fn := strings.ToLower(ident)
		if fn != "sum" && fn != "delta" && fn != "prior" {
			return t, p.errorf("unknown function " + ident)
		}
		p.pos++
		p.skipSpace()
		doc := p.ident()
		if err := p.selector(&t, doc); err != nil {
			return t, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return t, p.errorf("expected ')'")
		}
		p.pos++
		t.fn = fn
		return t, nil
	}
	return t, p.selector(&t, ident)
}

func (p *parser) selector(t *term, doc string) error {
	dt, err := domain.ParseDocumentType(doc)
	if err != nil {
		return p.errorf(fmt.Sprintf("unknown document %q", doc))
	}
	p.skipSpace()
	if p.peek() != '[' {
		return p.errorf("expected '['")
	}
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return p.errorf("unterminated '['")
	}
	pattern := strings.TrimSpace(p.src[p.pos+1 : p.pos+end])
	if pattern == "" {
		return p.errorf("empty account pattern")
	}
	p.pos += end + 1
	t.doc = dt
	t.pattern = pattern
	return nil
}

func (p *parser) number() (decimal.Decimal, error) {
	start := p.pos
	for !p.eof() && (unicode.IsDigit(rune(p.peek())) || p.peek() == '.') {
		p.pos++
	}
	d, err := decimal.NewFromString(p.src[start:p.pos])
	if err != nil {
		return decimal.Zero, p.errorf("bad number")
	}
	return d, nil
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() {
		c := rune(p.peek())
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(rune(p.peek())) {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) errorf(msg string) error {
	return &SyntaxError{Formula: p.full, Pos: p.offset + p.pos, Msg: msg}
}

func isNumberStart(c byte) bool {
	return c >= '0' && c <= '9'
}

// Records is an Env over plain record slices, ordered by normalized account
// code then id.
type Records struct {
	current []domain.FinancialRecord
	prior   []domain.FinancialRecord
}

func NewRecords(current, prior []domain.FinancialRecord) *Records {
	r := &Records{
		current: append([]domain.FinancialRecord(nil), current...),
		prior:   append([]domain.FinancialRecord(nil), prior...),
	}
	sortRecords(r.current)
	sortRecords(r.prior)
	return r
}

func (r *Records) Select(doc domain.DocumentType, pattern string) []domain.FinancialRecord {
	return filter(r.current, doc, pattern)
}

func (r *Records) Prior(doc domain.DocumentType, pattern string) []domain.FinancialRecord {
	return filter(r.prior, doc, pattern)
}

func filter(recs []domain.FinancialRecord, doc domain.DocumentType, pattern string) []domain.FinancialRecord {
	var out []domain.FinancialRecord
	for _, rec := range recs {
		if rec.DocumentType == doc && domain.MatchPattern(pattern, rec.AccountCode) {
			out = append(out, rec)
		}
	}
	return out
}

func sortRecords(recs []domain.FinancialRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := domain.NormalizeAccountCode(recs[i].AccountCode), domain.NormalizeAccountCode(recs[j].AccountCode)
		if a != b {
			return a < b
		}
		return recs[i].ID < recs[j].ID
	})
}
