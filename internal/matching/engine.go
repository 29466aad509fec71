// Package matching pairs financial records across statements. Strategies
// run in a fixed priority order over a per-partition record arena; each
// strategy only sees records earlier strategies left unlocked.
package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/propledger/reconciler/internal/confidence"
	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/materiality"
	"github.com/propledger/reconciler/internal/money"
)

// StatementPair directs candidate search from Source to Target records.
type StatementPair struct {
	Source domain.DocumentType `json:"source" mapstructure:"source"`
	Target domain.DocumentType `json:"target" mapstructure:"target"`
}

func DefaultPairs() []StatementPair {
	return []StatementPair{
		{domain.DocBalanceSheet, domain.DocMortgageStatement},
		{domain.DocIncomeStatement, domain.DocCashFlow},
		{domain.DocBalanceSheet, domain.DocCashFlow},
		{domain.DocRentRoll, domain.DocIncomeStatement},
		{domain.DocBalanceSheet, domain.DocIncomeStatement},
	}
}

// ParsePair reads "SRC:TGT", e.g. "BS:MS".
func ParsePair(s string) (StatementPair, error) {
	src, tgt, ok := strings.Cut(s, ":")
	if !ok {
		return StatementPair{}, fmt.Errorf("pair %q: want SOURCE:TARGET", s)
	}
	a, err := domain.ParseDocumentType(src)
	if err != nil {
		return StatementPair{}, fmt.Errorf("pair %q: %w", s, err)
	}
	b, err := domain.ParseDocumentType(tgt)
	if err != nil {
		return StatementPair{}, fmt.Errorf("pair %q: %w", s, err)
	}
	if a == b {
		return StatementPair{}, fmt.Errorf("pair %q: source and target must differ", s)
	}
	return StatementPair{Source: a, Target: b}, nil
}

// Config holds engine constants.
type Config struct {
	LockThreshold  float64
	MinAcceptance  float64
	ExactTolerance decimal.Decimal
	NameWeight     float64
	AmountWeight   float64
	MinSimilarity  float64
	Pairs          []StatementPair
}

func DefaultConfig() Config {
	return Config{
		LockThreshold:  70,
		MinAcceptance:  50,
		ExactTolerance: money.Cent,
		NameWeight:     0.7,
		AmountWeight:   0.3,
		MinSimilarity:  0.6,
		Pairs:          DefaultPairs(),
	}
}

// Hooks let the caller observe strategy boundaries. BeforeStrategy is the
// only place a run can be stopped; AfterStrategy receives the matches that
// became locked during the strategy.
type Hooks struct {
	BeforeStrategy func(ctx context.Context, partition int, strategy domain.MatchType) error
	AfterStrategy  func(ctx context.Context, partition int, strategy domain.MatchType, locked []domain.Match) error
}

// Input is everything one run needs. Records must belong to one
// property/period; PriorRecords are the previous period's records.
type Input struct {
	SessionID    string
	PropertyID   string
	PeriodID     string
	Records      []domain.FinancialRecord
	PriorRecords []domain.FinancialRecord
	Flags        domain.StrategyFlags
	Resolver     *materiality.Resolver
	Rules        []domain.Rule
	Calculations []Calculation
	Mappings     []domain.AccountMapping
	Hooks        Hooks
}

// Result is the merged outcome of all partitions.
type Result struct {
	// Matches holds every live match, locked and tentative.
	Matches []domain.Match
	// Tentative are live matches below the lock threshold. They are never
	// passed to AfterStrategy.
	Tentative      []domain.Match
	Discrepancies  []domain.Discrepancy
	StrategyErrors []*domain.MatchingStrategyError
	Partitions     int
	// Complete is false when a hook stopped the run early; Discrepancies
	// are only produced for complete runs.
	Complete bool
}

// Engine runs the matching strategies.
type Engine struct {
	cfg    Config
	scorer *confidence.Scorer
	logger *logrus.Logger
	now    func() time.Time
}

func NewEngine(cfg Config, scorer *confidence.Scorer, logger *logrus.Logger) *Engine {
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultPairs()
	}
	if scorer == nil {
		scorer = confidence.NewScorer(confidence.DefaultParams(), nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{cfg: cfg, scorer: scorer, logger: logger, now: time.Now}
}

// Config returns the engine constants.
func (e *Engine) Config() Config { return e.cfg }

// Run matches in.Records. Independent partitions run concurrently; within a
// partition strategies run sequentially in domain.StrategyOrder.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	if in.Resolver == nil {
		in.Resolver = materiality.NewResolver(nil, nil, e.logger)
	}
	if in.Rules == nil {
		in.Rules = DefaultRules()
	}
	if in.Calculations == nil {
		in.Calculations = DefaultCalculations()
	}

	rules, ruleErrs := compileRules(in.Rules)
	calcs, calcErrs := compileCalculations(in.Calculations)
	parts := e.partition(in.Records, rules, calcs)

	results := make([]*partitionResult, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, docs := range parts {
		i, docs := i, docs
		g.Go(func() error {
			pr := e.runPartition(gctx, in, i, docs, rules, calcs)
			results[i] = pr
			return pr.err
		})
	}
	runErr := g.Wait()

	res := &Result{Partitions: len(parts), Complete: runErr == nil}
	if in.Flags.UseRules {
		res.StrategyErrors = append(res.StrategyErrors, ruleErrs...)
	}
	if in.Flags.UseCalculated {
		res.StrategyErrors = append(res.StrategyErrors, calcErrs...)
	}
	for _, pr := range results {
		if pr == nil {
			continue
		}
		res.Matches = append(res.Matches, pr.matches...)
		res.Tentative = append(res.Tentative, pr.tentative...)
		res.StrategyErrors = append(res.StrategyErrors, pr.strategyErrs...)
		if runErr == nil {
			res.Discrepancies = append(res.Discrepancies, pr.discrepancies...)
		}
	}
	for _, se := range res.StrategyErrors {
		e.logger.WithFields(logrus.Fields{
			"module":     "matching",
			"session_id": in.SessionID,
			"strategy":   se.Strategy,
			"rule_id":    se.RuleID,
		}).Warnf("strategy skipped: %v", se.Err)
	}
	return res, runErr
}

type partitionResult struct {
	matches       []domain.Match
	tentative     []domain.Match
	discrepancies []domain.Discrepancy
	strategyErrs  []*domain.MatchingStrategyError
	err           error
}

// run is the per-partition state handed to strategies.
type run struct {
	e         *Engine
	in        Input
	partition int
	pool      *Pool
	pairs     []StatementPair
	rules     []compiledRule
	calcs     []compiledCalc
	now       time.Time
}

func (e *Engine) runPartition(ctx context.Context, in Input, idx int, docs map[domain.DocumentType]bool, rules []compiledRule, calcs []compiledCalc) *partitionResult {
	var records, prior []domain.FinancialRecord
	for _, r := range in.Records {
		if docs[r.DocumentType] {
			records = append(records, r)
		}
	}
	for _, r := range in.PriorRecords {
		if docs[r.DocumentType] {
			prior = append(prior, r)
		}
	}

	r := &run{
		e:         e,
		in:        in,
		partition: idx,
		pool:      NewPool(records, prior, e.cfg.LockThreshold),
		now:       e.now().UTC(),
	}
	for _, p := range e.cfg.Pairs {
		if docs[p.Source] && docs[p.Target] {
			r.pairs = append(r.pairs, p)
		}
	}
	for _, cr := range rules {
		if coversAll(docs, cr.docs) {
			r.rules = append(r.rules, cr)
		}
	}
	for _, cc := range calcs {
		if coversAll(docs, cc.docs) {
			r.calcs = append(r.calcs, cc)
		}
	}

	out := &partitionResult{}
	for _, st := range domain.StrategyOrder {
		if !enabled(in.Flags, st) {
			continue
		}
		if in.Hooks.BeforeStrategy != nil {
			if err := in.Hooks.BeforeStrategy(ctx, idx, st); err != nil {
				out.err = err
				break
			}
		} else if err := ctx.Err(); err != nil {
			out.err = err
			break
		}

		if se := r.safely(st); se != nil {
			out.strategyErrs = append(out.strategyErrs, se...)
		}

		locked := r.pool.FlushLocked()
		if in.Hooks.AfterStrategy != nil {
			if err := in.Hooks.AfterStrategy(ctx, idx, st, locked); err != nil {
				out.err = err
				break
			}
		}
	}

	out.matches = r.pool.Live()
	out.tentative = r.pool.Tentative()
	if out.err == nil {
		out.discrepancies = r.discrepancies()
	}
	return out
}

// safely runs one strategy, turning a panic into a MatchingStrategyError so
// the remaining strategies still run.
func (r *run) safely(st domain.MatchType) (errs []*domain.MatchingStrategyError) {
	defer func() {
		if rec := recover(); rec != nil {
			errs = append(errs, &domain.MatchingStrategyError{Strategy: st, Err: fmt.Errorf("panic: %v", rec)})
		}
	}()
	switch st {
	case domain.MatchExact:
		r.exact()
	case domain.MatchRule:
		return r.rulesPass()
	case domain.MatchCalculated:
		return r.calculatedPass()
	case domain.MatchFuzzy:
		r.fuzzy()
	case domain.MatchInferred:
		r.inferred()
	}
	return nil
}

func enabled(f domain.StrategyFlags, st domain.MatchType) bool {
	switch st {
	case domain.MatchExact:
		return f.UseExact
	case domain.MatchRule:
		return f.UseRules
	case domain.MatchCalculated:
		return f.UseCalculated
	case domain.MatchFuzzy:
		return f.UseFuzzy
	case domain.MatchInferred:
		return f.UseInferred
	}
	return false
}

func coversAll(docs map[domain.DocumentType]bool, need []domain.DocumentType) bool {
	for _, d := range need {
		if !docs[d] {
			return false
		}
	}
	return len(need) > 0
}

// newMatch fills the common match fields from two arena records.
func (r *run) newMatch(mt domain.MatchType, basis string, src, tgt domain.FinancialRecord, srcAmt, tgtAmt, tol decimal.Decimal, conf float64) domain.Match {
	return domain.Match{
		ID:                uuid.NewString(),
		SessionID:         r.in.SessionID,
		SourceRecordID:    src.ID,
		TargetRecordID:    tgt.ID,
		SourceAccountCode: src.AccountCode,
		TargetAccountCode: tgt.AccountCode,
		SourceDocument:    src.DocumentType,
		TargetDocument:    tgt.DocumentType,
		MatchType:         mt,
		Basis:             basis,
		ConfidenceScore:   conf,
		SourceAmount:      srcAmt,
		TargetAmount:      tgtAmt,
		AmountDifference:  srcAmt.Sub(tgtAmt),
		Tolerance:         tol,
		Partition:         r.partition,
		CreatedAt:         r.now,
		State:             domain.MatchState{Version: 1, Status: domain.StatusPending, Tier: domain.TierUnclassified, RecordedAt: r.now},
	}
}

func (r *run) tolerance(rec domain.FinancialRecord, baseline decimal.Decimal) decimal.Decimal {
	return r.in.Resolver.ResolveTolerance(r.in.PropertyID, rec.DocumentType, rec.AccountCode, baseline).Tolerance
}

func (r *run) discrepancies() []domain.Discrepancy {
	var used []string
	for _, st := range domain.StrategyOrder {
		if enabled(r.in.Flags, st) {
			used = append(used, string(st))
		}
	}
	reason := fmt.Sprintf("no match at or above %.0f confidence (strategies: %s)",
		r.e.cfg.MinAcceptance, strings.Join(used, ", "))

	var out []domain.Discrepancy
	for _, i := range r.pool.Unclaimed() {
		rec := r.pool.Record(i)
		out = append(out, domain.Discrepancy{
			ID:           uuid.NewString(),
			SessionID:    r.in.SessionID,
			RecordID:     rec.ID,
			DocumentType: rec.DocumentType,
			AccountCode:  rec.AccountCode,
			Reason:       reason,
			Amount:       rec.Amount,
			Tolerance:    r.tolerance(rec, rec.Amount),
			Partition:    r.partition,
			CreatedAt:    r.now,
			State:        domain.MatchState{Version: 1, Status: domain.StatusPending, Tier: domain.TierUnclassified, RecordedAt: r.now},
		})
	}
	return out
}

var docOrder = map[domain.DocumentType]int{
	domain.DocBalanceSheet: 0, domain.DocIncomeStatement: 1, domain.DocCashFlow: 2,
	domain.DocMortgageStatement: 3, domain.DocRentRoll: 4,
}

// partition groups document types into connected components: two types
// share a partition when a statement pair, rule or calculation links them.
// Components never share records, so they can run in parallel.
func (e *Engine) partition(records []domain.FinancialRecord, rules []compiledRule, calcs []compiledCalc) []map[domain.DocumentType]bool {
	parent := map[domain.DocumentType]domain.DocumentType{}
	var find func(domain.DocumentType) domain.DocumentType
	find = func(d domain.DocumentType) domain.DocumentType {
		if _, ok := parent[d]; !ok {
			parent[d] = d
		}
		if parent[d] != d {
			parent[d] = find(parent[d])
		}
		return parent[d]
	}
	union := func(docs ...domain.DocumentType) {
		for i := 1; i < len(docs); i++ {
			a, b := find(docs[0]), find(docs[i])
			if a != b {
				if docOrder[a] < docOrder[b] {
					parent[b] = a
				} else {
					parent[a] = b
				}
			}
		}
	}

	present := map[domain.DocumentType]bool{}
	for _, r := range records {
		present[r.DocumentType] = true
		find(r.DocumentType)
	}
	for _, p := range e.cfg.Pairs {
		if present[p.Source] && present[p.Target] {
			union(p.Source, p.Target)
		}
	}
	for _, cr := range rules {
		if coversAll(present, cr.docs) {
			union(cr.docs...)
		}
	}
	for _, cc := range calcs {
		if coversAll(present, cc.docs) {
			union(cc.docs...)
		}
	}

	groups := map[domain.DocumentType]map[domain.DocumentType]bool{}
	for d := range present {
		root := find(d)
		if groups[root] == nil {
			groups[root] = map[domain.DocumentType]bool{}
		}
		groups[root][d] = true
	}
	roots := make([]domain.DocumentType, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return docOrder[roots[i]] < docOrder[roots[j]] })

	out := make([]map[domain.DocumentType]bool, 0, len(roots))
	for _, root := range roots {
		out = append(out, groups[root])
	}
	return out
}

type serialHooks struct {
	mu sync.Mutex
	h  Hooks
}

// Serialize wraps hooks so calls from concurrent partitions never overlap.
func Serialize(h Hooks) Hooks {
	s := &serialHooks{h: h}
	out := Hooks{}
	if h.BeforeStrategy != nil {
		out.BeforeStrategy = func(ctx context.Context, p int, st domain.MatchType) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.h.BeforeStrategy(ctx, p, st)
		}
	}
	if h.AfterStrategy != nil {
		out.AfterStrategy = func(ctx context.Context, p int, st domain.MatchType, locked []domain.Match) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.h.AfterStrategy(ctx, p, st, locked)
		}
	}
	return out
}
