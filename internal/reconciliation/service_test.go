package reconciliation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/cache"
	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/matching"
	"github.com/propledger/reconciler/internal/repository"
	"github.com/propledger/reconciler/internal/tiering"
	"github.com/propledger/reconciler/internal/worker"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc    *Service
	repos  Repos
	tier   *tiering.Service
	runner *worker.Runner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := quietLogger()
	repos := Repos{
		Records:       repository.NewRecordRepo(db),
		Sessions:      repository.NewSessionRepo(db),
		Matches:       repository.NewMatchRepo(db),
		Discrepancies: repository.NewDiscrepancyRepo(db),
		Config:        repository.NewConfigRepo(db),
		Health:        repository.NewHealthRepo(db),
	}
	tier := tiering.NewService(&repository.ReviewStore{Matches: repos.Matches, Discrepancies: repos.Discrepancies},
		tiering.DefaultThresholds(), logger)
	runner := worker.NewRunner(2, 4, logger)
	engine := matching.NewEngine(matching.DefaultConfig(), nil, logger)

	svc := NewService(repos, engine, tier, runner, logger, opts...)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return &fixture{svc: svc, repos: repos, tier: tier, runner: runner}
}

func record(id, period string, doc domain.DocumentType, code, name, amount string) domain.FinancialRecord {
	return domain.FinancialRecord{
		ID: id, PropertyID: "P1", PeriodID: period, DocumentType: doc, AccountCode: code,
		AccountName: name, AccountType: domain.AccountAsset, Amount: dec(amount), ExtractionConfidence: 0.98,
	}
}

// seedDepreciation loads the depreciation roll-forward records with a $100
// balance-sheet materiality threshold.
func (f *fixture) seedDepreciation(t *testing.T, extra ...domain.FinancialRecord) {
	t.Helper()
	ctx := context.Background()
	recs := append([]domain.FinancialRecord{
		record("bs-ad-prior", "2024-11", domain.DocBalanceSheet, "1590", "Accumulated Depreciation", "1000000.00"),
		record("bs-ad", "2024-12", domain.DocBalanceSheet, "1590", "Accumulated Depreciation", "1064812.62"),
		record("cf-dep", "2024-12", domain.DocCashFlow, "8100", "Depreciation add-back", "64727.14"),
		record("is-dep", "2024-12", domain.DocIncomeStatement, "6500", "Depreciation Expense", "64812.62"),
	}, extra...)
	batch := &repository.RecordBatch{ID: "b1", Source: "test", Format: "json", FileHash: "h1", RecordCount: len(recs), IngestedAt: time.Now()}
	if _, err := f.repos.Records.InsertBatch(ctx, batch, recs); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	cfg := &domain.MaterialityConfig{PropertyID: "P1", StatementType: domain.DocBalanceSheet, AbsoluteThreshold: dec("100"), RelativeThresholdPct: dec("0")}
	if err := f.repos.Config.InsertMateriality(ctx, cfg); err != nil {
		t.Fatalf("InsertMateriality: %v", err)
	}
}

func TestCreateSession_RequiresRecords(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSession(context.Background(), "P1", "2024-12")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRunSession_DepreciationAutoResolves(t *testing.T) {
	f := newFixture(t, WithHealthCache(cache.NewHealthCache(time.Minute, time.Minute)))
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, "P1", "2024-12")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sum, err := f.svc.RunSessionAndWait(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("RunSessionAndWait: %v", err)
	}
	if sum.State != domain.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", sum.State, sum.Detail)
	}
	if sum.Matches != 1 || sum.Discrepancies != 0 {
		t.Errorf("expected 1 match and no discrepancies, got %+v", sum)
	}

	matches, err := f.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected 1 stored match, got %d %v", len(matches), err)
	}
	m := matches[0]
	if m.State.Status != domain.StatusAutoResolved || m.State.Tier != domain.Tier0 || m.State.Version != 2 {
		t.Errorf("expected tier 0 AUTO_RESOLVED at version 2, got %+v", m.State)
	}
	if m.ConfidenceScore != 92.86 {
		t.Errorf("expected confidence 92.86, got %v", m.ConfidenceScore)
	}

	cps, _ := f.repos.Sessions.Checkpoints(ctx, sess.ID)
	if len(cps) != 6 {
		t.Errorf("expected 5 strategy checkpoints and a settle checkpoint, got %d", len(cps))
	}
	if cps[len(cps)-1].Strategy != settleStrategy {
		t.Errorf("expected last checkpoint to settle, got %s", cps[len(cps)-1].Strategy)
	}

	stored, _ := f.repos.Sessions.Get(ctx, sess.ID)
	if stored.State != domain.SessionCompleted || stored.CompletedAt == nil || len(stored.ConfigSnapshot) == 0 {
		t.Errorf("unexpected stored session %+v", stored)
	}

	hs, err := f.svc.HealthScore(ctx, "P1", "2024-12", domain.PersonaAuditor)
	if err != nil {
		t.Fatalf("HealthScore: %v", err)
	}
	if hs.CompositeScore != 100 || !hs.PeriodCloseable {
		t.Errorf("expected a clean 100, got %+v", hs)
	}
}

func TestRunSession_ReviewRecomputesHealth(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t, record("rr-misc", "2024-12", domain.DocRentRoll, "9999", "Misc concession", "1500.00"))
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	sum, err := f.svc.RunSessionAndWait(ctx, sess.ID, nil)
	if err != nil || sum.State != domain.SessionCompleted {
		t.Fatalf("run failed: %v %+v", err, sum)
	}

	discs, _ := f.repos.Discrepancies.List(ctx, repository.DiscrepancyFilter{SessionID: sess.ID})
	if len(discs) != 1 || discs[0].RecordID != "rr-misc" {
		t.Fatalf("expected rr-misc discrepancy, got %+v", discs)
	}
	if discs[0].State.Tier != domain.Tier3 || discs[0].State.Status != domain.StatusEscalated {
		t.Errorf("expected escalated tier 3, got %+v", discs[0].State)
	}

	before, _ := f.svc.HealthScore(ctx, "P1", "2024-12", domain.PersonaController)
	if before.PeriodCloseable || before.CompositeScore > 60 {
		t.Errorf("expected controller capped at 60 and not closeable, got %+v", before)
	}

	if _, err := f.tier.Approve(ctx, tiering.KindDiscrepancy, discs[0].ID, tiering.Decision{Actor: "controller", ExpectedVersion: discs[0].State.Version}); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	after, _ := f.svc.HealthScore(ctx, "P1", "2024-12", domain.PersonaController)
	if !after.PeriodCloseable || after.CompositeScore != 100 {
		t.Errorf("expected closeable 100 after approval, got %+v", after)
	}
	if after.ID == before.ID {
		t.Error("expected a new score row")
	}
}

func TestRunSession_CancelAtStrategyBoundary(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	p, err := f.svc.prepare(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	cur, err := f.svc.CancelSession(ctx, sess.ID)
	if err != nil || cur.State != domain.SessionCancelling {
		t.Fatalf("expected CANCELLING, got %v %v", cur, err)
	}

	sum := f.svc.execute(ctx, p)
	if sum.State != domain.SessionCancelled {
		t.Errorf("expected CANCELLED, got %s (%s)", sum.State, sum.Detail)
	}
	matches, _ := f.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})
	if len(matches) != 0 {
		t.Errorf("expected no matches after cancel before first strategy, got %d", len(matches))
	}
}

func TestCancelSession_Created(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	cur, err := f.svc.CancelSession(ctx, sess.ID)
	if err != nil || cur.State != domain.SessionCancelled {
		t.Fatalf("expected CANCELLED, got %v %v", cur, err)
	}
	if _, err := f.svc.RunSessionAndWait(ctx, sess.ID, nil); err == nil {
		t.Error("expected a cancelled session to refuse to run")
	}
	if _, err := f.svc.CancelSession(ctx, sess.ID); err == nil {
		t.Error("expected a terminal session to refuse cancel")
	}
}

// steppingClock advances one hour on every read.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Hour)
	return c.now
}

func TestRunSession_TimeoutFails(t *testing.T) {
	clock := &steppingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, WithBudget(time.Minute), WithClock(clock.Now))
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	sum, err := f.svc.RunSessionAndWait(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("RunSessionAndWait: %v", err)
	}
	if sum.State != domain.SessionFailed || !strings.HasPrefix(sum.Detail, "timeout") {
		t.Errorf("expected timeout failure, got %s (%s)", sum.State, sum.Detail)
	}
	stored, _ := f.repos.Sessions.Get(ctx, sess.ID)
	if stored.State != domain.SessionFailed || stored.ErrorDetail == "" {
		t.Errorf("expected stored FAILED with detail, got %+v", stored)
	}
}

func TestRunSession_PersistenceFailureKeepsCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	p, err := f.svc.prepare(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// Claim cf-dep out of band so the calculated checkpoint violates
	// per-session injectivity.
	now := time.Now()
	squatter := domain.Match{
		ID: "squatter", SessionID: sess.ID, SourceRecordID: "external", TargetRecordID: "cf-dep",
		MatchType: domain.MatchExact, ConfidenceScore: 100, CreatedAt: now,
		State: domain.MatchState{Version: 1, Status: domain.StatusPending, RecordedAt: now},
	}
	if err := f.repos.Sessions.Checkpoint(ctx, &domain.Checkpoint{SessionID: sess.ID, Strategy: "manual", CreatedAt: now}, []domain.Match{squatter}, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	sum := f.svc.execute(ctx, p)
	if sum.State != domain.SessionFailed {
		t.Fatalf("expected FAILED, got %s", sum.State)
	}
	if !strings.Contains(sum.Detail, "checkpoint") || !strings.Contains(sum.Detail, "calculated") {
		t.Errorf("expected detail to name the failed checkpoint, got %q", sum.Detail)
	}

	matches, _ := f.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})
	if len(matches) != 1 || matches[0].ID != "squatter" {
		t.Errorf("expected only the earlier match to survive, got %+v", matches)
	}
	cps, _ := f.repos.Sessions.Checkpoints(ctx, sess.ID)
	for _, cp := range cps {
		if cp.Strategy == string(domain.MatchCalculated) || cp.Strategy == settleStrategy {
			t.Errorf("unexpected checkpoint %+v", cp)
		}
	}
}

func TestRunSession_Async(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t)
	f.runner.Start()
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	flags := domain.DefaultStrategyFlags()
	flags.AutoResolve = false
	started, err := f.svc.RunSession(ctx, sess.ID, &flags)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if started.State != domain.SessionRunning && !started.State.Terminal() {
		t.Errorf("unexpected state %s", started.State)
	}
	if err := f.runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done, _ := f.repos.Sessions.Get(ctx, sess.ID)
	if done.State != domain.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", done.State, done.ErrorDetail)
	}
	matches, _ := f.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})
	if len(matches) != 1 || matches[0].State.Status != domain.StatusPending || matches[0].State.Tier != domain.Tier0 {
		t.Errorf("expected tier 0 held PENDING without auto-resolve, got %+v", matches)
	}
}

func TestTierMatches_UsesSessionSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	flags := domain.DefaultStrategyFlags()
	if _, err := f.svc.RunSessionAndWait(ctx, sess.ID, &flags); err != nil {
		t.Fatalf("run: %v", err)
	}
	matches, _ := f.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})

	out, err := f.svc.TierMatches(ctx, []string{matches[0].ID}, true)
	if err != nil {
		t.Fatalf("TierMatches: %v", err)
	}
	if len(out) != 1 || out[0].State.Version != matches[0].State.Version {
		t.Errorf("expected classified match to be unchanged, got %+v", out)
	}
	if _, err := f.svc.TierMatches(ctx, []string{"missing"}, true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTierMatches_AutoResolvesHeldMatch(t *testing.T) {
	f := newFixture(t)
	f.seedDepreciation(t)
	ctx := context.Background()

	sess, _ := f.svc.CreateSession(ctx, "P1", "2024-12")
	flags := domain.DefaultStrategyFlags()
	flags.AutoResolve = false
	if _, err := f.svc.RunSessionAndWait(ctx, sess.ID, &flags); err != nil {
		t.Fatalf("run: %v", err)
	}
	matches, _ := f.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})
	if len(matches) != 1 || matches[0].State.Status != domain.StatusPending {
		t.Fatalf("expected one held match, got %+v", matches)
	}

	out, err := f.svc.TierMatches(ctx, []string{matches[0].ID}, true)
	if err != nil {
		t.Fatalf("TierMatches: %v", err)
	}
	st := out[0].State
	if st.Status != domain.StatusAutoResolved || st.Tier != domain.Tier0 || st.Version != matches[0].State.Version+1 {
		t.Errorf("expected AUTO_RESOLVED tier 0 at the next version, got %+v", st)
	}
	stored, _ := f.repos.Matches.Get(ctx, matches[0].ID)
	if stored.State.Status != domain.StatusAutoResolved {
		t.Errorf("expected stored AUTO_RESOLVED, got %s", stored.State.Status)
	}
	hist, _ := f.repos.Matches.History(ctx, matches[0].ID)
	if len(hist) != 3 {
		t.Errorf("expected 3 history rows, got %d", len(hist))
	}
}

func TestReviewOnSupersededSessionKeepsCurrentScore(t *testing.T) {
	f := newFixture(t, WithHealthCache(cache.NewHealthCache(time.Minute, time.Minute)))
	f.seedDepreciation(t, record("rr-misc", "2024-12", domain.DocRentRoll, "9999", "Misc concession", "1500.00"))
	ctx := context.Background()

	var ids []string
	for range 2 {
		sess, err := f.svc.CreateSession(ctx, "P1", "2024-12")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if sum, err := f.svc.RunSessionAndWait(ctx, sess.ID, nil); err != nil || sum.State != domain.SessionCompleted {
			t.Fatalf("run failed: %v %+v", err, sum)
		}
		ids = append(ids, sess.ID)
	}

	current, err := f.svc.HealthScore(ctx, "P1", "2024-12", domain.PersonaController)
	if err != nil {
		t.Fatalf("HealthScore: %v", err)
	}
	if current.SessionID != ids[1] || current.PeriodCloseable {
		t.Fatalf("expected the second session's blocked score, got %+v", current)
	}

	old, _ := f.repos.Discrepancies.List(ctx, repository.DiscrepancyFilter{SessionID: ids[0]})
	if len(old) != 1 {
		t.Fatalf("expected one discrepancy on the first session, got %d", len(old))
	}
	if _, err := f.tier.Approve(ctx, tiering.KindDiscrepancy, old[0].ID, tiering.Decision{Actor: "controller"}); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	after, err := f.svc.HealthScore(ctx, "P1", "2024-12", domain.PersonaController)
	if err != nil {
		t.Fatalf("HealthScore: %v", err)
	}
	if after.SessionID != ids[1] || after.PeriodCloseable || after.CompositeScore != current.CompositeScore {
		t.Errorf("expected the second session's score to stay current, got %+v", after)
	}
	trend, _ := f.svc.Trend(ctx, "P1", "2024-12", domain.PersonaController, 1)
	if len(trend) != 1 || trend[0].CompositeScore != current.CompositeScore {
		t.Errorf("expected the trend to keep %v, got %+v", current.CompositeScore, trend)
	}
}
