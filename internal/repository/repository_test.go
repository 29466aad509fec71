package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/tiering"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRecord(id, period string, doc domain.DocumentType, code, amount string) domain.FinancialRecord {
	return domain.FinancialRecord{
		ID: id, PropertyID: "P1", PeriodID: period, DocumentType: doc,
		AccountCode: code, AccountName: code, AccountType: domain.AccountAsset,
		Amount: dec(amount), ExtractionConfidence: 0.99,
	}
}

func newSession(t *testing.T, repo *SessionRepo, id string) *domain.ReconciliationSession {
	t.Helper()
	s := &domain.ReconciliationSession{
		ID: id, PropertyID: "P1", PeriodID: "2024-12", State: domain.SessionCreated,
		StrategyFlags: domain.DefaultStrategyFlags(), CreatedAt: time.Now(),
	}
	if err := repo.Insert(context.Background(), s); err != nil {
		t.Fatalf("Insert session: %v", err)
	}
	return s
}

func newMatch(id, session, src, tgt string) domain.Match {
	now := time.Now()
	return domain.Match{
		ID: id, SessionID: session, SourceRecordID: src, TargetRecordID: tgt,
		SourceAccountCode: "1000", TargetAccountCode: "9900",
		SourceDocument: domain.DocBalanceSheet, TargetDocument: domain.DocCashFlow,
		MatchType: domain.MatchRule, Basis: "rule-cash-ending", ConfidenceScore: 91.8,
		SourceAmount: dec("25000"), TargetAmount: dec("25010"), AmountDifference: dec("-10"),
		Tolerance: dec("125.05"), CreatedAt: now,
		State: domain.MatchState{Version: 1, Status: domain.StatusPending, Tier: domain.TierUnclassified, RecordedAt: now},
	}
}

func TestRecordRepo_BatchAndPriorPeriod(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordRepo(openTestDB(t))

	batch := &RecordBatch{ID: "b1", Source: "feed.csv", Format: "csv", FileHash: "abc", RecordCount: 3, IngestedAt: time.Now()}
	n, err := repo.InsertBatch(ctx, batch, []domain.FinancialRecord{
		testRecord("r1", "2024-11", domain.DocBalanceSheet, "1590", "1000000.00"),
		testRecord("r2", "2024-12", domain.DocBalanceSheet, "1590", "1064812.62"),
		testRecord("r3", "2024-12", domain.DocCashFlow, "8100", "64727.14"),
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 inserted, got %d", n)
	}

	exists, err := repo.BatchExistsByHash(ctx, "abc")
	if err != nil || !exists {
		t.Errorf("expected batch to exist, got %v %v", exists, err)
	}
	_, err = repo.InsertBatch(ctx, &RecordBatch{ID: "b2", FileHash: "abc", IngestedAt: time.Now()}, nil)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for duplicate feed, got %v", err)
	}

	recs, err := repo.ForPeriod(ctx, "P1", "2024-12")
	if err != nil {
		t.Fatalf("ForPeriod: %v", err)
	}
	if len(recs) != 2 || !recs[0].Amount.Equal(dec("1064812.62")) {
		t.Errorf("unexpected records %+v", recs)
	}

	prior, err := repo.PriorPeriod(ctx, "P1", "2024-12")
	if err != nil || prior != "2024-11" {
		t.Errorf("expected prior 2024-11, got %q %v", prior, err)
	}
	if none, _ := repo.PriorPeriod(ctx, "P1", "2024-11"); none != "" {
		t.Errorf("expected no prior period, got %q", none)
	}

	list, total, err := repo.List(ctx, RecordFilter{PropertyID: "P1", DocumentType: "BS"})
	if err != nil || total != 2 || len(list) != 2 {
		t.Errorf("expected 2 BS records, got %d/%d %v", len(list), total, err)
	}
}

func TestSessionRepo_Transitions(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo(openTestDB(t))
	newSession(t, repo, "s1")

	if err := repo.Start(ctx, "s1", domain.DefaultStrategyFlags(), []byte(`{"rules":[]}`), time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := repo.Start(ctx, "s1", domain.DefaultStrategyFlags(), nil, time.Now()); err == nil {
		t.Error("expected second Start to fail")
	}
	if err := repo.Transition(ctx, "s1", domain.SessionRunning, domain.SessionCreated, "", time.Now()); err == nil {
		t.Error("expected backward transition to fail")
	}
	if err := repo.Transition(ctx, "s1", domain.SessionRunning, domain.SessionFailed, "boom", time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	s, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.State != domain.SessionFailed || s.ErrorDetail != "boom" || s.CompletedAt == nil || s.StartedAt == nil {
		t.Errorf("unexpected session %+v", s)
	}
	if string(s.ConfigSnapshot) != `{"rules":[]}` {
		t.Errorf("expected snapshot to round-trip, got %s", s.ConfigSnapshot)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRepo_CheckpointRollsBackOnInjectivityViolation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sessions := NewSessionRepo(db)
	matches := NewMatchRepo(db)
	newSession(t, sessions, "s1")

	cp := &domain.Checkpoint{SessionID: "s1", Strategy: "rule", CreatedAt: time.Now()}
	if err := sessions.Checkpoint(ctx, cp, []domain.Match{newMatch("m1", "s1", "a", "b")}, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.Seq != 1 || cp.MatchesPersisted != 1 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}

	cp2 := &domain.Checkpoint{SessionID: "s1", Strategy: "fuzzy", CreatedAt: time.Now()}
	err := sessions.Checkpoint(ctx, cp2, []domain.Match{newMatch("m2", "s1", "c", "d"), newMatch("m3", "s1", "b", "e")}, nil)
	if err == nil {
		t.Fatal("expected reused record to fail the checkpoint")
	}

	list, err := matches.List(ctx, MatchFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "m1" {
		t.Errorf("expected only m1 to survive, got %+v", list)
	}
	cps, _ := sessions.Checkpoints(ctx, "s1")
	if len(cps) != 1 {
		t.Errorf("expected 1 checkpoint, got %d", len(cps))
	}
}

func TestMatchRepo_AppendStateIsVersioned(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sessions := NewSessionRepo(db)
	matches := NewMatchRepo(db)
	newSession(t, sessions, "s1")
	if err := sessions.Checkpoint(ctx, &domain.Checkpoint{SessionID: "s1", Strategy: "rule", CreatedAt: time.Now()},
		[]domain.Match{newMatch("m1", "s1", "a", "b")}, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	store := &ReviewStore{Matches: matches, Discrepancies: NewDiscrepancyRepo(db)}
	now := time.Now()
	next := domain.MatchState{Status: domain.StatusSuggested, Tier: domain.Tier1, Material: true, Actor: "system", RecordedAt: now}
	if err := store.AppendState(ctx, tiering.KindMatch, "m1", 1, next); err != nil {
		t.Fatalf("AppendState: %v", err)
	}

	err := store.AppendState(ctx, tiering.KindMatch, "m1", 1, next)
	var cme *domain.ConcurrentModificationError
	if !errors.As(err, &cme) || cme.ActualVersion != 2 {
		t.Fatalf("expected ConcurrentModificationError at version 2, got %v", err)
	}

	amt := dec("25010")
	approved := domain.MatchState{Status: domain.StatusModified, Tier: domain.Tier1, ModifiedAmount: &amt, Actor: "ana", ReviewedAt: &now, RecordedAt: now}
	if err := store.AppendState(ctx, tiering.KindMatch, "m1", 2, approved); err != nil {
		t.Fatalf("AppendState: %v", err)
	}

	m, err := store.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if m.State.Version != 3 || m.State.Status != domain.StatusModified || !m.State.ModifiedAmount.Equal(amt) {
		t.Errorf("unexpected state %+v", m.State)
	}
	if !m.AmountDifference.Equal(dec("-10")) || m.ConfidenceScore != 91.8 {
		t.Errorf("expected match facts unchanged, got %+v", m)
	}

	hist, err := matches.History(ctx, "m1")
	if err != nil || len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d %v", len(hist), err)
	}
	if hist[0].Status != domain.StatusPending || hist[1].Status != domain.StatusSuggested {
		t.Errorf("unexpected history %+v", hist)
	}

	suggested, err := matches.List(ctx, MatchFilter{SessionID: "s1", Status: string(domain.StatusSuggested)})
	if err != nil || len(suggested) != 0 {
		t.Errorf("expected status filter to use current state, got %d %v", len(suggested), err)
	}
}

func TestHealthRepo_TrendAndConfigs(t *testing.T) {
	ctx := context.Background()
	repo := NewHealthRepo(openTestDB(t))

	if err := repo.EnsureConfigs(ctx, domain.DefaultHealthConfigs()); err != nil {
		t.Fatalf("EnsureConfigs: %v", err)
	}
	if err := repo.EnsureConfigs(ctx, domain.DefaultHealthConfigs()); err != nil {
		t.Fatalf("second EnsureConfigs: %v", err)
	}
	cfg, err := repo.LatestConfig(ctx, domain.PersonaController)
	if err != nil || cfg.Version != 1 || !cfg.Blocks(domain.BlockCovenantBreach) {
		t.Fatalf("unexpected config %+v %v", cfg, err)
	}
	cfg.CompositeCeiling = 50
	if err := repo.InsertConfig(ctx, &cfg); err != nil {
		t.Fatalf("InsertConfig: %v", err)
	}
	if latest, _ := repo.LatestConfig(ctx, domain.PersonaController); latest.Version != 2 || latest.CompositeCeiling != 50 {
		t.Errorf("expected version 2 with ceiling 50, got %+v", latest)
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	scores := []struct {
		period string
		score  float64
		at     time.Duration
	}{
		{"2024-10", 70, 0},
		{"2024-11", 75, time.Minute},
		{"2024-11", 80, 2 * time.Minute},
		{"2025-01", 90, 3 * time.Minute},
		{"2025-02", 95, 4 * time.Minute},
	}
	for i, s := range scores {
		err := repo.InsertScore(ctx, &domain.HealthScore{
			ID: string(rune('a' + i)), SessionID: "s", PropertyID: "P1", PeriodID: s.period,
			Persona: domain.PersonaAuditor, ConfigVersion: 1, CompositeScore: s.score,
			ComponentScores: map[string]float64{}, PeriodCloseable: true, ComputedAt: base.Add(s.at),
		})
		if err != nil {
			t.Fatalf("InsertScore: %v", err)
		}
	}

	trend, err := repo.Trend(ctx, "P1", domain.PersonaAuditor, "2025-01", 3)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	want := []domain.TrendPoint{{PeriodID: "2024-10", CompositeScore: 70}, {PeriodID: "2024-11", CompositeScore: 80}, {PeriodID: "2025-01", CompositeScore: 90}}
	if len(trend) != len(want) {
		t.Fatalf("expected %d points, got %+v", len(want), trend)
	}
	for i := range want {
		if trend[i].PeriodID != want[i].PeriodID || trend[i].CompositeScore != want[i].CompositeScore {
			t.Errorf("point %d: got %+v, want %+v", i, trend[i], want[i])
		}
	}

	latest, err := repo.LatestScore(ctx, "P1", "2024-11", domain.PersonaAuditor)
	if err != nil || latest.CompositeScore != 80 {
		t.Errorf("expected latest 80, got %+v %v", latest, err)
	}
}

func TestHealthRepo_CurrentScoreFollowsLatestSession(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sessions := NewSessionRepo(db)
	repo := NewHealthRepo(db)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		newSession(t, sessions, id)
		if err := sessions.Start(ctx, id, domain.DefaultStrategyFlags(), nil, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}

	insert := func(id, session string, composite float64, at time.Duration) {
		t.Helper()
		err := repo.InsertScore(ctx, &domain.HealthScore{
			ID: id, SessionID: session, PropertyID: "P1", PeriodID: "2024-12",
			Persona: domain.PersonaAuditor, ConfigVersion: 1, CompositeScore: composite,
			ComponentScores: map[string]float64{}, PeriodCloseable: composite == 100, ComputedAt: base.Add(at),
		})
		if err != nil {
			t.Fatalf("InsertScore: %v", err)
		}
	}
	insert("h1", "old", 80, time.Minute)
	insert("h2", "new", 60, 2*time.Hour)
	// A later review on the superseded session writes a newer row.
	insert("h3", "old", 100, 3*time.Hour)

	latest, err := repo.LatestScore(ctx, "P1", "2024-12", domain.PersonaAuditor)
	if err != nil {
		t.Fatalf("LatestScore: %v", err)
	}
	if latest.SessionID != "new" || latest.CompositeScore != 60 || latest.PeriodCloseable {
		t.Errorf("expected the new session's 60, got %+v", latest)
	}

	trend, err := repo.Trend(ctx, "P1", domain.PersonaAuditor, "2024-12", 3)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(trend) != 1 || trend[0].CompositeScore != 60 {
		t.Errorf("expected one trend point at 60, got %+v", trend)
	}

	insert("h4", "new", 100, 4*time.Hour)
	if latest, _ := repo.LatestScore(ctx, "P1", "2024-12", domain.PersonaAuditor); latest.ID != "h4" {
		t.Errorf("expected the new session's latest row h4, got %+v", latest)
	}
}

func TestConfigRepo_MaterialityVersions(t *testing.T) {
	ctx := context.Background()
	repo := NewConfigRepo(openTestDB(t))

	for _, abs := range []string{"100", "250"} {
		c := &domain.MaterialityConfig{PropertyID: "P1", StatementType: domain.DocBalanceSheet, AbsoluteThreshold: dec(abs), RelativeThresholdPct: dec("0")}
		if err := repo.InsertMateriality(ctx, c); err != nil {
			t.Fatalf("InsertMateriality: %v", err)
		}
	}
	global := &domain.MaterialityConfig{PropertyID: domain.AnyProperty, AbsoluteThreshold: dec("1000"), RelativeThresholdPct: dec("0.5")}
	if err := repo.InsertMateriality(ctx, global); err != nil {
		t.Fatalf("InsertMateriality: %v", err)
	}
	other := &domain.MaterialityConfig{PropertyID: "P2", AbsoluteThreshold: dec("5"), RelativeThresholdPct: dec("0")}
	if err := repo.InsertMateriality(ctx, other); err != nil {
		t.Fatalf("InsertMateriality: %v", err)
	}

	got, err := repo.Materiality(ctx, "P1")
	if err != nil {
		t.Fatalf("Materiality: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected global + latest P1 config, got %+v", got)
	}
	for _, c := range got {
		if c.PropertyID == "P1" && (c.Version != 2 || !c.AbsoluteThreshold.Equal(dec("250"))) {
			t.Errorf("expected version 2 at 250, got %+v", c)
		}
	}

	if err := repo.EnsureRules(ctx, []domain.Rule{{ID: "r1", Formula: "BS[1*] == CF[1*]", Severity: domain.SeverityHigh}}); err != nil {
		t.Fatalf("EnsureRules: %v", err)
	}
	if err := repo.EnsureRules(ctx, []domain.Rule{{ID: "r2", Formula: "BS[2*] == CF[2*]"}}); err != nil {
		t.Fatalf("EnsureRules: %v", err)
	}
	rules, _ := repo.Rules(ctx)
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Errorf("expected seeding only once, got %+v", rules)
	}
}
