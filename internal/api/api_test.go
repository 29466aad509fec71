package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/ingestion"
	"github.com/propledger/reconciler/internal/matching"
	"github.com/propledger/reconciler/internal/reconciliation"
	"github.com/propledger/reconciler/internal/repository"
	"github.com/propledger/reconciler/internal/tiering"
	"github.com/propledger/reconciler/internal/worker"
)

const feed = `id,property_id,period_id,document_type,account_code,account_name,account_type,amount
bs-ad-prior,P1,2024-11,BS,1590,Accumulated Depreciation,asset,1000000.00
bs-ad,P1,2024-12,BS,1590,Accumulated Depreciation,asset,1064812.62
cf-dep,P1,2024-12,CF,8100,Depreciation add-back,expense,64727.14
is-dep,P1,2024-12,IS,6500,Depreciation Expense,expense,64812.62
`

type testServer struct {
	t      *testing.T
	h      http.Handler
	runner *worker.Runner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repos := reconciliation.Repos{
		Records:       repository.NewRecordRepo(db),
		Sessions:      repository.NewSessionRepo(db),
		Matches:       repository.NewMatchRepo(db),
		Discrepancies: repository.NewDiscrepancyRepo(db),
		Config:        repository.NewConfigRepo(db),
		Health:        repository.NewHealthRepo(db),
	}
	tier := tiering.NewService(&repository.ReviewStore{Matches: repos.Matches, Discrepancies: repos.Discrepancies},
		tiering.DefaultThresholds(), logger)
	runner := worker.NewRunner(1, 4, logger)
	runner.Start()
	recon := reconciliation.NewService(repos, matching.NewEngine(matching.DefaultConfig(), nil, logger), tier, runner, logger)
	if err := recon.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	h := NewRouter(Deps{
		Recon:     recon,
		Tiering:   tier,
		Ingestion: ingestion.NewService(repos.Records, logger),
		Repos:     repos,
		Logger:    logger,
	})
	return &testServer{t: t, h: h, runner: runner}
}

// wait drains the run queue so async session runs have finished.
func (s *testServer) wait() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.runner.Shutdown(ctx); err != nil {
		s.t.Fatalf("Shutdown: %v", err)
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) ingest(data, format string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "feed."+format)
	if err != nil {
		s.t.Fatal(err)
	}
	fw.Write([]byte(data))
	mw.WriteField("format", format)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/records/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestReconcileAndReviewFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.ingest(feed, "csv")
	expectStatus(t, rec, http.StatusCreated)
	var ing ingestion.IngestResult
	decodeBody(t, rec, &ing)
	if ing.RecordsIngested != 4 {
		t.Fatalf("expected 4 records ingested, got %+v", ing)
	}
	expectStatus(t, s.ingest(feed, "csv"), http.StatusOK)

	expectStatus(t, s.do(http.MethodPost, "/api/v1/materiality-configs", map[string]any{
		"property_id": "P1", "statement_type": "balance_sheet", "absolute_threshold": "100", "relative_threshold_pct": "0",
	}), http.StatusCreated)

	rec = s.do(http.MethodPost, "/api/v1/sessions", map[string]string{"property_id": "P1", "period_id": "2024-12"})
	expectStatus(t, rec, http.StatusCreated)
	var sess domain.ReconciliationSession
	decodeBody(t, rec, &sess)

	expectStatus(t, s.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/run", nil), http.StatusAccepted)
	s.wait()

	rec = s.do(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	var got struct {
		Session   domain.ReconciliationSession `json:"session"`
		Covenants []domain.CovenantResult      `json:"covenants"`
	}
	decodeBody(t, rec, &got)
	if got.Session.State != domain.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Session.State, got.Session.ErrorDetail)
	}

	rec = s.do(http.MethodGet, "/api/v1/sessions/"+sess.ID+"/matches?status=auto_resolved", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Matches []domain.Match `json:"matches"`
	}
	decodeBody(t, rec, &list)
	if len(list.Matches) != 1 {
		t.Fatalf("expected 1 auto-resolved match, got %d", len(list.Matches))
	}
	m := list.Matches[0]

	// A stale version loses the race.
	rec = s.do(http.MethodPost, "/api/v1/matches/"+m.ID+"/approve", map[string]any{"version": 1})
	expectStatus(t, rec, http.StatusConflict)
	var eb errorBody
	decodeBody(t, rec, &eb)
	if eb.Code != "concurrent_modification" {
		t.Errorf("expected concurrent_modification, got %+v", eb)
	}

	rec = s.do(http.MethodPost, "/api/v1/matches/"+m.ID+"/approve", map[string]any{"version": m.State.Version, "actor": "cfo"})
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(http.MethodGet, "/api/v1/matches/"+m.ID+"/history", nil)
	expectStatus(t, rec, http.StatusOK)
	var hist struct {
		History []domain.MatchState `json:"history"`
	}
	decodeBody(t, rec, &hist)
	if len(hist.History) != 3 || hist.History[2].Status != domain.StatusApproved {
		t.Errorf("expected PENDING, AUTO_RESOLVED, APPROVED history, got %+v", hist.History)
	}

	rec = s.do(http.MethodGet, "/api/v1/health-score/P1/2024-12?persona=auditor", nil)
	expectStatus(t, rec, http.StatusOK)
	var hs domain.HealthScore
	decodeBody(t, rec, &hs)
	if hs.CompositeScore != 100 || !hs.PeriodCloseable {
		t.Errorf("expected a closeable 100 score, got %+v", hs)
	}

	rec = s.do(http.MethodGet, "/api/v1/health-score/P1/2024-12/trend?persona=auditor&periods=3", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(http.MethodGet, "/api/v1/sessions/"+sess.ID+"/checkpoints", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"session without records", http.MethodPost, "/api/v1/sessions", map[string]string{"property_id": "P9", "period_id": "2024-12"}, http.StatusUnprocessableEntity, "validation"},
		{"missing fields", http.MethodPost, "/api/v1/sessions", map[string]string{"property_id": "P9"}, http.StatusUnprocessableEntity, "validation"},
		{"unknown session", http.MethodGet, "/api/v1/sessions/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown match", http.MethodPost, "/api/v1/matches/nope/approve", map[string]int{"version": 0}, http.StatusNotFound, "not_found"},
		{"reject needs reason", http.MethodPost, "/api/v1/matches/x/reject", map[string]int{"version": 1}, http.StatusUnprocessableEntity, "validation"},
		{"modify needs amount", http.MethodPost, "/api/v1/discrepancies/x/modify", map[string]int{"version": 1}, http.StatusUnprocessableEntity, "validation"},
		{"bad persona", http.MethodGet, "/api/v1/health-score/P1/2024-12?persona=ceo", nil, http.StatusUnprocessableEntity, "validation"},
		{"no score yet", http.MethodGet, "/api/v1/health-score/P1/2024-12", nil, http.StatusNotFound, "not_found"},
		{"weights must sum to one", http.MethodPut, "/api/v1/health-score-configs/auditor", map[string]any{
			"component_weights": map[string]float64{"mathematical_integrity": 0.5},
		}, http.StatusUnprocessableEntity, "validation"},
		{"bad covenant formula", http.MethodPost, "/api/v1/covenants", map[string]any{
			"property_id": "P1", "name": "DSCR", "numerator": "IS[4*] +", "denominator": "MS[DS*]",
		}, http.StatusUnprocessableEntity, "formula"},
		{"bad risk level", http.MethodPost, "/api/v1/account-risk-classes", map[string]string{
			"account_code_pattern": "1*", "risk_level": "extreme",
		}, http.StatusUnprocessableEntity, "validation"},
		{"bulk tier needs ids", http.MethodPost, "/api/v1/matches/bulk-tier", map[string]any{"match_ids": []string{}}, http.StatusUnprocessableEntity, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			expectStatus(t, rec, tt.status)
			var eb errorBody
			decodeBody(t, rec, &eb)
			if eb.Code != tt.code {
				t.Errorf("expected code %q, got %+v", tt.code, eb)
			}
		})
	}
}

func TestReferenceData(t *testing.T) {
	s := newTestServer(t)

	expectStatus(t, s.do(http.MethodPost, "/api/v1/account-risk-classes", map[string]string{
		"account_code_pattern": "2100*", "risk_level": "HIGH",
	}), http.StatusCreated)
	expectStatus(t, s.do(http.MethodPost, "/api/v1/account-mappings", map[string]string{
		"source_code": "40100", "canonical_code": "4000", "document_type": "IS",
	}), http.StatusCreated)
	expectStatus(t, s.do(http.MethodPost, "/api/v1/covenants", map[string]any{
		"property_id": "P1", "name": "DSCR", "numerator": "sum(IS[4*]) - sum(IS[5*])", "denominator": "12 * MS[DS*]",
		"threshold": "1.25", "blocking": true,
	}), http.StatusCreated)

	rec := s.do(http.MethodGet, "/api/v1/covenants/P1", nil)
	expectStatus(t, rec, http.StatusOK)
	var cov struct {
		Covenants []domain.Covenant `json:"covenants"`
	}
	decodeBody(t, rec, &cov)
	if len(cov.Covenants) != 1 || cov.Covenants[0].Comparator != ">=" {
		t.Errorf("expected one >= covenant, got %+v", cov.Covenants)
	}

	rec = s.do(http.MethodPut, "/api/v1/health-score-configs/analyst", map[string]any{
		"component_weights": map[string]float64{
			"mathematical_integrity": 0.4, "cross_statement_reconciliation": 0.4,
			"data_completeness": 0.1, "anomaly_free_score": 0.1,
		},
		"blocked_close_rules": []string{"unresolved_tier3"},
	})
	expectStatus(t, rec, http.StatusOK)
	var cfg domain.HealthScoreConfig
	decodeBody(t, rec, &cfg)
	if cfg.Version != 2 {
		t.Errorf("expected version 2 after the seeded default, got %d", cfg.Version)
	}

	rec = s.do(http.MethodGet, "/api/v1/rules", nil)
	expectStatus(t, rec, http.StatusOK)
	var rules struct {
		Rules []domain.Rule `json:"rules"`
	}
	decodeBody(t, rec, &rules)
	if len(rules.Rules) != len(matching.DefaultRules()) {
		t.Errorf("expected the default rule registry, got %d rules", len(rules.Rules))
	}
}
