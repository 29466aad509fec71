package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/ingestion"
	"github.com/propledger/reconciler/internal/reconciliation"
	"github.com/propledger/reconciler/internal/tiering"
)

// Deps are the services the HTTP layer drives.
type Deps struct {
	Recon     *reconciliation.Service
	Tiering   *tiering.Service
	Ingestion *ingestion.Service
	Repos     reconciliation.Repos
	Logger    *logrus.Logger
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	h := &Handlers{
		recon:     d.Recon,
		tier:      d.Tiering,
		ingestion: d.Ingestion,
		repos:     d.Repos,
		validate:  validator.New(),
		logger:    d.Logger,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Records.
		r.Post("/records/ingest", h.IngestRecords)
		r.Get("/records", h.ListRecords)

		// Sessions.
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/checkpoints", h.ListCheckpoints)
			r.Post("/run", h.RunSession)
			r.Post("/cancel", h.CancelSession)
			r.Get("/matches", h.ListSessionMatches)
			r.Get("/discrepancies", h.ListSessionDiscrepancies)
		})

		// Match review.
		r.Post("/matches/bulk-tier", h.BulkTier)
		r.Route("/matches/{id}", func(r chi.Router) {
			r.Get("/", h.GetMatch)
			r.Get("/history", h.MatchHistory)
			r.Post("/approve", h.review(tiering.KindMatch, "approve"))
			r.Post("/reject", h.review(tiering.KindMatch, "reject"))
			r.Post("/modify", h.review(tiering.KindMatch, "modify"))
			r.Post("/escalate", h.review(tiering.KindMatch, "escalate"))
			r.Post("/suggest-fix", h.SuggestFix)
		})

		// Discrepancy review.
		r.Route("/discrepancies/{id}", func(r chi.Router) {
			r.Get("/", h.GetDiscrepancy)
			r.Get("/history", h.DiscrepancyHistory)
			r.Post("/approve", h.review(tiering.KindDiscrepancy, "approve"))
			r.Post("/reject", h.review(tiering.KindDiscrepancy, "reject"))
			r.Post("/modify", h.review(tiering.KindDiscrepancy, "modify"))
			r.Post("/escalate", h.review(tiering.KindDiscrepancy, "escalate"))
		})

		// Health.
		r.Get("/health-score/{property_id}/{period_id}", h.GetHealthScore)
		r.Get("/health-score/{property_id}/{period_id}/trend", h.GetHealthTrend)
		r.Get("/health-score-configs/{persona}", h.GetHealthConfig)
		r.Put("/health-score-configs/{persona}", h.PutHealthConfig)

		// Reference data.
		r.Get("/materiality-configs/{property_id}", h.ListMateriality)
		r.Post("/materiality-configs", h.CreateMateriality)
		r.Get("/account-risk-classes", h.ListRiskClasses)
		r.Post("/account-risk-classes", h.CreateRiskClass)
		r.Get("/account-mappings", h.ListMappings)
		r.Post("/account-mappings", h.CreateMapping)
		r.Get("/covenants/{property_id}", h.ListCovenants)
		r.Post("/covenants", h.CreateCovenant)
		r.Get("/rules", h.ListRules)
		r.Put("/rules", h.PutRule)
	})

	return r
}
