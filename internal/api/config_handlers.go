package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/formula"
	"github.com/propledger/reconciler/internal/matching"
)

// --- health score ---

func (h *Handlers) GetHealthScore(w http.ResponseWriter, r *http.Request) {
	property, period := chi.URLParam(r, "property_id"), chi.URLParam(r, "period_id")

	if p := r.URL.Query().Get("persona"); p != "" {
		persona, err := domain.ParsePersona(p)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		hs, err := h.recon.HealthScore(r.Context(), property, period, persona)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, hs)
		return
	}

	// Without a persona every persona that has been scored is returned.
	scores := make([]*domain.HealthScore, 0, len(domain.Personas))
	for _, persona := range domain.Personas {
		hs, err := h.recon.HealthScore(r.Context(), property, period, persona)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		scores = append(scores, hs)
	}
	if len(scores) == 0 {
		h.writeDomainError(w, r, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (h *Handlers) GetHealthTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	persona, err := domain.ParsePersona(q.Get("persona"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	n := parseIntDefault(q.Get("periods"), 6)
	points, err := h.recon.Trend(r.Context(), chi.URLParam(r, "property_id"), chi.URLParam(r, "period_id"), persona, n)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"persona": persona, "trend": points})
}

func (h *Handlers) GetHealthConfig(w http.ResponseWriter, r *http.Request) {
	persona, err := domain.ParsePersona(chi.URLParam(r, "persona"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	cfg, err := h.repos.Health.LatestConfig(r.Context(), persona)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type healthConfigRequest struct {
	ComponentWeights  map[string]float64    `json:"component_weights" validate:"required,min=1"`
	BlockedCloseRules []domain.BlockingRule `json:"blocked_close_rules"`
	CompositeCeiling  *float64              `json:"composite_ceiling"`
}

// PutHealthConfig stores a new version; existing scores keep the version
// they were computed with.
func (h *Handlers) PutHealthConfig(w http.ResponseWriter, r *http.Request) {
	persona, err := domain.ParsePersona(chi.URLParam(r, "persona"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req healthConfigRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	cfg := domain.HealthScoreConfig{
		Persona:           persona,
		ComponentWeights:  req.ComponentWeights,
		BlockedCloseRules: req.BlockedCloseRules,
		CompositeCeiling:  60,
	}
	if req.CompositeCeiling != nil {
		cfg.CompositeCeiling = *req.CompositeCeiling
	}
	if err := cfg.Validate(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.repos.Health.InsertConfig(r.Context(), &cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- materiality and reference data ---

func (h *Handlers) ListMateriality(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repos.Config.Materiality(r.Context(), chi.URLParam(r, "property_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": configs})
}

func (h *Handlers) CreateMateriality(w http.ResponseWriter, r *http.Request) {
	var cfg domain.MaterialityConfig
	if err := h.decode(r, &cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := validateMateriality(&cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	cfg.ID, cfg.Version = "", 0
	if err := h.repos.Config.InsertMateriality(r.Context(), &cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func validateMateriality(cfg *domain.MaterialityConfig) error {
	if cfg.StatementType != "" {
		dt, err := domain.ParseDocumentType(string(cfg.StatementType))
		if err != nil {
			return err
		}
		cfg.StatementType = dt
	}
	if cfg.AbsoluteThreshold.IsNegative() || cfg.RelativeThresholdPct.IsNegative() {
		return &domain.ValidationError{Field: "threshold", Message: "thresholds must be non-negative"}
	}
	return nil
}

func (h *Handlers) CreateRiskClass(w http.ResponseWriter, r *http.Request) {
	var rc domain.AccountRiskClass
	if err := h.decode(r, &rc); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	level, err := domain.ParseRiskLevel(string(rc.RiskLevel))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rc.RiskLevel = level
	if err := h.repos.Config.UpsertRiskClass(r.Context(), rc); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

func (h *Handlers) ListRiskClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := h.repos.Config.RiskClasses(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"risk_classes": classes})
}

func (h *Handlers) CreateMapping(w http.ResponseWriter, r *http.Request) {
	var m domain.AccountMapping
	if err := h.decode(r, &m); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if m.DocumentType != "" {
		dt, err := domain.ParseDocumentType(string(m.DocumentType))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		m.DocumentType = dt
	}
	if err := h.repos.Config.UpsertMapping(r.Context(), m); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) ListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.repos.Config.Mappings(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (h *Handlers) CreateCovenant(w http.ResponseWriter, r *http.Request) {
	var c domain.Covenant
	if err := h.decode(r, &c); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	for _, src := range []string{c.Numerator, c.Denominator} {
		if _, err := formula.ParseExpr(src); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	if err := h.repos.Config.UpsertCovenant(r.Context(), &c); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) ListCovenants(w http.ResponseWriter, r *http.Request) {
	covenants, err := h.repos.Config.Covenants(r.Context(), chi.URLParam(r, "property_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"covenants": covenants})
}

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repos.Config.Rules(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type ruleRequest struct {
	ID          string              `json:"id" validate:"required"`
	Description string              `json:"description"`
	Formula     string              `json:"formula" validate:"required"`
	Severity    domain.RuleSeverity `json:"severity" validate:"required,oneof=critical high standard"`
	Tolerance   string              `json:"tolerance"`
}

// PutRule adds or replaces a registry rule. It applies to sessions started
// afterwards.
func (h *Handlers) PutRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rule := domain.Rule(req)
	if err := matching.ValidateRule(rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.repos.Config.UpsertRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
