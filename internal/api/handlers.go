package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/formula"
	"github.com/propledger/reconciler/internal/ingestion"
	"github.com/propledger/reconciler/internal/reconciliation"
	"github.com/propledger/reconciler/internal/repository"
	"github.com/propledger/reconciler/internal/tiering"
)

const maxUpload = 32 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	recon     *reconciliation.Service
	tier      *tiering.Service
	ingestion *ingestion.Service
	repos     reconciliation.Repos
	validate  *validator.Validate
	logger    *logrus.Logger
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithField("module", "api").Errorf("encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

type errorBody struct {
	Error     string   `json:"error"`
	Code      string   `json:"code,omitempty"`
	Strategy  string   `json:"strategy,omitempty"`
	RuleID    string   `json:"rule_id,omitempty"`
	RecordIDs []string `json:"record_ids,omitempty"`
}

// writeDomainError maps typed domain errors to status codes.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		ve  *domain.ValidationError
		cme *domain.ConcurrentModificationError
		mse *domain.MatchingStrategyError
		ste *domain.SessionTimeoutError
		pe  *domain.PersistenceError
		fse *formula.SyntaxError
	)
	switch {
	case errors.As(err, &ve):
		status, body.Code, body.RecordIDs = http.StatusUnprocessableEntity, "validation", ve.RecordIDs
	case errors.Is(err, domain.ErrNotFound):
		status, body.Code = http.StatusNotFound, "not_found"
	case errors.As(err, &cme):
		status, body.Code, body.RecordIDs = http.StatusConflict, "concurrent_modification", []string{cme.MatchID}
	case errors.As(err, &mse):
		status, body.Code = http.StatusUnprocessableEntity, "matching_strategy"
		body.Strategy, body.RuleID, body.RecordIDs = string(mse.Strategy), mse.RuleID, mse.RecordIDs
	case errors.As(err, &fse):
		status, body.Code = http.StatusUnprocessableEntity, "formula"
	case errors.As(err, &ste):
		status, body.Code, body.Strategy = http.StatusGatewayTimeout, "session_timeout", ste.Strategy
	case errors.As(err, &pe):
		body.Code, body.Strategy, body.RecordIDs = "persistence", pe.Strategy, pe.RecordIDs
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{"module": "api", "path": r.URL.Path}).Error(err.Error())
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v and runs struct validation.
func (h *Handlers) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUpload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &domain.ValidationError{Field: "body", Message: "request body is required"}
		}
		return &domain.ValidationError{Field: "body", Message: err.Error()}
	}
	if err := h.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError flattens validator errors into one domain error.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return &domain.ValidationError{Field: "body", Message: err.Error()}
	}
	fields := make([]string, 0, len(ves))
	for _, fe := range ves {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	sort.Strings(fields)
	return &domain.ValidationError{Field: ves[0].Field(), Message: strings.Join(fields, "; ")}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- sessions ---

type createSessionRequest struct {
	PropertyID string `json:"property_id" validate:"required"`
	PeriodID   string `json:"period_id" validate:"required"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	sess, err := h.recon.CreateSession(r.Context(), req.PropertyID, req.PeriodID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := h.repos.Sessions.List(r.Context(), repository.SessionFilter{
		PropertyID: q.Get("property_id"),
		PeriodID:   q.Get("period_id"),
		State:      q.Get("state"),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": len(sessions)})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repos.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{"session": sess}
	if sess.State == domain.SessionCompleted {
		covenants, err := h.repos.Health.CovenantResults(r.Context(), sess.ID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		resp["covenants"] = covenants
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repos.Sessions.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	cps, err := h.repos.Sessions.Checkpoints(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

type runSessionRequest struct {
	StrategyFlags *domain.StrategyFlags `json:"strategy_flags"`
}

func (h *Handlers) RunSession(w http.ResponseWriter, r *http.Request) {
	var req runSessionRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	sess, err := h.recon.RunSession(r.Context(), chi.URLParam(r, "id"), req.StrategyFlags)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.recon.CancelSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func statusFilter(r *http.Request) (string, error) {
	s := strings.ToUpper(r.URL.Query().Get("status"))
	if s == "" {
		return "", nil
	}
	if _, ok := domain.ParseMatchStatus(s); !ok {
		return "", &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
	return s, nil
}

func (h *Handlers) ListSessionMatches(w http.ResponseWriter, r *http.Request) {
	status, err := statusFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	f := repository.MatchFilter{
		SessionID: chi.URLParam(r, "id"),
		Status:    status,
		MatchType: r.URL.Query().Get("match_type"),
	}
	if t := r.URL.Query().Get("tier"); t != "" {
		tier, err := strconv.Atoi(t)
		if err != nil || tier < 0 || tier > 3 {
			h.writeDomainError(w, r, &domain.ValidationError{Field: "tier", Message: "tier must be 0-3"})
			return
		}
		f.Tier = &tier
	}
	matches, err := h.repos.Matches.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "total": len(matches)})
}

func (h *Handlers) ListSessionDiscrepancies(w http.ResponseWriter, r *http.Request) {
	status, err := statusFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	discs, err := h.repos.Discrepancies.List(r.Context(), repository.DiscrepancyFilter{
		SessionID: chi.URLParam(r, "id"),
		Status:    status,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": discs, "total": len(discs)})
}

// --- records ---

func (h *Handlers) IngestRecords(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	format := r.FormValue("format")
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	}
	source := r.FormValue("source")
	if source == "" {
		source = header.Filename
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}

	result, err := h.ingestion.Ingest(r.Context(), data, format, source)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyIngested {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RecordFilter{
		PropertyID:   q.Get("property_id"),
		PeriodID:     q.Get("period_id"),
		DocumentType: strings.ToUpper(q.Get("document_type")),
		Page:         parseIntDefault(q.Get("page"), 1),
		Limit:        parseIntDefault(q.Get("limit"), 100),
	}
	records, total, err := h.repos.Records.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}
