package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/tiering"
)

type approveRequest struct {
	Version int    `json:"version" validate:"gte=0"`
	Actor   string `json:"actor"`
	Notes   string `json:"notes"`
}

type reasonRequest struct {
	Version int    `json:"version" validate:"gte=0"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason" validate:"required"`
}

type modifyRequest struct {
	Version int              `json:"version" validate:"gte=0"`
	Actor   string           `json:"actor"`
	Amount  *decimal.Decimal `json:"amount" validate:"required"`
	Notes   string           `json:"notes"`
}

type reviewFunc func(ctx context.Context, kind tiering.Kind, id string, d tiering.Decision) (domain.MatchState, error)

// review builds a handler for one reviewer action. The request body is
// decoded into the action's own shape before becoming a Decision.
func (h *Handlers) review(kind tiering.Kind, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			d  tiering.Decision
			fn reviewFunc
		)
		switch action {
		case "approve":
			var req approveRequest
			if err := h.decode(r, &req); err != nil {
				h.writeDomainError(w, r, err)
				return
			}
			d = tiering.Decision{Actor: req.Actor, Notes: req.Notes, ExpectedVersion: req.Version}
			fn = h.tier.Approve
		case "reject", "escalate":
			var req reasonRequest
			if err := h.decode(r, &req); err != nil {
				h.writeDomainError(w, r, err)
				return
			}
			d = tiering.Decision{Actor: req.Actor, Notes: req.Reason, ExpectedVersion: req.Version}
			fn = h.tier.Reject
			if action == "escalate" {
				fn = h.tier.Escalate
			}
		case "modify":
			var req modifyRequest
			if err := h.decode(r, &req); err != nil {
				h.writeDomainError(w, r, err)
				return
			}
			d = tiering.Decision{Actor: req.Actor, Notes: req.Notes, ExpectedVersion: req.Version, Amount: req.Amount}
			fn = h.tier.Modify
		}

		st, err := fn(r.Context(), kind, chi.URLParam(r, "id"), d)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id"), "state": st})
	}
}

func (h *Handlers) GetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.repos.Matches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) MatchHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repos.Matches.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	hist, err := h.repos.Matches.History(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "history": hist})
}

func (h *Handlers) SuggestFix(w http.ResponseWriter, r *http.Request) {
	fix, err := h.tier.SuggestFix(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

type bulkTierRequest struct {
	MatchIDs    []string `json:"match_ids" validate:"required,min=1,dive,required"`
	AutoResolve *bool    `json:"auto_resolve"`
}

func (h *Handlers) BulkTier(w http.ResponseWriter, r *http.Request) {
	var req bulkTierRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	auto := true
	if req.AutoResolve != nil {
		auto = *req.AutoResolve
	}
	matches, err := h.recon.TierMatches(r.Context(), req.MatchIDs, auto)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	byTier := map[domain.Tier]int{}
	for _, m := range matches {
		byTier[m.State.Tier]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"by_tier": map[string]int{
			"tier_0": byTier[domain.Tier0],
			"tier_1": byTier[domain.Tier1],
			"tier_2": byTier[domain.Tier2],
			"tier_3": byTier[domain.Tier3],
		},
	})
}

func (h *Handlers) GetDiscrepancy(w http.ResponseWriter, r *http.Request) {
	d, err := h.repos.Discrepancies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) DiscrepancyHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repos.Discrepancies.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	hist, err := h.repos.Discrepancies.History(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "history": hist})
}
