package tiering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/money"
)

// Kind selects matches or discrepancies.
type Kind string

const (
	KindMatch       Kind = "match"
	KindDiscrepancy Kind = "discrepancy"
)

// Store persists review state. AppendState must fail with a
// *domain.ConcurrentModificationError when the current version is not
// expected.
type Store interface {
	GetMatch(ctx context.Context, id string) (domain.Match, error)
	GetDiscrepancy(ctx context.Context, id string) (domain.Discrepancy, error)
	AppendState(ctx context.Context, kind Kind, id string, expected int, next domain.MatchState) error
}

// RiskSource classifies account codes.
type RiskSource interface {
	RiskLevel(codes ...string) domain.RiskLevel
}

// Decision is a reviewer action. ExpectedVersion 0 acts on whatever
// version is current.
type Decision struct {
	Actor           string           `json:"actor"`
	Notes           string           `json:"notes"`
	ExpectedVersion int              `json:"expected_version"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
}

// Service applies the tier matrix and reviewer transitions.
type Service struct {
	store      Store
	thresholds Thresholds
	logger     *logrus.Logger
	onChange   func(ctx context.Context, sessionID string)
	now        func() time.Time
}

func NewService(store Store, thresholds Thresholds, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, thresholds: thresholds, logger: logger, now: time.Now}
}

// OnChange registers a callback run after every persisted status change.
func (s *Service) OnChange(fn func(ctx context.Context, sessionID string)) {
	s.onChange = fn
}

func (s *Service) Thresholds() Thresholds { return s.thresholds }

// NextMatchState computes the classified state for a pending match. With
// autoResolve off a Tier 0 item keeps PENDING but records its tier.
func (s *Service) NextMatchState(m domain.Match, risk RiskSource, autoResolve bool) domain.MatchState {
	in := Input{Confidence: m.ConfidenceScore, Material: m.Material(), Risk: riskOf(risk, m.SourceAccountCode, m.TargetAccountCode)}
	return s.next(m.State, in, autoResolve)
}

// NextDiscrepancyState classifies an unmatched record. Discrepancies carry
// zero confidence, so they always escalate.
func (s *Service) NextDiscrepancyState(d domain.Discrepancy, risk RiskSource, autoResolve bool) domain.MatchState {
	in := Input{Confidence: 0, Material: d.Material(), Risk: riskOf(risk, d.AccountCode)}
	return s.next(d.State, in, autoResolve)
}

func (s *Service) next(cur domain.MatchState, in Input, autoResolve bool) domain.MatchState {
	out := s.thresholds.Classify(in)
	st := domain.MatchState{
		Version:    cur.Version + 1,
		Status:     out.Status,
		Tier:       out.Tier,
		Material:   in.Material,
		Actor:      "system",
		RecordedAt: s.now().UTC(),
	}
	if out.Status == domain.StatusAutoResolved && !autoResolve {
		st.Status = domain.StatusPending
	}
	return st
}

func riskOf(r RiskSource, codes ...string) domain.RiskLevel {
	if r == nil {
		return domain.RiskNormal
	}
	return r.RiskLevel(codes...)
}

// TierMatches classifies every PENDING match in turn. It is the same as
// calling TierMatch for each one.
func (s *Service) TierMatches(ctx context.Context, matches []domain.Match, risk RiskSource, autoResolve bool) ([]domain.Match, error) {
	out := make([]domain.Match, 0, len(matches))
	for _, m := range matches {
		tiered, err := s.tierMatch(ctx, m, risk, autoResolve)
		if err != nil {
			return out, err
		}
		out = append(out, tiered)
	}
	return out, nil
}

// TierMatch loads and classifies one match.
func (s *Service) TierMatch(ctx context.Context, id string, risk RiskSource, autoResolve bool) (domain.Match, error) {
	m, err := s.store.GetMatch(ctx, id)
	if err != nil {
		return domain.Match{}, err
	}
	return s.tierMatch(ctx, m, risk, autoResolve)
}

// tierMatch applies the matrix to a PENDING match. A match that already
// carries a tier is one held back from auto-resolution; it is classified
// again and only written when the outcome differs.
func (s *Service) tierMatch(ctx context.Context, m domain.Match, risk RiskSource, autoResolve bool) (domain.Match, error) {
	if m.State.Status != domain.StatusPending {
		return m, nil
	}
	held := m.State.Tier != domain.TierUnclassified
	next := s.NextMatchState(m, risk, autoResolve)
	if held && next.Status == m.State.Status && next.Tier == m.State.Tier {
		return m, nil
	}
	if err := s.store.AppendState(ctx, KindMatch, m.ID, m.State.Version, next); err != nil {
		return m, err
	}
	m.State = next

	if held {
		s.logger.WithFields(logrus.Fields{
			"module":     "tiering",
			"kind":       KindMatch,
			"id":         m.ID,
			"session_id": m.SessionID,
			"to":         next.Status,
			"version":    next.Version,
		}).Info("held match re-tiered")
		if s.onChange != nil {
			s.onChange(ctx, m.SessionID)
		}
	}
	return m, nil
}

// TierDiscrepancies classifies every PENDING, unclassified discrepancy.
func (s *Service) TierDiscrepancies(ctx context.Context, ds []domain.Discrepancy, risk RiskSource, autoResolve bool) ([]domain.Discrepancy, error) {
	out := make([]domain.Discrepancy, 0, len(ds))
	for _, d := range ds {
		if d.State.Status == domain.StatusPending && d.State.Tier == domain.TierUnclassified {
			next := s.NextDiscrepancyState(d, risk, autoResolve)
			if err := s.store.AppendState(ctx, KindDiscrepancy, d.ID, d.State.Version, next); err != nil {
				return out, err
			}
			d.State = next
		}
		out = append(out, d)
	}
	return out, nil
}

// subject is the reviewable part of a match or discrepancy.
type subject struct {
	sessionID string
	state     domain.MatchState
}

func (s *Service) load(ctx context.Context, kind Kind, id string) (subject, error) {
	switch kind {
	case KindMatch:
		m, err := s.store.GetMatch(ctx, id)
		return subject{m.SessionID, m.State}, err
	case KindDiscrepancy:
		d, err := s.store.GetDiscrepancy(ctx, id)
		return subject{d.SessionID, d.State}, err
	}
	return subject{}, &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}
}

// Approve moves a classified item to APPROVED. Approving an APPROVED item
// returns its current state unchanged.
func (s *Service) Approve(ctx context.Context, kind Kind, id string, d Decision) (domain.MatchState, error) {
	return s.transition(ctx, kind, id, d, domain.StatusApproved, func(cur domain.MatchState) bool {
		return cur.Status == domain.StatusApproved
	})
}

// Reject requires a reason.
func (s *Service) Reject(ctx context.Context, kind Kind, id string, d Decision) (domain.MatchState, error) {
	if strings.TrimSpace(d.Notes) == "" {
		return domain.MatchState{}, &domain.ValidationError{Field: "reason", Message: "rejection reason is required", RecordIDs: []string{id}}
	}
	return s.transition(ctx, kind, id, d, domain.StatusRejected, nil)
}

// Modify records the reviewer's corrected amount.
func (s *Service) Modify(ctx context.Context, kind Kind, id string, d Decision) (domain.MatchState, error) {
	if d.Amount == nil {
		return domain.MatchState{}, &domain.ValidationError{Field: "amount", Message: "modified amount is required", RecordIDs: []string{id}}
	}
	return s.transition(ctx, kind, id, d, domain.StatusModified, nil)
}

// Escalate downgrades a classified item to Tier 3. Escalating an ESCALATED
// item is a no-op.
func (s *Service) Escalate(ctx context.Context, kind Kind, id string, d Decision) (domain.MatchState, error) {
	return s.transition(ctx, kind, id, d, domain.StatusEscalated, func(cur domain.MatchState) bool {
		return cur.Status == domain.StatusEscalated
	})
}

func (s *Service) transition(ctx context.Context, kind Kind, id string, d Decision, to domain.MatchStatus, noop func(domain.MatchState) bool) (domain.MatchState, error) {
	sub, err := s.load(ctx, kind, id)
	if err != nil {
		return domain.MatchState{}, err
	}
	cur := sub.state

	if noop != nil && noop(cur) {
		return cur, nil
	}
	if d.ExpectedVersion != 0 && d.ExpectedVersion != cur.Version {
		return cur, &domain.ConcurrentModificationError{MatchID: id, ExpectedVersion: d.ExpectedVersion, ActualVersion: cur.Version}
	}
	// PENDING with a tier is a Tier 0 item held back from auto-resolution.
	if !cur.Status.CanReview() && !(cur.Status == domain.StatusPending && cur.Tier != domain.TierUnclassified) {
		return cur, &domain.ValidationError{
			Field:     "status",
			Message:   fmt.Sprintf("cannot move %s %s from %s to %s", kind, id, cur.Status, to),
			RecordIDs: []string{id},
		}
	}

	now := s.now().UTC()
	next := domain.MatchState{
		Version:     cur.Version + 1,
		Status:      to,
		Tier:        cur.Tier,
		Material:    cur.Material,
		ReviewNotes: d.Notes,
		Actor:       d.Actor,
		ReviewedAt:  &now,
		RecordedAt:  now,
	}
	if to == domain.StatusEscalated {
		next.Tier = domain.Tier3
	}
	if to == domain.StatusModified {
		amt := money.Round2(*d.Amount)
		next.ModifiedAmount = &amt
	}

	if err := s.store.AppendState(ctx, kind, id, cur.Version, next); err != nil {
		return cur, err
	}

	s.logger.WithFields(logrus.Fields{
		"module":     "tiering",
		"kind":       kind,
		"id":         id,
		"session_id": sub.sessionID,
		"from":       cur.Status,
		"to":         to,
		"version":    next.Version,
		"actor":      d.Actor,
	}).Info("review state changed")

	if s.onChange != nil {
		s.onChange(ctx, sub.sessionID)
	}
	return next, nil
}

// SuggestFix proposes the value the target record would need for the match
// to reconcile. It never writes anything.
func (s *Service) SuggestFix(ctx context.Context, id string) (domain.Fix, error) {
	m, err := s.store.GetMatch(ctx, id)
	if err != nil {
		return domain.Fix{}, err
	}
	if m.State.Tier != domain.Tier1 {
		return domain.Fix{}, &domain.ValidationError{
			Field:     "tier",
			Message:   fmt.Sprintf("fixes are only suggested for tier 1 matches, match is tier %d", m.State.Tier),
			RecordIDs: []string{m.ID},
		}
	}

	proposed := m.SourceAmount
	return domain.Fix{
		MatchID:       m.ID,
		RecordID:      m.TargetRecordID,
		CurrentValue:  m.TargetAmount,
		ProposedValue: proposed,
		Delta:         proposed.Sub(m.TargetAmount),
		Rationale:     rationale(m, proposed),
	}, nil
}

func rationale(m domain.Match, proposed decimal.Decimal) string {
	target := fmt.Sprintf("%s %s", m.TargetDocument, m.TargetAccountCode)
	want := money.Format(proposed)
	switch m.MatchType {
	case domain.MatchExact:
		return fmt.Sprintf("exact account match implies %s should be %s", target, want)
	case domain.MatchRule:
		return fmt.Sprintf("rule %s implies %s should be %s", m.Basis, target, want)
	case domain.MatchCalculated:
		return fmt.Sprintf("calculation %s implies %s should be %s", m.Basis, target, want)
	case domain.MatchFuzzy:
		return fmt.Sprintf("fuzzy match (%s) implies %s should be %s", m.Basis, target, want)
	case domain.MatchInferred:
		return fmt.Sprintf("account mapping (%s) implies %s should be %s", m.Basis, target, want)
	}
	return fmt.Sprintf("%s should be %s", target, want)
}
