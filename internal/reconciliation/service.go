// Package reconciliation runs reconciliation sessions end to end: config
// snapshot, matching with per-strategy checkpoints, tiering, covenant
// evaluation and health scoring.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/cache"
	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/formula"
	"github.com/propledger/reconciler/internal/health"
	"github.com/propledger/reconciler/internal/matching"
	"github.com/propledger/reconciler/internal/materiality"
	"github.com/propledger/reconciler/internal/repository"
	"github.com/propledger/reconciler/internal/tiering"
	"github.com/propledger/reconciler/internal/worker"
)

// DefaultBudget is the wall-clock budget of one session run.
const DefaultBudget = 5 * time.Minute

// settleStrategy names the final checkpoint holding tentative matches and
// discrepancies.
const settleStrategy = "settle"

// Repos groups the stores the orchestrator writes to.
type Repos struct {
	Records       *repository.RecordRepo
	Sessions      *repository.SessionRepo
	Matches       *repository.MatchRepo
	Discrepancies *repository.DiscrepancyRepo
	Config        *repository.ConfigRepo
	Health        *repository.HealthRepo
}

// Summary reports the outcome of one run.
type Summary struct {
	SessionID      string              `json:"session_id"`
	State          domain.SessionState `json:"state"`
	Matches        int                 `json:"matches"`
	Tentative      int                 `json:"tentative"`
	Discrepancies  int                 `json:"discrepancies"`
	Partitions     int                 `json:"partitions"`
	StrategyErrors []string            `json:"strategy_errors,omitempty"`
	Detail         string              `json:"detail,omitempty"`
}

// Service orchestrates sessions. Runs submitted through RunSession execute
// on the worker runner; each run owns its own engine input and arena, so
// sessions share nothing mutable except the database.
type Service struct {
	repos   Repos
	engine  *matching.Engine
	tiering *tiering.Service
	runner  *worker.Runner
	cache   *cache.HealthCache
	logger  *logrus.Logger
	budget  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
}

// Option customises a Service.
type Option func(*Service)

func WithBudget(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.budget = d
		}
	}
}

func WithHealthCache(c *cache.HealthCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the orchestrator and registers health recomputation on
// every review state change.
func NewService(repos Repos, engine *matching.Engine, tier *tiering.Service, runner *worker.Runner, logger *logrus.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		repos:   repos,
		engine:  engine,
		tiering: tier,
		runner:  runner,
		logger:  logger,
		budget:  DefaultBudget,
		now:     time.Now,
		cancels: map[string]*atomic.Bool{},
	}
	for _, o := range opts {
		o(s)
	}
	tier.OnChange(func(ctx context.Context, sessionID string) {
		if _, err := s.RecomputeHealth(ctx, sessionID); err != nil {
			s.log(sessionID).WithError(err).Error("health recompute after review failed")
		}
	})
	return s
}

func (s *Service) log(sessionID string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{"module": "reconciliation", "session_id": sessionID})
}

// Bootstrap seeds the default rule registry and persona configs.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.repos.Config.EnsureRules(ctx, matching.DefaultRules()); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	if err := s.repos.Health.EnsureConfigs(ctx, domain.DefaultHealthConfigs()); err != nil {
		return fmt.Errorf("seed health configs: %w", err)
	}
	return nil
}

// CreateSession opens a new session for a property/period that has records.
func (s *Service) CreateSession(ctx context.Context, propertyID, periodID string) (*domain.ReconciliationSession, error) {
	propertyID, periodID = strings.TrimSpace(propertyID), strings.TrimSpace(periodID)
	if propertyID == "" || periodID == "" {
		return nil, &domain.ValidationError{Field: "property_id", Message: "property_id and period_id are required"}
	}
	_, total, err := s.repos.Records.List(ctx, repository.RecordFilter{PropertyID: propertyID, PeriodID: periodID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	if total == 0 {
		return nil, &domain.ValidationError{
			Field:   "period_id",
			Message: fmt.Sprintf("no records for property %s period %s", propertyID, periodID),
		}
	}

	sess := &domain.ReconciliationSession{
		ID:            uuid.NewString(),
		PropertyID:    propertyID,
		PeriodID:      periodID,
		State:         domain.SessionCreated,
		StrategyFlags: domain.DefaultStrategyFlags(),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repos.Sessions.Insert(ctx, sess); err != nil {
		return nil, err
	}
	s.log(sess.ID).WithFields(logrus.Fields{"property_id": propertyID, "period_id": periodID}).Info("session created")
	return sess, nil
}

// prepared is a session that has moved to RUNNING with its snapshot captured.
type prepared struct {
	session   *domain.ReconciliationSession
	flags     domain.StrategyFlags
	snapshot  *domain.ConfigSnapshot
	cancelled *atomic.Bool
}

// RunSession starts the session and queues the run. It returns once the
// session is RUNNING.
func (s *Service) RunSession(ctx context.Context, id string, flags *domain.StrategyFlags) (*domain.ReconciliationSession, error) {
	p, err := s.prepare(ctx, id, flags)
	if err != nil {
		return nil, err
	}

	job := worker.JobFunc{ID: "session:" + id, Fn: func(jobCtx context.Context) error {
		sum := s.execute(jobCtx, p)
		if sum.State != domain.SessionCompleted {
			return errors.New(sum.Detail)
		}
		return nil
	}}
	if err := s.runner.Submit(job); err != nil {
		s.release(id)
		s.finish(ctx, id, domain.SessionFailed, "not scheduled: "+err.Error())
		return nil, fmt.Errorf("schedule session %s: %w", id, err)
	}
	return s.repos.Sessions.Get(ctx, id)
}

// RunSessionAndWait runs the session on the calling goroutine.
func (s *Service) RunSessionAndWait(ctx context.Context, id string, flags *domain.StrategyFlags) (*Summary, error) {
	p, err := s.prepare(ctx, id, flags)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, p), nil
}

func (s *Service) prepare(ctx context.Context, id string, flags *domain.StrategyFlags) (*prepared, error) {
	sess, err := s.repos.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.SessionCreated {
		return nil, &domain.ValidationError{Field: "state", Message: fmt.Sprintf("session %s is %s, only CREATED sessions can run", id, sess.State)}
	}
	f := domain.DefaultStrategyFlags()
	if flags != nil {
		f = *flags
	}
	if !f.Any() {
		return nil, &domain.ValidationError{Field: "strategy_flags", Message: "at least one strategy must be enabled"}
	}

	snap, err := s.captureSnapshot(ctx, sess.PropertyID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	started := s.now().UTC()
	if err := s.repos.Sessions.Start(ctx, id, f, raw, started); err != nil {
		return nil, err
	}
	sess.State = domain.SessionRunning
	sess.StrategyFlags = f
	sess.ConfigSnapshot = raw
	sess.StartedAt = &started

	flag := &atomic.Bool{}
	s.mu.Lock()
	s.cancels[id] = flag
	s.mu.Unlock()

	return &prepared{session: sess, flags: f, snapshot: snap, cancelled: flag}, nil
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

// captureSnapshot reads the configuration a run will use. Later config
// edits do not affect a running or finished session.
func (s *Service) captureSnapshot(ctx context.Context, propertyID string) (*domain.ConfigSnapshot, error) {
	snap := &domain.ConfigSnapshot{CapturedAt: s.now().UTC()}
	var err error
	if snap.Materiality, err = s.repos.Config.Materiality(ctx, propertyID); err != nil {
		return nil, fmt.Errorf("load materiality: %w", err)
	}
	if snap.RiskClasses, err = s.repos.Config.RiskClasses(ctx); err != nil {
		return nil, fmt.Errorf("load risk classes: %w", err)
	}
	if snap.Mappings, err = s.repos.Config.Mappings(ctx); err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	if snap.Rules, err = s.repos.Config.Rules(ctx); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if snap.Covenants, err = s.repos.Config.Covenants(ctx, propertyID); err != nil {
		return nil, fmt.Errorf("load covenants: %w", err)
	}
	if len(snap.Covenants) == 0 {
		snap.Covenants = health.DefaultCovenants(propertyID)
	}
	if snap.HealthConfigs, err = s.repos.Health.LatestConfigs(ctx); err != nil {
		return nil, fmt.Errorf("load health configs: %w", err)
	}
	if len(snap.HealthConfigs) == 0 {
		snap.HealthConfigs = domain.DefaultHealthConfigs()
	}
	return snap, nil
}

// execute performs the run of a RUNNING session and always leaves it in a
// terminal state.
func (s *Service) execute(ctx context.Context, p *prepared) *Summary {
	sess := p.session
	defer s.release(sess.ID)
	log := s.log(sess.ID)
	started := s.now()
	sum := &Summary{SessionID: sess.ID}

	records, prior, err := s.loadRecords(ctx, sess)
	if err != nil {
		return s.fail(ctx, sum, &domain.PersistenceError{Op: "load records", Err: err})
	}

	resolver := materiality.FromSnapshot(p.snapshot, s.logger)
	hooks := matching.Hooks{
		BeforeStrategy: func(ctx context.Context, partition int, st domain.MatchType) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if p.cancelled.Load() {
				return domain.ErrSessionCancelled
			}
			if s.now().Sub(started) > s.budget {
				return &domain.SessionTimeoutError{SessionID: sess.ID, Budget: s.budget, Strategy: string(st)}
			}
			return nil
		},
		AfterStrategy: func(ctx context.Context, partition int, st domain.MatchType, locked []domain.Match) error {
			cp := &domain.Checkpoint{SessionID: sess.ID, Partition: partition, Strategy: string(st), CreatedAt: s.now().UTC()}
			if err := s.repos.Sessions.Checkpoint(ctx, cp, locked, nil); err != nil {
				return &domain.PersistenceError{Op: "checkpoint", Strategy: string(st), RecordIDs: matchRecordIDs(locked), Err: err}
			}
			log.WithFields(logrus.Fields{"partition": partition, "strategy": st, "locked": len(locked), "seq": cp.Seq}).Debug("checkpoint")
			return nil
		},
	}

	res, err := s.engine.Run(ctx, matching.Input{
		SessionID:    sess.ID,
		PropertyID:   sess.PropertyID,
		PeriodID:     sess.PeriodID,
		Records:      records,
		PriorRecords: prior,
		Flags:        p.flags,
		Resolver:     resolver,
		Rules:        p.snapshot.Rules,
		Mappings:     p.snapshot.Mappings,
		Hooks:        matching.Serialize(hooks),
	})
	if res != nil {
		sum.Partitions = res.Partitions
		for _, se := range res.StrategyErrors {
			sum.StrategyErrors = append(sum.StrategyErrors, se.Error())
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrSessionCancelled) {
			sum.State = domain.SessionCancelled
			sum.Detail = "cancelled at strategy boundary"
			s.finish(context.WithoutCancel(ctx), sess.ID, domain.SessionCancelled, sum.Detail)
			log.Info("session cancelled")
			return sum
		}
		return s.fail(ctx, sum, err)
	}

	settle := &domain.Checkpoint{SessionID: sess.ID, Strategy: settleStrategy, CreatedAt: s.now().UTC()}
	if err := s.repos.Sessions.Checkpoint(ctx, settle, res.Tentative, res.Discrepancies); err != nil {
		return s.fail(ctx, sum, &domain.PersistenceError{Op: "settle", Strategy: settleStrategy, Err: err})
	}

	if err := s.tier(ctx, sess.ID, resolver, p.flags.AutoResolve, sum); err != nil {
		return s.fail(ctx, sum, err)
	}

	results := health.EvaluateCovenants(sess.ID, p.snapshot.Covenants, formula.NewRecords(records, prior))
	if err := s.repos.Health.InsertCovenantResults(ctx, results); err != nil {
		return s.fail(ctx, sum, &domain.PersistenceError{Op: "store covenant results", Err: err})
	}
	if _, err := s.recompute(ctx, sess, p.snapshot, records); err != nil {
		return s.fail(ctx, sum, err)
	}

	sum.Detail = strings.Join(sum.StrategyErrors, "; ")
	sum.State = s.finish(ctx, sess.ID, domain.SessionCompleted, sum.Detail)
	log.WithFields(logrus.Fields{
		"matches":         sum.Matches,
		"tentative":       sum.Tentative,
		"discrepancies":   sum.Discrepancies,
		"strategy_errors": len(sum.StrategyErrors),
		"elapsed":         s.now().Sub(started).String(),
	}).Info("session completed")
	return sum
}

func (s *Service) loadRecords(ctx context.Context, sess *domain.ReconciliationSession) ([]domain.FinancialRecord, []domain.FinancialRecord, error) {
	records, err := s.repos.Records.ForPeriod(ctx, sess.PropertyID, sess.PeriodID)
	if err != nil {
		return nil, nil, err
	}
	priorPeriod, err := s.repos.Records.PriorPeriod(ctx, sess.PropertyID, sess.PeriodID)
	if err != nil || priorPeriod == "" {
		return records, nil, err
	}
	prior, err := s.repos.Records.ForPeriod(ctx, sess.PropertyID, priorPeriod)
	return records, prior, err
}

// tier classifies the persisted matches and discrepancies of a session.
func (s *Service) tier(ctx context.Context, sessionID string, risk tiering.RiskSource, autoResolve bool, sum *Summary) error {
	matches, err := s.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sessionID})
	if err != nil {
		return &domain.PersistenceError{Op: "load matches", Err: err}
	}
	if _, err := s.tiering.TierMatches(ctx, matches, risk, autoResolve); err != nil {
		return &domain.PersistenceError{Op: "tier matches", Err: err}
	}
	discs, err := s.repos.Discrepancies.List(ctx, repository.DiscrepancyFilter{SessionID: sessionID})
	if err != nil {
		return &domain.PersistenceError{Op: "load discrepancies", Err: err}
	}
	if _, err := s.tiering.TierDiscrepancies(ctx, discs, risk, autoResolve); err != nil {
		return &domain.PersistenceError{Op: "tier discrepancies", Err: err}
	}

	sum.Matches = len(matches)
	sum.Discrepancies = len(discs)
	for _, m := range matches {
		if m.ConfidenceScore < s.engine.Config().LockThreshold {
			sum.Tentative++
		}
	}
	return nil
}

// fail moves the session to FAILED. Matches persisted up to the last
// checkpoint stay in place.
func (s *Service) fail(ctx context.Context, sum *Summary, err error) *Summary {
	sum.Detail = err.Error()
	var te *domain.SessionTimeoutError
	if errors.As(err, &te) {
		sum.Detail = "timeout: " + sum.Detail
	}
	sum.State = s.finish(context.WithoutCancel(ctx), sum.SessionID, domain.SessionFailed, sum.Detail)
	s.log(sum.SessionID).WithError(err).Error("session failed")
	return sum
}

// finish moves a RUNNING or CANCELLING session to a terminal state and
// returns the state it ended in. A cancel that arrives after the last
// strategy boundary turns COMPLETED into CANCELLED.
func (s *Service) finish(ctx context.Context, id string, to domain.SessionState, detail string) domain.SessionState {
	at := s.now().UTC()
	for _, from := range []domain.SessionState{domain.SessionRunning, domain.SessionCancelling} {
		target := to
		if from == domain.SessionCancelling && to == domain.SessionCompleted {
			target = domain.SessionCancelled
		}
		if !from.CanTransition(target) {
			continue
		}
		if err := s.repos.Sessions.Transition(ctx, id, from, target, detail, at); err == nil {
			return target
		}
	}
	cur, err := s.repos.Sessions.Get(ctx, id)
	if err != nil {
		s.log(id).WithError(err).Error("session state unknown")
		return to
	}
	s.log(id).WithFields(logrus.Fields{"state": cur.State, "wanted": to}).Warn("session not moved")
	return cur.State
}

// CancelSession stops a session. A RUNNING session moves to CANCELLING and
// stops at its next strategy boundary; a CREATED one is cancelled at once.
func (s *Service) CancelSession(ctx context.Context, id string) (*domain.ReconciliationSession, error) {
	sess, err := s.repos.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()

	switch sess.State {
	case domain.SessionCreated:
		if err := s.repos.Sessions.Transition(ctx, id, domain.SessionCreated, domain.SessionCancelled, "cancelled before start", at); err != nil {
			return nil, err
		}
	case domain.SessionRunning:
		if err := s.repos.Sessions.Transition(ctx, id, domain.SessionRunning, domain.SessionCancelling, "", at); err != nil {
			return nil, err
		}
		s.mu.Lock()
		flag, live := s.cancels[id]
		s.mu.Unlock()
		if live {
			flag.Store(true)
		} else if err := s.repos.Sessions.Transition(ctx, id, domain.SessionCancelling, domain.SessionCancelled, "run not active", at); err != nil {
			return nil, err
		}
	case domain.SessionCancelling:
	default:
		return nil, &domain.ValidationError{Field: "state", Message: fmt.Sprintf("session %s is %s and cannot be cancelled", id, sess.State)}
	}
	s.log(id).Info("cancel requested")
	return s.repos.Sessions.Get(ctx, id)
}

// Snapshot decodes the configuration a session ran with.
func (s *Service) Snapshot(sess *domain.ReconciliationSession) (*domain.ConfigSnapshot, error) {
	if len(sess.ConfigSnapshot) == 0 {
		return nil, &domain.ValidationError{Field: "config_snapshot", Message: fmt.Sprintf("session %s has not started", sess.ID)}
	}
	var snap domain.ConfigSnapshot
	if err := json.Unmarshal(sess.ConfigSnapshot, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of session %s: %w", sess.ID, err)
	}
	return &snap, nil
}

// TierMatches classifies the given matches with the risk classes of each
// match's session. Reviewed matches are returned unchanged; a Tier 0
// match held PENDING is auto-resolved when autoResolve is set.
func (s *Service) TierMatches(ctx context.Context, ids []string, autoResolve bool) ([]domain.Match, error) {
	resolvers := map[string]*materiality.Resolver{}
	out := make([]domain.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.repos.Matches.Get(ctx, id)
		if err != nil {
			return out, err
		}
		r, ok := resolvers[m.SessionID]
		if !ok {
			sess, err := s.repos.Sessions.Get(ctx, m.SessionID)
			if err != nil {
				return out, err
			}
			snap, err := s.Snapshot(sess)
			if err != nil {
				return out, err
			}
			r = materiality.FromSnapshot(snap, s.logger)
			resolvers[m.SessionID] = r
		}
		tiered, err := s.tiering.TierMatches(ctx, []domain.Match{m}, r, autoResolve)
		if err != nil {
			return out, err
		}
		out = append(out, tiered...)
	}
	return out, nil
}

// RecomputeHealth scores the session's current review state for every
// persona and stores the result. The period's current score stays with its
// latest session.
func (s *Service) RecomputeHealth(ctx context.Context, sessionID string) ([]domain.HealthScore, error) {
	sess, err := s.repos.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(sess)
	if err != nil {
		return nil, err
	}
	records, err := s.repos.Records.ForPeriod(ctx, sess.PropertyID, sess.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return s.recompute(ctx, sess, snap, records)
}

func (s *Service) recompute(ctx context.Context, sess *domain.ReconciliationSession, snap *domain.ConfigSnapshot, records []domain.FinancialRecord) ([]domain.HealthScore, error) {
	matches, err := s.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sess.ID})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load matches", Err: err}
	}
	discs, err := s.repos.Discrepancies.List(ctx, repository.DiscrepancyFilter{SessionID: sess.ID})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load discrepancies", Err: err}
	}
	covenants, err := s.repos.Health.CovenantResults(ctx, sess.ID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load covenant results", Err: err}
	}

	in := health.Inputs{Matches: matches, Discrepancies: discs, Covenants: covenants}
	for _, r := range records {
		in.RecordIDs = append(in.RecordIDs, r.ID)
	}

	configs := snap.HealthConfigs
	if len(configs) == 0 {
		configs = domain.DefaultHealthConfigs()
	}
	scores := make([]domain.HealthScore, 0, len(configs))
	for _, cfg := range configs {
		b := health.Compute(cfg, in)
		score := domain.HealthScore{
			ID:              uuid.NewString(),
			SessionID:       sess.ID,
			PropertyID:      sess.PropertyID,
			PeriodID:        sess.PeriodID,
			Persona:         cfg.Persona,
			ConfigVersion:   cfg.Version,
			CompositeScore:  b.Composite,
			ComponentScores: b.Components,
			PeriodCloseable: b.PeriodCloseable,
			BlockingReasons: b.BlockingReasons,
			ComputedAt:      s.now().UTC(),
		}
		if err := s.repos.Health.InsertScore(ctx, &score); err != nil {
			return scores, &domain.PersistenceError{Op: "store health score", Err: err}
		}
		scores = append(scores, score)
	}
	// The session may have been superseded; the next read resolves which
	// score is current.
	if s.cache != nil {
		s.cache.InvalidatePeriod(sess.PropertyID, sess.PeriodID)
	}
	return scores, nil
}

// HealthScore returns the current score, from cache when possible.
func (s *Service) HealthScore(ctx context.Context, propertyID, periodID string, p domain.Persona) (*domain.HealthScore, error) {
	if s.cache != nil {
		if hs, ok := s.cache.Get(propertyID, periodID, p); ok {
			return &hs, nil
		}
	}
	hs, err := s.repos.Health.LatestScore(ctx, propertyID, periodID, p)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(*hs)
	}
	return hs, nil
}

// Trend returns the persona's composite over the last n periods up to
// periodID.
func (s *Service) Trend(ctx context.Context, propertyID, periodID string, p domain.Persona, n int) ([]domain.TrendPoint, error) {
	return s.repos.Health.Trend(ctx, propertyID, p, periodID, n)
}

func matchRecordIDs(ms []domain.Match) []string {
	ids := make([]string, 0, len(ms)*2)
	for _, m := range ms {
		ids = append(ids, m.SourceRecordID, m.TargetRecordID)
		ids = append(ids, m.CorroboratingRecordIDs...)
	}
	return ids
}
