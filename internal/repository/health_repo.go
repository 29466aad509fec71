package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/propledger/reconciler/internal/domain"
)

type HealthRepo struct {
	db *sql.DB
}

func NewHealthRepo(db *sql.DB) *HealthRepo {
	return &HealthRepo{db: db}
}

// InsertConfig stores cfg as the next version for its persona.
func (r *HealthRepo) InsertConfig(ctx context.Context, cfg *domain.HealthScoreConfig) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM health_configs WHERE persona = ?", string(cfg.Persona),
	).Scan(&cfg.Version); err != nil {
		return fmt.Errorf("next version: %w", err)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	rules := cfg.BlockedCloseRules
	if rules == nil {
		rules = []domain.BlockingRule{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO health_configs (persona, version, component_weights, blocked_close_rules, composite_ceiling, created_at)
		VALUES (?,?,?,?,?,?)`,
		string(cfg.Persona), cfg.Version, mustJSON(cfg.ComponentWeights), mustJSON(rules),
		cfg.CompositeCeiling, formatTime(cfg.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert health config: %w", err)
	}
	return tx.Commit()
}

// EnsureConfigs stores a version 1 for every persona that has none.
func (r *HealthRepo) EnsureConfigs(ctx context.Context, defaults []domain.HealthScoreConfig) error {
	for i := range defaults {
		_, err := r.LatestConfig(ctx, defaults[i].Persona)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := r.InsertConfig(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *HealthRepo) LatestConfig(ctx context.Context, p domain.Persona) (domain.HealthScoreConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT persona, version, component_weights, blocked_close_rules, composite_ceiling, created_at
		FROM health_configs WHERE persona = ? ORDER BY version DESC LIMIT 1`, string(p))
	cfg, err := scanHealthConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, domain.ErrNotFound
	}
	return cfg, err
}

// LatestConfigs returns the newest config of every persona.
func (r *HealthRepo) LatestConfigs(ctx context.Context) ([]domain.HealthScoreConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT persona, version, component_weights, blocked_close_rules, composite_ceiling, created_at
		FROM health_configs c
		WHERE version = (SELECT MAX(version) FROM health_configs x WHERE x.persona = c.persona)
		ORDER BY persona`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HealthScoreConfig
	for rows.Next() {
		cfg, err := scanHealthConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanHealthConfig(row scanner) (domain.HealthScoreConfig, error) {
	var cfg domain.HealthScoreConfig
	var persona, weights, rules, created string
	if err := row.Scan(&persona, &cfg.Version, &weights, &rules, &cfg.CompositeCeiling, &created); err != nil {
		return cfg, err
	}
	cfg.Persona = domain.Persona(persona)
	if err := json.Unmarshal([]byte(weights), &cfg.ComponentWeights); err != nil {
		return cfg, fmt.Errorf("decode weights: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &cfg.BlockedCloseRules); err != nil {
		return cfg, fmt.Errorf("decode blocked rules: %w", err)
	}
	cfg.CreatedAt = parseTime(created)
	return cfg, nil
}

func (r *HealthRepo) InsertScore(ctx context.Context, s *domain.HealthScore) error {
	reasons := s.BlockingReasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO health_scores
		(id, session_id, property_id, period_id, persona, config_version, composite_score,
		 component_scores, period_closeable, blocking_reasons, computed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.SessionID, s.PropertyID, s.PeriodID, string(s.Persona), s.ConfigVersion,
		s.CompositeScore, mustJSON(s.ComponentScores), boolInt(s.PeriodCloseable),
		mustJSON(reasons), formatTime(s.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("insert health score: %w", err)
	}
	return nil
}

// currentScoreOrder ranks scores by the session that produced them, newest
// run first, so reviews on a superseded session never displace the score
// of the latest one.
const currentScoreOrder = `s.started_at DESC, s.created_at DESC, s.rowid DESC, h.computed_at DESC, h.id DESC`

// LatestScore returns the current score: the most recent one of the latest
// session that scored the period.
func (r *HealthRepo) LatestScore(ctx context.Context, propertyID, periodID string, p domain.Persona) (*domain.HealthScore, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT h.id, h.session_id, h.property_id, h.period_id, h.persona, h.config_version, h.composite_score,
			h.component_scores, h.period_closeable, h.blocking_reasons, h.computed_at
		FROM health_scores h LEFT JOIN sessions s ON s.id = h.session_id
		WHERE h.property_id = ? AND h.period_id = ? AND h.persona = ?
		ORDER BY `+currentScoreOrder+` LIMIT 1`,
		propertyID, periodID, string(p))

	var s domain.HealthScore
	var persona, comps, reasons, computed string
	var closeable int
	err := row.Scan(&s.ID, &s.SessionID, &s.PropertyID, &s.PeriodID, &persona, &s.ConfigVersion,
		&s.CompositeScore, &comps, &closeable, &reasons, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Persona = domain.Persona(persona)
	s.PeriodCloseable = closeable != 0
	s.ComputedAt = parseTime(computed)
	if err := json.Unmarshal([]byte(comps), &s.ComponentScores); err != nil {
		return nil, fmt.Errorf("decode component scores: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &s.BlockingReasons); err != nil {
		return nil, fmt.Errorf("decode blocking reasons: %w", err)
	}
	if len(s.BlockingReasons) == 0 {
		s.BlockingReasons = nil
	}
	return &s, nil
}

// Trend returns the current composite score of each of the last n periods
// up to and including periodID, ordered by period. Periods without a score
// are absent.
func (r *HealthRepo) Trend(ctx context.Context, propertyID string, p domain.Persona, periodID string, n int) ([]domain.TrendPoint, error) {
	if n <= 0 {
		n = 12
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT h.period_id, h.composite_score, h.computed_at
		FROM health_scores h LEFT JOIN sessions s ON s.id = h.session_id
		WHERE h.property_id = ? AND h.persona = ? AND h.period_id <= ?
		ORDER BY h.period_id DESC, `+currentScoreOrder,
		propertyID, string(p), periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrendPoint
	seen := map[string]bool{}
	for rows.Next() {
		var tp domain.TrendPoint
		var computed string
		if err := rows.Scan(&tp.PeriodID, &tp.CompositeScore, &computed); err != nil {
			return nil, err
		}
		if seen[tp.PeriodID] {
			continue
		}
		seen[tp.PeriodID] = true
		tp.ComputedAt = parseTime(computed)
		out = append(out, tp)
		if len(out) == n {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// InsertCovenantResults stores one session's covenant evaluations.
func (r *HealthRepo) InsertCovenantResults(ctx context.Context, results []domain.CovenantResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO covenant_results
		(session_id, covenant_id, name, actual, threshold, comparator, breached, blocking, detail)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range results {
		if _, err := stmt.ExecContext(ctx, c.SessionID, c.CovenantID, c.Name, c.Actual.String(),
			c.Threshold.String(), c.Comparator, boolInt(c.Breached), boolInt(c.Blocking), c.Detail); err != nil {
			return fmt.Errorf("insert covenant result %s: %w", c.CovenantID, err)
		}
	}
	return tx.Commit()
}

func (r *HealthRepo) CovenantResults(ctx context.Context, sessionID string) ([]domain.CovenantResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, covenant_id, name, actual, threshold, comparator, breached, blocking, detail
		FROM covenant_results WHERE session_id = ? ORDER BY covenant_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CovenantResult
	for rows.Next() {
		var c domain.CovenantResult
		var breached, blocking int
		if err := rows.Scan(&c.SessionID, &c.CovenantID, &c.Name, &c.Actual, &c.Threshold,
			&c.Comparator, &breached, &blocking, &c.Detail); err != nil {
			return nil, err
		}
		c.Breached = breached != 0
		c.Blocking = blocking != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
