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

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Insert(ctx context.Context, s *domain.ReconciliationSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions
		(id, property_id, period_id, state, strategy_flags, config_snapshot,
		 error_detail, created_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PropertyID, s.PeriodID, string(s.State), mustJSON(s.StrategyFlags),
		nullableJSON(s.ConfigSnapshot), s.ErrorDetail, formatTime(s.CreatedAt),
		formatNullableTime(s.StartedAt), formatNullableTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.ReconciliationSession, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

// Start moves CREATED to RUNNING and records the flags and config snapshot
// the run will use.
func (r *SessionRepo) Start(ctx context.Context, id string, flags domain.StrategyFlags, snapshot json.RawMessage, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, strategy_flags = ?, config_snapshot = ?, started_at = ?
		WHERE id = ? AND state = ?`,
		string(domain.SessionRunning), mustJSON(flags), nullableJSON(snapshot), formatTime(at),
		id, string(domain.SessionCreated),
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return r.checkTransition(ctx, res, id, domain.SessionRunning)
}

// Transition moves a session from one state to another. It fails with a
// ValidationError when the move is not forward or the session is no longer
// in from.
func (r *SessionRepo) Transition(ctx context.Context, id string, from, to domain.SessionState, detail string, at time.Time) error {
	if !from.CanTransition(to) {
		return &domain.ValidationError{Field: "state", Message: fmt.Sprintf("session %s cannot move from %s to %s", id, from, to)}
	}
	var completed any
	if to.Terminal() {
		completed = formatTime(at)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, error_detail = CASE WHEN ? = '' THEN error_detail ELSE ? END,
		completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND state = ?`,
		string(to), detail, detail, completed, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	return r.checkTransition(ctx, res, id, to)
}

func (r *SessionRepo) checkTransition(ctx context.Context, res sql.Result, id string, to domain.SessionState) error {
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return &domain.ValidationError{Field: "state", Message: fmt.Sprintf("session %s is %s, cannot move to %s", id, cur.State, to)}
}

type SessionFilter struct {
	PropertyID string
	PeriodID   string
	State      string
}

func (r *SessionRepo) List(ctx context.Context, f SessionFilter) ([]domain.ReconciliationSession, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE 1=1"
	var args []any
	if f.PropertyID != "" {
		query += " AND property_id = ?"
		args = append(args, f.PropertyID)
	}
	if f.PeriodID != "" {
		query += " AND period_id = ?"
		args = append(args, f.PeriodID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Checkpoint persists one strategy's output and its checkpoint marker in a
// single transaction. On error nothing from this call is kept.
func (r *SessionRepo) Checkpoint(ctx context.Context, cp *domain.Checkpoint, matches []domain.Match, discs []domain.Discrepancy) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertMatches(ctx, tx, matches); err != nil {
		return err
	}
	if err := insertDiscrepancies(ctx, tx, discs); err != nil {
		return err
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE session_id = ?", cp.SessionID,
	).Scan(&cp.Seq); err != nil {
		return fmt.Errorf("next checkpoint seq: %w", err)
	}
	cp.MatchesPersisted = len(matches)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, seq, partition, strategy, matches_persisted, created_at)
		VALUES (?,?,?,?,?,?)`,
		cp.SessionID, cp.Seq, cp.Partition, cp.Strategy, cp.MatchesPersisted, formatTime(cp.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	return tx.Commit()
}

func (r *SessionRepo) Checkpoints(ctx context.Context, sessionID string) ([]domain.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, seq, partition, strategy, matches_persisted, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var created string
		if err := rows.Scan(&cp.SessionID, &cp.Seq, &cp.Partition, &cp.Strategy, &cp.MatchesPersisted, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		cp.CreatedAt = parseTime(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

const sessionColumns = `id, property_id, period_id, state, strategy_flags, config_snapshot,
	error_detail, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.ReconciliationSession, error) {
	var s domain.ReconciliationSession
	var state, flags, created string
	var snapshot, started, completed sql.NullString

	if err := row.Scan(
		&s.ID, &s.PropertyID, &s.PeriodID, &state, &flags, &snapshot,
		&s.ErrorDetail, &created, &started, &completed,
	); err != nil {
		return nil, err
	}
	s.State = domain.SessionState(state)
	if err := json.Unmarshal([]byte(flags), &s.StrategyFlags); err != nil {
		return nil, fmt.Errorf("decode strategy flags: %w", err)
	}
	if snapshot.Valid && snapshot.String != "" {
		s.ConfigSnapshot = json.RawMessage(snapshot.String)
	}
	s.CreatedAt = parseTime(created)
	s.StartedAt = parseNullableTime(started)
	s.CompletedAt = parseNullableTime(completed)
	return &s, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
