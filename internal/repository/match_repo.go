package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
)

type MatchRepo struct {
	db *sql.DB
}

func NewMatchRepo(db *sql.DB) *MatchRepo {
	return &MatchRepo{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertMatches(ctx context.Context, tx execer, matches []domain.Match) error {
	for i := range matches {
		m := &matches[i]
		corrob := m.CorroboratingRecordIDs
		if corrob == nil {
			corrob = []string{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matches
			(id, session_id, source_record_id, target_record_id, source_account_code,
			 target_account_code, source_document, target_document, match_type, basis,
			 confidence_score, source_amount, target_amount, amount_difference, tolerance,
			 partition, corroborating_record_ids, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.ID, m.SessionID, m.SourceRecordID, m.TargetRecordID, m.SourceAccountCode,
			m.TargetAccountCode, string(m.SourceDocument), string(m.TargetDocument),
			string(m.MatchType), m.Basis, m.ConfidenceScore, m.SourceAmount.String(),
			m.TargetAmount.String(), m.AmountDifference.String(), m.Tolerance.String(),
			m.Partition, mustJSON(corrob), formatTime(m.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert match %s: %w", m.ID, err)
		}

		ids := append([]string{m.SourceRecordID, m.TargetRecordID}, m.CorroboratingRecordIDs...)
		for _, rid := range ids {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO match_records (session_id, record_id, match_id) VALUES (?,?,?)",
				m.SessionID, rid, m.ID,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("record %s already matched in session %s: %w", rid, m.SessionID, err)
				}
				return fmt.Errorf("insert match record: %w", err)
			}
		}

		if err := insertState(ctx, tx, "match_states", "match_id", m.ID, m.State); err != nil {
			return err
		}
	}
	return nil
}

func insertState(ctx context.Context, tx execer, table, key, id string, st domain.MatchState) error {
	var modified any
	if st.ModifiedAmount != nil {
		modified = st.ModifiedAmount.String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (`+key+`, version, status, tier, material, review_notes,
		 modified_amount, actor, reviewed_at, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id, st.Version, string(st.Status), int(st.Tier), boolInt(st.Material), st.ReviewNotes,
		modified, st.Actor, formatNullableTime(st.ReviewedAt), formatTime(st.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// appendState adds version expected+1 for id. A concurrent writer that got
// there first makes this fail with ConcurrentModificationError.
func appendState(ctx context.Context, db *sql.DB, table, key, id string, expected int, next domain.MatchState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(version) FROM "+table+" WHERE "+key+" = ?", id,
	).Scan(&current); err != nil {
		return fmt.Errorf("current version: %w", err)
	}
	if !current.Valid {
		return domain.ErrNotFound
	}
	if int(current.Int64) != expected {
		return &domain.ConcurrentModificationError{MatchID: id, ExpectedVersion: expected, ActualVersion: int(current.Int64)}
	}

	next.Version = expected + 1
	if err := insertState(ctx, tx, table, key, id, next); err != nil {
		if isUniqueViolation(err) {
			return &domain.ConcurrentModificationError{MatchID: id, ExpectedVersion: expected, ActualVersion: expected + 1}
		}
		return err
	}
	return tx.Commit()
}

// AppendState records a new review state for a match.
func (r *MatchRepo) AppendState(ctx context.Context, id string, expected int, next domain.MatchState) error {
	return appendState(ctx, r.db, "match_states", "match_id", id, expected, next)
}

func (r *MatchRepo) Get(ctx context.Context, id string) (domain.Match, error) {
	row := r.db.QueryRowContext(ctx, matchSelect+" WHERE m.id = ?", id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Match{}, domain.ErrNotFound
	}
	return m, err
}

type MatchFilter struct {
	SessionID string
	Status    string
	MatchType string
	Tier      *int
}

// List returns matches with their current state, in creation order.
func (r *MatchRepo) List(ctx context.Context, f MatchFilter) ([]domain.Match, error) {
	query := matchSelect + " WHERE m.session_id = ?"
	args := []any{f.SessionID}
	if f.Status != "" {
		query += " AND s.status = ?"
		args = append(args, f.Status)
	}
	if f.MatchType != "" {
		query += " AND m.match_type = ?"
		args = append(args, f.MatchType)
	}
	if f.Tier != nil {
		query += " AND s.tier = ?"
		args = append(args, *f.Tier)
	}
	query += " ORDER BY m.created_at, m.id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// History returns every recorded state of a match, oldest first.
func (r *MatchRepo) History(ctx context.Context, id string) ([]domain.MatchState, error) {
	return history(ctx, r.db, "match_states", "match_id", id)
}

func history(ctx context.Context, db *sql.DB, table, key, id string) ([]domain.MatchState, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM "+table+" WHERE "+key+" = ? ORDER BY version", id)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

const stateColumns = `version, status, tier, material, review_notes, modified_amount, actor, reviewed_at, recorded_at`

const matchSelect = `SELECT m.id, m.session_id, m.source_record_id, m.target_record_id,
	m.source_account_code, m.target_account_code, m.source_document, m.target_document,
	m.match_type, m.basis, m.confidence_score, m.source_amount, m.target_amount,
	m.amount_difference, m.tolerance, m.partition, m.corroborating_record_ids, m.created_at,
	s.version, s.status, s.tier, s.material, s.review_notes, s.modified_amount, s.actor,
	s.reviewed_at, s.recorded_at
	FROM matches m
	JOIN match_states s ON s.match_id = m.id
	AND s.version = (SELECT MAX(version) FROM match_states WHERE match_id = m.id)`

func scanMatch(row scanner) (domain.Match, error) {
	var m domain.Match
	var srcDoc, tgtDoc, mt, corrob, created string
	st := stateScan{}

	dest := []any{
		&m.ID, &m.SessionID, &m.SourceRecordID, &m.TargetRecordID,
		&m.SourceAccountCode, &m.TargetAccountCode, &srcDoc, &tgtDoc,
		&mt, &m.Basis, &m.ConfidenceScore, &m.SourceAmount, &m.TargetAmount,
		&m.AmountDifference, &m.Tolerance, &m.Partition, &corrob, &created,
	}
	if err := row.Scan(append(dest, st.dest()...)...); err != nil {
		return domain.Match{}, err
	}
	m.SourceDocument = domain.DocumentType(srcDoc)
	m.TargetDocument = domain.DocumentType(tgtDoc)
	m.MatchType = domain.MatchType(mt)
	if err := json.Unmarshal([]byte(corrob), &m.CorroboratingRecordIDs); err != nil {
		return domain.Match{}, fmt.Errorf("decode corroborating ids: %w", err)
	}
	if len(m.CorroboratingRecordIDs) == 0 {
		m.CorroboratingRecordIDs = nil
	}
	m.CreatedAt = parseTime(created)
	m.State = st.state()
	return m, nil
}

// stateScan holds the raw columns of a *_states row.
type stateScan struct {
	st       domain.MatchState
	status   string
	tier     int
	material int
	modified decimal.NullDecimal
	reviewed sql.NullString
	recorded string
}

func (s *stateScan) dest() []any {
	return []any{
		&s.st.Version, &s.status, &s.tier, &s.material, &s.st.ReviewNotes,
		&s.modified, &s.st.Actor, &s.reviewed, &s.recorded,
	}
}

func (s *stateScan) state() domain.MatchState {
	st := s.st
	st.Status = domain.MatchStatus(s.status)
	st.Tier = domain.Tier(s.tier)
	st.Material = s.material != 0
	if s.modified.Valid {
		d := s.modified.Decimal
		st.ModifiedAmount = &d
	}
	st.ReviewedAt = parseNullableTime(s.reviewed)
	st.RecordedAt = parseTime(s.recorded)
	return st
}

func scanState(row scanner) (domain.MatchState, error) {
	s := stateScan{}
	if err := row.Scan(s.dest()...); err != nil {
		return domain.MatchState{}, err
	}
	return s.state(), nil
}
