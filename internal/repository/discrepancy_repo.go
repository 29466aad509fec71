package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/tiering"
)

type DiscrepancyRepo struct {
	db *sql.DB
}

func NewDiscrepancyRepo(db *sql.DB) *DiscrepancyRepo {
	return &DiscrepancyRepo{db: db}
}

func insertDiscrepancies(ctx context.Context, tx execer, discs []domain.Discrepancy) error {
	for i := range discs {
		d := &discs[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discrepancies
			(id, session_id, record_id, document_type, account_code, reason, amount,
			 tolerance, partition, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			d.ID, d.SessionID, d.RecordID, string(d.DocumentType), d.AccountCode, d.Reason,
			d.Amount.String(), d.Tolerance.String(), d.Partition, formatTime(d.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert discrepancy %s: %w", d.ID, err)
		}
		if err := insertState(ctx, tx, "discrepancy_states", "discrepancy_id", d.ID, d.State); err != nil {
			return err
		}
	}
	return nil
}

func (r *DiscrepancyRepo) AppendState(ctx context.Context, id string, expected int, next domain.MatchState) error {
	return appendState(ctx, r.db, "discrepancy_states", "discrepancy_id", id, expected, next)
}

func (r *DiscrepancyRepo) Get(ctx context.Context, id string) (domain.Discrepancy, error) {
	row := r.db.QueryRowContext(ctx, discrepancySelect+" WHERE d.id = ?", id)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Discrepancy{}, domain.ErrNotFound
	}
	return d, err
}

type DiscrepancyFilter struct {
	SessionID string
	Status    string
}

func (r *DiscrepancyRepo) List(ctx context.Context, f DiscrepancyFilter) ([]domain.Discrepancy, error) {
	query := discrepancySelect + " WHERE d.session_id = ?"
	args := []any{f.SessionID}
	if f.Status != "" {
		query += " AND s.status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY d.document_type, d.account_code, d.record_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DiscrepancyRepo) History(ctx context.Context, id string) ([]domain.MatchState, error) {
	return history(ctx, r.db, "discrepancy_states", "discrepancy_id", id)
}

const discrepancySelect = `SELECT d.id, d.session_id, d.record_id, d.document_type, d.account_code,
	d.reason, d.amount, d.tolerance, d.partition, d.created_at,
	s.version, s.status, s.tier, s.material, s.review_notes, s.modified_amount, s.actor,
	s.reviewed_at, s.recorded_at
	FROM discrepancies d
	JOIN discrepancy_states s ON s.discrepancy_id = d.id
	AND s.version = (SELECT MAX(version) FROM discrepancy_states WHERE discrepancy_id = d.id)`

func scanDiscrepancy(row scanner) (domain.Discrepancy, error) {
	var d domain.Discrepancy
	var doc, created string
	st := stateScan{}

	dest := []any{
		&d.ID, &d.SessionID, &d.RecordID, &doc, &d.AccountCode,
		&d.Reason, &d.Amount, &d.Tolerance, &d.Partition, &created,
	}
	if err := row.Scan(append(dest, st.dest()...)...); err != nil {
		return domain.Discrepancy{}, err
	}
	d.DocumentType = domain.DocumentType(doc)
	d.CreatedAt = parseTime(created)
	d.State = st.state()
	return d, nil
}

// ReviewStore adapts the match and discrepancy repos to tiering.Store.
type ReviewStore struct {
	Matches       *MatchRepo
	Discrepancies *DiscrepancyRepo
}

func (s *ReviewStore) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	return s.Matches.Get(ctx, id)
}

func (s *ReviewStore) GetDiscrepancy(ctx context.Context, id string) (domain.Discrepancy, error) {
	return s.Discrepancies.Get(ctx, id)
}

func (s *ReviewStore) AppendState(ctx context.Context, kind tiering.Kind, id string, expected int, next domain.MatchState) error {
	switch kind {
	case tiering.KindMatch:
		return s.Matches.AppendState(ctx, id, expected, next)
	case tiering.KindDiscrepancy:
		return s.Discrepancies.AppendState(ctx, id, expected, next)
	}
	return &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}
}
