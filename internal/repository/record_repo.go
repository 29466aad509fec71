package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/propledger/reconciler/internal/domain"
)

// RecordBatch is one ingested feed file.
type RecordBatch struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Format      string    `json:"format"`
	FileHash    string    `json:"file_hash"`
	RecordCount int       `json:"record_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}

type RecordRepo struct {
	db *sql.DB
}

func NewRecordRepo(db *sql.DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// BatchExistsByHash checks whether a feed with the given file hash has
// already been ingested (idempotency check).
func (r *RecordRepo) BatchExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM record_batches WHERE file_hash = ?", hash,
	).Scan(&count)
	return count > 0, err
}

// InsertBatch stores a batch and its records in one transaction. Records
// whose id already exists are skipped.
func (r *RecordRepo) InsertBatch(ctx context.Context, b *RecordBatch, records []domain.FinancialRecord) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO record_batches (id, source, format, file_hash, record_count, ingested_at)
		VALUES (?,?,?,?,?,?)`,
		b.ID, b.Source, b.Format, b.FileHash, b.RecordCount, formatTime(b.IngestedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return 0, &domain.ValidationError{Field: "file", Message: "feed already ingested"}
		}
		return 0, fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO records
		(id, batch_id, property_id, period_id, document_type, account_code,
		 account_name, account_type, amount, extraction_confidence)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range records {
		rec := &records[i]
		res, err := stmt.ExecContext(ctx,
			rec.ID, b.ID, rec.PropertyID, rec.PeriodID, string(rec.DocumentType),
			rec.AccountCode, rec.AccountName, string(rec.AccountType),
			rec.Amount.String(), rec.ExtractionConfidence,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert record %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

type RecordFilter struct {
	PropertyID   string
	PeriodID     string
	DocumentType string
	Page         int
	Limit        int
}

func (r *RecordRepo) List(ctx context.Context, f RecordFilter) ([]domain.FinancialRecord, int, error) {
	where, args := buildRecordWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	query := "SELECT " + recordColumns + " FROM records" + where +
		" ORDER BY document_type, account_code, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	recs, err := r.query(ctx, query, args...)
	return recs, total, err
}

// ForPeriod returns every record of one property/period.
func (r *RecordRepo) ForPeriod(ctx context.Context, propertyID, periodID string) ([]domain.FinancialRecord, error) {
	return r.query(ctx,
		"SELECT "+recordColumns+" FROM records WHERE property_id = ? AND period_id = ? ORDER BY document_type, account_code, id",
		propertyID, periodID,
	)
}

// PriorPeriod returns the latest period before periodID that has records,
// or "" when there is none. Period ids are compared lexically.
func (r *RecordRepo) PriorPeriod(ctx context.Context, propertyID, periodID string) (string, error) {
	var prior sql.NullString
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(period_id) FROM records WHERE property_id = ? AND period_id < ?",
		propertyID, periodID,
	).Scan(&prior)
	if err != nil {
		return "", err
	}
	return prior.String, nil
}

const recordColumns = `id, property_id, period_id, document_type, account_code,
	account_name, account_type, amount, extraction_confidence`

func (r *RecordRepo) query(ctx context.Context, query string, args ...any) ([]domain.FinancialRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.FinancialRecord
	for rows.Next() {
		var rec domain.FinancialRecord
		var doc, acctType string
		if err := rows.Scan(
			&rec.ID, &rec.PropertyID, &rec.PeriodID, &doc, &rec.AccountCode,
			&rec.AccountName, &acctType, &rec.Amount, &rec.ExtractionConfidence,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.DocumentType = domain.DocumentType(doc)
		rec.AccountType = domain.AccountType(acctType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildRecordWhere(f RecordFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.PropertyID != "" {
		clauses = append(clauses, "property_id = ?")
		args = append(args, f.PropertyID)
	}
	if f.PeriodID != "" {
		clauses = append(clauses, "period_id = ?")
		args = append(args, f.PeriodID)
	}
	if f.DocumentType != "" {
		clauses = append(clauses, "document_type = ?")
		args = append(args, f.DocumentType)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
