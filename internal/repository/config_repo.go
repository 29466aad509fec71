package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/propledger/reconciler/internal/domain"
)

// ConfigRepo stores the reference data a session snapshots: materiality,
// risk classes, account mappings, rules and covenants.
type ConfigRepo struct {
	db *sql.DB
}

func NewConfigRepo(db *sql.DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// InsertMateriality appends a new version for the config's
// (property, statement, pattern) key. Earlier versions are kept.
func (r *ConfigRepo) InsertMateriality(ctx context.Context, c *domain.MaterialityConfig) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM materiality_configs
		WHERE property_id = ? AND statement_type = ? AND account_pattern = ?`,
		c.PropertyID, string(c.StatementType), c.AccountPattern,
	).Scan(&c.Version); err != nil {
		return fmt.Errorf("next version: %w", err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO materiality_configs
		(id, property_id, statement_type, account_pattern, absolute_threshold,
		 relative_threshold_pct, version, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.PropertyID, string(c.StatementType), c.AccountPattern,
		c.AbsoluteThreshold.String(), c.RelativeThresholdPct.String(), c.Version, formatTime(c.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert materiality config: %w", err)
	}
	return tx.Commit()
}

// Materiality returns the latest version of every config that applies to
// the property, including global ones.
func (r *ConfigRepo) Materiality(ctx context.Context, propertyID string) ([]domain.MaterialityConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.property_id, c.statement_type, c.account_pattern, c.absolute_threshold,
			c.relative_threshold_pct, c.version, c.created_at
		FROM materiality_configs c
		WHERE c.property_id IN (?, ?)
		AND c.version = (SELECT MAX(version) FROM materiality_configs x
			WHERE x.property_id = c.property_id AND x.statement_type = c.statement_type
			AND x.account_pattern = c.account_pattern)
		ORDER BY c.property_id, c.statement_type, c.account_pattern`,
		propertyID, domain.AnyProperty,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.MaterialityConfig
	for rows.Next() {
		var c domain.MaterialityConfig
		var stmt, created string
		if err := rows.Scan(&c.ID, &c.PropertyID, &stmt, &c.AccountPattern, &c.AbsoluteThreshold,
			&c.RelativeThresholdPct, &c.Version, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		c.StatementType = domain.DocumentType(stmt)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ConfigRepo) UpsertRiskClass(ctx context.Context, rc domain.AccountRiskClass) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO risk_classes (account_code_pattern, risk_level) VALUES (?,?)
		ON CONFLICT(account_code_pattern) DO UPDATE SET risk_level = excluded.risk_level`,
		rc.AccountCodePattern, string(rc.RiskLevel),
	)
	return err
}

func (r *ConfigRepo) RiskClasses(ctx context.Context) ([]domain.AccountRiskClass, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT account_code_pattern, risk_level FROM risk_classes ORDER BY account_code_pattern")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccountRiskClass
	for rows.Next() {
		var rc domain.AccountRiskClass
		var level string
		if err := rows.Scan(&rc.AccountCodePattern, &level); err != nil {
			return nil, err
		}
		rc.RiskLevel = domain.RiskLevel(level)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *ConfigRepo) UpsertMapping(ctx context.Context, m domain.AccountMapping) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO account_mappings (source_code, document_type, canonical_code) VALUES (?,?,?)
		ON CONFLICT(source_code, document_type) DO UPDATE SET canonical_code = excluded.canonical_code`,
		m.SourceCode, string(m.DocumentType), m.CanonicalCode,
	)
	return err
}

func (r *ConfigRepo) Mappings(ctx context.Context) ([]domain.AccountMapping, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT source_code, document_type, canonical_code FROM account_mappings ORDER BY source_code, document_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccountMapping
	for rows.Next() {
		var m domain.AccountMapping
		var doc string
		if err := rows.Scan(&m.SourceCode, &doc, &m.CanonicalCode); err != nil {
			return nil, err
		}
		m.DocumentType = domain.DocumentType(doc)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *ConfigRepo) UpsertRule(ctx context.Context, rule domain.Rule) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rules (id, description, formula, severity, tolerance) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description, formula = excluded.formula,
		severity = excluded.severity, tolerance = excluded.tolerance`,
		rule.ID, rule.Description, rule.Formula, string(rule.Severity), rule.Tolerance,
	)
	return err
}

// EnsureRules seeds the rule registry when it is empty.
func (r *ConfigRepo) EnsureRules(ctx context.Context, defaults []domain.Rule) error {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules").Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, rule := range defaults {
		if err := r.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func (r *ConfigRepo) Rules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, description, formula, severity, tolerance FROM rules ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Rule{}
	for rows.Next() {
		var rule domain.Rule
		var sev string
		if err := rows.Scan(&rule.ID, &rule.Description, &rule.Formula, &sev, &rule.Tolerance); err != nil {
			return nil, err
		}
		rule.Severity = domain.RuleSeverity(sev)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *ConfigRepo) UpsertCovenant(ctx context.Context, c *domain.Covenant) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Comparator == "" {
		c.Comparator = ">="
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO covenants (id, property_id, name, numerator, denominator, threshold, comparator, blocking)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET property_id = excluded.property_id, name = excluded.name,
		numerator = excluded.numerator, denominator = excluded.denominator,
		threshold = excluded.threshold, comparator = excluded.comparator, blocking = excluded.blocking`,
		c.ID, c.PropertyID, c.Name, c.Numerator, c.Denominator, c.Threshold.String(), c.Comparator, boolInt(c.Blocking),
	)
	return err
}

func (r *ConfigRepo) Covenants(ctx context.Context, propertyID string) ([]domain.Covenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, property_id, name, numerator, denominator, threshold, comparator, blocking
		FROM covenants WHERE property_id IN (?, ?) ORDER BY id`, propertyID, domain.AnyProperty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Covenant
	for rows.Next() {
		var c domain.Covenant
		var blocking int
		if err := rows.Scan(&c.ID, &c.PropertyID, &c.Name, &c.Numerator, &c.Denominator,
			&c.Threshold, &c.Comparator, &blocking); err != nil {
			return nil, err
		}
		c.Blocking = blocking != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
