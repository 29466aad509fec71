package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One connection: PRAGMAs are per connection and an in-memory database
	// only exists on the connection that created it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS record_batches (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			format TEXT NOT NULL,
			file_hash TEXT UNIQUE NOT NULL,
			record_count INTEGER NOT NULL,
			ingested_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			batch_id TEXT,
			property_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			document_type TEXT NOT NULL,
			account_code TEXT NOT NULL,
			account_name TEXT NOT NULL,
			account_type TEXT NOT NULL,
			amount TEXT NOT NULL,
			extraction_confidence REAL NOT NULL,
			FOREIGN KEY (batch_id) REFERENCES record_batches(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_property_period ON records(property_id, period_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			property_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			state TEXT NOT NULL,
			strategy_flags TEXT NOT NULL,
			config_snapshot TEXT,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_property_period ON sessions(property_id, period_id)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			partition INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			matches_persisted INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,

		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			source_record_id TEXT NOT NULL,
			target_record_id TEXT NOT NULL,
			source_account_code TEXT NOT NULL,
			target_account_code TEXT NOT NULL,
			source_document TEXT NOT NULL,
			target_document TEXT NOT NULL,
			match_type TEXT NOT NULL,
			basis TEXT NOT NULL,
			confidence_score REAL NOT NULL,
			source_amount TEXT NOT NULL,
			target_amount TEXT NOT NULL,
			amount_difference TEXT NOT NULL,
			tolerance TEXT NOT NULL,
			partition INTEGER NOT NULL,
			corroborating_record_ids TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_session ON matches(session_id)`,

		// One row per record consumed by a match; the key enforces that a
		// record joins at most one match per session.
		`CREATE TABLE IF NOT EXISTS match_records (
			session_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			match_id TEXT NOT NULL,
			PRIMARY KEY (session_id, record_id),
			FOREIGN KEY (match_id) REFERENCES matches(id)
		)`,

		`CREATE TABLE IF NOT EXISTS match_states (
			match_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			tier INTEGER NOT NULL,
			material INTEGER NOT NULL,
			review_notes TEXT NOT NULL DEFAULT '',
			modified_amount TEXT,
			actor TEXT NOT NULL DEFAULT '',
			reviewed_at TEXT,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (match_id, version),
			FOREIGN KEY (match_id) REFERENCES matches(id)
		)`,

		`CREATE TABLE IF NOT EXISTS discrepancies (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			document_type TEXT NOT NULL,
			account_code TEXT NOT NULL,
			reason TEXT NOT NULL,
			amount TEXT NOT NULL,
			tolerance TEXT NOT NULL,
			partition INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (session_id, record_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_session ON discrepancies(session_id)`,

		`CREATE TABLE IF NOT EXISTS discrepancy_states (
			discrepancy_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			tier INTEGER NOT NULL,
			material INTEGER NOT NULL,
			review_notes TEXT NOT NULL DEFAULT '',
			modified_amount TEXT,
			actor TEXT NOT NULL DEFAULT '',
			reviewed_at TEXT,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (discrepancy_id, version),
			FOREIGN KEY (discrepancy_id) REFERENCES discrepancies(id)
		)`,

		`CREATE TABLE IF NOT EXISTS materiality_configs (
			id TEXT PRIMARY KEY,
			property_id TEXT NOT NULL,
			statement_type TEXT NOT NULL DEFAULT '',
			account_pattern TEXT NOT NULL DEFAULT '',
			absolute_threshold TEXT NOT NULL,
			relative_threshold_pct TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (property_id, statement_type, account_pattern, version)
		)`,

		`CREATE TABLE IF NOT EXISTS risk_classes (
			account_code_pattern TEXT PRIMARY KEY,
			risk_level TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS account_mappings (
			source_code TEXT NOT NULL,
			document_type TEXT NOT NULL DEFAULT '',
			canonical_code TEXT NOT NULL,
			PRIMARY KEY (source_code, document_type)
		)`,

		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			formula TEXT NOT NULL,
			severity TEXT NOT NULL,
			tolerance TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS covenants (
			id TEXT PRIMARY KEY,
			property_id TEXT NOT NULL,
			name TEXT NOT NULL,
			numerator TEXT NOT NULL,
			denominator TEXT NOT NULL,
			threshold TEXT NOT NULL,
			comparator TEXT NOT NULL,
			blocking INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_covenants_property ON covenants(property_id)`,

		`CREATE TABLE IF NOT EXISTS covenant_results (
			session_id TEXT NOT NULL,
			covenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			actual TEXT NOT NULL,
			threshold TEXT NOT NULL,
			comparator TEXT NOT NULL,
			breached INTEGER NOT NULL,
			blocking INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, covenant_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,

		`CREATE TABLE IF NOT EXISTS health_configs (
			persona TEXT NOT NULL,
			version INTEGER NOT NULL,
			component_weights TEXT NOT NULL,
			blocked_close_rules TEXT NOT NULL,
			composite_ceiling REAL NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (persona, version)
		)`,

		`CREATE TABLE IF NOT EXISTS health_scores (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			property_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			persona TEXT NOT NULL,
			config_version INTEGER NOT NULL,
			composite_score REAL NOT NULL,
			component_scores TEXT NOT NULL,
			period_closeable INTEGER NOT NULL,
			blocking_reasons TEXT NOT NULL DEFAULT '[]',
			computed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_scores_lookup ON health_scores(property_id, persona, period_id, computed_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	return nil
}

// --- helpers ---

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
