package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:chainguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS analyses (
			id INTEGER PRIMARY KEY,
			contract TEXT NOT NULL,
			analyzer TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			risk_level TEXT NOT NULL,
			confidence INTEGER NOT NULL,
			evidence_ref TEXT NOT NULL,
			verified BOOLEAN NOT NULL,
			verified_by TEXT,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_contract ON analyses(contract)`,
		`CREATE TABLE IF NOT EXISTS threat_reports (
			id INTEGER PRIMARY KEY,
			contract TEXT NOT NULL,
			reporter TEXT NOT NULL,
			threat_type TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL,
			evidence_ref TEXT,
			severity INTEGER NOT NULL,
			confirmations INTEGER NOT NULL,
			disputes INTEGER NOT NULL,
			confirmers_json TEXT NOT NULL,
			disputers_json TEXT NOT NULL,
			resolved BOOLEAN NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_contract ON threat_reports(contract)`,
		`CREATE TABLE IF NOT EXISTS reputation_scores (
			contract TEXT PRIMARY KEY,
			overall INTEGER NOT NULL,
			security INTEGER NOT NULL,
			community INTEGER NOT NULL,
			stability INTEGER NOT NULL,
			transparency INTEGER NOT NULL,
			total_interactions INTEGER NOT NULL,
			last_updated TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS score_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contract TEXT NOT NULL,
			ts TEXT NOT NULL,
			score INTEGER NOT NULL,
			reason TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_contract ON score_snapshots(contract)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			contract TEXT NOT NULL,
			reporter TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			action_required TEXT,
			payload BLOB,
			ts TEXT NOT NULL,
			expires_at TEXT,
			broadcast_globally BOOLEAN NOT NULL,
			affected_user_count INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_contract ON alerts(contract)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber TEXT PRIMARY KEY,
			types_json TEXT NOT NULL,
			min_severity TEXT NOT NULL,
			watched_json TEXT NOT NULL,
			global_alerts BOOLEAN NOT NULL,
			active BOOLEAN NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_receipts (
			alert_id INTEGER NOT NULL,
			subscriber TEXT NOT NULL,
			dismissed BOOLEAN NOT NULL,
			PRIMARY KEY (alert_id, subscriber)
		)`,
		`CREATE TABLE IF NOT EXISTS reporter_reputation (
			address TEXT PRIMARY KEY,
			reputation INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			contract TEXT PRIMARY KEY,
			verified BOOLEAN NOT NULL,
			deployed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS role_grants (
			role TEXT NOT NULL,
			address TEXT NOT NULL,
			granted BOOLEAN NOT NULL,
			PRIMARY KEY (role, address)
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	})
}
