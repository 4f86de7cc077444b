package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/chainguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return &postgresStore{baseStore{db: db, dollar: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS analyses (
			id BIGINT PRIMARY KEY,
			contract TEXT NOT NULL,
			analyzer TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			risk_level TEXT NOT NULL,
			confidence INTEGER NOT NULL,
			evidence_ref TEXT NOT NULL,
			verified BOOLEAN NOT NULL,
			verified_by TEXT,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_contract ON analyses(contract)`,
		`CREATE TABLE IF NOT EXISTS threat_reports (
			id BIGINT PRIMARY KEY,
			contract TEXT NOT NULL,
			reporter TEXT NOT NULL,
			threat_type TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL,
			evidence_ref TEXT,
			severity INTEGER NOT NULL,
			confirmations INTEGER NOT NULL,
			disputes INTEGER NOT NULL,
			confirmers_json JSONB NOT NULL,
			disputers_json JSONB NOT NULL,
			resolved BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_contract ON threat_reports(contract)`,
		`CREATE TABLE IF NOT EXISTS reputation_scores (
			contract TEXT PRIMARY KEY,
			overall BIGINT NOT NULL,
			security BIGINT NOT NULL,
			community BIGINT NOT NULL,
			stability BIGINT NOT NULL,
			transparency BIGINT NOT NULL,
			total_interactions BIGINT NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS score_snapshots (
			id BIGSERIAL PRIMARY KEY,
			contract TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			score BIGINT NOT NULL,
			reason TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_contract ON score_snapshots(contract)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGINT PRIMARY KEY,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			contract TEXT NOT NULL,
			reporter TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			action_required TEXT,
			payload BYTEA,
			ts TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			broadcast_globally BOOLEAN NOT NULL,
			affected_user_count INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_contract ON alerts(contract)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber TEXT PRIMARY KEY,
			types_json JSONB NOT NULL,
			min_severity TEXT NOT NULL,
			watched_json JSONB NOT NULL,
			global_alerts BOOLEAN NOT NULL,
			active BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_receipts (
			alert_id BIGINT NOT NULL,
			subscriber TEXT NOT NULL,
			dismissed BOOLEAN NOT NULL,
			PRIMARY KEY (alert_id, subscriber)
		)`,
		`CREATE TABLE IF NOT EXISTS reporter_reputation (
			address TEXT PRIMARY KEY,
			reputation BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			contract TEXT PRIMARY KEY,
			verified BOOLEAN NOT NULL,
			deployed_at TIMESTAMPTZ
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
