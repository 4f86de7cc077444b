// Package storage journals committed engine entities to a SQL database and
// reads them back on startup. Every write is an upsert keyed by the entity
// id, so replaying a save is harmless. An upsert whose id already belongs to
// a different entity fails with ErrConflict instead of merging into it.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"chainguard/internal/config"
	"chainguard/internal/model"
)

// ErrConflict marks a save whose id is already journaled for another entity.
var ErrConflict = errors.New("id already journaled with different content")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Load(ctx context.Context) (*Journal, error)
	SaveAnalysis(ctx context.Context, a model.AnalysisResult) error
	SaveReport(ctx context.Context, r model.ThreatReport) error
	SaveScore(ctx context.Context, s model.ReputationScore) error
	SaveSnapshot(ctx context.Context, contract model.Address, snap model.ScoreSnapshot) error
	SaveAlert(ctx context.Context, a model.SecurityAlert) error
	SaveSubscription(ctx context.Context, s model.AlertSubscription) error
	SaveAlertReceipt(ctx context.Context, r AlertReceipt) error
	SaveReporterReputation(ctx context.Context, addr model.Address, reputation uint64) error
	SaveContractVerified(ctx context.Context, contract model.Address) error
	SaveDeployment(ctx context.Context, contract model.Address, deployedAt time.Time) error
	SaveRoleGrant(ctx context.Context, g RoleGrant) error
	SaveSetting(ctx context.Context, name, value string) error
}

// AlertReceipt records that User acknowledged an alert and, when Dismissed is
// set, also dismissed it.
type AlertReceipt struct {
	AlertID   uint64
	User      model.Address
	Dismissed bool
}

// RoleGrant is a runtime roster change. Granted false records a revocation.
type RoleGrant struct {
	Role    string
	Address model.Address
	Granted bool
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
	// dollar selects $n placeholders instead of ?.
	dollar bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.dollar {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, what, query string, args ...any) error {
	_, err := b.execResult(ctx, what, query, args...)
	return err
}

// execUnique runs an upsert whose update clause only fires when the stored
// row describes the same entity. No affected row means the id is taken.
func (b *baseStore) execUnique(ctx context.Context, what string, id uint64, query string, args ...any) error {
	res, err := b.execResult(ctx, what, query, args...)
	if err != nil || res == nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "save %s", what)
	}
	if n == 0 {
		return errors.Wrapf(ErrConflict, "save %s %d", what, id)
	}
	return nil
}

func (b *baseStore) execResult(ctx context.Context, what, query string, args ...any) (sql.Result, error) {
	if b.db == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := b.db.ExecContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "save %s", what)
	}
	return res, nil
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

func (b *baseStore) SaveAnalysis(ctx context.Context, a model.AnalysisResult) error {
	return b.execUnique(ctx, "analysis", a.ID,
		`INSERT INTO analyses (id, contract, analyzer, risk_score, risk_level, confidence, evidence_ref, verified, verified_by, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET verified = excluded.verified, verified_by = excluded.verified_by
		WHERE analyses.contract = excluded.contract AND analyses.analyzer = excluded.analyzer
			AND analyses.risk_score = excluded.risk_score AND analyses.evidence_ref = excluded.evidence_ref`,
		int64(a.ID),
		a.Contract.Hex(),
		a.Analyzer.Hex(),
		a.RiskScore,
		a.RiskLevel.String(),
		a.Confidence,
		a.EvidenceRef,
		a.Verified,
		addressOrEmpty(a.VerifiedBy),
		a.Timestamp.UTC(),
	)
}

func (b *baseStore) SaveReport(ctx context.Context, r model.ThreatReport) error {
	return b.execUnique(ctx, "report", r.ID,
		`INSERT INTO threat_reports (id, contract, reporter, threat_type, status, description, evidence_ref, severity,
			confirmations, disputes, confirmers_json, disputers_json, resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, confirmations = excluded.confirmations,
			disputes = excluded.disputes, confirmers_json = excluded.confirmers_json,
			disputers_json = excluded.disputers_json, resolved = excluded.resolved, updated_at = excluded.updated_at
		WHERE threat_reports.contract = excluded.contract AND threat_reports.reporter = excluded.reporter
			AND threat_reports.threat_type = excluded.threat_type`,
		int64(r.ID),
		r.Contract.Hex(),
		r.Reporter.Hex(),
		string(r.ThreatType),
		string(r.Status),
		r.Description,
		r.EvidenceRef,
		r.Severity,
		r.Confirmations,
		r.Disputes,
		encodeJSON(r.Confirmers),
		encodeJSON(r.Disputers),
		r.Resolved,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
}

func (b *baseStore) SaveScore(ctx context.Context, s model.ReputationScore) error {
	return b.exec(ctx, "score",
		`INSERT INTO reputation_scores (contract, overall, security, community, stability, transparency, total_interactions, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contract) DO UPDATE SET overall = excluded.overall, security = excluded.security,
			community = excluded.community, stability = excluded.stability, transparency = excluded.transparency,
			total_interactions = excluded.total_interactions, last_updated = excluded.last_updated`,
		s.Contract.Hex(),
		int64(s.Overall),
		int64(s.Security),
		int64(s.Community),
		int64(s.Stability),
		int64(s.Transparency),
		int64(s.TotalInteractions),
		s.LastUpdated.UTC(),
	)
}

func (b *baseStore) SaveSnapshot(ctx context.Context, contract model.Address, snap model.ScoreSnapshot) error {
	return b.exec(ctx, "snapshot",
		`INSERT INTO score_snapshots (contract, ts, score, reason) VALUES (?, ?, ?, ?)`,
		contract.Hex(),
		snap.Timestamp.UTC(),
		int64(snap.Score),
		snap.Reason,
	)
}

func (b *baseStore) SaveAlert(ctx context.Context, a model.SecurityAlert) error {
	var expires any
	if a.ExpiresAt != nil {
		expires = a.ExpiresAt.UTC()
	}
	return b.execUnique(ctx, "alert", a.ID,
		`INSERT INTO alerts (id, alert_type, severity, status, contract, reporter, title, description, action_required,
			payload, ts, expires_at, broadcast_globally, affected_user_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status
		WHERE alerts.contract = excluded.contract AND alerts.alert_type = excluded.alert_type
			AND alerts.title = excluded.title`,
		int64(a.ID),
		string(a.Type),
		a.Severity.String(),
		string(a.Status),
		a.Contract.Hex(),
		a.Reporter.Hex(),
		a.Title,
		a.Description,
		a.ActionRequired,
		a.Payload,
		a.Timestamp.UTC(),
		expires,
		a.BroadcastGlobally,
		a.AffectedUserCount,
	)
}

func (b *baseStore) SaveSubscription(ctx context.Context, s model.AlertSubscription) error {
	return b.exec(ctx, "subscription",
		`INSERT INTO subscriptions (subscriber, types_json, min_severity, watched_json, global_alerts, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscriber) DO UPDATE SET types_json = excluded.types_json, min_severity = excluded.min_severity,
			watched_json = excluded.watched_json, global_alerts = excluded.global_alerts, active = excluded.active,
			created_at = excluded.created_at`,
		s.Subscriber.Hex(),
		encodeJSON(s.Types),
		s.MinSeverity.String(),
		encodeJSON(s.WatchedContracts),
		s.GlobalAlerts,
		s.Active,
		s.CreatedAt.UTC(),
	)
}

func (b *baseStore) SaveAlertReceipt(ctx context.Context, r AlertReceipt) error {
	return b.exec(ctx, "alert receipt",
		`INSERT INTO alert_receipts (alert_id, subscriber, dismissed) VALUES (?, ?, ?)
		ON CONFLICT (alert_id, subscriber) DO UPDATE SET dismissed = excluded.dismissed`,
		int64(r.AlertID),
		r.User.Hex(),
		r.Dismissed,
	)
}

func (b *baseStore) SaveReporterReputation(ctx context.Context, addr model.Address, reputation uint64) error {
	return b.exec(ctx, "reporter reputation",
		`INSERT INTO reporter_reputation (address, reputation) VALUES (?, ?)
		ON CONFLICT (address) DO UPDATE SET reputation = excluded.reputation`,
		addr.Hex(),
		int64(reputation),
	)
}

func (b *baseStore) SaveContractVerified(ctx context.Context, contract model.Address) error {
	return b.exec(ctx, "contract verification",
		`INSERT INTO contracts (contract, verified) VALUES (?, ?)
		ON CONFLICT (contract) DO UPDATE SET verified = excluded.verified`,
		contract.Hex(),
		true,
	)
}

func (b *baseStore) SaveDeployment(ctx context.Context, contract model.Address, deployedAt time.Time) error {
	return b.exec(ctx, "deployment",
		`INSERT INTO contracts (contract, verified, deployed_at) VALUES (?, ?, ?)
		ON CONFLICT (contract) DO UPDATE SET deployed_at = excluded.deployed_at`,
		contract.Hex(),
		false,
		deployedAt.UTC(),
	)
}

func (b *baseStore) SaveRoleGrant(ctx context.Context, g RoleGrant) error {
	return b.exec(ctx, "role grant",
		`INSERT INTO role_grants (role, address, granted) VALUES (?, ?, ?)
		ON CONFLICT (role, address) DO UPDATE SET granted = excluded.granted`,
		g.Role,
		g.Address.Hex(),
		g.Granted,
	)
}

func (b *baseStore) SaveSetting(ctx context.Context, name, value string) error {
	return b.exec(ctx, "setting",
		`INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name,
		value,
	)
}

func addressOrEmpty(a model.Address) string {
	if model.IsZero(a) {
		return ""
	}
	return a.Hex()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
