package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"chainguard/internal/model"
)

// Journal is everything needed to rebuild engine state after a restart.
// Id-keyed entities are ordered by id, snapshots by insertion.
type Journal struct {
	Analyses           []model.AnalysisResult
	Reports            []model.ThreatReport
	Scores             []model.ReputationScore
	Snapshots          map[model.Address][]model.ScoreSnapshot
	Alerts             []model.SecurityAlert
	Subscriptions      []model.AlertSubscription
	Receipts           []AlertReceipt
	ReporterReputation map[model.Address]uint64
	Verified           []model.Address
	Deployments        map[model.Address]time.Time
	RoleGrants         []RoleGrant
	Settings           map[string]string
}

func (b *baseStore) Load(ctx context.Context) (*Journal, error) {
	j := &Journal{
		Snapshots:          make(map[model.Address][]model.ScoreSnapshot),
		ReporterReputation: make(map[model.Address]uint64),
		Deployments:        make(map[model.Address]time.Time),
		Settings:           make(map[string]string),
	}
	if b.db == nil {
		return j, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loaders := []func(context.Context, *Journal) error{
		b.loadAnalyses,
		b.loadReports,
		b.loadScores,
		b.loadSnapshots,
		b.loadAlerts,
		b.loadSubscriptions,
		b.loadReceipts,
		b.loadReporterReputation,
		b.loadContracts,
		b.loadRoleGrants,
		b.loadSettings,
	}
	for _, load := range loaders {
		if err := load(ctx, j); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (b *baseStore) query(ctx context.Context, what, query string, scan func(*sql.Rows) error) error {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrapf(err, "load %s", what)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return errors.Wrapf(err, "load %s", what)
		}
	}
	return errors.Wrapf(rows.Err(), "load %s", what)
}

func (b *baseStore) loadAnalyses(ctx context.Context, j *Journal) error {
	return b.query(ctx, "analyses",
		`SELECT id, contract, analyzer, risk_score, risk_level, confidence, evidence_ref, verified, verified_by, ts
		FROM analyses ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				a                  model.AnalysisResult
				id                 int64
				contract, analyzer string
				level              string
				verifiedBy         sql.NullString
				ts                 timeValue
			)
			if err := rows.Scan(&id, &contract, &analyzer, &a.RiskScore, &level, &a.Confidence,
				&a.EvidenceRef, &a.Verified, &verifiedBy, &ts); err != nil {
				return err
			}
			lvl, err := model.ParseRiskLevel(level)
			if err != nil {
				return err
			}
			a.ID = uint64(id)
			a.Contract = common.HexToAddress(contract)
			a.Analyzer = common.HexToAddress(analyzer)
			a.RiskLevel = lvl
			if verifiedBy.Valid && verifiedBy.String != "" {
				a.VerifiedBy = common.HexToAddress(verifiedBy.String)
			}
			a.Timestamp = ts.Time
			j.Analyses = append(j.Analyses, a)
			return nil
		})
}

func (b *baseStore) loadReports(ctx context.Context, j *Journal) error {
	return b.query(ctx, "threat reports",
		`SELECT id, contract, reporter, threat_type, status, description, evidence_ref, severity,
			confirmations, disputes, confirmers_json, disputers_json, resolved, created_at, updated_at
		FROM threat_reports ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				r                     model.ThreatReport
				id                    int64
				contract, reporter    string
				threatType, status    string
				evidence              sql.NullString
				confirmers, disputers string
				created, updated      timeValue
			)
			if err := rows.Scan(&id, &contract, &reporter, &threatType, &status, &r.Description, &evidence,
				&r.Severity, &r.Confirmations, &r.Disputes, &confirmers, &disputers, &r.Resolved,
				&created, &updated); err != nil {
				return err
			}
			r.ID = uint64(id)
			r.Contract = common.HexToAddress(contract)
			r.Reporter = common.HexToAddress(reporter)
			r.ThreatType = model.ThreatType(threatType)
			r.Status = model.ReportStatus(status)
			r.EvidenceRef = evidence.String
			if err := decodeJSON(confirmers, &r.Confirmers); err != nil {
				return err
			}
			if err := decodeJSON(disputers, &r.Disputers); err != nil {
				return err
			}
			r.CreatedAt = created.Time
			r.UpdatedAt = updated.Time
			j.Reports = append(j.Reports, r)
			return nil
		})
}

func (b *baseStore) loadScores(ctx context.Context, j *Journal) error {
	return b.query(ctx, "reputation scores",
		`SELECT contract, overall, security, community, stability, transparency, total_interactions, last_updated
		FROM reputation_scores ORDER BY contract`,
		func(rows *sql.Rows) error {
			var (
				contract                                    string
				overall, security, community, stability, tr int64
				interactions                                int64
				updated                                     timeValue
			)
			if err := rows.Scan(&contract, &overall, &security, &community, &stability, &tr, &interactions, &updated); err != nil {
				return err
			}
			j.Scores = append(j.Scores, model.ReputationScore{
				Contract:          common.HexToAddress(contract),
				Overall:           uint64(overall),
				Security:          uint64(security),
				Community:         uint64(community),
				Stability:         uint64(stability),
				Transparency:      uint64(tr),
				TotalInteractions: uint64(interactions),
				LastUpdated:       updated.Time,
			})
			return nil
		})
}

func (b *baseStore) loadSnapshots(ctx context.Context, j *Journal) error {
	return b.query(ctx, "score snapshots",
		`SELECT contract, ts, score, reason FROM score_snapshots ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				contract, reason string
				score            int64
				ts               timeValue
			)
			if err := rows.Scan(&contract, &ts, &score, &reason); err != nil {
				return err
			}
			addr := common.HexToAddress(contract)
			j.Snapshots[addr] = append(j.Snapshots[addr], model.ScoreSnapshot{Timestamp: ts.Time, Score: uint64(score), Reason: reason})
			return nil
		})
}

func (b *baseStore) loadAlerts(ctx context.Context, j *Journal) error {
	return b.query(ctx, "alerts",
		`SELECT id, alert_type, severity, status, contract, reporter, title, description, action_required,
			payload, ts, expires_at, broadcast_globally, affected_user_count
		FROM alerts ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				a                  model.SecurityAlert
				id                 int64
				alertType, status  string
				severity           string
				contract, reporter string
				action             sql.NullString
				ts, expires        timeValue
			)
			if err := rows.Scan(&id, &alertType, &severity, &status, &contract, &reporter, &a.Title, &a.Description,
				&action, &a.Payload, &ts, &expires, &a.BroadcastGlobally, &a.AffectedUserCount); err != nil {
				return err
			}
			sev, err := model.ParseSeverity(severity)
			if err != nil {
				return err
			}
			a.ID = uint64(id)
			a.Type = model.AlertType(alertType)
			a.Severity = sev
			a.Status = model.AlertStatus(status)
			a.Contract = common.HexToAddress(contract)
			a.Reporter = common.HexToAddress(reporter)
			a.ActionRequired = action.String
			a.Timestamp = ts.Time
			if expires.Valid {
				exp := expires.Time
				a.ExpiresAt = &exp
			}
			j.Alerts = append(j.Alerts, a)
			return nil
		})
}

func (b *baseStore) loadSubscriptions(ctx context.Context, j *Journal) error {
	return b.query(ctx, "subscriptions",
		`SELECT subscriber, types_json, min_severity, watched_json, global_alerts, active, created_at
		FROM subscriptions ORDER BY subscriber`,
		func(rows *sql.Rows) error {
			var (
				s                      model.AlertSubscription
				subscriber, minSev     string
				typesJSON, watchedJSON string
				created                timeValue
			)
			if err := rows.Scan(&subscriber, &typesJSON, &minSev, &watchedJSON, &s.GlobalAlerts, &s.Active, &created); err != nil {
				return err
			}
			sev, err := model.ParseSeverity(minSev)
			if err != nil {
				return err
			}
			s.Subscriber = common.HexToAddress(subscriber)
			s.MinSeverity = sev
			if err := decodeJSON(typesJSON, &s.Types); err != nil {
				return err
			}
			if err := decodeJSON(watchedJSON, &s.WatchedContracts); err != nil {
				return err
			}
			s.CreatedAt = created.Time
			j.Subscriptions = append(j.Subscriptions, s)
			return nil
		})
}

func (b *baseStore) loadReceipts(ctx context.Context, j *Journal) error {
	return b.query(ctx, "alert receipts",
		`SELECT alert_id, subscriber, dismissed FROM alert_receipts ORDER BY alert_id, subscriber`,
		func(rows *sql.Rows) error {
			var (
				id   int64
				user string
				r    AlertReceipt
			)
			if err := rows.Scan(&id, &user, &r.Dismissed); err != nil {
				return err
			}
			r.AlertID = uint64(id)
			r.User = common.HexToAddress(user)
			j.Receipts = append(j.Receipts, r)
			return nil
		})
}

func (b *baseStore) loadReporterReputation(ctx context.Context, j *Journal) error {
	return b.query(ctx, "reporter reputation",
		`SELECT address, reputation FROM reporter_reputation`,
		func(rows *sql.Rows) error {
			var (
				addr string
				rep  int64
			)
			if err := rows.Scan(&addr, &rep); err != nil {
				return err
			}
			j.ReporterReputation[common.HexToAddress(addr)] = uint64(rep)
			return nil
		})
}

func (b *baseStore) loadContracts(ctx context.Context, j *Journal) error {
	return b.query(ctx, "contracts",
		`SELECT contract, verified, deployed_at FROM contracts ORDER BY contract`,
		func(rows *sql.Rows) error {
			var (
				contract string
				verified bool
				deployed timeValue
			)
			if err := rows.Scan(&contract, &verified, &deployed); err != nil {
				return err
			}
			addr := common.HexToAddress(contract)
			if verified {
				j.Verified = append(j.Verified, addr)
			}
			if deployed.Valid {
				j.Deployments[addr] = deployed.Time
			}
			return nil
		})
}

func (b *baseStore) loadRoleGrants(ctx context.Context, j *Journal) error {
	return b.query(ctx, "role grants",
		`SELECT role, address, granted FROM role_grants ORDER BY role, address`,
		func(rows *sql.Rows) error {
			var (
				g    RoleGrant
				addr string
			)
			if err := rows.Scan(&g.Role, &addr, &g.Granted); err != nil {
				return err
			}
			g.Address = common.HexToAddress(addr)
			j.RoleGrants = append(j.RoleGrants, g)
			return nil
		})
}

func (b *baseStore) loadSettings(ctx context.Context, j *Journal) error {
	return b.query(ctx, "settings",
		`SELECT name, value FROM settings`,
		func(rows *sql.Rows) error {
			var name, value string
			if err := rows.Scan(&name, &value); err != nil {
				return err
			}
			j.Settings[name] = value
			return nil
		})
}

func decodeJSON(raw string, out any) error {
	if strings.TrimSpace(raw) == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// timeValue scans timestamps from drivers that return time.Time (pgx) as well
// as from TEXT columns (sqlite).
type timeValue struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (v *timeValue) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*v = timeValue{}
		return nil
	case time.Time:
		*v = timeValue{Time: t.UTC(), Valid: true}
		return nil
	case []byte:
		return v.parse(string(t))
	case string:
		return v.parse(t)
	}
	return errors.Errorf("unsupported time value %T", src)
}

func (v *timeValue) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*v = timeValue{}
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*v = timeValue{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return errors.Errorf("unparseable time %q", s)
}
