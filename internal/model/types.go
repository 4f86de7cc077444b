package model

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainguard/internal/errs"
)

// Address identifies both monitored contracts and callers.
type Address = common.Address

// ParseAddress accepts a 0x-prefixed or bare 20-byte hex address and rejects
// malformed input and the zero address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return Address{}, errs.Validation("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if IsZero(addr) {
		return Address{}, errs.Validation("zero address")
	}
	return addr, nil
}

func IsZero(a Address) bool {
	return a == (Address{})
}

type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (r RiskLevel) Valid() bool { return r <= RiskCritical }

func (r RiskLevel) String() string {
	if !r.Valid() {
		return "UNKNOWN"
	}
	return riskLevelNames[r]
}

func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return RiskLow, nil
	case "MEDIUM":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	case "CRITICAL":
		return RiskCritical, nil
	}
	return 0, errs.Validation("unknown risk level %q", s)
}

type AnalysisResult struct {
	ID          uint64    `json:"id"`
	Contract    Address   `json:"contract"`
	RiskScore   int       `json:"risk_score"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Confidence  int       `json:"confidence"`
	Analyzer    Address   `json:"analyzer"`
	EvidenceRef string    `json:"evidence_ref"`
	Verified    bool      `json:"verified"`
	VerifiedBy  Address   `json:"verified_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type ThreatType string

const (
	ThreatRugPull           ThreatType = "RUG_PULL"
	ThreatHoneypot          ThreatType = "HONEYPOT"
	ThreatPhishing          ThreatType = "PHISHING"
	ThreatFlashLoanAttack   ThreatType = "FLASH_LOAN_ATTACK"
	ThreatReentrancy        ThreatType = "REENTRANCY"
	ThreatPriceManipulation ThreatType = "PRICE_MANIPULATION"
	ThreatFrontRunning      ThreatType = "FRONT_RUNNING"
	ThreatMaliciousUpgrade  ThreatType = "MALICIOUS_UPGRADE"
	ThreatOther             ThreatType = "OTHER"
)

func (t ThreatType) Valid() bool {
	switch t {
	case ThreatRugPull, ThreatHoneypot, ThreatPhishing, ThreatFlashLoanAttack, ThreatReentrancy,
		ThreatPriceManipulation, ThreatFrontRunning, ThreatMaliciousUpgrade, ThreatOther:
		return true
	}
	return false
}

type ReportStatus string

const (
	ReportPending       ReportStatus = "PENDING"
	ReportVerified      ReportStatus = "VERIFIED"
	ReportDisputed      ReportStatus = "DISPUTED"
	ReportResolved      ReportStatus = "RESOLVED"
	ReportFalsePositive ReportStatus = "FALSE_POSITIVE"
)

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPending, ReportVerified, ReportDisputed, ReportResolved, ReportFalsePositive:
		return true
	}
	return false
}

type ThreatReport struct {
	ID            uint64       `json:"id"`
	Reporter      Address      `json:"reporter"`
	Contract      Address      `json:"contract"`
	ThreatType    ThreatType   `json:"threat_type"`
	Status        ReportStatus `json:"status"`
	Description   string       `json:"description"`
	EvidenceRef   string       `json:"evidence_ref"`
	Severity      int          `json:"severity"`
	Confirmations int          `json:"confirmations"`
	Disputes      int          `json:"disputes"`
	Confirmers    []Address    `json:"confirmers"`
	Disputers     []Address    `json:"disputers"`
	Resolved      bool         `json:"resolved"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type ReputationScore struct {
	Contract          Address   `json:"contract"`
	Overall           uint64    `json:"overall"`
	Security          uint64    `json:"security"`
	Community         uint64    `json:"community"`
	Stability         uint64    `json:"stability"`
	Transparency      uint64    `json:"transparency"`
	LastUpdated       time.Time `json:"last_updated"`
	TotalInteractions uint64    `json:"total_interactions"`
}

type ScoreSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Score     uint64    `json:"score"`
	Reason    string    `json:"reason"`
}

type AlertType string

const (
	AlertRugPull           AlertType = "RUG_PULL_DETECTED"
	AlertHoneypot          AlertType = "HONEYPOT_WARNING"
	AlertPhishing          AlertType = "PHISHING_ATTEMPT"
	AlertFlashLoan         AlertType = "FLASH_LOAN_ATTACK"
	AlertPriceManipulation AlertType = "PRICE_MANIPULATION"
	AlertExploit           AlertType = "EXPLOIT_DETECTED"
	AlertHighRiskContract  AlertType = "HIGH_RISK_CONTRACT"
	AlertSuspicious        AlertType = "SUSPICIOUS_ACTIVITY"
	AlertContractUpgrade   AlertType = "CONTRACT_UPGRADE"
	AlertGovernanceAttack  AlertType = "GOVERNANCE_ATTACK"
)

func (t AlertType) Valid() bool {
	switch t {
	case AlertRugPull, AlertHoneypot, AlertPhishing, AlertFlashLoan, AlertPriceManipulation,
		AlertExploit, AlertHighRiskContract, AlertSuspicious, AlertContractUpgrade, AlertGovernanceAttack:
		return true
	}
	return false
}

// AlertSeverity is ordered: a higher value is more urgent.
type AlertSeverity uint8

const (
	SeverityInfo AlertSeverity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s AlertSeverity) Valid() bool { return s <= SeverityCritical }

func (s AlertSeverity) String() string {
	if !s.Valid() {
		return "UNKNOWN"
	}
	return severityNames[s]
}

func (s AlertSeverity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *AlertSeverity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSeverity(s string) (AlertSeverity, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range severityNames {
		if name == want {
			return AlertSeverity(i), nil
		}
	}
	return 0, errs.Validation("unknown alert severity %q", s)
}

type AlertStatus string

const (
	AlertActive    AlertStatus = "ACTIVE"
	AlertResolved  AlertStatus = "RESOLVED"
	AlertDismissed AlertStatus = "DISMISSED"
	AlertExpired   AlertStatus = "EXPIRED"
)

type SecurityAlert struct {
	ID                uint64        `json:"id"`
	Type              AlertType     `json:"type"`
	Severity          AlertSeverity `json:"severity"`
	Status            AlertStatus   `json:"status"`
	Contract          Address       `json:"contract"`
	Reporter          Address       `json:"reporter"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	ActionRequired    string        `json:"action_required,omitempty"`
	Payload           []byte        `json:"payload,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	BroadcastGlobally bool          `json:"broadcast_globally"`
	AffectedUserCount int           `json:"affected_user_count"`
}

// Expired reports whether the alert carries an expiry that is not after now.
func (a SecurityAlert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

type AlertSubscription struct {
	Subscriber       Address       `json:"subscriber"`
	Types            []AlertType   `json:"types"`
	MinSeverity      AlertSeverity `json:"min_severity"`
	WatchedContracts []Address     `json:"watched_contracts"`
	GlobalAlerts     bool          `json:"global_alerts"`
	Active           bool          `json:"active"`
	CreatedAt        time.Time     `json:"created_at"`
}
