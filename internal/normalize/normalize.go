// Package normalize turns loosely typed analysis submissions from external
// analysis pipelines into ledger submissions.
package normalize

import (
	"math"
	"strconv"
	"strings"

	"chainguard/internal/errs"
	"chainguard/internal/ledger"
	"chainguard/internal/model"
)

// SubmissionFields holds the raw string values extracted from a message.
type SubmissionFields struct {
	Contract    string
	RiskScore   string
	RiskLevel   string
	Confidence  string
	EvidenceRef string
	Analyzer    string
	Extras      map[string]string
	Raw         string
}

// Normalized is a submission ready for the ledger together with the analyzer
// identity the payload claims. Analyzer is the zero address when the payload
// names none.
type Normalized struct {
	Submission ledger.Submission
	Analyzer   model.Address
}

func Normalize(fields SubmissionFields) (Normalized, error) {
	contract, err := model.ParseAddress(fields.Contract)
	if err != nil {
		return Normalized{}, errs.Validation("contract: %v", err)
	}
	var analyzer model.Address
	if strings.TrimSpace(fields.Analyzer) != "" {
		if analyzer, err = model.ParseAddress(fields.Analyzer); err != nil {
			return Normalized{}, errs.Validation("analyzer: %v", err)
		}
	}
	score, err := ParsePercent(fields.RiskScore)
	if err != nil {
		return Normalized{}, errs.Validation("risk_score: %v", err)
	}
	confidence, err := ParsePercent(fields.Confidence)
	if err != nil {
		return Normalized{}, errs.Validation("confidence: %v", err)
	}
	var level model.RiskLevel
	if strings.TrimSpace(fields.RiskLevel) == "" {
		level = LevelForScore(score)
	} else if level, err = ParseRiskLevel(fields.RiskLevel); err != nil {
		return Normalized{}, err
	}
	return Normalized{
		Submission: ledger.Submission{
			Contract:    contract,
			RiskScore:   score,
			RiskLevel:   level,
			Confidence:  confidence,
			EvidenceRef: strings.TrimSpace(fields.EvidenceRef),
		},
		Analyzer: analyzer,
	}, nil
}

var riskLevelAliases = map[string]model.RiskLevel{
	"low":      model.RiskLow,
	"l":        model.RiskLow,
	"safe":     model.RiskLow,
	"0":        model.RiskLow,
	"medium":   model.RiskMedium,
	"med":      model.RiskMedium,
	"moderate": model.RiskMedium,
	"m":        model.RiskMedium,
	"1":        model.RiskMedium,
	"high":     model.RiskHigh,
	"h":        model.RiskHigh,
	"2":        model.RiskHigh,
	"critical": model.RiskCritical,
	"crit":     model.RiskCritical,
	"severe":   model.RiskCritical,
	"c":        model.RiskCritical,
	"3":        model.RiskCritical,
}

// ParseRiskLevel accepts level names, common abbreviations and the ordinal
// values 0 through 3.
func ParseRiskLevel(value string) (model.RiskLevel, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	key = strings.TrimPrefix(key, "risk_")
	if lvl, ok := riskLevelAliases[key]; ok {
		return lvl, nil
	}
	return 0, errs.Validation("unknown risk level %q", value)
}

// LevelForScore buckets a 0..100 risk score when a message omits the level.
func LevelForScore(score int) model.RiskLevel {
	switch {
	case score >= 85:
		return model.RiskCritical
	case score >= 60:
		return model.RiskHigh
	case score >= 30:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// ParsePercent reads an integer percentage from forms such as "87", "87.0",
// "87%" or a fraction "0.87". Values outside [0,100] are returned unchanged so
// the ledger rejects them.
func ParsePercent(value string) (int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, errs.Validation("empty value")
	}
	percent := strings.HasSuffix(v, "%")
	v = strings.TrimSpace(strings.TrimSuffix(v, "%"))
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errs.Validation("not a number: %q", value)
	}
	if !percent && f > 0 && f < 1 {
		f *= 100
	}
	return int(math.Round(f)), nil
}
