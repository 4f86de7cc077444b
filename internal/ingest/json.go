package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"chainguard/internal/errs"
	"chainguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.SubmissionFields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, errs.Validation("decode submission: %v", err)
	}
	fields := ParseJSONMap(obj)
	fields.Raw = string(data)
	return fields, nil
}

// ParseJSONMap lowercases keys and resolves the accepted aliases of every
// submission field.
func ParseJSONMap(obj map[string]any) *normalize.SubmissionFields {
	fields := &normalize.SubmissionFields{Extras: make(map[string]string, len(obj))}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	fields.Contract = firstNonEmpty(fields.Extras, "contract", "contract_address", "address", "target")
	fields.RiskScore = firstNonEmpty(fields.Extras, "risk_score", "riskscore", "score")
	fields.RiskLevel = firstNonEmpty(fields.Extras, "risk_level", "risklevel", "level", "severity")
	fields.Confidence = firstNonEmpty(fields.Extras, "confidence", "conf")
	fields.EvidenceRef = firstNonEmpty(fields.Extras, "evidence_ref", "evidenceref", "evidence", "report_uri")
	fields.Analyzer = firstNonEmpty(fields.Extras, "analyzer", "analyzer_address", "submitter")
	return fields
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
