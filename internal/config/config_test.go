package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const owner = "0x00000000000000000000000000000000000000a1"

func TestParseYAMLOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_format: text
roles:
  owner: "` + owner + `"
  reporters: ["0x00000000000000000000000000000000000000e4"]
alerts:
  max_per_window: 5
  window: 12h
  auto_alert_ttl: 24h
reputation:
  decay_factor: 10
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Alerts.MaxPerWindow != 5 || cfg.Alerts.Window != 12*time.Hour || cfg.Alerts.AutoAlertTTL != 24*time.Hour {
		t.Fatalf("alerts section not applied: %+v", cfg.Alerts)
	}
	if cfg.Reputation.DecayFactor != 10 || cfg.Reputation.Weights.Sum() != 100 {
		t.Fatalf("reputation section mismatch: %+v", cfg.Reputation)
	}
	if cfg.Ledger.MaxPerWindow != 10 || cfg.Consensus.Threshold != 3 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Ledger, cfg.Consensus)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing owner": `log_level: info`,
		"bad analyzer":  "roles:\n  owner: \"" + owner + "\"\n  analyzers: [\"nope\"]",
		"weights":       "roles:\n  owner: \"" + owner + "\"\nreputation:\n  weights: {security: 50, community: 30, stability: 20, transparency: 10}",
		"decay":         "roles:\n  owner: \"" + owner + "\"\nreputation:\n  decay_factor: 25",
		"kafka":         "roles:\n  owner: \"" + owner + "\"\ningest:\n  kafka: {enabled: true}",
		"storage":       "roles:\n  owner: \"" + owner + "\"\nstorage: {enabled: true, driver: oracle, dsn: x}",
		"rest identity": "roles:\n  owner: \"" + owner + "\"\ningest:\n  rest: {enabled: true, addr: \":8082\"}",
		"rest as owner": "roles:\n  owner: \"" + owner + "\"\ningest:\n  rest: {enabled: true, addr: \":8082\", analyzer: \"" + owner + "\"}",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestIngestIdentityMustBeAnalyzer(t *testing.T) {
	const analyzer = "0x00000000000000000000000000000000000000b2"
	cfg, err := Parse([]byte("roles:\n  owner: \"" + owner + "\"\n  analyzers: [\"" + analyzer + "\"]\ningest:\n  rest: {enabled: true, addr: \":8082\", analyzer: \"" + strings.ToUpper(analyzer[2:]) + "\"}"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Ingest.REST.Analyzer == "" {
		t.Fatalf("rest analyzer not applied")
	}
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainguard.json")
	if err := os.WriteFile(path, []byte(`{"roles":{"owner":"`+owner+`"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if mgr.Get().Alerts.MaxPerWindow != 10 {
		t.Fatalf("expected default alert quota")
	}
	next := *mgr.Get()
	next.Alerts.MaxPerWindow = 3
	if err := Save(path, &next); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg, err := mgr.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Alerts.MaxPerWindow != 3 || mgr.Get().Alerts.MaxPerWindow != 3 {
		t.Fatalf("reload did not apply")
	}
	if !strings.HasSuffix(mgr.Path(), "chainguard.json") {
		t.Fatalf("unexpected path %s", mgr.Path())
	}
}
