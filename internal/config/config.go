package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"chainguard/internal/model"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Roles      RolesConfig      `json:"roles" yaml:"roles"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Consensus  ConsensusConfig  `json:"consensus" yaml:"consensus"`
	Reputation ReputationConfig `json:"reputation" yaml:"reputation"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	API        APIConfig        `json:"api" yaml:"api"`
}

// RolesConfig seeds the role rosters. Entries are hex addresses.
type RolesConfig struct {
	Owner      string   `json:"owner" yaml:"owner"`
	Analyzers  []string `json:"analyzers" yaml:"analyzers"`
	Moderators []string `json:"moderators" yaml:"moderators"`
	Reporters  []string `json:"reporters" yaml:"reporters"`
}

type LedgerConfig struct {
	MaxPerWindow int           `json:"max_per_window" yaml:"max_per_window"`
	Window       time.Duration `json:"window" yaml:"window"`
	StaleAfter   time.Duration `json:"stale_after" yaml:"stale_after"`
}

type ConsensusConfig struct {
	Threshold            int    `json:"threshold" yaml:"threshold"`
	ReporterBoost        uint64 `json:"reporter_boost" yaml:"reporter_boost"`
	ConfirmerBoost       uint64 `json:"confirmer_boost" yaml:"confirmer_boost"`
	FalsePositivePenalty uint64 `json:"false_positive_penalty" yaml:"false_positive_penalty"`
}

type ReputationConfig struct {
	Scale          uint64        `json:"scale" yaml:"scale"`
	Weights        WeightsConfig `json:"weights" yaml:"weights"`
	DecayFactor    uint64        `json:"decay_factor" yaml:"decay_factor"`
	DecayPeriod    time.Duration `json:"decay_period" yaml:"decay_period"`
	MaturityWindow time.Duration `json:"maturity_window" yaml:"maturity_window"`
}

type WeightsConfig struct {
	Security     uint64 `json:"security" yaml:"security"`
	Community    uint64 `json:"community" yaml:"community"`
	Stability    uint64 `json:"stability" yaml:"stability"`
	Transparency uint64 `json:"transparency" yaml:"transparency"`
}

func (w WeightsConfig) Sum() uint64 {
	return w.Security + w.Community + w.Stability + w.Transparency
}

type AlertsConfig struct {
	MaxPerWindow        int           `json:"max_per_window" yaml:"max_per_window"`
	Window              time.Duration `json:"window" yaml:"window"`
	MaxWatchedContracts int           `json:"max_watched_contracts" yaml:"max_watched_contracts"`
	ExpireBatchSize     int           `json:"expire_batch_size" yaml:"expire_batch_size"`
	SweepInterval       time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	AutoAlerts          bool          `json:"auto_alerts" yaml:"auto_alerts"`
	AutoAlertTTL        time.Duration `json:"auto_alert_ttl" yaml:"auto_alert_ttl"`
	AutoAlertCooldown   time.Duration `json:"auto_alert_cooldown" yaml:"auto_alert_cooldown"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type EventsConfig struct {
	Log   bool        `json:"log" yaml:"log"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
	// Analyzer is the identity submissions from this transport act as. It
	// is only read for ingest.
	Analyzer string `json:"analyzer" yaml:"analyzer"`
}

type IngestConfig struct {
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
	REST         RESTConfig    `json:"rest" yaml:"rest"`
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
}

type RESTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Analyzer string `json:"analyzer" yaml:"analyzer"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ledger: LedgerConfig{
			MaxPerWindow: 10,
			Window:       24 * time.Hour,
			StaleAfter:   24 * time.Hour,
		},
		Consensus: ConsensusConfig{
			Threshold:            3,
			ReporterBoost:        10,
			ConfirmerBoost:       5,
			FalsePositivePenalty: 5,
		},
		Reputation: ReputationConfig{
			Scale:          1000,
			Weights:        WeightsConfig{Security: 40, Community: 30, Stability: 20, Transparency: 10},
			DecayFactor:    5,
			DecayPeriod:    7 * 24 * time.Hour,
			MaturityWindow: 30 * 24 * time.Hour,
		},
		Alerts: AlertsConfig{
			MaxPerWindow:        10,
			Window:              24 * time.Hour,
			MaxWatchedContracts: 50,
			ExpireBatchSize:     100,
			SweepInterval:       time.Minute,
			AutoAlerts:          true,
			AutoAlertTTL:        72 * time.Hour,
			AutoAlertCooldown:   time.Hour,
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:chainguard.db?_pragma=busy_timeout(5000)"},
		Events:  EventsConfig{Log: true, Kafka: KafkaConfig{Topic: "chainguard.events"}},
		Ingest: IngestConfig{
			Kafka:        KafkaConfig{Topic: "chainguard.analyses", GroupID: "chainguard"},
			REST:         RESTConfig{Addr: ":8082"},
			DedupeWindow: 10 * time.Minute,
		},
		API:    APIConfig{Enabled: true, Addr: ":8081"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a JSON or YAML document over DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.Ledger.MaxPerWindow <= 0 {
		cfg.Ledger.MaxPerWindow = def.Ledger.MaxPerWindow
	}
	if cfg.Ledger.Window <= 0 {
		cfg.Ledger.Window = def.Ledger.Window
	}
	if cfg.Ledger.StaleAfter <= 0 {
		cfg.Ledger.StaleAfter = def.Ledger.StaleAfter
	}
	if cfg.Consensus.Threshold <= 0 {
		cfg.Consensus.Threshold = def.Consensus.Threshold
	}
	if cfg.Reputation.Scale == 0 {
		cfg.Reputation.Scale = def.Reputation.Scale
	}
	if cfg.Reputation.Weights.Sum() == 0 {
		cfg.Reputation.Weights = def.Reputation.Weights
	}
	if cfg.Reputation.DecayPeriod <= 0 {
		cfg.Reputation.DecayPeriod = def.Reputation.DecayPeriod
	}
	if cfg.Reputation.MaturityWindow <= 0 {
		cfg.Reputation.MaturityWindow = def.Reputation.MaturityWindow
	}
	if cfg.Alerts.MaxPerWindow <= 0 {
		cfg.Alerts.MaxPerWindow = def.Alerts.MaxPerWindow
	}
	if cfg.Alerts.Window <= 0 {
		cfg.Alerts.Window = def.Alerts.Window
	}
	if cfg.Alerts.MaxWatchedContracts <= 0 {
		cfg.Alerts.MaxWatchedContracts = def.Alerts.MaxWatchedContracts
	}
	if cfg.Alerts.ExpireBatchSize <= 0 {
		cfg.Alerts.ExpireBatchSize = def.Alerts.ExpireBatchSize
	}
	if cfg.Alerts.SweepInterval <= 0 {
		cfg.Alerts.SweepInterval = def.Alerts.SweepInterval
	}
	if cfg.Alerts.AutoAlertTTL < 0 {
		cfg.Alerts.AutoAlertTTL = 0
	}
	if cfg.Alerts.AutoAlertCooldown < 0 {
		cfg.Alerts.AutoAlertCooldown = 0
	}
	if cfg.Ingest.DedupeWindow <= 0 {
		cfg.Ingest.DedupeWindow = def.Ingest.DedupeWindow
	}
}

func Validate(cfg *Config) error {
	if cfg.Roles.Owner == "" {
		return errors.New("roles.owner required")
	}
	if _, err := model.ParseAddress(cfg.Roles.Owner); err != nil {
		return fmt.Errorf("roles.owner: %w", err)
	}
	for name, list := range map[string][]string{
		"analyzers":  cfg.Roles.Analyzers,
		"moderators": cfg.Roles.Moderators,
		"reporters":  cfg.Roles.Reporters,
	} {
		for _, v := range list {
			if _, err := model.ParseAddress(v); err != nil {
				return fmt.Errorf("roles.%s: %w", name, err)
			}
		}
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	if sum := cfg.Reputation.Weights.Sum(); sum != 100 {
		return fmt.Errorf("reputation.weights must sum to 100, got %d", sum)
	}
	if cfg.Reputation.DecayFactor > 20 {
		return fmt.Errorf("reputation.decay_factor must be <= 20, got %d", cfg.Reputation.DecayFactor)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver)
		}
		if cfg.Storage.DSN == "" {
			return errors.New("storage.dsn required when storage.enabled is true")
		}
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.Topic == "" {
			return errors.New("events.kafka requires brokers, topic")
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if err := validateIngestIdentity("ingest.kafka.analyzer", cfg.Ingest.Kafka.Analyzer, cfg.Roles.Analyzers); err != nil {
			return err
		}
	}
	if cfg.Ingest.REST.Enabled {
		if cfg.Ingest.REST.Addr == "" {
			return errors.New("ingest.rest.addr required")
		}
		if err := validateIngestIdentity("ingest.rest.analyzer", cfg.Ingest.REST.Analyzer, cfg.Roles.Analyzers); err != nil {
			return err
		}
	}
	return nil
}

// validateIngestIdentity requires a transport identity that is seeded as an
// analyzer.
func validateIngestIdentity(field, value string, analyzers []string) error {
	if value == "" {
		return fmt.Errorf("%s required when the transport is enabled", field)
	}
	addr, err := model.ParseAddress(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, a := range analyzers {
		if other, err := model.ParseAddress(a); err == nil && other == addr {
			return nil
		}
	}
	return fmt.Errorf("%s %s is not listed in roles.analyzers", field, addr.Hex())
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file and calls onReload with each successfully reloaded
// config until stop is closed.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
