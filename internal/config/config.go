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
)

type Config struct {
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Breaker      BreakerConfig      `json:"breaker" yaml:"breaker"`
	Scheduler    SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Alerts       AlertsConfig       `json:"alerts" yaml:"alerts"`
	Health       HealthConfig       `json:"health" yaml:"health"`
	Ingest       IngestConfig       `json:"ingest" yaml:"ingest"`
	API          APIConfig          `json:"api" yaml:"api"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	SessionStore SessionStoreConfig `json:"session_store" yaml:"session_store"`
}

type MetricsConfig struct {
	LatencyBufferSize int           `json:"latency_buffer_size" yaml:"latency_buffer_size"`
	MaxSubjects       int           `json:"max_subjects" yaml:"max_subjects"`
	SubjectTTL        time.Duration `json:"subject_ttl" yaml:"subject_ttl"`
	MaxErrorCodes     int           `json:"max_error_codes" yaml:"max_error_codes"`
	SlowEventMS       float64       `json:"slow_event_ms" yaml:"slow_event_ms"`
}

type BreakerConfig struct {
	MinSamples       int64         `json:"min_samples" yaml:"min_samples"`
	FailureThreshold float64       `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
}

type SchedulerConfig struct {
	CollectInterval    time.Duration `json:"collect_interval" yaml:"collect_interval"`
	AggregateInterval  time.Duration `json:"aggregate_interval" yaml:"aggregate_interval"`
	SelfHealthInterval time.Duration `json:"self_health_interval" yaml:"self_health_interval"`
	AlertInterval      time.Duration `json:"alert_interval" yaml:"alert_interval"`
	Retention          time.Duration `json:"retention" yaml:"retention"`
	MaxErrorRate       float64       `json:"max_error_rate" yaml:"max_error_rate"`
}

type AlertsConfig struct {
	HistoryLimit   int             `json:"history_limit" yaml:"history_limit"`
	MaxActive      int             `json:"max_active" yaml:"max_active"`
	RuleTimeout    time.Duration   `json:"rule_timeout" yaml:"rule_timeout"`
	NotifyTimeout  time.Duration   `json:"notify_timeout" yaml:"notify_timeout"`
	DisabledRules  []string        `json:"disabled_rules" yaml:"disabled_rules"`
	Rules          []RuleOverride  `json:"rules" yaml:"rules"`
	Channels       []ChannelConfig `json:"channels" yaml:"channels"`
	FailureRateHi  float64         `json:"failure_rate_high" yaml:"failure_rate_high"`
	FailureRateCri float64         `json:"failure_rate_critical" yaml:"failure_rate_critical"`
	SlowP95MS      float64         `json:"slow_p95_ms" yaml:"slow_p95_ms"`
}

// RuleOverride tunes a built-in rule by name. Zero fields keep the default.
type RuleOverride struct {
	Name                string        `json:"name" yaml:"name"`
	Severity            string        `json:"severity" yaml:"severity"`
	MinOccurrences      int           `json:"min_occurrences" yaml:"min_occurrences"`
	SuppressionDuration time.Duration `json:"suppression_duration" yaml:"suppression_duration"`
	EscalationAfter     time.Duration `json:"escalation_after" yaml:"escalation_after"`
}

type ChannelConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	URL         string   `json:"url" yaml:"url"`
	MinSeverity string   `json:"min_severity" yaml:"min_severity"`
	Categories  []string `json:"categories" yaml:"categories"`
}

type HealthConfig struct {
	HistoryLimit   int           `json:"history_limit" yaml:"history_limit"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig  `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type SessionStoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	DB      int    `json:"db" yaml:"db"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Metrics: MetricsConfig{
			LatencyBufferSize: 1000,
			MaxSubjects:       10000,
			SubjectTTL:        1 * time.Hour,
			MaxErrorCodes:     100,
			SlowEventMS:       5000,
		},
		Breaker: BreakerConfig{
			MinSamples:       5,
			FailureThreshold: 50,
			Cooldown:         60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			CollectInterval:    30 * time.Second,
			AggregateInterval:  5 * time.Minute,
			SelfHealthInterval: 60 * time.Second,
			AlertInterval:      30 * time.Second,
			Retention:          24 * time.Hour,
			MaxErrorRate:       0.1,
		},
		Alerts: AlertsConfig{
			HistoryLimit:   1000,
			MaxActive:      1000,
			RuleTimeout:    1 * time.Second,
			NotifyTimeout:  5 * time.Second,
			FailureRateHi:  20,
			FailureRateCri: 50,
			SlowP95MS:      2000,
			Channels: []ChannelConfig{
				{Name: "log", Type: "log", Enabled: true, MinSeverity: "low"},
			},
		},
		Health: HealthConfig{
			HistoryLimit:   100,
			DefaultTimeout: 5 * time.Second,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		API:          APIConfig{Enabled: true, Addr: ":8081"},
		Storage:      StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:authmon.db?_pragma=busy_timeout(5000)"},
		SessionStore: SessionStoreConfig{Enabled: false, Addr: "localhost:6379"},
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
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML or JSON content on top of DefaultConfig, then applies
// environment overrides and validates the result.
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
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and AUTHMON_* overrides alone.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	applyEnv(cfg)
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
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Metrics.LatencyBufferSize <= 0 {
		cfg.Metrics.LatencyBufferSize = def.Metrics.LatencyBufferSize
	}
	if cfg.Metrics.MaxSubjects <= 0 {
		cfg.Metrics.MaxSubjects = def.Metrics.MaxSubjects
	}
	if cfg.Metrics.SubjectTTL <= 0 {
		cfg.Metrics.SubjectTTL = def.Metrics.SubjectTTL
	}
	if cfg.Metrics.MaxErrorCodes <= 0 {
		cfg.Metrics.MaxErrorCodes = def.Metrics.MaxErrorCodes
	}
	if cfg.Breaker.MinSamples <= 0 {
		cfg.Breaker.MinSamples = def.Breaker.MinSamples
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = def.Breaker.Cooldown
	}
	s := &cfg.Scheduler
	if s.CollectInterval <= 0 {
		s.CollectInterval = def.Scheduler.CollectInterval
	}
	if s.AggregateInterval <= 0 {
		s.AggregateInterval = def.Scheduler.AggregateInterval
	}
	if s.SelfHealthInterval <= 0 {
		s.SelfHealthInterval = def.Scheduler.SelfHealthInterval
	}
	if s.AlertInterval <= 0 {
		s.AlertInterval = def.Scheduler.AlertInterval
	}
	if s.Retention <= 0 {
		s.Retention = def.Scheduler.Retention
	}
	if s.MaxErrorRate <= 0 {
		s.MaxErrorRate = def.Scheduler.MaxErrorRate
	}
	if cfg.Alerts.HistoryLimit <= 0 {
		cfg.Alerts.HistoryLimit = def.Alerts.HistoryLimit
	}
	if cfg.Alerts.MaxActive <= 0 {
		cfg.Alerts.MaxActive = def.Alerts.MaxActive
	}
	if cfg.Alerts.RuleTimeout <= 0 {
		cfg.Alerts.RuleTimeout = def.Alerts.RuleTimeout
	}
	if cfg.Alerts.NotifyTimeout <= 0 {
		cfg.Alerts.NotifyTimeout = def.Alerts.NotifyTimeout
	}
	if cfg.Alerts.FailureRateHi <= 0 {
		cfg.Alerts.FailureRateHi = def.Alerts.FailureRateHi
	}
	if cfg.Alerts.FailureRateCri <= 0 {
		cfg.Alerts.FailureRateCri = def.Alerts.FailureRateCri
	}
	if cfg.Alerts.SlowP95MS <= 0 {
		cfg.Alerts.SlowP95MS = def.Alerts.SlowP95MS
	}
	if cfg.Health.HistoryLimit <= 0 {
		cfg.Health.HistoryLimit = def.Health.HistoryLimit
	}
	if cfg.Health.DefaultTimeout <= 0 {
		cfg.Health.DefaultTimeout = def.Health.DefaultTimeout
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Breaker.FailureThreshold > 100 {
		return fmt.Errorf("breaker.failure_threshold must be <= 100, got %v", cfg.Breaker.FailureThreshold)
	}
	if cfg.Alerts.FailureRateHi >= cfg.Alerts.FailureRateCri {
		return errors.New("alerts.failure_rate_high must be below alerts.failure_rate_critical")
	}
	if cfg.Scheduler.Retention < cfg.Scheduler.AggregateInterval {
		return errors.New("scheduler.retention must cover at least one aggregate interval")
	}
	for _, ch := range cfg.Alerts.Channels {
		switch strings.ToLower(ch.Type) {
		case "log", "email":
		case "webhook", "slack":
			if ch.Enabled && ch.URL == "" {
				return fmt.Errorf("alerts.channels[%s]: url required for %s channel", ch.Name, ch.Type)
			}
		default:
			return fmt.Errorf("alerts.channels[%s]: unsupported type %q", ch.Name, ch.Type)
		}
	}
	for _, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return errors.New("alerts.rules: name required")
		}
	}
	if cfg.SessionStore.Enabled && cfg.SessionStore.Addr == "" {
		return errors.New("session_store.addr required when session_store.enabled is true")
	}
	return nil
}

// RingCapacity is the number of entries a history ring needs to cover
// retention at the given sampling interval.
func RingCapacity(retention, interval time.Duration) int {
	if interval <= 0 || retention <= 0 {
		return 1
	}
	n := int(retention / interval)
	if n < 1 {
		return 1
	}
	return n
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

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// because there is no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
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
	if m.path == "" {
		return m.Get(), nil
	}
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
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

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
