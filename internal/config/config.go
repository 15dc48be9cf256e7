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

const (
	DefaultSuppressionWindow = 30 * time.Minute
	DefaultRetentionWindow   = 1 * time.Hour
	DefaultSweepInterval     = 1 * time.Hour
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	API      APIConfig      `json:"api" yaml:"api"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Views    ViewsConfig    `json:"views" yaml:"views"`
	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Stats    StatsConfig    `json:"stats" yaml:"stats"`
	Activity ActivityConfig `json:"activity" yaml:"activity"`
}

type APIConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type StorageConfig struct {
	Driver         string        `json:"driver" yaml:"driver"`
	DSN            string        `json:"dsn" yaml:"dsn"`
	ConnectRetries int           `json:"connect_retries" yaml:"connect_retries"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

type ViewsConfig struct {
	SuppressionWindow time.Duration `json:"suppression_window" yaml:"suppression_window"`
	RetentionWindow   time.Duration `json:"retention_window" yaml:"retention_window"`
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type BreakerConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `json:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `json:"open_timeout" yaml:"open_timeout"`
	Interval            time.Duration `json:"interval" yaml:"interval"`
}

type EventsConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Brokers []string      `json:"brokers" yaml:"brokers"`
	Topic   string        `json:"topic" yaml:"topic"`
	Buffer  int           `json:"buffer" yaml:"buffer"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type StatsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type ActivityConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Enabled:      true,
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "file:unitrade.db?_pragma=busy_timeout(5000)",
			ConnectRetries: 5,
			ConnectTimeout: 30 * time.Second,
		},
		Views: ViewsConfig{
			SuppressionWindow: DefaultSuppressionWindow,
			RetentionWindow:   DefaultRetentionWindow,
			SweepInterval:     DefaultSweepInterval,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         10 * time.Second,
			Interval:            60 * time.Second,
		},
		Events:   EventsConfig{Enabled: false, Topic: "unitrade.product-views", Buffer: 1024, Timeout: 5 * time.Second},
		Stats:    StatsConfig{StoreLimit: 5000},
		Activity: ActivityConfig{StoreLimit: 1000},
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
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.ConnectRetries <= 0 {
		cfg.Storage.ConnectRetries = 5
	}
	if cfg.Storage.ConnectTimeout <= 0 {
		cfg.Storage.ConnectTimeout = 30 * time.Second
	}
	if cfg.Views.SuppressionWindow <= 0 {
		cfg.Views.SuppressionWindow = DefaultSuppressionWindow
	}
	if cfg.Views.RetentionWindow <= 0 {
		cfg.Views.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.Views.SweepInterval <= 0 {
		cfg.Views.SweepInterval = DefaultSweepInterval
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 10 * time.Second
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 1024
	}
	if cfg.Events.Timeout <= 0 {
		cfg.Events.Timeout = 5 * time.Second
	}
	if cfg.Stats.StoreLimit <= 0 {
		cfg.Stats.StoreLimit = 5000
	}
	if cfg.Activity.StoreLimit <= 0 {
		cfg.Activity.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "memory":
	case "postgres", "postgresql":
		if cfg.Storage.DSN == "" {
			return errors.New("storage.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	if cfg.Views.SuppressionWindow >= cfg.Views.RetentionWindow {
		return fmt.Errorf("views.suppression_window (%s) must be shorter than views.retention_window (%s)",
			cfg.Views.SuppressionWindow, cfg.Views.RetentionWindow)
	}
	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 || cfg.Events.Topic == "" {
			return errors.New("events requires brokers and topic when enabled")
		}
	}
	return nil
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

// NewStaticManager serves cfg without a backing file; Reload and Watch are no-ops.
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
