// Package config loads engine configuration from YAML files and
// environment variables. Precedence: defaults, then the config file,
// then CHECKRIDE_* environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind              = "127.0.0.1:4640"
	DefaultDBPath            = "checkride.db"
	DefaultEvidenceDir       = "evidence"
	DefaultCasesDir          = "cases"
	DefaultLogDir            = "logs"
	DefaultMaxConcurrentRuns = 4

	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720

	DefaultActionTimeout     = 10 * time.Second
	DefaultNavigationTimeout = 30 * time.Second
	DefaultStabilizeTimeout  = 5 * time.Second
	DefaultStabilizeIdleGap  = 300 * time.Millisecond

	DefaultDiagnosticsTimeout = 15 * time.Second
	DefaultDiagnosticsRetries = 2
	DefaultDiagnosticsRPS     = 1
	DefaultDOMTokenBudget     = 1024
)

// Config represents the complete engine configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	Storage     StorageConfig     `yaml:"storage"`
	Evidence    EvidenceConfig    `yaml:"evidence"`
	Cases       CasesConfig       `yaml:"cases"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Runs        RunsConfig        `yaml:"runs"`
}

// ServerConfig controls the HTTP API surface.
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	AuthSecret     string   `yaml:"auth_secret"` // Empty disables JWT auth
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BrowserConfig controls the browser runtime and per-step timing.
type BrowserConfig struct {
	Headless          bool           `yaml:"headless"`
	Bin               string         `yaml:"bin"` // Browser binary path; empty auto-detects
	Viewport          ViewportConfig `yaml:"viewport"`
	ActionTimeout     time.Duration  `yaml:"action_timeout"`
	NavigationTimeout time.Duration  `yaml:"navigation_timeout"`
	StabilizeTimeout  time.Duration  `yaml:"stabilize_timeout"`
	StabilizeIdleGap  time.Duration  `yaml:"stabilize_idle_gap"`
}

// ViewportConfig sets the emulated viewport dimensions.
type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// StorageConfig controls run history persistence.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// EvidenceConfig selects and configures the artifact backend.
type EvidenceConfig struct {
	Backend string   `yaml:"backend"` // "fs" or "s3"
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the object-store evidence backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// CasesConfig selects where test cases and suites are loaded from.
type CasesConfig struct {
	Source     string `yaml:"source"` // "file" or "service"
	Dir        string `yaml:"dir"`
	ServiceURL string `yaml:"service_url"`
}

// DiagnosticsConfig configures the AI failure-analysis bridge.
type DiagnosticsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryMax       int           `yaml:"retry_max"`
	RateLimitRPS   int           `yaml:"rate_limit_rps"`
	DOMTokenBudget int           `yaml:"dom_token_budget"`
}

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"` // Empty selects the in-memory bus
}

// LoggingConfig controls structured run logging.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// RunsConfig bounds run execution.
type RunsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: DefaultBind,
		},
		Browser: BrowserConfig{
			Headless: true,
			Viewport: ViewportConfig{
				Width:  DefaultViewportWidth,
				Height: DefaultViewportHeight,
			},
			ActionTimeout:     DefaultActionTimeout,
			NavigationTimeout: DefaultNavigationTimeout,
			StabilizeTimeout:  DefaultStabilizeTimeout,
			StabilizeIdleGap:  DefaultStabilizeIdleGap,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Evidence: EvidenceConfig{
			Backend: "fs",
			Dir:     DefaultEvidenceDir,
		},
		Cases: CasesConfig{
			Source: "file",
			Dir:    DefaultCasesDir,
		},
		Diagnostics: DiagnosticsConfig{
			Timeout:        DefaultDiagnosticsTimeout,
			RetryMax:       DefaultDiagnosticsRetries,
			RateLimitRPS:   DefaultDiagnosticsRPS,
			DOMTokenBudget: DefaultDOMTokenBudget,
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: "info",
		},
		Runs: RunsConfig{
			MaxConcurrent: DefaultMaxConcurrentRuns,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// User config (~/.checkride/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".checkride", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// Project config (./checkride.yaml)
	projectConfigPath := filepath.Join(".", "checkride.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHECKRIDE_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("CHECKRIDE_AUTH_SECRET"); v != "" {
		cfg.Server.AuthSecret = v
	}

	if v, ok := envBool("CHECKRIDE_HEADLESS"); ok {
		cfg.Browser.Headless = v
	}
	if v := os.Getenv("CHECKRIDE_BROWSER_BIN"); v != "" {
		cfg.Browser.Bin = v
	}
	if d, ok := envDuration("CHECKRIDE_ACTION_TIMEOUT"); ok {
		cfg.Browser.ActionTimeout = d
	}
	if d, ok := envDuration("CHECKRIDE_NAVIGATION_TIMEOUT"); ok {
		cfg.Browser.NavigationTimeout = d
	}
	if d, ok := envDuration("CHECKRIDE_STABILIZE_TIMEOUT"); ok {
		cfg.Browser.StabilizeTimeout = d
	}

	if v := os.Getenv("CHECKRIDE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}

	if v := os.Getenv("CHECKRIDE_EVIDENCE_BACKEND"); v != "" {
		cfg.Evidence.Backend = v
	}
	if v := os.Getenv("CHECKRIDE_EVIDENCE_DIR"); v != "" {
		cfg.Evidence.Dir = v
	}
	if v := os.Getenv("CHECKRIDE_S3_ENDPOINT"); v != "" {
		cfg.Evidence.S3.Endpoint = v
	}
	if v := os.Getenv("CHECKRIDE_S3_BUCKET"); v != "" {
		cfg.Evidence.S3.Bucket = v
	}
	if v := os.Getenv("CHECKRIDE_S3_ACCESS_KEY"); v != "" {
		cfg.Evidence.S3.AccessKey = v
	}
	if v := os.Getenv("CHECKRIDE_S3_SECRET_KEY"); v != "" {
		cfg.Evidence.S3.SecretKey = v
	}

	if v := os.Getenv("CHECKRIDE_CASES_SOURCE"); v != "" {
		cfg.Cases.Source = v
	}
	if v := os.Getenv("CHECKRIDE_CASES_DIR"); v != "" {
		cfg.Cases.Dir = v
	}
	if v := os.Getenv("CHECKRIDE_CASES_SERVICE_URL"); v != "" {
		cfg.Cases.ServiceURL = v
	}

	if v, ok := envBool("CHECKRIDE_DIAGNOSTICS_ENABLED"); ok {
		cfg.Diagnostics.Enabled = v
	}
	if v := os.Getenv("CHECKRIDE_DIAGNOSTICS_URL"); v != "" {
		cfg.Diagnostics.URL = v
		cfg.Diagnostics.Enabled = true
	}

	if v := os.Getenv("CHECKRIDE_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}

	if v := os.Getenv("CHECKRIDE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CHECKRIDE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v, ok := envBool("CHECKRIDE_TRACING_ENABLED"); ok {
		cfg.Telemetry.TracingEnabled = v
	}

	if v := strings.TrimSpace(os.Getenv("CHECKRIDE_MAX_CONCURRENT_RUNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runs.MaxConcurrent = n
		}
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind %q: %w", c.Server.Bind, err)
	}

	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must be positive, got %dx%d",
			c.Browser.Viewport.Width, c.Browser.Viewport.Height)
	}
	if c.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser.action_timeout must be positive")
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be positive")
	}
	if c.Browser.StabilizeTimeout < 0 || c.Browser.StabilizeIdleGap < 0 {
		return fmt.Errorf("browser stabilize settings must not be negative")
	}

	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return fmt.Errorf("storage.db_path cannot be empty")
	}

	switch c.Evidence.Backend {
	case "fs":
		if strings.TrimSpace(c.Evidence.Dir) == "" {
			return fmt.Errorf("evidence.dir cannot be empty with the fs backend")
		}
	case "s3":
		if c.Evidence.S3.Endpoint == "" || c.Evidence.S3.Bucket == "" {
			return fmt.Errorf("evidence.s3 requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("evidence.backend must be fs or s3, got %q", c.Evidence.Backend)
	}

	switch c.Cases.Source {
	case "file":
		if strings.TrimSpace(c.Cases.Dir) == "" {
			return fmt.Errorf("cases.dir cannot be empty with the file source")
		}
	case "service":
		if strings.TrimSpace(c.Cases.ServiceURL) == "" {
			return fmt.Errorf("cases.service_url required with the service source")
		}
	default:
		return fmt.Errorf("cases.source must be file or service, got %q", c.Cases.Source)
	}

	if c.Diagnostics.Enabled && strings.TrimSpace(c.Diagnostics.URL) == "" {
		return fmt.Errorf("diagnostics.url required when diagnostics are enabled")
	}
	if c.Diagnostics.RetryMax < 0 {
		return fmt.Errorf("diagnostics.retry_max must not be negative")
	}
	if c.Diagnostics.DOMTokenBudget < 0 {
		return fmt.Errorf("diagnostics.dom_token_budget must not be negative")
	}

	if c.Runs.MaxConcurrent <= 0 {
		return fmt.Errorf("runs.max_concurrent must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	return nil
}

func envBool(name string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func envDuration(name string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
