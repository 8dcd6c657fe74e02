package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	License    LicenseConfig    `yaml:"license" envconfig:"LICENSE"`
	Clock      ClockConfig      `yaml:"clock" envconfig:"CLOCK"`
	Crypto     CryptoConfig     `yaml:"crypto" envconfig:"CRYPTO"`
	Store      StoreConfig      `yaml:"store" envconfig:"STORE"`
	Identity   IdentityConfig   `yaml:"identity" envconfig:"IDENTITY"`
	Controller ControllerConfig `yaml:"controller" envconfig:"CONTROLLER"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
}

// LicenseConfig configures the verification endpoint
type LicenseConfig struct {
	URL        string        `yaml:"url" envconfig:"URL" validate:"required,url"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	UserAgent  string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	PinnedSPKI []string      `yaml:"pinned_spki" envconfig:"PINNED_SPKI" validate:"dive,len=64,hexadecimal"`
}

// ClockConfig configures the remote time source
type ClockConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"ENABLED"`
	URL            string        `yaml:"url" envconfig:"URL" validate:"omitempty,url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT" validate:"gt=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	Location       string        `yaml:"location" envconfig:"LOCATION"`
}

// CryptoConfig holds the pre-shared key for server-supplied config payloads.
// An empty key disables decryption; approvals still succeed.
type CryptoConfig struct {
	ConfigKey string `yaml:"config_key" envconfig:"CONFIG_KEY"`
}

// StoreConfig selects the credential store backend
type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=file bolt memory"`
	Dir     string `yaml:"dir" envconfig:"DIR"`
	Seal    bool   `yaml:"seal" envconfig:"SEAL"`
}

// IdentityConfig selects how the device fingerprint is obtained
type IdentityConfig struct {
	Source   string `yaml:"source" envconfig:"SOURCE" validate:"oneof=install machine hardware"`
	Override string `yaml:"override" envconfig:"OVERRIDE"`
}

// ControllerConfig holds the retry policy knobs of the authorization loop
type ControllerConfig struct {
	MaxAttempts        int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" validate:"min=0"`
	AttemptInterval    time.Duration `yaml:"attempt_interval" envconfig:"ATTEMPT_INTERVAL" validate:"min=0"`
	AttemptBurst       int           `yaml:"attempt_burst" envconfig:"ATTEMPT_BURST" validate:"min=1"`
	ClearAfterFailures int           `yaml:"clear_after_failures" envconfig:"CLEAR_AFTER_FAILURES" validate:"min=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig toggles metrics and tracing
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	MetricsAddr    string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	TracingEnabled bool   `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	Environment    string `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// ServerConfig configures the development license server
type ServerConfig struct {
	Addr         string        `yaml:"addr" envconfig:"ADDR" validate:"required"`
	VerifyPath   string        `yaml:"verify_path" envconfig:"VERIFY_PATH" validate:"startswith=/"`
	TrialDays    int           `yaml:"trial_days" envconfig:"TRIAL_DAYS" validate:"min=0"`
	Payload      string        `yaml:"payload" envconfig:"PAYLOAD"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	AdminToken   string        `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	Codes        []ServerCode  `yaml:"codes" ignored:"true" validate:"dive"`
}

// ServerCode is one license code known to the development server
type ServerCode struct {
	Code   string `yaml:"code" validate:"required"`
	Days   int    `yaml:"days" validate:"min=0"`
	Banned bool   `yaml:"banned"`
}

// Load builds the configuration from defaults, an optional YAML file and
// MYTV_* environment variables, in increasing order of precedence. An empty
// path searches the well-known locations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolvePaths fills in directories left empty by the sources
func (c *Config) resolvePaths() error {
	if c.Store.Dir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return err
		}
		c.Store.Dir = dir
	}
	c.Store.Dir = filepath.Clean(os.ExpandEnv(c.Store.Dir))

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Store.Dir, "logs", LogFileName)
	}
	return nil
}

// Validate checks struct constraints and returns one error listing every
// offending field.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	if c.Clock.Enabled && c.Clock.URL == "" {
		return errors.New("clock url is required when the clock is enabled")
	}

	if c.Clock.Location != "" {
		if _, err := time.LoadLocation(c.Clock.Location); err != nil {
			return fmt.Errorf("clock location %q: %w", c.Clock.Location, err)
		}
	}
	return nil
}

// getConfigFilePath returns the first config file found in the well-known
// locations, or "" when none exists.
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	if p, err := SearchConfigFile(); err == nil {
		locations = append(locations, p)
	}

	for _, location := range locations {
		if FileExists(location) {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		License: LicenseConfig{
			URL:       DefaultLicenseURL,
			Timeout:   DefaultLicenseTimeout,
			UserAgent: AppName + "/" + AppVersion,
		},
		Clock: ClockConfig{
			Enabled:        true,
			URL:            DefaultClockURL,
			ConnectTimeout: DefaultClockConnectTimeout,
			ReadTimeout:    DefaultClockReadTimeout,
			Location:       "Local",
		},
		Store: StoreConfig{
			Backend: StoreBackendFile,
		},
		Identity: IdentityConfig{
			Source: IdentitySourceInstall,
		},
		Controller: ControllerConfig{
			AttemptInterval: time.Second,
			AttemptBurst:    3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9464",
			Environment: "development",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			VerifyPath:   DefaultVerifyPath,
			TrialDays:    DefaultTrialDays,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}
