// Package config loads and validates the shelfsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables that override the file.
const EnvPrefix = "SHELFSYNC"

// Defaults applied by validation when a key is omitted.
const (
	DefaultPollInterval      = time.Minute
	DefaultProbeTimeout      = 5 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultRetryAttempts     = 3
	DefaultLowStockThreshold = 5
	DefaultServiceName       = "shelfsync"

	MinPollInterval = 10 * time.Second
	MaxPollInterval = time.Hour
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ServerURL is the base URL of the Remote Inventory Service
	// (e.g. "https://inventory.example.com/api").
	ServerURL string `yaml:"server_url"`

	// Token is a static bearer token. Mutually exclusive with TokenFile.
	Token string `yaml:"token,omitempty"`

	// TokenFile is a file holding the bearer token. It is re-read on every
	// request so an external process can rotate it.
	TokenFile string `yaml:"token_file,omitempty"`

	// DBPath overrides the location of the local SQLite record store.
	// Empty means ~/.local/share/shelfsync/inventory.db.
	DBPath string `yaml:"db_path,omitempty"`

	// PollInterval controls how often the daemon runs a sync pass.
	// Minimum 10s, maximum 1h. Defaults to 1m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProbeTimeout bounds the reachability check that opens every pass.
	// Minimum 1s, maximum 1m. Defaults to 5s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// RequestTimeout bounds each HTTP call. Defaults to 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryAttempts is how often a listing is tried before the pass gives up
	// on it. 1..10, defaults to 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// LowStockThreshold is the quantity at or below which an item is
	// reported as low stock. Defaults to 5.
	LowStockThreshold int `yaml:"low_stock_threshold"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "shelfsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// envOverlay lists the settings that can be supplied through SHELFSYNC_*
// environment variables. Empty values leave the file untouched.
type envOverlay struct {
	ServerURL    string        `envconfig:"SERVER_URL"`
	Token        string        `envconfig:"TOKEN"`
	TokenFile    string        `envconfig:"TOKEN_FILE"`
	DBPath       string        `envconfig:"DB_PATH"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
}

// DefaultPath returns the default config file path: ~/.config/shelfsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "shelfsync", "config.yaml"), nil
}

// Load reads the configuration file at path, applies the SHELFSYNC_*
// environment overlay and validates the result. A missing file is not an
// error as long as the environment supplies the required settings.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true) // reject unknown keys to catch typos early
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values with non-empty SHELFSYNC_* variables. Setting
// one token kind clears the other so the overlay can switch between them.
func (c *Config) applyEnv() error {
	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("parsing %s_* environment: %w", EnvPrefix, err)
	}

	if env.ServerURL != "" {
		c.ServerURL = env.ServerURL
	}
	if env.Token != "" {
		c.Token = env.Token
		c.TokenFile = ""
	}
	if env.TokenFile != "" {
		c.TokenFile = env.TokenFile
		c.Token = ""
	}
	if env.DBPath != "" {
		c.DBPath = env.DBPath
	}
	if env.PollInterval != 0 {
		c.PollInterval = env.PollInterval
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.ParseRequestURI(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url %q must be a valid http or https URL", c.ServerURL)
	}

	switch {
	case c.Token == "" && c.TokenFile == "":
		return fmt.Errorf("one of token or token_file is required")
	case c.Token != "" && c.TokenFile != "":
		return fmt.Errorf("token and token_file are mutually exclusive")
	}
	if c.TokenFile != "" {
		p, err := expandHome(c.TokenFile)
		if err != nil {
			return err
		}
		c.TokenFile = p
	}
	if c.DBPath != "" {
		p, err := expandHome(c.DBPath)
		if err != nil {
			return err
		}
		c.DBPath = p
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll_interval %v is too short (minimum %v)", c.PollInterval, MinPollInterval)
	}
	if c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll_interval %v is too long (maximum %v)", c.PollInterval, MaxPollInterval)
	}

	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeTimeout < time.Second || c.ProbeTimeout > time.Minute {
		return fmt.Errorf("probe_timeout %v must be between 1s and 1m", c.ProbeTimeout)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout %v must be positive", c.RequestTimeout)
	}

	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts %d must be between 1 and 10", c.RetryAttempts)
	}

	if c.LowStockThreshold == 0 {
		c.LowStockThreshold = DefaultLowStockThreshold
	}
	if c.LowStockThreshold < 0 {
		return fmt.Errorf("low_stock_threshold %d must not be negative", c.LowStockThreshold)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = DefaultServiceName
		}
	}

	return nil
}

// fileConfig is the on-disk shape written by [Config.Write]. yaml.v3 encodes
// time.Duration as an integer it refuses to read back, so durations are
// written in their string form.
type fileConfig struct {
	ServerURL         string           `yaml:"server_url"`
	Token             string           `yaml:"token,omitempty"`
	TokenFile         string           `yaml:"token_file,omitempty"`
	DBPath            string           `yaml:"db_path,omitempty"`
	PollInterval      string           `yaml:"poll_interval,omitempty"`
	ProbeTimeout      string           `yaml:"probe_timeout,omitempty"`
	RequestTimeout    string           `yaml:"request_timeout,omitempty"`
	RetryAttempts     int              `yaml:"retry_attempts,omitempty"`
	LowStockThreshold int              `yaml:"low_stock_threshold,omitempty"`
	Telemetry         *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// Write serialises the configuration to path, creating the parent directory.
// The file is readable by the owner only since it may hold a token.
func (c *Config) Write(path string) error {
	out := fileConfig{
		ServerURL:         c.ServerURL,
		Token:             c.Token,
		TokenFile:         c.TokenFile,
		DBPath:            c.DBPath,
		PollInterval:      durationString(c.PollInterval),
		ProbeTimeout:      durationString(c.ProbeTimeout),
		RequestTimeout:    durationString(c.RequestTimeout),
		RetryAttempts:     c.RetryAttempts,
		LowStockThreshold: c.LowStockThreshold,
		Telemetry:         c.Telemetry,
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, p[2:]), nil
}
