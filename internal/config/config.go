// Package config loads the jsonserver configuration file.
//
// Files ending in .yaml or .yml are decoded as YAML; anything else is decoded
// as JSON with comments and trailing commas (JSONC). Unknown fields are
// rejected in both formats.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the server configuration.
type Config struct {
	HTTP                string    `json:"http,omitempty" yaml:"http,omitempty" jsonschema:"description=Address to listen on,default=127.0.0.1:8080"`
	DB                  string    `json:"db,omitempty" yaml:"db,omitempty" jsonschema:"description=Path to the JSON database file; it must exist"`
	LogLevel            string    `json:"log_level,omitempty" yaml:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	AtomicWrites        bool      `json:"atomic_writes,omitempty" yaml:"atomic_writes,omitempty" jsonschema:"description=Write through a temporary file and rename"`
	Watch               bool      `json:"watch,omitempty" yaml:"watch,omitempty" jsonschema:"description=Reload the database when another process modifies the file"`
	FlushOnWrite        bool      `json:"flush_on_write,omitempty" yaml:"flush_on_write,omitempty" jsonschema:"description=Flush after every mutation"`
	History             History   `json:"history,omitempty" yaml:"history,omitempty"`
	RateLimit           RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Auth                Auth      `json:"auth,omitempty" yaml:"auth,omitempty"`
	MaxRequestBodyBytes int64     `json:"max_request_body_bytes,omitempty" yaml:"max_request_body_bytes,omitempty" jsonschema:"minimum=0,default=1048576"`
}

// History configures committing the database file to git on every flush. The
// repository is the directory holding the database file.
type History struct {
	Enabled     bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AuthorName  string `json:"author_name,omitempty" yaml:"author_name,omitempty"`
	AuthorEmail string `json:"author_email,omitempty" yaml:"author_email,omitempty"`
}

// RateLimit configures the per client token bucket. Zero RequestsPerMin
// disables rate limiting.
type RateLimit struct {
	RequestsPerMin int `json:"requests_per_min,omitempty" yaml:"requests_per_min,omitempty" jsonschema:"minimum=0"`
	Burst          int `json:"burst,omitempty" yaml:"burst,omitempty" jsonschema:"minimum=0"`
}

// Auth configures bearer token checks on mutating requests. An empty
// JWTSecret disables them.
type Auth struct {
	JWTSecret string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty" jsonschema:"description=HS256 secret for mutating requests"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTP:                "127.0.0.1:8080",
		LogLevel:            "info",
		MaxRequestBodyBytes: 1 << 20,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		d := yaml.NewDecoder(bytes.NewReader(raw))
		d.KnownFields(true)
		// An empty document decodes to io.EOF; keep the defaults.
		if err := d.Decode(&cfg); err != nil && len(bytes.TrimSpace(raw)) != 0 {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		std, err := hujson.Standardize(raw)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse %s: invalid JSONC: %w", path, err)
		}
		d := json.NewDecoder(bytes.NewReader(std))
		d.DisallowUnknownFields()
		if err := d.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if c.HTTP == "" {
		return fmt.Errorf("%w: http address is empty", ErrInvalid)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerMin < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit values must not be negative", ErrInvalid)
	}
	if c.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("%w: max_request_body_bytes must not be negative", ErrInvalid)
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

// Schema returns the JSON schema of Config, for editor completion.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Config{})
	s.Title = "jsonserver configuration"
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	return b, nil
}
