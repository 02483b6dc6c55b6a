// Package config loads server configuration from YAML with environment
// overrides.
//
// Precedence, lowest first: built-in defaults, the YAML file, BUNDLED_*
// environment variables. Validate runs last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Search  SearchConfig  `yaml:"search"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the resource store.
type StorageConfig struct {
	// Driver is sqlite, memory or postgres.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type EngineConfig struct {
	ConditionalDeleteMax int    `yaml:"conditional_delete_max"`
	UpdateCreateEnabled  bool   `yaml:"update_create_enabled"`
	DefaultReturn        string `yaml:"default_return"`
	MaxEntries           int    `yaml:"max_entries"`
}

type SearchConfig struct {
	// TenantDir holds <tenant>.yaml vocabulary overlays. Empty means every
	// tenant uses the built-in vocabulary.
	TenantDir     string `yaml:"tenant_dir"`
	DefaultTenant string `yaml:"default_tenant"`
}

// AuditConfig selects where processed envelopes are archived.
type AuditConfig struct {
	// Driver is none, fs or s3.
	Driver string   `yaml:"driver"`
	Dir    string   `yaml:"dir"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "bundled.db",
		},
		Engine: EngineConfig{
			ConditionalDeleteMax: 10,
			UpdateCreateEnabled:  true,
			DefaultReturn:        "minimal",
		},
		Search: SearchConfig{
			DefaultTenant: "default",
		},
		Audit: AuditConfig{
			Driver: "none",
			S3:     S3Config{Region: "us-east-1", Prefix: "bundles"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BUNDLED_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("BUNDLED_ADDR", &c.Server.Addr)
	str("BUNDLED_STORAGE_DRIVER", &c.Storage.Driver)
	str("BUNDLED_DB_PATH", &c.Storage.Path)
	str("BUNDLED_POSTGRES_DSN", &c.Storage.DSN)
	str("BUNDLED_DEFAULT_RETURN", &c.Engine.DefaultReturn)
	str("BUNDLED_TENANT_DIR", &c.Search.TenantDir)
	str("BUNDLED_AUDIT_DRIVER", &c.Audit.Driver)
	str("BUNDLED_AUDIT_DIR", &c.Audit.Dir)
	str("BUNDLED_AUDIT_S3_BUCKET", &c.Audit.S3.Bucket)
	str("BUNDLED_AUDIT_S3_ENDPOINT", &c.Audit.S3.Endpoint)
	str("BUNDLED_LOG_LEVEL", &c.Logging.Level)
	str("BUNDLED_LOG_FORMAT", &c.Logging.Format)

	return errors.Join(
		num("BUNDLED_CONDITIONAL_DELETE_MAX", &c.Engine.ConditionalDeleteMax),
		num("BUNDLED_MAX_ENTRIES", &c.Engine.MaxEntries),
		flag("BUNDLED_UPDATE_CREATE", &c.Engine.UpdateCreateEnabled),
		flag("BUNDLED_METRICS", &c.Metrics.Enabled),
	)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			bad("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			bad("storage.dsn is required for the postgres driver")
		}
	default:
		bad("storage.driver %q must be one of sqlite, memory, postgres", c.Storage.Driver)
	}
	if c.Engine.ConditionalDeleteMax < 0 {
		bad("engine.conditional_delete_max must not be negative")
	}
	if c.Engine.MaxEntries < 0 {
		bad("engine.max_entries must not be negative")
	}
	switch c.Engine.DefaultReturn {
	case "minimal", "representation", "OperationOutcome":
	default:
		bad("engine.default_return %q must be one of minimal, representation, OperationOutcome", c.Engine.DefaultReturn)
	}
	if c.Search.DefaultTenant == "" {
		bad("search.default_tenant is required")
	}
	switch c.Audit.Driver {
	case "", "none":
	case "fs":
		if c.Audit.Dir == "" {
			bad("audit.dir is required for the fs driver")
		}
	case "s3":
		if c.Audit.S3.Bucket == "" {
			bad("audit.s3.bucket is required for the s3 driver")
		}
	default:
		bad("audit.driver %q must be one of none, fs, s3", c.Audit.Driver)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		bad("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		bad("logging.format %q must be text or json", c.Logging.Format)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
