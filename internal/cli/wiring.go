package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/bundled/internal/audit"
	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/config"
	"github.com/roach88/bundled/internal/engine"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
	"github.com/roach88/bundled/internal/store/memory"
	"github.com/roach88/bundled/internal/store/postgres"
	"github.com/roach88/bundled/internal/store/sqlite"
	"github.com/roach88/bundled/internal/validate"
)

// memoryPath selects the memory store when passed to --db.
const memoryPath = ":memory:"

// loadConfig reads the config file named by --config and applies a --db
// override. An empty db leaves storage as configured.
func loadConfig(opts *RootOptions, db string) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	switch {
	case db == "":
	case db == memoryPath:
		cfg.Storage.Driver = "memory"
	case strings.HasPrefix(db, "postgres://"), strings.HasPrefix(db, "postgresql://"):
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = db
	default:
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.Path = db
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// openStore opens the configured resource store.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger, opts ...store.Option) (store.Store, error) {
	logger.Info("opening store", "driver", cfg.Driver)
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(opts...), nil
	case "sqlite":
		logger.Debug("sqlite database", "path", cfg.Path)
		st, err := sqlite.Open(cfg.Path, opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := postgres.NewStore(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// openAudit opens the configured archive. The none driver discards.
func openAudit(ctx context.Context, cfg config.AuditConfig) (audit.Sink, error) {
	switch cfg.Driver {
	case "", "none":
		return audit.Discard{}, nil
	case "fs":
		sink, err := audit.NewFSSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "s3":
		sink, err := audit.NewS3Sink(ctx, audit.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
}

// newEngine builds an engine over st from the engine and search sections
// of cfg. extra options are applied last.
func newEngine(cfg *config.Config, st store.Store, logger *slog.Logger, extra ...engine.Option) (*engine.Engine, error) {
	schema, err := validate.New()
	if err != nil {
		return nil, fmt.Errorf("load resource schema: %w", err)
	}
	vocabularies := search.NewRegistry(cfg.Search.TenantDir, search.WithRegistryLogger(logger))
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithConditionalDeleteMax(cfg.Engine.ConditionalDeleteMax),
		engine.WithUpdateCreate(cfg.Engine.UpdateCreateEnabled),
		engine.WithDefaultReturn(bundle.ReturnPreference(cfg.Engine.DefaultReturn)),
		engine.WithMaxEntries(cfg.Engine.MaxEntries),
	}
	return engine.New(st, schema, vocabularies, append(opts, extra...)...), nil
}

// requestContext builds the per-envelope handle for CLI submissions.
func requestContext(cfg *config.Config, tenant, prefer string) engine.RequestContext {
	if tenant == "" {
		tenant = cfg.Search.DefaultTenant
	}
	return engine.RequestContext{
		Tenant: tenant,
		Return: bundle.ParsePrefer("return="+prefer, ""),
	}
}

// backend is an engine over an open store, as used by the one-shot
// commands.
type backend struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	engine *engine.Engine
}

// openBackend wires config, logging, store and engine for a one-shot
// command. Logs go to w. Close releases the store.
func openBackend(ctx context.Context, opts *RootOptions, db string, w io.Writer) (*backend, error) {
	cfg, err := loadConfig(opts, db)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// One-shot commands stay quiet unless asked.
	logCfg := cfg.Logging
	logCfg.Level = "warn"
	logger, err := newLogger(logCfg, opts.Verbose, w)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	eng, err := newEngine(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &backend{cfg: cfg, logger: logger, store: st, engine: eng}, nil
}

func (b *backend) Close() error {
	return b.store.Close()
}
