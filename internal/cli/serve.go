package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/bundled/internal/api"
	"github.com/roach88/bundled/internal/engine"
	"github.com/roach88/bundled/internal/metrics"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve bundles over HTTP",
		Long: `Start the HTTP server.

POST / accepts batch and transaction bundles. Every other path is a single
resource interaction (GET Patient/123, PUT Patient/123, ...). GET /healthz
reports liveness and GET /metrics exposes Prometheus metrics.

Example:
  bundled serve --config bundled.yaml
  bundled serve --addr :9090 --db :memory: --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path, postgres:// DSN or :memory: (overrides storage)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	logger, err := newLogger(cfg.Logging, opts.Verbose, os.Stderr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	slog.SetDefault(logger)
	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	sink, err := openAudit(ctx, cfg.Audit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open audit archive", err)
	}

	engineOpts := []engine.Option{engine.WithAudit(sink)}
	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithDefaultTenant(cfg.Search.DefaultTenant),
	}
	if cfg.Metrics.Enabled {
		rec := metrics.New(true)
		engineOpts = append(engineOpts, engine.WithMetrics(rec))
		serverOpts = append(serverOpts, api.WithMetricsHandler(rec.Handler()))
	}
	eng, err := newEngine(cfg, st, logger, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build engine", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:      api.NewServer(eng, serverOpts...).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())
	if err := serveHTTP(ctx, srv, ln, cfg.Server.ShutdownTimeout, logger); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// serveHTTP serves on ln until ctx is done, then drains in-flight requests
// for at most grace.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
