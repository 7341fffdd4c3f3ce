package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/analytics"
	"github.com/lims/lims/internal/domain/clinicalflag"
	"github.com/lims/lims/internal/domain/incident"
	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/timeline"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/i18n"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "lims-server",
		Short:        "Laboratory workflow read-model API",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default: SCHEMA from config)")
		c.Flags().String("dir", "", "Path to migrations directory (default: MIGRATIONS_DIR from config)")
	}
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.Schema
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool, dir, schema)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := cfg.Level()
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "lims-server").Logger()
}

// server holds what the HTTP surface needs. Tests build it around an
// in-memory store with no snapshot middleware.
type server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Provider
	store    *lab.Store
	pinger   db.Pinger
	snapshot echo.MiddlewareFunc
}

func (s *server) echo() (*echo.Echo, error) {
	locale, err := i18n.ParseLocale(s.cfg.CollationLocale)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  s.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-None-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(s.cfg.RequestTimeout, "/metrics", "/health"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if s.pinger != nil {
		e.GET("/health/db", db.HealthHandler(s.pinger))
	}
	e.GET("/metrics", s.metrics.PrometheusHandler())

	api := e.Group("/api/v1")
	if s.cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   s.cfg.AuthIssuer,
			Audience: s.cfg.AuthAudience,
			JWKSURL:  s.cfg.AuthJWKSURL,
		}
		if s.cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(s.cfg.AuthSigningKey)
		}
		api.Use(auth.JWTMiddleware(jwtCfg))
	}
	api.Use(middleware.Audit(s.logger, nil))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	}))
	api.Use(echomw.BodyLimit("256K"))
	api.Use(middleware.ETag())
	if s.snapshot != nil {
		api.Use(s.snapshot)
	}

	timeline.NewHandler(s.store, locale, s.metrics).RegisterRoutes(api)
	analytics.NewHandler(s.store, s.cfg.EventPageSize, s.metrics).RegisterRoutes(api)
	incident.NewHandler(s.store, s.cfg.EventPageSize, s.metrics).RegisterRoutes(api)
	clinicalflag.NewHandler(s.store.ExamTypes).RegisterRoutes(api)

	return e, nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: every request is authenticated as an admin; do not expose this server")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	srv := &server{
		cfg:    cfg,
		logger: logger,
		metrics: telemetry.NewProvider(telemetry.TelemetryConfig{
			MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
			ProcessMetrics: true,
		}),
		store:    lab.NewPGStore(pool),
		pinger:   pool,
		snapshot: db.SnapshotMiddleware(pool),
	}
	e, err := srv.echo()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
