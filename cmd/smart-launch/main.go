package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/smartlaunch/internal/config"
	"github.com/ehr/smartlaunch/internal/launch"
	"github.com/ehr/smartlaunch/internal/platform/db"
	"github.com/ehr/smartlaunch/internal/platform/session"
	"github.com/ehr/smartlaunch/internal/sandbox"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const sessionCleanupInterval = 5 * time.Minute

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "smart-launch",
		Short:        "SMART on FHIR standalone launch app",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(sandboxCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the launch app",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sandboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Start a local SMART-enabled FHIR server with synthetic patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandbox(cmd.OutOrStdout())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session database schema",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// newSessionStore returns the configured session store. For postgres the
// returned pool must be closed by the caller; it is nil for the memory store.
func newSessionStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Store, *pgxpool.Pool, error) {
	switch cfg.SessionStore {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("connected to session database")
		return session.NewPGStoreFromPool(pool), pool, nil
	case "memory":
		return session.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sessions
	store, pool, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	session.StartCleanup(ctx, store, sessionCleanupInterval, logger)

	sessions, err := session.NewManager(store, session.Options{
		Secret: []byte(cfg.SessionSecret),
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
	}, logger)
	if err != nil {
		return err
	}

	// App
	handler, err := launch.NewHandler(launch.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		FHIRBase:     cfg.FHIRBase,
		Scopes:       cfg.Scopes,
		UsePKCE:      cfg.UsePKCE,
		Dev:          cfg.IsDev(),
		Version:      version,
	}, &http.Client{Timeout: cfg.HTTPTimeout}, sessions, logger)
	if err != nil {
		return err
	}

	e, err := launch.NewServer(handler, logger, cfg.RequestTimeout)
	if err != nil {
		return err
	}

	// DB health check endpoint
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	logger.Info().
		Str("fhir_base", cfg.FHIRBase).
		Str("client_id", cfg.ClientID).
		Bool("confidential", cfg.IsConfidential()).
		Str("session_store", cfg.SessionStore).
		Msg("launch app configured")

	return serve(e, ":"+cfg.Port, logger)
}

func runSandbox(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env, os.Stdout).With().Str("component", "sandbox").Logger()
	if err := cfg.ValidateSandbox(); err != nil {
		logger.Error().Err(err).Msg("invalid sandbox configuration")
		return err
	}

	var key []byte
	if cfg.SandboxSigningKey != "" {
		if key, err = hex.DecodeString(cfg.SandboxSigningKey); err != nil {
			return fmt.Errorf("SANDBOX_SIGNING_KEY: %w", err)
		}
	}

	sb, err := sandbox.New(sandbox.Options{
		BaseURL:    cfg.SandboxBaseURL,
		SigningKey: key,
		Patients:   cfg.SandboxPatients,
		Seed:       cfg.SandboxSeed,
		Version:    version,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.ClientID != "" {
		if err := sb.RegisterClient(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI); err != nil {
			return fmt.Errorf("register client %s: %w", cfg.ClientID, err)
		}
		logger.Info().Str("client_id", cfg.ClientID).Str("redirect_uri", cfg.RedirectURI).Msg("registered client")
	}

	fmt.Fprintf(out, "FHIR base:       %s\n", cfg.SandboxFHIRBase())
	fmt.Fprintf(out, "Default patient: %s\n", sb.DefaultPatient())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb.StartCleanup(ctx)

	return serve(sb.Echo(), ":"+cfg.SandboxPort, logger)
}

// serve runs e until SIGINT or SIGTERM, then shuts it down gracefully.
func serve(e *echo.Echo, addr string, logger zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
