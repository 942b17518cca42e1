package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zhaobenny/ccpulse/internal/logging"
	"github.com/zhaobenny/ccpulse/internal/pricing"
	"github.com/zhaobenny/ccpulse/server/internal/database"
	"github.com/zhaobenny/ccpulse/server/internal/handlers"
	"github.com/zhaobenny/ccpulse/server/internal/ingest"
	"github.com/zhaobenny/ccpulse/server/internal/middleware"
)

const version = "0.3.0"

const (
	EnvPort         = "PORT"
	EnvDBPath       = "DB_PATH"
	EnvPricingURL   = "PRICING_URL"
	EnvPasswordHash = "DASHBOARD_PASSWORD_HASH"
	EnvLogLevel     = "LOG_LEVEL"
)

// app carries the flags shared by every subcommand
type app struct {
	dbPath   string
	logLevel string

	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ccpulse-server",
		Short:         "Collect Claude Code usage from devices and serve statistics",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(a.logLevel, logging.FormatJSON)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.dbPath, "db", getEnv(EnvDBPath, "./ccpulse.db"), "SQLite database path (env "+EnvDBPath+")")
	pf.StringVar(&a.logLevel, "log-level", getEnv(EnvLogLevel, "info"), "Log level: debug, info, warn, error (env "+EnvLogLevel+")")

	root.AddCommand(
		newServeCmd(a),
		newDeviceCmd(a),
		newHashPasswordCmd(),
	)
	return root
}

// openDB opens and migrates the database
func (a *app) openDB() (*database.DB, error) {
	db, err := database.Open(a.dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

type serveOptions struct {
	addr          string
	pricingURL    string
	offline       bool
	secureCookies bool
}

func newServeCmd(a *app) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and statistics API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":"+getEnv(EnvPort, "3000"), "Listen address (env "+EnvPort+" sets the port)")
	f.StringVar(&o.pricingURL, "pricing-url", getEnv(EnvPricingURL, pricing.LiteLLMPricingURL), "Remote pricing table (env "+EnvPricingURL+")")
	f.BoolVar(&o.offline, "offline", false, "Never fetch the remote pricing table")
	f.BoolVar(&o.secureCookies, "secure-cookies", false, "Mark session cookies Secure (serve behind HTTPS)")
	return cmd
}

func (a *app) serve(ctx context.Context, o *serveOptions) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	pricingURL := o.pricingURL
	if o.offline {
		pricingURL = ""
	}
	resolver := pricing.NewResolver(pricing.Options{URL: pricingURL, Logger: a.logger})

	opts := handlers.Options{
		DB:      db,
		Ingest:  ingest.NewService(db, a.logger),
		Pricing: resolver,
		Seen:    handlers.NewSeenDebouncer(db, 30*time.Second, a.logger),
		Logger:  a.logger,
	}
	if hash := os.Getenv(EnvPasswordHash); hash != "" {
		// Setup session manager with SQLite store
		sessionMgr := scs.New()
		sessionMgr.Store = sqlite3store.New(db.DB)
		sessionMgr.Lifetime = 7 * 24 * time.Hour
		sessionMgr.Cookie.Secure = o.secureCookies
		sessionMgr.Cookie.SameSite = http.SameSiteLaxMode
		opts.SessionMgr = sessionMgr
		opts.PasswordHash = hash
	} else {
		a.logger.Warn("no dashboard password configured, statistics are served without login",
			zap.String("env", EnvPasswordHash))
	}
	h := handlers.New(opts)

	srv := &http.Server{
		Addr: o.addr,
		Handler: h.Routes(
			middleware.NewIPRateLimiter(20, 100),
			middleware.NewIPRateLimiter(rate.Every(6*time.Second), 5),
		),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := resolver.Refresh(ctx); err != nil {
			a.logger.Warn("initial pricing fetch failed, using fallback pricing", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("starting ccpulse-server",
			zap.String("addr", o.addr),
			zap.String("db", a.dbPath),
			zap.Bool("remote_pricing", pricingURL != ""),
			zap.Bool("login", h.SessionsEnabled()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		opts.Seen.FlushAll(shutdownCtx)
		return err
	})

	return g.Wait()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
