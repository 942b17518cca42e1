package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/cli/internal/collector"
	"github.com/zhaobenny/ccpulse/cli/internal/config"
	"github.com/zhaobenny/ccpulse/cli/internal/dedup"
	"github.com/zhaobenny/ccpulse/cli/internal/sync"
	"github.com/zhaobenny/ccpulse/internal/logging"
)

const version = "0.3.0"

// app carries the flags shared by every subcommand
type app struct {
	configPath string
	overrides  config.Overrides
	insecure   bool
	verbose    bool

	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ccpulse",
		Short:         "Report Claude Code token usage to a ccpulse server",
		Long:          "ccpulse reads Claude Code JSONL logs, extracts token usage, deduplicates it and reports it in batches to a ccpulse server.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if a.verbose {
				level = "debug"
			}
			logger, err := logging.New(level, logging.FormatConsole)
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

	defaultPath, _ := config.DefaultPath()
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultPath, "Config file path")
	pf.StringVar(&a.overrides.Server, "server", "", "Server URL (env "+config.EnvServer+")")
	pf.StringVar(&a.overrides.APIKey, "api-key", "", "API key (env "+config.EnvAPIKey+")")
	pf.StringVar(&a.overrides.ProjectsDir, "projects-dir", "", "Claude projects directory (env "+config.EnvProjectsDir+")")
	pf.StringVar(&a.overrides.StateFile, "state-file", "", "Reporter state file (env "+config.EnvStateFile+")")
	pf.IntVar(&a.overrides.Interval, "interval", 0, "Report interval in minutes, 1-1440 (env "+config.EnvInterval+")")
	pf.BoolVar(&a.insecure, "insecure", false, "Skip TLS certificate verification (env "+config.EnvInsecure+")")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(
		newRunCmd(a),
		newOnceCmd(a),
		newScanCmd(a),
		newStatusCmd(a),
		newConfigCmd(a),
		newServiceCmd(a),
	)
	return root
}

// loadConfig resolves the effective configuration for cmd
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	o := a.overrides
	if cmd.Flags().Changed("insecure") {
		o.Insecure = &a.insecure
	}
	return config.Load(a.configPath, os.Getenv, o, a.logger)
}

// newCollector wires the store, client and reporter for cfg
func (a *app) newCollector(cfg *config.Config) *collector.Collector {
	store, err := dedup.Load(cfg.StateFile, dedup.DefaultLimit)
	if err != nil {
		a.logger.Warn("reporter state unreadable, starting empty", zap.String("path", cfg.StateFile), zap.Error(err))
	}

	client := sync.NewClient(sync.ClientOptions{
		Server:   cfg.Server,
		APIKey:   cfg.APIKey,
		Insecure: cfg.Insecure,
	})
	if cfg.Insecure {
		a.logger.Warn("TLS certificate verification disabled")
	}

	return collector.New(collector.Options{
		ProjectsDir: cfg.ProjectsDir,
		Store:       store,
		Reporter:    sync.NewReporter(client, store, a.logger),
		Logger:      a.logger,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Report usage now and then on every interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			c := a.newCollector(cfg)
			return c.Run(ctx, cfg.IntervalDuration())
		},
	}
}

func newOnceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single collection cycle; exits non-zero if delivery fails",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			c := a.newCollector(cfg)
			res, err := c.RunOnce(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Delivery failed after %d of %d records: %v\n",
					res.Report.Sent, len(res.Pending), err)
				return err
			}

			if len(res.Pending) == 0 {
				fmt.Println("No new records to report.")
				return nil
			}
			fmt.Printf("Reported %d records in %d batches (%d inserted, %d already on server, %d invalid).\n",
				res.Report.Sent, res.Report.Batches, res.Report.Inserted, res.Report.Skipped, res.Report.Invalid)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, reporter state and server reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			fmt.Printf("Server:       %s\n", cfg.Server)
			if cfg.APIKey != "" {
				fmt.Printf("API key:      %s\n", cfg.MaskedAPIKey())
			} else {
				fmt.Println("API key:      (not set)")
			}
			fmt.Printf("Projects dir: %s\n", cfg.ProjectsDir)
			fmt.Printf("Interval:     %d min\n", cfg.Interval)
			fmt.Printf("State file:   %s\n", cfg.StateFile)

			store, err := dedup.Load(cfg.StateFile, dedup.DefaultLimit)
			if err != nil {
				fmt.Printf("State:        unreadable (%v)\n", err)
			} else if last := store.LastReported(); last.IsZero() {
				fmt.Println("State:        nothing reported yet")
			} else {
				fmt.Printf("State:        %d keys, last report %s\n", store.Len(), last.Local().Format("2006-01-02 15:04:05"))
			}

			client := sync.NewClient(sync.ClientOptions{Server: cfg.Server, Insecure: cfg.Insecure})
			if err := client.Ping(cmd.Context()); err != nil {
				fmt.Printf("Server:       unreachable (%v)\n", err)
				return nil
			}
			fmt.Println("Server:       reachable")
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or save collector settings",
		Example: `  ccpulse config --server https://usage.example.com --api-key ccp_xxx
  ccpulse config --interval 10
  ccpulse config --show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if show {
				cfg, err := a.loadConfig(cmd)
				if err != nil {
					return err
				}
				fmt.Printf("Config file:  %s\n", a.configPath)
				fmt.Printf("Server:       %s\n", cfg.Server)
				fmt.Printf("API key:      %s\n", cfg.MaskedAPIKey())
				fmt.Printf("Projects dir: %s\n", cfg.ProjectsDir)
				fmt.Printf("Interval:     %d min\n", cfg.Interval)
				fmt.Printf("Insecure TLS: %t\n", cfg.Insecure)
				fmt.Printf("State file:   %s\n", cfg.StateFile)
				return nil
			}

			o := a.overrides
			if o == (config.Overrides{}) && !cmd.Flags().Changed("insecure") {
				return cmd.Help()
			}

			cfg, err := config.ReadFile(a.configPath)
			if err != nil {
				return err
			}
			if o.Server != "" {
				cfg.Server = o.Server
			}
			if o.APIKey != "" {
				cfg.APIKey = o.APIKey
			}
			if o.ProjectsDir != "" {
				cfg.ProjectsDir = o.ProjectsDir
			}
			if o.StateFile != "" {
				cfg.StateFile = o.StateFile
			}
			if o.Interval != 0 {
				if !config.ValidInterval(o.Interval) {
					return fmt.Errorf("interval must be between 1 and 1440 minutes, got %d", o.Interval)
				}
				cfg.Interval = o.Interval
			}
			if cmd.Flags().Changed("insecure") {
				cfg.Insecure = a.insecure
			}

			if err := config.Save(a.configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Configuration saved to %s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Show the effective configuration")
	return cmd
}

// exitCode maps delivery failures to a distinct status for scripts
func exitCode(err error) int {
	var statusErr *sync.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		return 3
	}
	return 1
}
