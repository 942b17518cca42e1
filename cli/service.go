package main

import (
	"context"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/cli/internal/collector"
	"github.com/zhaobenny/ccpulse/cli/internal/config"
)

// reportService implements service.Interface for background reporting
type reportService struct {
	collector *collector.Collector
	cfg       *config.Config
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *reportService) Start(svc service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.collector.Run(ctx, s.cfg.IntervalDuration()); err != nil {
			s.logger.Error("collector exited", zap.Error(err))
		}
	}()
	return nil
}

func (s *reportService) Stop(svc service.Service) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func newServiceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the background reporting service",
		Example: `  ccpulse service install     Install and start the service
  ccpulse service stop
  ccpulse service uninstall`,
	}

	// newService builds the service definition; the collector is only
	// wired when the service body actually runs
	newService := func(svc *reportService) (service.Service, error) {
		return service.New(svc, &service.Config{
			Name:        "ccpulse",
			DisplayName: "ccpulse usage reporter",
			Description: "Reports Claude Code token usage to a ccpulse server",
			Arguments:   []string{"service", "run", "--config", a.configPath},
		})
	}

	control := func(use, short, done string, action func(service.Service) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := newService(&reportService{})
				if err != nil {
					return fmt.Errorf("create service: %w", err)
				}
				if err := action(s); err != nil {
					return fmt.Errorf("%s service: %w", use, err)
				}
				fmt.Println(done)
				return nil
			},
		}
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the service and start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			s, err := newService(&reportService{})
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			if err := s.Install(); err != nil {
				return fmt.Errorf("install service: %w", err)
			}
			if err := s.Start(); err != nil {
				return fmt.Errorf("service installed but failed to start: %w", err)
			}
			fmt.Println("Service installed and started.")
			fmt.Printf("Report interval: %d min\n", cfg.Interval)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(&reportService{})
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			st, err := s.Status()
			if err != nil {
				fmt.Printf("Service status: not installed or error (%v)\n", err)
				return nil
			}
			switch st {
			case service.StatusRunning:
				fmt.Println("Service status: running")
			case service.StatusStopped:
				fmt.Println("Service status: stopped")
			default:
				fmt.Println("Service status: unknown")
			}
			return nil
		},
	}

	run := &cobra.Command{
		Use:    "run",
		Short:  "Run as a service (invoked by the service manager)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			svc := &reportService{collector: a.newCollector(cfg), cfg: cfg, logger: a.logger}
			s, err := newService(svc)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			return s.Run()
		},
	}

	cmd.AddCommand(
		install,
		control("start", "Start the service", "Service started.", func(s service.Service) error { return s.Start() }),
		control("stop", "Stop the service", "Service stopped.", func(s service.Service) error { return s.Stop() }),
		control("uninstall", "Stop and remove the service", "Service uninstalled.", func(s service.Service) error {
			_ = s.Stop() // may already be stopped
			return s.Uninstall()
		}),
		status,
		run,
	)
	return cmd
}
