package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/agentcore/internal/api"
	"github.com/NikhilSetiya/agentcore/internal/app"
	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "resilienced",
		Short:        "Resilience runtime for agent tool servers",
		Long:         `resilienced pools agent workspaces, caches tool results and keeps connections to tool servers healthy, falling back when they fail.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (defaults to $AGENTCORE_CONFIG)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, ".env files loaded before environment overrides")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return nil, err
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Logging.Version == "" || cfg.Logging.Version == "unknown" {
		cfg.Logging.Version = version
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime and the monitoring API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := opts.load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		rt.Stop(context.Background())
		return fmt.Errorf("start runtime: %w", err)
	}

	var server *api.Server
	serveErr := make(chan error, 1)
	if cfg.Monitoring.Enabled {
		server = api.NewServer(rt)
		go func() { serveErr <- server.ListenAndServe() }()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			logger.Error("Monitoring API failed", "error", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if server != nil {
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("Monitoring API forced to shut down", "error", serr.Error())
		}
	}
	if serr := rt.Stop(shutdownCtx); serr != nil {
		logger.Error("Runtime did not stop cleanly", "error", serr.Error())
		if err == nil {
			err = serr
		}
	}

	logger.Info("Runtime exited")
	return err
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Runtime.ShutdownTimeout > 0 {
		return cfg.Runtime.ShutdownTimeout
	}
	return 30 * time.Second
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect to every configured service once and print system health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			rt, err := app.New(ctx, cfg, app.WithLogger(logging.NewNopLogger()))
			if err != nil {
				return fmt.Errorf("create runtime: %w", err)
			}
			defer rt.Stop(context.Background())

			health := rt.ReconnectAll(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "overall %.0f%%  essential %.0f%%  degradation %s\n",
				health.OverallHealthRatio*100, health.EssentialHealthRatio*100, health.DegradationLevel)
			for name, st := range health.Services {
				state := "healthy"
				if !st.Healthy {
					state = "unhealthy"
				}
				essential := ""
				if st.Essential {
					essential = " (essential)"
				}
				fmt.Fprintf(out, "  %-20s %-10s breaker=%s%s\n", name, state, st.Breaker, essential)
			}

			if health.EssentialHealthRatio < 1 {
				return fmt.Errorf("essential services unavailable")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall check timeout")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin token for the monitoring API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cfg.Monitoring.JWTSecret == "" {
				return fmt.Errorf("monitoring.jwt_secret is not set")
			}
			token, err := api.IssueAdminToken(cfg.Monitoring.JWTSecret, subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&subject, "subject", hostname, "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
