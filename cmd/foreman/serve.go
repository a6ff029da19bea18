package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/agent"
	"github.com/forgeline/foreman/internal/config"
	"github.com/forgeline/foreman/internal/server"
	"github.com/forgeline/foreman/pkg/logger"
)

func serveCmd() *cobra.Command {
	var (
		flagConfig  string
		flagAddr    string
		flagWorkers int
		flagDebug   bool
		flagDev     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Long: `Run the orchestration server in the foreground.

Configuration layers, later ones winning: built-in defaults, the YAML
file named by --config or FOREMAN_CONFIG, FOREMAN_* environment
variables, then flags. SIGINT or SIGTERM triggers a graceful shutdown
that lets in-flight work settle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides config.Overrides
			if cmd.Flags().Changed("addr") {
				overrides.Addr = &flagAddr
			}
			if cmd.Flags().Changed("workers") {
				overrides.Workers = &flagWorkers
			}
			if flagDebug {
				overrides.Debug = &flagDebug
			}

			cfg, err := config.Load(flagConfig, overrides)
			if err != nil {
				return err
			}
			if cfg.Debug {
				logger.SetLevel(logger.LevelDebug)
			}

			opts := server.Options{Version: Version}
			if flagDev {
				opts.Launcher = &agent.FakeLauncher{}
				logger.Infof("[serve] dev mode, using the built-in scripted agent")
			}

			srv, err := server.New(cfg, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flagConfig, "config", "", "YAML config file (or FOREMAN_CONFIG)")
	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address, overrides config")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "Worker agent count, overrides config")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&flagDev, "dev", false, "Fake the coding agent instead of spawning one")

	return cmd
}
