package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wayfarer-labs/relay/internal/core"
	"github.com/wayfarer-labs/relay/internal/dashboard"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot the core and (optionally) the inspection dashboard",
		Long: "Wires the session manager, message queue, and history store, then blocks until " +
			"SIGINT/SIGTERM. The Telegram collaborator itself is external: bind its adapter to " +
			"Core.Transport and feed updates through Core.Transport.OnMessage from the process " +
			"embedding this command.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := core.Boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("boot core: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "relay booted: default session %q, %d workers, depth %d\n",
		c.Sessions.DefaultName(), cfg.Queue.Workers, cfg.Queue.Depth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Dashboard.Enabled {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				Core: c,
				Port: cfg.Dashboard.Port,
				Out:  out,
			}); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "dashboard: %v\n", err)
			}
		}()
	}

	sig := <-sigCh
	fmt.Fprintf(out, "\nreceived %s, shutting down...\n", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return c.Shutdown(shutdownCtx)
}
