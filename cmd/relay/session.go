package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wayfarer-labs/relay/internal/core"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage named sessions",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionOpenCmd())
	cmd.AddCommand(newSessionCloseCmd())
	cmd.AddCommand(newSessionDefaultCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all named sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(configPath, func(c *core.Core) error {
				for _, s := range c.Sessions.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.Name, s.State, s.Workdir)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

func newSessionOpenCmd() *cobra.Command {
	var configPath, dir string
	cmd := &cobra.Command{
		Use:   "open <name>",
		Short: "Open a new named session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(configPath, func(c *core.Core) error {
				if _, err := c.Sessions.Open(context.Background(), args[0], dir); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "opened %q\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory override")
	return cmd
}

func newSessionCloseCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "close <name>",
		Short: "Close a named session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(configPath, func(c *core.Core) error {
				if err := c.Sessions.Close(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "closed %q\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

func newSessionDefaultCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "default [name]",
		Short: "Get or set the default session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(configPath, func(c *core.Core) error {
				if len(args) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), c.Sessions.DefaultName())
					return nil
				}
				if err := c.Sessions.SetDefault(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "default set to %q\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

// withCore boots a Core for the duration of a single CLI invocation and
// shuts it down afterward, regardless of the inner function's outcome.
func withCore(configPath string, fn func(*core.Core) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := core.Boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("boot core: %w", err)
	}
	defer c.Shutdown(context.Background())
	return fn(c)
}
