package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wayfarer-labs/relay/internal/core"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and cancel queued jobs",
	}
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the message queue's current snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(configPath, func(c *core.Core) error {
				for _, j := range c.Queue.Snapshot() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tpos=%d\n", j.ID, j.Status, j.SessionName, j.Position)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

func newJobCancelCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a waiting job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(configPath, func(c *core.Core) error {
				if err := c.Queue.Cancel(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}
