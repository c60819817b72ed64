package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wayfarer-labs/relay/internal/core"
)

func newHistoryCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "history <name> [n]",
		Short: "Show recent turns for a named session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 20
			if len(args) == 2 {
				parsed, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid count %q: %w", args[1], err)
				}
				n = parsed
			}
			return withCore(configPath, func(c *core.Core) error {
				for _, e := range c.History.Recent(args[0], n) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", e.Direction, e.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}
