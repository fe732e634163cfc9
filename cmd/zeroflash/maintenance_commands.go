package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"zeroflash/internal/ipc"
)

func newClearErrorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-error",
		Short: "Acknowledge the last failed operation so new ones may start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ctx.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.ClearError(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device error cleared")
			return nil
		},
	}
}

func newStreamCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "stream <on|off>",
		Short:     "Turn screen streaming on or off in the daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(strings.TrimSpace(args[0])) {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Stream(on); err != nil {
					return err
				}
				state := "disabled"
				if on {
					state = "enabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Screen streaming %s\n", state)
				return nil
			})
		},
	}
}
