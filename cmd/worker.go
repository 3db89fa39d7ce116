package cmd

import (
	"context"
	"ezserve/internal/address"
	"ezserve/internal/dispatch"
	"ezserve/internal/orchestrator"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run tasks sent over stdin (started by ezserve over ssh)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			w := &dispatch.Worker{
				In:       os.Stdin,
				Out:      os.Stdout,
				Tasks:    dispatch.DefaultTasks(),
				RunLocal: orchestrator.LocalRunner(),
				Log:      log,
			}
			return w.Serve(ctx)
		},
	}
}

func newFreePortCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "free-port [host]",
		Short:  "Print a TCP port that is free on this host",
		Hidden: true,
		Args:   cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := ""
			if len(args) == 1 {
				host = args[0]
			}
			port, err := address.FreePort(host)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}
}
