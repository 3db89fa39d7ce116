package cmd

import (
	"ezserve/internal/orchestrator"
	"fmt"

	"github.com/spf13/cobra"
)

func newTunnelCmd() *cobra.Command {
	var (
		handler  string
		services []string
		passive  bool
	)
	tunnelCmd := &cobra.Command{
		Use:   "tunnel <table.yaml> [args...]",
		Short: "Reach the services of a table on another host through ssh -L forwards",
		Long: `Loads a service table written on another host (copy it over or use a
shared filesystem), forwards every service that is not reachable from here
through ssh and runs a child handler against the forwarded services.

The forwards are released when the handler is done.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, handlerArgs := args[0], args[1:]
			if _, err := loadTable(table); err != nil {
				return err
			}

			return orchestrator.Run(orchestratorOptions(table, false), func(o *orchestrator.Orchestrator) error {
				if err := o.TunnelToRemoteServices(cmd.Context()); err != nil {
					return err
				}
				names := services
				if len(names) == 0 {
					names = o.Registry().Names()
				}
				if len(names) == 0 {
					return fmt.Errorf("table %s has no services", table)
				}
				renderServices(cmd.OutOrStdout(), o.Registry().Services())
				_, err := o.SpawnChild(names, passive, handler, handlerArgs...)
				return err
			})
		},
	}
	tunnelCmd.Flags().StringVar(&handler, "handler", "hello", "Child handler to run against the tunneled services")
	tunnelCmd.Flags().StringSliceVar(&services, "services", nil, "Services to connect to (default: all)")
	tunnelCmd.Flags().BoolVar(&passive, "passive", false, "Terminate the child instead of waiting for it")
	return tunnelCmd
}
