package cmd

import (
	"context"
	"ezserve/internal/config"
	"ezserve/internal/dispatch"
	"ezserve/internal/orchestrator"
	"ezserve/internal/service"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <stack.yaml>",
		Short: "Start the services and consumers declared in a stack file",
		Long: `Starts every service declared in the stack file, then the child processes,
local consumers and remote tasks that use them. ezserve waits for the active
consumers to finish, stops passive ones and then stops the services.

When the stack names a table file, the table is written once all services are
bound. A second run with the same table reuses the running services instead
of starting its own.

Example stack:

  table: /tmp/services.yaml
  services:
    - name: adder
      proto: tcp
      handler: adder
    - name: multiplier
      proto: tcp
      handler: multiplier
  remotes:
    - host: user@far
      task: sum-product
      services: [adder, multiplier]
      tunnel: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := config.LoadStack(args[0])
			if err != nil {
				return err
			}
			return runStack(cmd.Context(), stack)
		},
	}
}

func orchestratorOptions(table string, interactive bool) orchestrator.Options {
	return orchestrator.Options{
		TablePath:    table,
		SocketDir:    cfg.Services.SocketDir,
		MaxBindTries: cfg.Services.MaxBindTries,
		Interactive:  interactive || cfg.Interactive,
		Log:          log,
		SSH:          cfg.SSH,
		RemoteOutput: os.Stderr,
	}
}

func runStack(ctx context.Context, stack config.Stack) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return orchestrator.Run(orchestratorOptions(stack.Table, stack.Interactive), func(o *orchestrator.Orchestrator) error {
		err := o.StartServices(func() error {
			for _, def := range stack.Services {
				if _, err := spawnDefinedService(o, def); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, def := range stack.Children {
			if _, err := o.SpawnChild(def.Services, def.Passive, def.Handler, def.Args...); err != nil {
				return err
			}
		}
		for _, def := range stack.Remotes {
			if _, err := o.SpawnRemote(ctx, def.Services, remoteOptions(def)); err != nil {
				return fmt.Errorf("remote %s: %w", def.Host, err)
			}
		}
		for _, def := range stack.Local {
			if err := o.RunLocalHandler(def.Services, def.Handler, def.Args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func spawnDefinedService(o *orchestrator.Orchestrator, def config.ServiceDefinition) (service.Service, error) {
	proto := service.ProtoUnix
	if def.Proto != "" {
		var err error
		if proto, err = service.ParseProtocol(def.Proto); err != nil {
			return nil, fmt.Errorf("service %q: %w", def.Name, err)
		}
	}
	opts := service.Options{Path: def.Path, BindHost: def.BindHost, Port: def.Port}
	return o.SpawnService(def.Name, proto, opts, def.Handler, def.Args...)
}

func remoteOptions(def config.RemoteDefinition) orchestrator.RemoteOptions {
	task := dispatch.Task{ID: def.Task, Args: def.Args}
	if def.External != nil {
		task = dispatch.Task{Dir: def.External.Dir, File: def.External.File, Entry: def.External.Entry, Args: def.Args}
	}

	dest := dispatch.LogDestination{Kind: dispatch.LogEcho}
	switch def.Log {
	case dispatch.LogDiscard:
		dest.Kind = dispatch.LogDiscard
	case dispatch.LogFile:
		dest = dispatch.LogDestination{Kind: dispatch.LogFile, Path: def.LogFile}
	}

	return orchestrator.RemoteOptions{
		Host:     def.Host,
		Task:     task,
		Tunnel:   def.Tunnel,
		Passive:  def.Passive,
		Log:      dest,
		LogLevel: def.LogLevel,
	}
}
