package orchestrator

import (
	"ezserve/internal/config"
	"ezserve/internal/registry"
	"ezserve/internal/service"
	"ezserve/internal/tunnel"
	"ezserve/pkg/logging"
	"io"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/multierr"
)

// Options configures an Orchestrator.
type Options struct {
	// TablePath persists the registry. Empty keeps it in memory.
	TablePath string
	// SocketDir is the parent of the per-run socket directory.
	SocketDir string
	// MaxBindTries bounds bind attempts per service.
	MaxBindTries int
	// Interactive makes spawned processes ignore SIGINT and guards Cleanup
	// against it.
	Interactive bool
	Log         *logging.Logger

	// SSH configures the tunnel manager and the dispatcher.
	SSH config.SSHConfig
	// Tunnels overrides the tunnel manager built from SSH.
	Tunnels *tunnel.Manager
	// RemoteOutput receives lines relayed from remote workers. When nil
	// they are logged.
	RemoteOutput io.Writer
}

// Orchestrator owns a registry and everything started against it.
type Orchestrator struct {
	reg          *registry.Registry
	log          *logging.Logger
	maxBindTries int
	interactive  bool
	ssh          config.SSHConfig
	remoteOutput io.Writer

	tunnelsOnce sync.Once
	tunnels     *tunnel.Manager
}

// New creates an orchestrator around a fresh registry, or around the table at
// opts.TablePath if it exists.
func New(opts Options) (*Orchestrator, error) {
	o := newOrchestrator(opts)
	reg, err := registry.New(o.registryOptions(opts))
	if err != nil {
		return nil, err
	}
	o.reg = reg
	return o, nil
}

// FromSnapshot creates an orchestrator around descriptors received from
// elsewhere, with the given role.
func FromSnapshot(descs []service.Descriptor, role registry.Role, opts Options) (*Orchestrator, error) {
	o := newOrchestrator(opts)
	reg, err := registry.FromSnapshot(descs, role, o.registryOptions(opts))
	if err != nil {
		return nil, err
	}
	o.reg = reg
	return o, nil
}

func newOrchestrator(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	maxTries := opts.MaxBindTries
	if maxTries <= 0 {
		maxTries = config.DefaultMaxBindTries
	}
	return &Orchestrator{
		log:          log,
		maxBindTries: maxTries,
		interactive:  opts.Interactive,
		ssh:          opts.SSH,
		tunnels:      opts.Tunnels,
		remoteOutput: opts.RemoteOutput,
	}
}

func (o *Orchestrator) registryOptions(opts Options) registry.Options {
	return registry.Options{TablePath: opts.TablePath, SocketDir: opts.SocketDir, Log: o.log}
}

// Run creates an orchestrator, runs fn with it and always cleans up. An error
// from fn is logged and returned even if cleanup fails too.
func Run(opts Options, fn func(o *Orchestrator) error) error {
	o, err := New(opts)
	if err != nil {
		return err
	}

	err = fn(o)
	if err != nil {
		o.log.Error(err, "run failed, cleaning up")
	}
	if cerr := o.Cleanup(); cerr != nil {
		o.log.Error(cerr, "cleanup failed")
		if err == nil {
			err = cerr
		}
	}
	return err
}

// Registry returns the orchestrator's registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Log returns the orchestrator's logger.
func (o *Orchestrator) Log() *logging.Logger { return o.log }

// StartServices runs builder if this process owns the registry and persists
// the table once it returns.
func (o *Orchestrator) StartServices(builder func() error) error {
	return o.reg.StartServices(builder)
}

// Tunnels returns the tunnel manager, creating it on first use.
func (o *Orchestrator) Tunnels() *tunnel.Manager {
	o.tunnelsOnce.Do(func() {
		if o.tunnels != nil {
			return
		}
		o.tunnels = tunnel.New(tunnel.Options{
			Runner: &tunnel.ExecRunner{
				Binary:  o.ssh.Binary,
				Options: o.ssh.Options,
				Detach:  o.interactive,
				Log:     o.log,
			},
			RemoteCommand:    o.ssh.RemoteCommand,
			HandshakeTimeout: o.ssh.HandshakeTimeout,
			ForwardRetries:   o.ssh.ForwardRetries,
			Log:              o.log,
		})
	})
	return o.tunnels
}

// Cleanup tears down the registry and then releases tunnels. It is safe to
// call more than once.
func (o *Orchestrator) Cleanup() error {
	if o.interactive {
		stop := o.guardInterrupt()
		defer stop()
	}

	err := o.reg.Cleanup()

	o.tunnelsOnce.Do(func() {})
	if o.tunnels != nil {
		err = multierr.Append(err, o.tunnels.Close())
	}
	return err
}

// guardInterrupt swallows SIGINT until the returned func restores the
// previous disposition.
func (o *Orchestrator) guardInterrupt() func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				o.log.Warn("interrupt received while cleaning up, ignoring it")
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
