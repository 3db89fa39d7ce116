package orchestrator

import (
	"context"
	"ezserve/internal/address"
	"ezserve/internal/dispatch"
	"fmt"
)

// RemoteOptions describes a task to run on another host.
type RemoteOptions struct {
	Host string
	Task dispatch.Task
	// Tunnel exposes this host's TCP services to the worker through ssh -R
	// forwards instead of handing out their addresses as they are.
	Tunnel  bool
	Passive bool

	Log      dispatch.LogDestination
	LogLevel string
}

// SpawnRemote dispatches opts.Task to a worker on opts.Host with connections
// to names. The dispatch session is tracked like a child process and its pid
// (the local ssh process) is returned.
func (o *Orchestrator) SpawnRemote(ctx context.Context, names []string, opts RemoteOptions) (int, error) {
	svcs, err := o.reg.Lookup(names...)
	if err != nil {
		return 0, err
	}

	tunnels := o.Tunnels()
	descs, err := tunnels.AccessibleServices(ctx, opts.Host, svcs, opts.Tunnel)
	if err != nil {
		return 0, err
	}
	if len(descs) != len(svcs) {
		reachable := make(map[string]bool, len(descs))
		for _, d := range descs {
			reachable[d.Name] = true
		}
		for _, name := range names {
			if !reachable[name] {
				return 0, fmt.Errorf("service %q from %s: %w", name, opts.Host, address.ErrNotReachable)
			}
		}
	}

	level := opts.LogLevel
	if level == "" {
		level = o.log.Level().String()
	}
	d := &dispatch.Dispatcher{
		Runner:        tunnels.Runner(),
		RemoteCommand: o.ssh.RemoteCommand,
		Log:           o.log,
		Output:        o.remoteOutput,
	}
	sess, err := d.Dispatch(ctx, opts.Host, dispatch.Request{
		Services: descs,
		Names:    names,
		LogLevel: level,
		Log:      opts.Log,
		Task:     opts.Task,
	})
	if err != nil {
		return 0, err
	}

	o.reg.Track(sess, opts.Passive)
	o.log.Info("dispatched %s to %s", opts.Task, opts.Host)
	return sess.Pid(), nil
}

// TunnelToRemoteServices replaces every service that is not reachable from
// here with its ssh -L forwarded equivalent. The forwards live until Cleanup.
func (o *Orchestrator) TunnelToRemoteServices(ctx context.Context) error {
	thisHost := address.HostName()
	for _, svc := range o.reg.Services() {
		derived, _, err := svc.Tunnel(ctx, o.Tunnels(), thisHost)
		if err != nil {
			return err
		}
		if derived != svc {
			o.log.Info("tunneled %s as %s", svc.Name(), derived)
			o.reg.Replace(derived)
		}
	}
	return nil
}
