package orchestrator

import (
	"ezserve/internal/procutil"
	"ezserve/internal/registry"
	"ezserve/internal/service"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"
)

// command prepares a re-execution of the current binary for spec.
func (o *Orchestrator) command(spec spawnSpec) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}

	spec.LogLevel = strings.ToLower(o.log.Level().String())
	spec.Interactive = o.interactive
	data, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spawn spec: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), spawnEnv+"="+string(data))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = procutil.SysProcAttr(o.interactive)
	return cmd, nil
}

// SpawnService starts a process serving name and returns the service with
// its bound address. A Unix service without a path gets one in the
// registry's socket directory. handler names a registered ServiceHandler;
// empty means the process only binds.
//
// The service is added to the registry, so this is normally called from a
// StartServices builder.
func (o *Orchestrator) SpawnService(name string, proto service.Protocol, opts service.Options, handler string, args ...string) (service.Service, error) {
	if _, err := o.reg.Get(name); err == nil {
		return nil, fmt.Errorf("%q: %w", name, registry.ErrDuplicateService)
	}
	if proto == service.ProtoUnix && opts.Path == "" {
		path, err := o.reg.SocketPath(name)
		if err != nil {
			return nil, err
		}
		opts.Path = path
	}
	desired, err := service.New(name, proto, opts)
	if err != nil {
		return nil, err
	}

	cmd, err := o.command(spawnSpec{
		Kind:         kindService,
		Handler:      handler,
		Args:         args,
		Service:      desired.Descriptor(),
		MaxBindTries: o.maxBindTries,
		LogLabel:     name,
	})
	if err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create handoff pipe: %w", err)
	}
	defer r.Close()
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to start service %q: %w", name, err)
	}
	w.Close()

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	data, readErr := io.ReadAll(r)
	if readErr != nil || len(data) == 0 {
		<-exited
		if waitErr == nil {
			waitErr = readErr
		}
		return nil, fmt.Errorf("service %q failed to start (pid %d): %v", name, cmd.Process.Pid, waitErr)
	}

	var desc service.Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		cmd.Process.Kill()
		<-exited
		return nil, fmt.Errorf("service %q sent an invalid descriptor: %w", name, err)
	}
	svc, err := service.FromDescriptor(desc)
	if err != nil {
		cmd.Process.Kill()
		<-exited
		return nil, err
	}
	service.WatchExit(desc.PID, exited)

	if err := o.reg.Add(svc); err != nil {
		// Not registered, so no cleanup would ever stop it.
		cmd.Process.Signal(syscall.SIGTERM)
		<-exited
		return nil, err
	}
	o.log.Info("started %s", svc)
	return svc, nil
}

// SpawnChild starts a consumer process that connects to names and runs the
// registered child handler. Passive children are terminated at cleanup
// instead of being waited for.
func (o *Orchestrator) SpawnChild(names []string, passive bool, handler string, args ...string) (int, error) {
	if _, err := o.reg.Lookup(names...); err != nil {
		return 0, err
	}

	cmd, err := o.command(spawnSpec{
		Kind:     kindChild,
		Handler:  handler,
		Args:     args,
		Services: o.reg.Snapshot(),
		Names:    names,
		LogLabel: handler,
	})
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start child %q: %w", handler, err)
	}

	p := newChildProcess(cmd)
	o.reg.Track(p, passive)
	o.log.Debug("started child %q pid=%d passive=%t", handler, p.Pid(), passive)
	return p.Pid(), nil
}

// childProcess adapts a started exec.Cmd to registry.Process.
type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	mu         sync.Mutex
	terminated bool
}

func newChildProcess(cmd *exec.Cmd) *childProcess {
	p := &childProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *childProcess) Pid() int { return p.cmd.Process.Pid }

func (p *childProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.mu.Lock()
		p.terminated = true
		p.mu.Unlock()
	}
	return p.cmd.Process.Signal(sig)
}

// Wait returns the child's exit error. Dying from our own SIGTERM is not
// an error.
func (p *childProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	terminated := p.terminated
	p.mu.Unlock()
	if terminated && procutil.TerminatedBy(p.err, syscall.SIGTERM) {
		return nil
	}
	return p.err
}
