package orchestrator

import (
	"ezserve/internal/registry"
	"ezserve/internal/service"
	"ezserve/pkg/logging"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// spawnEnv carries the YAML spawn spec to a re-executed process.
const spawnEnv = "EZSERVE_SPAWN"

// handoffFD is the pipe a spawned service writes its descriptor to.
const handoffFD = 3

const (
	kindService = "service"
	kindChild   = "child"
)

// spawnSpec tells a re-executed process what to be.
type spawnSpec struct {
	Kind    string   `yaml:"kind"`
	Handler string   `yaml:"handler,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// Service is the desired address of a service to bind.
	Service      service.Descriptor `yaml:"service,omitempty"`
	MaxBindTries int                `yaml:"maxBindTries,omitempty"`

	// Services is the sibling snapshot a child connects from.
	Services []service.Descriptor `yaml:"services,omitempty"`
	Names    []string             `yaml:"names,omitempty"`

	LogLevel    string `yaml:"logLevel,omitempty"`
	LogLabel    string `yaml:"logLabel,omitempty"`
	Interactive bool   `yaml:"interactive,omitempty"`
}

// Reexec runs the spawned role requested through the environment and exits.
// It returns false when the process was not spawned by an orchestrator.
func Reexec() bool {
	raw, ok := os.LookupEnv(spawnEnv)
	if !ok {
		return false
	}
	os.Unsetenv(spawnEnv)
	os.Exit(runSpawned(raw))
	return true
}

func runSpawned(raw string) int {
	var spec spawnSpec
	if err := yaml.Unmarshal([]byte(raw), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "ezserve: invalid %s: %v\n", spawnEnv, err)
		return 2
	}

	level, err := logging.ParseLevel(spec.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	log := logging.InitForCLI(level, os.Stderr)
	log.SetLabel(spec.LogLabel)

	if spec.Interactive {
		signal.Ignore(os.Interrupt)
	}

	switch spec.Kind {
	case kindService:
		err = runServiceProcess(spec, log)
	case kindChild:
		err = runChildProcess(spec, log)
	default:
		err = fmt.Errorf("unknown spawn kind %q", spec.Kind)
	}
	if err != nil {
		log.Error(err, "%s %q failed", spec.Kind, spec.Handler)
		return 1
	}
	return 0
}

// runServiceProcess binds, runs the handler, reports the bound descriptor
// over the handoff pipe and parks until SIGTERM.
func runServiceProcess(spec spawnSpec, log *logging.Logger) error {
	// Anything the handler executes must not hold the parent's pipe open.
	unix.CloseOnExec(handoffFD)
	handoff := os.NewFile(handoffFD, "handoff")
	if handoff == nil {
		return fmt.Errorf("handoff pipe fd %d is missing", handoffFD)
	}
	defer handoff.Close()

	h, err := lookupService(spec.Handler)
	if err != nil {
		return err
	}
	svc, err := service.FromDescriptor(spec.Service)
	if err != nil {
		return err
	}

	l, err := svc.Serve(spec.MaxBindTries, log)
	if err != nil {
		return err
	}
	// The owner removes the socket file during its cleanup.
	if ul, ok := l.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	defer l.Close()

	if err := h(l, ServiceContext{Name: svc.Name(), Log: log, Args: spec.Args}); err != nil {
		return fmt.Errorf("%s: %w", svc, err)
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)

	data, err := yaml.Marshal(svc.Descriptor())
	if err != nil {
		return err
	}
	if _, err := handoff.Write(data); err != nil {
		return fmt.Errorf("failed to report address of %s: %w", svc, err)
	}
	handoff.Close()
	log.Debug("%s is ready", svc)

	<-term
	log.Debug("%s is stopping", svc)
	return nil
}

// runChildProcess connects to the named services from the sibling snapshot
// and runs the child handler.
func runChildProcess(spec spawnSpec, log *logging.Logger) error {
	h, err := lookupChild(spec.Handler)
	if err != nil {
		return err
	}
	reg, err := registry.FromSnapshot(spec.Services, registry.RoleSibling, registry.Options{Log: log})
	if err != nil {
		return err
	}
	defer reg.Cleanup()

	return withConns(reg, spec.Names, log, func(conns []net.Conn) error {
		return h(conns, ChildContext{Log: log, Args: spec.Args})
	})
}
