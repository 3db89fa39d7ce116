package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Stack describes one `ezserve run` invocation: the services to build, the
// consumers to start against them and the remote tasks to dispatch.
type Stack struct {
	Table       string              `yaml:"table,omitempty"` // Persisted table path; empty keeps the registry in memory
	Interactive bool                `yaml:"interactive,omitempty"`
	Services    []ServiceDefinition `yaml:"services,omitempty"`
	Children    []ChildDefinition   `yaml:"children,omitempty"`
	Local       []LocalDefinition   `yaml:"local,omitempty"`
	Remotes     []RemoteDefinition  `yaml:"remotes,omitempty"`
}

// ServiceDefinition declares one service process.
type ServiceDefinition struct {
	Name     string   `yaml:"name"`
	Proto    string   `yaml:"proto,omitempty"`    // "unix" (default) or "tcp"
	Handler  string   `yaml:"handler"`            // Registered service handler, e.g. "echo"
	Path     string   `yaml:"path,omitempty"`     // Unix socket path; defaults to the run's socket dir
	BindHost string   `yaml:"bindHost,omitempty"` // TCP bind host; empty means any
	Port     int      `yaml:"port,omitempty"`     // TCP port; 0 lets the OS choose
	Args     []string `yaml:"args,omitempty"`
}

// ChildDefinition declares a consumer process connected to named services.
type ChildDefinition struct {
	Handler  string   `yaml:"handler"`
	Services []string `yaml:"services"`
	Passive  bool     `yaml:"passive,omitempty"`
	Args     []string `yaml:"args,omitempty"`
}

// LocalDefinition declares a consumer that runs inside the ezserve process itself.
type LocalDefinition struct {
	Handler  string   `yaml:"handler"`
	Services []string `yaml:"services"`
	Args     []string `yaml:"args,omitempty"`
}

// RemoteDefinition declares a task dispatched to a worker on another host.
type RemoteDefinition struct {
	Host     string             `yaml:"host"`
	Task     string             `yaml:"task,omitempty"`
	External *ExternalReference `yaml:"external,omitempty"`
	Services []string           `yaml:"services"`
	Args     []string           `yaml:"args,omitempty"`
	Tunnel   bool               `yaml:"tunnel,omitempty"`   // Expose services through ssh -R forwards
	Passive  bool               `yaml:"passive,omitempty"`  // Retire the worker instead of waiting for it
	Log      string             `yaml:"log,omitempty"`      // discard, echo (default) or file
	LogFile  string             `yaml:"logFile,omitempty"`  // Remote path when log is "file"
	LogLevel string             `yaml:"logLevel,omitempty"` // Remote log level; defaults to the local one
}

// ExternalReference points at a task program already present on the remote host.
type ExternalReference struct {
	Dir   string `yaml:"dir,omitempty"`
	File  string `yaml:"file"`
	Entry string `yaml:"entry,omitempty"`
}

// LoadStack reads and validates a stack definition file.
func LoadStack(path string) (Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stack{}, fmt.Errorf("failed to read stack file %s: %w", path, err)
	}
	var stack Stack
	if err := yaml.Unmarshal(data, &stack); err != nil {
		return Stack{}, fmt.Errorf("failed to parse stack file %s: %w", path, err)
	}
	if err := stack.Validate(); err != nil {
		return Stack{}, fmt.Errorf("invalid stack file %s: %w", path, err)
	}
	return stack, nil
}

// Validate checks names, handlers and cross references. Service references are
// only checked against declared services when no table is given, since a table
// may supply services declared by another run.
func (s Stack) Validate() error {
	declared := make(map[string]bool, len(s.Services))
	for i, svc := range s.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if declared[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		declared[svc.Name] = true
		if svc.Handler == "" {
			return fmt.Errorf("service %q: handler is required", svc.Name)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return fmt.Errorf("service %q: port %d out of range", svc.Name, svc.Port)
		}
	}

	checkRefs := func(what string, names []string) error {
		if len(names) == 0 {
			return fmt.Errorf("%s: at least one service is required", what)
		}
		if s.Table != "" {
			return nil
		}
		for _, name := range names {
			if !declared[name] {
				return fmt.Errorf("%s: unknown service %q", what, name)
			}
		}
		return nil
	}

	for i, child := range s.Children {
		what := fmt.Sprintf("children[%d]", i)
		if child.Handler == "" {
			return fmt.Errorf("%s: handler is required", what)
		}
		if err := checkRefs(what, child.Services); err != nil {
			return err
		}
	}
	for i, local := range s.Local {
		what := fmt.Sprintf("local[%d]", i)
		if local.Handler == "" {
			return fmt.Errorf("%s: handler is required", what)
		}
		if err := checkRefs(what, local.Services); err != nil {
			return err
		}
	}
	for i, remote := range s.Remotes {
		what := fmt.Sprintf("remotes[%d]", i)
		if remote.Host == "" {
			return fmt.Errorf("%s: host is required", what)
		}
		switch {
		case remote.Task != "" && remote.External != nil:
			return fmt.Errorf("%s: task and external are mutually exclusive", what)
		case remote.Task == "" && remote.External == nil:
			return fmt.Errorf("%s: one of task or external is required", what)
		case remote.External != nil && remote.External.File == "":
			return fmt.Errorf("%s: external.file is required", what)
		}
		switch remote.Log {
		case "", "discard", "echo":
		case "file":
			if remote.LogFile == "" {
				return fmt.Errorf("%s: logFile is required when log is \"file\"", what)
			}
		default:
			return fmt.Errorf("%s: unknown log destination %q", what, remote.Log)
		}
		if err := checkRefs(what, remote.Services); err != nil {
			return err
		}
	}
	return nil
}
