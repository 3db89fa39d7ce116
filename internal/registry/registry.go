// Package registry holds the name to service mapping of one coordinated
// process group, its persisted table and the processes that depend on it.
//
// Exactly one process is the owner of a registry: it builds the services,
// writes the table once they are all bound and tears everything down at the
// end. Spawned consumers get a sibling copy and processes that load the table
// (from a file or over the dispatch protocol) get a foreign copy. Neither ever
// stops a service.
package registry

import (
	"errors"
	"ezserve/internal/service"
	"ezserve/pkg/logging"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Role is fixed when the registry is constructed.
type Role int

const (
	RoleOwner Role = iota
	RoleSibling
	RoleForeign
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleSibling:
		return "sibling"
	case RoleForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// Process is a tracked child: a spawned consumer or a remote dispatch session.
type Process interface {
	Pid() int
	Signal(os.Signal) error
	Wait() error
}

// Options configures a registry.
type Options struct {
	// TablePath is where the table is persisted. Empty keeps it in memory.
	TablePath string
	// SocketDir is the parent of the per-run socket directory. Empty uses os.TempDir().
	SocketDir string
	Log       *logging.Logger
}

// Registry maps service names to services.
type Registry struct {
	mu sync.Mutex

	role      Role
	tablePath string
	socketDir string
	log       *logging.Logger

	services  map[string]service.Service
	persisted bool

	tmpdir      string
	sockCounter int

	active  []Process
	passive []Process
	cleaned bool
}

// New creates a fresh owner registry, or loads the table at opts.TablePath.
// A missing table also yields an owner that remembers the path; a loaded one
// yields a foreign registry.
func New(opts Options) (*Registry, error) {
	r := newRegistry(RoleOwner, opts)
	if opts.TablePath == "" {
		return r, nil
	}

	descs, err := readTable(opts.TablePath)
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Debug("no service table at %s, creating one", opts.TablePath)
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	r.role = RoleForeign
	if err := r.load(descs); err != nil {
		return nil, err
	}
	r.log.Debug("loaded %d services from %s", len(descs), opts.TablePath)
	return r, nil
}

// FromSnapshot builds a registry from descriptors received from elsewhere.
// The role is taken as given.
func FromSnapshot(descs []service.Descriptor, role Role, opts Options) (*Registry, error) {
	r := newRegistry(role, opts)
	if err := r.load(descs); err != nil {
		return nil, err
	}
	return r, nil
}

func newRegistry(role Role, opts Options) *Registry {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{
		role:      role,
		tablePath: opts.TablePath,
		socketDir: opts.SocketDir,
		log:       log,
		services:  make(map[string]service.Service),
	}
}

func (r *Registry) load(descs []service.Descriptor) error {
	for _, d := range descs {
		svc, err := service.FromDescriptor(d)
		if err != nil {
			return err
		}
		r.services[d.Name] = svc
	}
	return nil
}

func (r *Registry) Role() Role        { return r.role }
func (r *Registry) IsOwner() bool     { return r.role == RoleOwner }
func (r *Registry) TablePath() string { return r.tablePath }

// StartServices runs builder and persists the resulting table. It does
// nothing unless this registry is the owner. With a table path, creation is
// guarded by the lock marker; losing the race, or finding a finished table,
// is ErrTableExists.
func (r *Registry) StartServices(builder func() error) error {
	if !r.IsOwner() {
		r.log.Debug("not starting services, registry is %s", r.role)
		return nil
	}
	r.log.Debug("starting services")

	if r.tablePath == "" {
		return builder()
	}

	release, err := acquireLock(r.tablePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			r.log.Warn("failed to remove lock for %s: %v", r.tablePath, err)
		}
	}()

	if _, err := os.Stat(r.tablePath); err == nil {
		return fmt.Errorf("%s: %w", r.tablePath, ErrTableExists)
	}

	if err := builder(); err != nil {
		return err
	}

	if err := writeTable(r.tablePath, r.Snapshot()); err != nil {
		return err
	}
	r.mu.Lock()
	r.persisted = true
	r.mu.Unlock()
	r.log.Debug("wrote service table %s", r.tablePath)
	return nil
}

// Add registers a bound service.
func (r *Registry) Add(svc service.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.Name()]; ok {
		return fmt.Errorf("%q: %w", svc.Name(), ErrDuplicateService)
	}
	r.services[svc.Name()] = svc
	return nil
}

// Replace swaps in a derived service (e.g. a tunneled one) under the same name.
func (r *Registry) Replace(svc service.Service) {
	r.mu.Lock()
	r.services[svc.Name()] = svc
	r.mu.Unlock()
}

// Get returns the named service.
func (r *Registry) Get(name string) (service.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownService)
	}
	return svc, nil
}

// MustGet is Get for names the caller has just registered.
func (r *Registry) MustGet(name string) service.Service {
	svc, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return svc
}

// Lookup resolves several names, failing on the first unknown one.
func (r *Registry) Lookup(names ...string) ([]service.Service, error) {
	svcs := make([]service.Service, 0, len(names))
	for _, name := range names {
		svc, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}
	return svcs, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Services returns the registered services sorted by name.
func (r *Registry) Services() []service.Service {
	names := r.Names()
	r.mu.Lock()
	defer r.mu.Unlock()
	svcs := make([]service.Service, 0, len(names))
	for _, name := range names {
		svcs = append(svcs, r.services[name])
	}
	return svcs
}

// Snapshot returns the descriptors of all services sorted by name.
func (r *Registry) Snapshot() []service.Descriptor {
	svcs := r.Services()
	descs := make([]service.Descriptor, 0, len(svcs))
	for _, svc := range svcs {
		descs = append(descs, svc.Descriptor())
	}
	return descs
}

// SocketPath chooses a socket path for name inside a per-run temporary
// directory, creating the directory on first use.
func (r *Registry) SocketPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tmpdir == "" {
		dir, err := os.MkdirTemp(r.socketDir, "ezserve-")
		if err != nil {
			return "", fmt.Errorf("failed to create socket directory: %w", err)
		}
		r.tmpdir = dir
	}
	path := filepath.Join(r.tmpdir, fmt.Sprintf("sock-%d-%s", r.sockCounter, name))
	r.sockCounter++
	return path, nil
}

// Track records a child process for cleanup. Passive children are
// terminated during cleanup; active ones are waited for.
func (r *Registry) Track(p Process, passive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if passive {
		r.passive = append(r.passive, p)
	} else {
		r.active = append(r.active, p)
	}
}
