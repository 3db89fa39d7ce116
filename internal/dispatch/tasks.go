package dispatch

import (
	"context"
	"errors"
	"ezserve/pkg/logging"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

var (
	ErrTaskExists    = errors.New("task already registered")
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalidTaskID = errors.New("invalid task id")
)

// TaskContext is what a task gets to work with.
type TaskContext struct {
	// Conns are open connections to the requested services, in request order.
	Conns []net.Conn
	// Host is the host the task was dispatched to, as the dispatcher named it.
	Host string
	Log  *logging.Logger
	Args []string
}

// TaskFunc is a task body.
type TaskFunc func(ctx context.Context, tc TaskContext) error

// TaskRegistry maps task ids to implementations compiled into the binary.
type TaskRegistry struct {
	mu    sync.RWMutex
	items map[string]TaskFunc
}

// NewTaskRegistry creates an empty task registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{items: make(map[string]TaskFunc)}
}

// Register adds a task. Ids are lower-case words separated by single '.', '-' or '_'.
func (r *TaskRegistry) Register(id string, fn TaskFunc) error {
	id = strings.TrimSpace(id)
	if !isValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	if fn == nil {
		return fmt.Errorf("%w: %q has no implementation", ErrInvalidTaskID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %q", ErrTaskExists, id)
	}
	r.items[id] = fn
	return nil
}

// Resolve returns the task registered under id.
func (r *TaskRegistry) Resolve(id string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	return fn, nil
}

// IDs returns registered ids in sorted order.
func (r *TaskRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var defaultTasks = NewTaskRegistry()

// DefaultTasks is the registry used by `ezserve worker`.
func DefaultTasks() *TaskRegistry { return defaultTasks }

// RegisterTask adds a task to the default registry.
func RegisterTask(id string, fn TaskFunc) error {
	return defaultTasks.Register(id, fn)
}

// MustRegisterTask is RegisterTask for init functions.
func MustRegisterTask(id string, fn TaskFunc) {
	if err := RegisterTask(id, fn); err != nil {
		panic(err)
	}
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
