package orchestrator

import (
	"ezserve/pkg/logging"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ServiceContext is passed to a service handler.
type ServiceContext struct {
	Name string
	Log  *logging.Logger
	Args []string
}

// ServiceHandler prepares a freshly bound listener. It runs in the service
// process before readiness is reported and must return; accept loops belong
// in goroutines it starts. The listener stays open until the process is
// terminated.
type ServiceHandler func(l net.Listener, sc ServiceContext) error

// ChildContext is passed to a child handler.
type ChildContext struct {
	Log  *logging.Logger
	Args []string
}

// ChildHandler is the body of a consumer process. Conns are connected to the
// requested services in request order and closed after it returns.
type ChildHandler func(conns []net.Conn, cc ChildContext) error

var (
	handlersMu      sync.RWMutex
	serviceHandlers = make(map[string]ServiceHandler)
	childHandlers   = make(map[string]ChildHandler)
)

// RegisterService makes a service handler available to spawned processes.
// It panics if name is empty or taken, so it belongs in init functions.
func RegisterService(name string, h ServiceHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if name == "" || h == nil {
		panic("orchestrator: invalid service handler registration")
	}
	if _, dup := serviceHandlers[name]; dup {
		panic(fmt.Sprintf("orchestrator: service handler %q registered twice", name))
	}
	serviceHandlers[name] = h
}

// RegisterChild makes a child handler available to spawned processes.
func RegisterChild(name string, h ChildHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if name == "" || h == nil {
		panic("orchestrator: invalid child handler registration")
	}
	if _, dup := childHandlers[name]; dup {
		panic(fmt.Sprintf("orchestrator: child handler %q registered twice", name))
	}
	childHandlers[name] = h
}

// An empty name means no setup at all.
func lookupService(name string) (ServiceHandler, error) {
	if name == "" {
		return func(net.Listener, ServiceContext) error { return nil }, nil
	}
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := serviceHandlers[name]
	if !ok {
		return nil, fmt.Errorf("no service handler named %q", name)
	}
	return h, nil
}

func lookupChild(name string) (ChildHandler, error) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := childHandlers[name]
	if !ok {
		return nil, fmt.Errorf("no child handler named %q", name)
	}
	return h, nil
}

// ServiceHandlers returns the registered service handler names, sorted.
func ServiceHandlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(serviceHandlers))
	for name := range serviceHandlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChildHandlers returns the registered child handler names, sorted.
func ChildHandlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(childHandlers))
	for name := range childHandlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
