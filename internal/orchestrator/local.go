package orchestrator

import (
	"ezserve/internal/dispatch"
	"ezserve/internal/registry"
	"ezserve/internal/service"
	"ezserve/pkg/logging"
	"net"
)

// RunLocal connects to names from this process and runs fn with the
// connections. Connections fn leaves open are closed afterwards, whatever
// fn returned.
func (o *Orchestrator) RunLocal(names []string, fn func(conns []net.Conn) error) error {
	return withConns(o.reg, names, o.log, fn)
}

// RunLocalHandler runs a registered child handler in this process.
func (o *Orchestrator) RunLocalHandler(names []string, handler string, args ...string) error {
	h, err := lookupChild(handler)
	if err != nil {
		return err
	}
	return o.RunLocal(names, func(conns []net.Conn) error {
		return h(conns, ChildContext{Log: o.log, Args: args})
	})
}

func withConns(reg *registry.Registry, names []string, log *logging.Logger, fn func(conns []net.Conn) error) error {
	svcs, err := reg.Lookup(names...)
	if err != nil {
		return err
	}

	conns := make([]net.Conn, 0, len(svcs))
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
		log.Info("stopped local client")
	}()

	for _, svc := range svcs {
		conn, err := svc.Connect()
		if err != nil {
			return err
		}
		log.Debug("connected to %s", svc)
		conns = append(conns, conn)
	}
	return fn(conns)
}

// LocalRunner returns the runner a dispatch worker uses: the received
// snapshot becomes a foreign registry, so nothing the task does can stop
// the services.
func LocalRunner() dispatch.LocalRunner {
	return func(descs []service.Descriptor, names []string, log *logging.Logger, fn func(conns []net.Conn) error) error {
		reg, err := registry.FromSnapshot(descs, registry.RoleForeign, registry.Options{Log: log})
		if err != nil {
			return err
		}
		defer reg.Cleanup()
		return withConns(reg, names, log, fn)
	}
}
