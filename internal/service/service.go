// Package service implements named socket endpoints that can be served by
// one process and connected to by others.
//
// A Service is created with a desired address, bound by Serve (which records
// the address actually obtained and the serving pid) and torn down by Cleanup.
// Descriptor is the serializable form handed between processes and hosts.
package service

import (
	"context"
	"errors"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"net"
)

var (
	// ErrAddrInUse is returned by Serve when every bind attempt hit an address in use.
	ErrAddrInUse = errors.New("address already in use")
	// ErrUnknownProtocol is returned for protocols other than unix and tcp.
	ErrUnknownProtocol = errors.New("unknown socket protocol")
)

// Protocol selects the service variant.
type Protocol string

const (
	ProtoUnix Protocol = "unix"
	ProtoTCP  Protocol = "tcp"
)

// ParseProtocol maps a textual protocol to a Protocol; empty means unix.
func ParseProtocol(raw string) (Protocol, error) {
	switch Protocol(raw) {
	case "", ProtoUnix:
		return ProtoUnix, nil
	case ProtoTCP:
		return ProtoTCP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, raw)
	}
}

// Forwarder opens an ssh -L forward from this host through sshHost to
// targetHost:port and reports the local port it listens on.
type Forwarder interface {
	LocalForward(ctx context.Context, sshHost, targetHost string, port int) (int, io.Closer, error)
}

// Service is a named listening endpoint.
type Service interface {
	Name() string
	Proto() Protocol
	// PID is the serving process, zero until Serve succeeds.
	PID() int

	// Serve binds the service, bumping the address on conflicts up to maxTries attempts.
	Serve(maxTries int, log *logging.Logger) (net.Listener, error)
	// Connect dials the service. Failures are annotated, never retried.
	Connect() (net.Conn, error)
	// Cleanup stops the serving process and removes leftover files.
	Cleanup(log *logging.Logger) error
	// Tunnel returns a service reachable from thisHost, opening a forward
	// through fwd when needed. The closer is nil when no forward was opened.
	Tunnel(ctx context.Context, fwd Forwarder, thisHost string) (Service, io.Closer, error)

	Descriptor() Descriptor
	String() string
}

// Options is the desired address of a new service.
type Options struct {
	Path        string // unix
	BindHost    string // tcp; empty binds all interfaces
	ConnectHost string // tcp; derived from BindHost when empty
	Port        int    // tcp; 0 lets the OS choose
}

// New creates an unbound service.
func New(name string, proto Protocol, opts Options) (Service, error) {
	switch proto {
	case ProtoUnix:
		return &UnixService{name: name, path: opts.Path}, nil
	case ProtoTCP:
		return &TCPService{
			name:        name,
			bindHost:    opts.BindHost,
			connectHost: opts.ConnectHost,
			port:        opts.Port,
		}, nil
	default:
		return nil, fmt.Errorf("service %q: %w: %q", name, ErrUnknownProtocol, proto)
	}
}

// Descriptor is the wire and file form of a service.
type Descriptor struct {
	Name        string   `yaml:"name" msgpack:"name"`
	Proto       Protocol `yaml:"proto" msgpack:"proto"`
	PID         int      `yaml:"pid,omitempty" msgpack:"pid,omitempty"`
	Path        string   `yaml:"path,omitempty" msgpack:"path,omitempty"`
	BindHost    string   `yaml:"bindHost,omitempty" msgpack:"bind_host,omitempty"`
	ConnectHost string   `yaml:"connectHost,omitempty" msgpack:"connect_host,omitempty"`
	Host        string   `yaml:"host,omitempty" msgpack:"host,omitempty"`
	Port        int      `yaml:"port,omitempty" msgpack:"port,omitempty"`
}

// FromDescriptor rebuilds the service variant a descriptor was taken from.
func FromDescriptor(d Descriptor) (Service, error) {
	switch d.Proto {
	case ProtoUnix:
		return &UnixService{name: d.Name, path: d.Path, pid: d.PID}, nil
	case ProtoTCP:
		return &TCPService{
			name:        d.Name,
			bindHost:    d.BindHost,
			connectHost: d.ConnectHost,
			host:        d.Host,
			port:        d.Port,
			pid:         d.PID,
		}, nil
	default:
		return nil, fmt.Errorf("service %q: %w: %q", d.Name, ErrUnknownProtocol, d.Proto)
	}
}
