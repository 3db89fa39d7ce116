package service

import (
	"context"
	"errors"
	"ezserve/internal/address"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// TCPService is a service listening on a TCP port.
type TCPService struct {
	name        string
	bindHost    string
	connectHost string
	host        string // host the service runs on, the ssh target for tunnels
	port        int
	pid         int
}

func (s *TCPService) Name() string    { return s.name }
func (s *TCPService) Proto() Protocol { return ProtoTCP }
func (s *TCPService) PID() int        { return s.pid }

func (s *TCPService) BindHost() string    { return s.bindHost }
func (s *TCPService) ConnectHost() string { return s.connectHost }
func (s *TCPService) Host() string        { return s.host }
func (s *TCPService) Port() int           { return s.port }

func (s *TCPService) String() string {
	return fmt.Sprintf("%s(tcp bind=%s connect=%s port=%d pid=%d)", s.name, s.bindHost, s.connectHost, s.port, s.pid)
}

func (s *TCPService) Serve(maxTries int, log *logging.Logger) (net.Listener, error) {
	l, err := listenWithRetry(s, maxTries, log,
		func() (net.Listener, error) {
			host := s.bindHost
			if strings.EqualFold(host, "<any>") {
				host = ""
			}
			return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(s.port)))
		},
		func() {
			if s.port != 0 {
				s.port++
			}
		})
	if err != nil {
		return nil, err
	}

	bound := l.Addr().(*net.TCPAddr)
	log.Debug("%s is listening at %s", s, bound)
	s.port = bound.Port
	if s.bindHost == "" {
		s.bindHost = bound.IP.String()
	}
	if s.connectHost == "" {
		s.connectHost = defaultConnectHost(s.bindHost)
	}
	s.host = address.HostName()
	s.pid = os.Getpid()
	return l, nil
}

// defaultConnectHost is the form other hosts can use, falling back to
// localhost for loopback binds that are unreachable from elsewhere.
func defaultConnectHost(bindHost string) string {
	host, err := address.ConnectHost(bindHost, address.ScopeRemote)
	if errors.Is(err, address.ErrNotReachable) {
		return "localhost"
	}
	return host
}

// dialHost turns this host's own public name back into localhost when the
// service listens on loopback or all interfaces.
func (s *TCPService) dialHost() string {
	if address.IsLocal(s.connectHost) && (address.IsAny(s.bindHost) || address.IsLoopback(s.bindHost)) {
		return "localhost"
	}
	return s.connectHost
}

func (s *TCPService) Connect() (net.Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(s.dialHost(), strconv.Itoa(s.port)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s, err)
	}
	return conn, nil
}

func (s *TCPService) Cleanup(log *logging.Logger) error {
	return stopProcess(s.name, s.pid, log)
}

func (s *TCPService) Tunnel(ctx context.Context, fwd Forwarder, thisHost string) (Service, io.Closer, error) {
	sshHost := s.host
	if sshHost == "" {
		sshHost = s.connectHost
	}
	if reachableFrom(s.connectHost, thisHost) && reachableFrom(sshHost, thisHost) {
		return s, nil, nil
	}

	lport, closer, err := fwd.LocalForward(ctx, sshHost, address.ForwardTarget(s.bindHost), s.port)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", s, err)
	}

	return &TCPService{
		name:        s.name,
		bindHost:    s.bindHost,
		connectHost: "localhost",
		host:        thisHost,
		port:        lport,
		pid:         s.pid,
	}, closer, nil
}

func reachableFrom(host, thisHost string) bool {
	return address.IsLoopback(host) || (thisHost != "" && strings.EqualFold(host, thisHost))
}

func (s *TCPService) Descriptor() Descriptor {
	return Descriptor{
		Name:        s.name,
		Proto:       ProtoTCP,
		PID:         s.pid,
		BindHost:    s.bindHost,
		ConnectHost: s.connectHost,
		Host:        s.host,
		Port:        s.port,
	}
}
