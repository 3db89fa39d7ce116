package service

import (
	"context"
	"errors"
	"ezserve/internal/address"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
)

// UnixService is a service listening on a Unix-domain socket.
type UnixService struct {
	name string
	path string
	pid  int
}

func (s *UnixService) Name() string    { return s.name }
func (s *UnixService) Proto() Protocol { return ProtoUnix }
func (s *UnixService) PID() int        { return s.pid }

// Path is the socket path; after Serve it is the path actually bound.
func (s *UnixService) Path() string { return s.path }

func (s *UnixService) String() string {
	return fmt.Sprintf("%s(unix:%s pid=%d)", s.name, s.path, s.pid)
}

func (s *UnixService) Serve(maxTries int, log *logging.Logger) (net.Listener, error) {
	if s.path == "" {
		return nil, fmt.Errorf("%s: no socket path", s)
	}
	l, err := listenWithRetry(s, maxTries, log,
		func() (net.Listener, error) { return net.Listen("unix", s.path) },
		func() { s.path = address.BumpSocketPath(s.path) })
	if err != nil {
		return nil, err
	}

	found := l.Addr().String()
	log.Debug("%s is listening at %s", s, found)
	if found != s.path {
		log.Error(nil, "Unexpected path: %s != %s", found, s.path)
	}
	s.pid = os.Getpid()
	return l, nil
}

func (s *UnixService) Connect() (net.Conn, error) {
	conn, err := net.Dial("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s, err)
	}
	return conn, nil
}

func (s *UnixService) Cleanup(log *logging.Logger) error {
	stopErr := stopProcess(s.name, s.pid, log)

	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("socket %s was removed already", s.path)
		} else if stopErr == nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	return stopErr
}

// Tunnel returns s unchanged; Unix sockets are only reachable on this host.
func (s *UnixService) Tunnel(context.Context, Forwarder, string) (Service, io.Closer, error) {
	return s, nil, nil
}

func (s *UnixService) Descriptor() Descriptor {
	return Descriptor{Name: s.name, Proto: ProtoUnix, PID: s.pid, Path: s.path}
}
