// Package address computes bind and connect hosts for services.
//
// The resolution rules are:
//
//	bind host            | local       | remote TCP         | via ssh tunnel
//	---------------------+-------------+--------------------+---------------
//	localhost, 127.0.0.1 | localhost   | not reachable      | localhost
//	unset, 0.0.0.0, ::   | localhost   | HostName()         | localhost
//	explicit hostname    | hostname    | hostname           | localhost
//
// Unix sockets have no remote form and never pass through here.
package address

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ErrNotReachable is returned when a bind host cannot be reached from another host.
var ErrNotReachable = errors.New("address not reachable from another host")

// Scope says from where a peer is going to connect.
type Scope int

const (
	// ScopeLocal is a peer on the serving host.
	ScopeLocal Scope = iota
	// ScopeRemote is a peer on another host connecting over plain TCP.
	ScopeRemote
	// ScopeTunnel is a peer reaching the service through an ssh forward.
	ScopeTunnel
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeRemote:
		return "remote"
	case ScopeTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// IsLoopback reports whether host names the loopback interface.
func IsLoopback(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// IsAny reports whether host is a wildcard bind address.
func IsAny(host string) bool {
	switch strings.ToLower(host) {
	case "", "0.0.0.0", "::", "<any>":
		return true
	}
	return false
}

// ConnectHost returns the host a peer in the given scope should dial for a
// service bound to bindHost.
func ConnectHost(bindHost string, scope Scope) (string, error) {
	switch scope {
	case ScopeTunnel:
		return "localhost", nil
	case ScopeLocal:
		if IsLoopback(bindHost) || IsAny(bindHost) {
			return "localhost", nil
		}
		return bindHost, nil
	case ScopeRemote:
		switch {
		case IsLoopback(bindHost):
			return "", fmt.Errorf("bind host %q: %w", bindHost, ErrNotReachable)
		case IsAny(bindHost):
			return HostName(), nil
		default:
			return bindHost, nil
		}
	default:
		return "", fmt.Errorf("unknown scope %d", scope)
	}
}

// ForwardTarget returns the host the far end of an ssh forward should dial to
// reach a service bound to bindHost.
func ForwardTarget(bindHost string) string {
	if IsLoopback(bindHost) || IsAny(bindHost) {
		return "localhost"
	}
	return bindHost
}

// For mocking in tests
var osHostname = os.Hostname

var (
	hostNameOnce sync.Once
	hostName     string
	rawHostName  string
)

// HostName returns this host's name as other hosts should use it. The name is
// resolved once per process; ".local" is appended to unqualified names.
func HostName() string {
	hostNameOnce.Do(func() {
		h, err := osHostname()
		if err != nil || h == "" {
			hostName = "localhost"
			return
		}
		rawHostName = h
		if !strings.Contains(h, ".") {
			h += ".local"
		}
		hostName = h
	})
	return hostName
}

// IsLocal reports whether host refers to this machine.
func IsLocal(host string) bool {
	if IsLoopback(host) {
		return true
	}
	canonical := HostName()
	return strings.EqualFold(host, canonical) || (rawHostName != "" && strings.EqualFold(host, rawHostName))
}

var socketSuffix = regexp.MustCompile(`-(\d+)$`)

// BumpSocketPath returns the next candidate path after a bind conflict:
// a trailing "-N" is incremented, otherwise "-1" is appended.
func BumpSocketPath(path string) string {
	if m := socketSuffix.FindStringSubmatchIndex(path); m != nil {
		n, err := strconv.Atoi(path[m[2]:m[3]])
		if err == nil {
			return path[:m[2]] + strconv.Itoa(n+1)
		}
	}
	return path + "-1"
}

// FreePort asks the OS for a TCP port that is free on host at the time of the
// call. An empty host means localhost.
func FreePort(host string) (int, error) {
	if host == "" {
		host = "localhost"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a free port on %s: %w", host, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
