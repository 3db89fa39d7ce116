// Package tunnel negotiates ssh port forwards that make services reachable
// across hosts.
//
// Local forwards (ssh -L) let this process reach services running elsewhere.
// Remote forwards (ssh -R) let a worker on another host reach services running
// here; when the ssh client and a control master allow it the remote port is
// allocated dynamically with `ssh -O forward`, otherwise a free port is asked
// from the remote side and a dedicated session holds the forward open.
//
// Every forward opened by a Manager stays up until Manager.Close.
package tunnel

import (
	"errors"
	"ezserve/pkg/logging"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var (
	// ErrHandshake is returned when a forward was not confirmed in time.
	ErrHandshake = errors.New("ssh forward handshake failed")
	// ErrNoDynamicForward is returned when `ssh -O forward` did not report a port.
	ErrNoDynamicForward = errors.New("dynamic ssh port forwarding unavailable")
)

// Sentinel printed by the remote side once a forward session is up.
const sentinel = "ok"

// Remote command that prints the sentinel and then holds the session open.
const holdCommand = "echo " + sentinel + " && cat"

// Options configures a Manager.
type Options struct {
	Runner Runner
	// RemoteCommand is the ezserve binary on remote hosts, used for free-port.
	RemoteCommand    string
	HandshakeTimeout time.Duration
	// ForwardRetries bounds retries when a dynamic forward reports port 0.
	ForwardRetries int
	RetryBackoff   time.Duration
	Log            *logging.Logger
}

// Manager opens and owns ssh forwards.
type Manager struct {
	runner        Runner
	remoteCommand string
	timeout       time.Duration
	retries       int
	backoff       time.Duration
	log           *logging.Logger

	probeOnce sync.Once
	dynamic   bool

	mu      sync.Mutex
	masters map[string]bool
	tunnels []io.Closer
	closed  bool
}

// New creates a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		runner:        opts.Runner,
		remoteCommand: opts.RemoteCommand,
		timeout:       opts.HandshakeTimeout,
		retries:       opts.ForwardRetries,
		backoff:       opts.RetryBackoff,
		log:           opts.Log,
		masters:       make(map[string]bool),
	}
	if m.runner == nil {
		m.runner = &ExecRunner{Log: opts.Log}
	}
	if m.remoteCommand == "" {
		m.remoteCommand = "ezserve"
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	if m.retries <= 0 {
		m.retries = 5
	}
	if m.backoff <= 0 {
		m.backoff = 50 * time.Millisecond
	}
	if m.log == nil {
		m.log = logging.Discard()
	}
	return m
}

// Runner returns the ssh runner, shared with the dispatcher.
func (m *Manager) Runner() Runner { return m.runner }

func (m *Manager) track(c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		// Opened after teardown started; release immediately.
		go c.Close()
		return
	}
	m.tunnels = append(m.tunnels, c)
}

// Count returns the number of open forwards.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// Close releases every forward, newest first. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = nil
	m.closed = true
	m.mu.Unlock()

	var errs error
	for i := len(tunnels) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, tunnels[i].Close())
	}
	return errs
}

// closerFunc adapts a func to io.Closer, running it at most once.
type closerFunc struct {
	once sync.Once
	fn   func() error
	err  error
}

func newCloser(fn func() error) *closerFunc { return &closerFunc{fn: fn} }

func (c *closerFunc) Close() error {
	c.once.Do(func() { c.err = c.fn() })
	return c.err
}
