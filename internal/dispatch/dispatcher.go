package dispatch

import (
	"bufio"
	"context"
	"errors"
	"ezserve/internal/tunnel"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RemoteError is a task failure reported by a worker.
type RemoteError struct {
	Host string
	// Detail is everything the worker wrote after the error marker.
	Detail string
}

func (e *RemoteError) Error() string {
	msg := strings.TrimSpace(e.Detail)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return fmt.Sprintf("error raised in remote %s: %s", e.Host, msg)
}

// Dispatcher starts workers over ssh.
type Dispatcher struct {
	Runner tunnel.Runner
	// RemoteCommand is the ezserve binary on the remote host.
	RemoteCommand string
	Log           *logging.Logger
	// Output receives relayed worker lines verbatim. When nil they go to Log.
	Output io.Writer
}

// Dispatch starts a worker on host and sends it req. The returned session
// relays the worker's output until it finishes.
func (d *Dispatcher) Dispatch(ctx context.Context, host string, req Request) (*Session, error) {
	remote := d.RemoteCommand
	if remote == "" {
		remote = "ezserve"
	}
	log := d.Log
	if log == nil {
		log = logging.Discard()
	}

	sess, err := d.Runner.Start(ctx, host, remote, "worker")
	if err != nil {
		return nil, fmt.Errorf("failed to start worker on %s: %w", host, err)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Host == "" {
		req.Host = host
	}
	if err := WriteRequest(sess.Stdin(), req); err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
	}
	log.Debug("dispatched request %s (task %s) to %s", req.ID, req.Task, host)

	s := &Session{
		host:   host,
		sess:   sess,
		log:    log,
		output: d.Output,
		done:   make(chan struct{}),
	}
	go s.relay()
	return s, nil
}

// Session is one dispatched request. It satisfies registry.Process.
type Session struct {
	host   string
	sess   tunnel.Session
	log    *logging.Logger
	output io.Writer

	mu       sync.Mutex
	exitSent bool
	retired  bool

	done chan struct{}
	err  error
}

func (s *Session) Pid() int { return s.sess.Pid() }

// Signal retires the worker: it is sent an exit frame, its stdin is closed
// and ssh is stopped if it does not go away. The signal itself is not
// forwarded.
func (s *Session) Signal(os.Signal) error {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()

	s.sendExit()
	go s.sess.Close()
	return nil
}

// Wait blocks until the worker's stream ends and returns the remote outcome.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the worker's stream has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) sendExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitSent {
		return
	}
	s.exitSent = true
	if err := WriteExit(s.sess.Stdin()); err != nil {
		s.log.Debug("could not send exit to worker on %s: %v", s.host, err)
	}
	s.sess.Stdin().Close()
}

func (s *Session) relayLine(line string) {
	if s.output != nil {
		fmt.Fprintln(s.output, line)
		return
	}
	s.log.Info("%s", line)
}

func (s *Session) relay() {
	defer close(s.done)

	reader := bufio.NewReader(s.sess.Stdout())
	var sawDone bool
	var remoteErr error

	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" || err == nil {
			switch {
			case strings.HasPrefix(line, MarkerError):
				// The worker stays resident; ask it to leave so the stream ends.
				s.sendExit()
				rest, _ := io.ReadAll(reader)
				detail := strings.TrimSuffix(strings.TrimRight(string(rest), "\n"), MarkerExiting)
				remoteErr = &RemoteError{Host: s.host, Detail: strings.TrimRight(detail, "\n")}
			case line == MarkerDone:
				sawDone = true
				s.sendExit()
			case line == MarkerExiting:
				s.log.Debug("worker on %s is exiting", s.host)
			default:
				s.relayLine(line)
			}
		}
		if err != nil || remoteErr != nil {
			break
		}
	}

	// Drain so ssh is not blocked on a full pipe, then reap it.
	go io.Copy(io.Discard, reader)
	s.sess.Close()
	waitErr := s.sess.Wait()

	s.mu.Lock()
	retired := s.retired
	s.mu.Unlock()

	switch {
	case remoteErr != nil:
		s.err = remoteErr
	case sawDone, retired:
	default:
		s.err = fmt.Errorf("%w: worker on %s ended without a result", ErrTransport, s.host)
		if waitErr != nil {
			s.err = fmt.Errorf("%w: worker on %s ended without a result: %v", ErrTransport, s.host, waitErr)
		}
	}
}

// IsRemote reports whether err carries a task failure from a worker.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
