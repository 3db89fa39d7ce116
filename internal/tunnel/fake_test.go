package tunnel

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// fakeRunner answers ssh invocations from a table keyed by the joined args.
type fakeRunner struct {
	mu sync.Mutex

	// run maps a prefix of the joined args to queued responses.
	run map[string][]fakeResult
	// sessionOutput is what started sessions print first.
	sessionOutput string

	calls    []string
	sessions []*fakeSession
}

type fakeResult struct {
	stdout, stderr string
	err            error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{run: make(map[string][]fakeResult), sessionOutput: "ok\n"}
}

func (f *fakeRunner) on(prefix string, results ...fakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run[prefix] = append(f.run[prefix], results...)
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	joined := strings.Join(args, " ")
	f.calls = append(f.calls, "run "+joined)
	for prefix, queue := range f.run {
		if strings.HasPrefix(joined, prefix) && len(queue) > 0 {
			res := queue[0]
			if len(queue) > 1 {
				f.run[prefix] = queue[1:]
			}
			return res.stdout, res.stderr, res.err
		}
	}
	return "", "", errors.New("fake: unexpected command " + joined)
}

func (f *fakeRunner) Start(_ context.Context, args ...string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start "+strings.Join(args, " "))
	s := newFakeSession(f.sessionOutput)
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeRunner) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSession struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeSession(output string) *fakeSession {
	s := &fakeSession{done: make(chan struct{})}
	s.stdinR, s.stdinW = io.Pipe()
	s.stdoutR, s.stdoutW = io.Pipe()
	if output != "" {
		go s.stdoutW.Write([]byte(output))
	}
	return s
}

func (s *fakeSession) Stdin() io.WriteCloser  { return s.stdinW }
func (s *fakeSession) Stdout() io.Reader      { return s.stdoutR }
func (s *fakeSession) Pid() int               { return 4242 }
func (s *fakeSession) Signal(os.Signal) error { return nil }

func (s *fakeSession) Wait() error {
	<-s.done
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.stdinW.Close()
		s.stdoutW.Close()
		close(s.done)
	}
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
