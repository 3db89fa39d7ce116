package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"ezserve/internal/procutil"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Runner runs the ssh client.
type Runner interface {
	// Run executes a one-shot ssh command and returns its output.
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
	// Start launches a long-lived ssh session.
	Start(ctx context.Context, args ...string) (Session, error)
}

// Session is a running ssh process with its standard streams.
type Session interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Pid() int
	Signal(os.Signal) error
	// Wait blocks until the process exits.
	Wait() error
	// Close closes stdin and stops the process if it does not exit on its own.
	Close() error
}

// ExecRunner runs the ssh binary through os/exec.
type ExecRunner struct {
	Binary  string
	Options []string
	// Detach puts sessions in their own process group (interactive mode).
	Detach bool
	Log    *logging.Logger
}

func (r *ExecRunner) argv(args []string) []string {
	argv := make([]string, 0, len(r.Options)+len(args))
	argv = append(argv, r.Options...)
	return append(argv, args...)
}

func (r *ExecRunner) binary() string {
	if r.Binary == "" {
		return "ssh"
	}
	return r.Binary
}

func (r *ExecRunner) logger() *logging.Logger {
	if r.Log == nil {
		return logging.Discard()
	}
	return r.Log
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, r.binary(), r.argv(args)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	r.logger().Debug("running %s %s", r.binary(), strings.Join(cmd.Args[1:], " "))

	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("%s %s: %w: %s", r.binary(), strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), err
}

// Start launches ssh. The session lives until Close, independent of ctx.
func (r *ExecRunner) Start(_ context.Context, args ...string) (Session, error) {
	cmd := exec.Command(r.binary(), r.argv(args)...)
	cmd.SysProcAttr = procutil.SysProcAttr(r.Detach)

	// Plain pipes rather than StdoutPipe/StderrPipe: both readers outlive Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	closeAll := func() {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	r.logger().Debug("starting %s %s", r.binary(), strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to start %s: %w", r.binary(), err)
	}
	stdoutW.Close()
	stderrW.Close()

	s := &execSession{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		done:   make(chan struct{}),
	}

	log := r.logger()
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		defer stderrR.Close()
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			log.Warn("ssh[%d]: %s", cmd.Process.Pid, strings.TrimSpace(scanner.Text()))
		}
	}()

	go func() {
		s.waitErr = cmd.Wait()
		// A control master forked by ssh may keep stderr open.
		select {
		case <-stderrDone:
		case <-time.After(closeGrace):
		}
		close(s.done)
	}()

	return s, nil
}

// closeGrace is how long Close waits for ssh to exit after stdin is closed.
var closeGrace = 2 * time.Second

type execSession struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (s *execSession) Stdin() io.WriteCloser { return s.stdin }
func (s *execSession) Stdout() io.Reader     { return s.stdout }
func (s *execSession) Pid() int              { return s.cmd.Process.Pid }

func (s *execSession) Signal(sig os.Signal) error {
	return s.cmd.Process.Signal(sig)
}

func (s *execSession) Wait() error {
	<-s.done
	return s.waitErr
}

func (s *execSession) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		select {
		case <-s.done:
		case <-time.After(closeGrace):
			// Try to terminate gracefully first
			if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				s.cmd.Process.Kill()
			}
			select {
			case <-s.done:
			case <-time.After(closeGrace):
				s.cmd.Process.Kill()
				<-s.done
			}
		}
		s.stdout.Close()
	})
	return nil
}
