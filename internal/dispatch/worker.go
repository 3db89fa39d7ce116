package dispatch

import (
	"bufio"
	"context"
	stderrors "errors"
	"ezserve/internal/service"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
)

// LocalRunner connects to the named services described by descs, runs fn with
// the open connections and closes whatever fn left open.
type LocalRunner func(descs []service.Descriptor, names []string, log *logging.Logger, fn func(conns []net.Conn) error) error

// Worker executes requests read from In and reports on Out.
type Worker struct {
	In       io.Reader
	Out      io.Writer
	Tasks    *TaskRegistry
	RunLocal LocalRunner
	// Log receives the worker's own diagnostics; it must not write to Out.
	Log *logging.Logger

	out *lineWriter
}

// Serve handles frames until an exit frame or the end of input. Requests run
// concurrently; Serve does not wait for them before returning.
func (w *Worker) Serve(ctx context.Context) error {
	w.out = &lineWriter{w: w.Out}
	if w.Log == nil {
		w.Log = logging.Discard()
	}
	if w.Tasks == nil {
		w.Tasks = DefaultTasks()
	}

	for {
		f, err := ReadFrame(w.In)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				w.out.println(MarkerExiting)
				return nil
			}
			w.reportError(err)
			return err
		}

		switch f.Type {
		case FrameRequest:
			req, err := DecodeRequest(f.Data)
			if err != nil {
				w.reportError(err)
				continue
			}
			w.Log.Debug("request %s: task %s on %v", req.ID, req.Task, req.Names)
			go w.handle(ctx, req)
		case FrameExit:
			w.out.println(MarkerExiting)
			return nil
		default:
			w.out.println(fmt.Sprintf("unhandled: frame type 0x%02x (%d bytes)", f.Type, len(f.Data)))
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) {
	log, closeLog, err := w.requestLogger(req)
	if err != nil {
		w.reportError(err)
		return
	}
	defer closeLog()

	err = w.RunLocal(req.Services, req.Names, log, func(conns []net.Conn) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v", r)
			}
		}()

		if req.Task.External() {
			return runExternal(ctx, req.Task, conns, req.Host, log)
		}
		fn, err := w.Tasks.Resolve(req.Task.ID)
		if err != nil {
			return err
		}
		return fn(ctx, TaskContext{Conns: conns, Host: req.Host, Log: log, Args: req.Task.Args})
	})
	if err != nil {
		log.Error(err, "task %s failed", req.Task)
		w.reportError(err)
		return
	}

	log.Info("done")
	w.out.println(MarkerDone)
}

// reportError writes the error marker, the message and a stack trace.
func (w *Worker) reportError(err error) {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	if !stderrors.As(err, &st) {
		err = errors.WithStack(err)
	}
	w.out.println(MarkerError, err.Error(), fmt.Sprintf("%+v", err))
}

func (w *Worker) requestLogger(req Request) (*logging.Logger, func(), error) {
	level, err := logging.ParseLevel(req.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	hostname, _ := os.Hostname()
	label := fmt.Sprintf("%s on %s", req.Task, hostname)

	var log *logging.Logger
	closeLog := func() {}
	switch req.Log.Kind {
	case LogEcho:
		log = logging.New(w.out, level)
	case LogFile:
		f, err := os.OpenFile(req.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", req.Log.Path, err)
		}
		log = logging.New(f, level)
		closeLog = func() { f.Close() }
	default:
		log = logging.Discard()
	}
	log.SetLabel(label)
	return log, closeLog, nil
}

type fileConn interface {
	File() (*os.File, error)
}

// runExternal runs a task program that already lives on this host. The
// connections are passed as fds 3, 4, ... and the program's output is logged
// line by line.
func runExternal(ctx context.Context, task Task, conns []net.Conn, host string, log *logging.Logger) error {
	cmd := exec.CommandContext(ctx, task.File, task.Args...)
	cmd.Dir = task.Dir
	cmd.Env = append(os.Environ(),
		"EZSERVE_HOST="+host,
		"EZSERVE_ENTRY="+task.Entry,
		"EZSERVE_CONNS="+strconv.Itoa(len(conns)),
	)

	for _, conn := range conns {
		fc, ok := conn.(fileConn)
		if !ok {
			return errors.Errorf("connection %s cannot be passed to %s", conn.RemoteAddr(), task.File)
		}
		f, err := fc.File()
		if err != nil {
			return errors.Wrapf(err, "failed to pass connection to %s", task.File)
		}
		defer f.Close()
		cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to get stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", task.File)
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		log.Info("%s", scanner.Text())
	}
	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "%s", task)
	}
	return nil
}
