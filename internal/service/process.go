package service

import (
	"errors"
	"ezserve/pkg/logging"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Exit notifications for processes reaped by someone else in this process
// (typically the orchestrator's exec.Cmd.Wait goroutine).
var exitWatchers sync.Map // pid -> <-chan struct{}

// WatchExit registers done to be closed once pid has been reaped. Cleanup
// waits on it instead of polling.
func WatchExit(pid int, done <-chan struct{}) {
	exitWatchers.Store(pid, done)
}

// For mocking in tests
var (
	stopTimeout  = 10 * time.Second
	pollInterval = 20 * time.Millisecond
)

// stopProcess sends SIGTERM to pid and waits for it to go away. A process
// that is already gone only earns a warning.
func stopProcess(name string, pid int, log *logging.Logger) error {
	if pid == 0 {
		log.Warn("service %q has no pid, nothing to stop", name)
		return nil
	}
	if pid == os.Getpid() {
		// Served in-process; closing the listener is the owner's job.
		return nil
	}

	log.Info("stopping %q", name)
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			log.Warn("service %q (pid %d) was stopped already", name, pid)
			exitWatchers.Delete(pid)
			return nil
		}
		return fmt.Errorf("failed to signal service %q (pid %d): %w", name, pid, err)
	}
	return waitGone(name, pid)
}

func waitGone(name string, pid int) error {
	deadline := time.After(stopTimeout)

	if w, ok := exitWatchers.LoadAndDelete(pid); ok {
		select {
		case <-w.(<-chan struct{}):
			return nil
		case <-deadline:
			return fmt.Errorf("service %q (pid %d) did not exit within %s", name, pid, stopTimeout)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("service %q (pid %d) did not exit within %s", name, pid, stopTimeout)
		}
	}
}
