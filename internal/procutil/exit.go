// Package procutil holds small helpers shared by everything that spawns
// processes: process attributes and exit status classification.
package procutil

import (
	"errors"
	"os/exec"
	"syscall"
)

// TerminatedBy reports whether err is the exit status of a process killed by sig.
func TerminatedBy(err error, sig syscall.Signal) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}
