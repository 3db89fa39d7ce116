//go:build !linux

package procutil

import "syscall"

// SysProcAttr returns attributes for spawned helpers. Pdeathsig is
// unavailable here; only process-group detaching is applied.
func SysProcAttr(detach bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: detach}
}
