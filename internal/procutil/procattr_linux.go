package procutil

import "syscall"

// SysProcAttr returns attributes for spawned helpers. Pdeathsig makes the
// kernel send SIGTERM to the child if ezserve dies without cleaning up. With
// detach the child gets its own process group, so a terminal Ctrl-C aimed at
// an interactive parent does not reach it.
func SysProcAttr(detach bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   detach,
		Pdeathsig: syscall.SIGTERM,
	}
}
