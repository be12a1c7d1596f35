package service

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// The kernel kills the solver when rosterd dies, even on SIGKILL.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: unix.SIGKILL,
	}
}
