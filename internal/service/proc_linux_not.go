//go:build !linux

package service

import "syscall"

// Only Linux offers a parent death signal. Elsewhere the solver is killed by
// the context passed to Runner.Start when rosterd shuts down.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
