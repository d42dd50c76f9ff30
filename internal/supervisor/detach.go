//go:build !windows

package supervisor

import "syscall"

// detachedProcAttr puts the child in its own session so it survives the
// spawning process and any terminal it was started from.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
