//go:build !windows

package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid still exists, using a zero-signal probe.
// This is the sole liveness test the coordinator layer relies on.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Validates reports whether pid is alive and still runs the given binary.
// Used before adopting a recorded process from the store, where the PID may
// have been reused by an unrelated program since the record was written.
func Validates(pid int, binaryPath string) bool {
	if !Alive(pid) {
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	exe, err := proc.Exe()
	if err != nil {
		// Can't inspect the process (permissions, procfs quirks); trust the
		// signal probe rather than killing a possibly-healthy companion.
		return true
	}
	return filepath.Base(exe) == filepath.Base(binaryPath) || strings.HasPrefix(exe, binaryPath)
}

// Terminate stops pid gracefully, escalating to SIGKILL when it ignores
// SIGTERM for more than five seconds.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil // already gone
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
	}
	return proc.Signal(syscall.SIGKILL)
}
