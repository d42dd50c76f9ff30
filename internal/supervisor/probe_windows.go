//go:build windows

package supervisor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid still exists. Windows has no zero-signal probe,
// so existence is checked through the process snapshot instead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Validates reports whether pid is alive and still runs the given binary.
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
		return true
	}
	return filepath.Base(exe) == filepath.Base(binaryPath) || strings.HasPrefix(exe, binaryPath)
}

// Terminate stops pid. Windows has no TERM/KILL distinction worth modelling
// here; Kill is immediate.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
