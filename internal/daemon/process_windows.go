//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

const (
	pollInterval                   = 200 * time.Millisecond
	processQueryLimitedInformation = 0x1000
)

// IsRunning reports whether a process with the given PID is alive.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}

// StopProcess terminates the gateway process. Windows has no SIGTERM, so the
// process is killed outright and we wait up to timeout for it to go away.
func StopProcess(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}
	waitForExit(pid, timeout)
	return nil
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !IsRunning(pid)
}
