//go:build !windows

package daemon

import "syscall"

// DetachSysProcAttr puts the child in its own session so it survives the
// parent's terminal going away.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
