//go:build windows

package daemon

import "syscall"

// DetachSysProcAttr puts the child in its own process group so console
// signals do not propagate to it.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
