//go:build windows

package runner

import "os/exec"

// configureProcessGroup keeps the default cancel behavior on Windows. The
// WaitDelay set by the caller unblocks the pipe wait when grandchildren
// survive the direct kill.
func configureProcessGroup(cmd *exec.Cmd) {}
