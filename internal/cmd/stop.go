package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingman-ai/wingman/internal/daemon"
)

// stopTimeout is how long stop waits after SIGTERM before escalating.
const stopTimeout = 2 * time.Second

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background gateway process",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := daemon.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Gateway is not running (no PID file)")
		return nil
	}

	if !daemon.IsRunning(pid) {
		_ = daemon.RemovePID()
		_, _ = fmt.Fprintf(os.Stdout, "Gateway is not running (stale PID %d removed)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "Stopping gateway (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid, stopTimeout); err != nil {
		return err
	}

	_ = daemon.RemovePID()
	_, _ = fmt.Fprintln(os.Stdout, "Gateway stopped")
	return nil
}
