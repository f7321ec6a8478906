package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/daemon"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the gateway as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	return startGateway(resolveConfigPath(cmd, args))
}

func startGateway(configPath string) error {
	// Validate config before starting.
	cfg, err := config.Load(configPath)
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("invalid config: %w", err)}
	}

	// Check if already running.
	pid, _ := daemon.ReadPID()
	if pid > 0 && daemon.IsRunning(pid) {
		return fmt.Errorf("gateway is already running (PID %d)", pid)
	}

	// Persist the effective config so restart can reconstruct it.
	if err := cfg.Save(daemon.ConfigPath()); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	// Find our own binary.
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// Open log file for output.
	logFile, err := daemon.OpenLogFile()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	// Launch the gateway in the background.
	child := exec.Command(exe, "run", configPath)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	if err := daemon.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Gateway started (PID %d)\n", child.Process.Pid)
	_, _ = fmt.Fprintf(os.Stdout, "  Listen: %s\n", cfg.Addr())
	_, _ = fmt.Fprintf(os.Stdout, "  Config: %s\n", configPath)
	_, _ = fmt.Fprintf(os.Stdout, "  Logs:   %s\n", daemon.LogPath())
	return nil
}
