package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/daemon"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE:  runStatus,
	}
}

type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Stats   struct {
		Uptime            int64 `json:"uptime"`
		TotalNodes        int   `json:"totalNodes"`
		TotalGroups       int   `json:"totalGroups"`
		ActiveSessions    int   `json:"activeSessions"`
		MessagesProcessed int64 `json:"messagesProcessed"`
	} `json:"stats"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, nil)
	cfg, cfgErr := config.Load(configPath)

	// Try the health endpoint first for live status.
	if cfgErr == nil {
		if health, err := queryHealth(cfg); err == nil {
			_, _ = fmt.Fprintf(os.Stdout, "Status:   running (%s)\n", health.Status)
			_, _ = fmt.Fprintf(os.Stdout, "Version:  %s\n", health.Version)
			_, _ = fmt.Fprintf(os.Stdout, "Listen:   %s\n", cfg.Addr())
			_, _ = fmt.Fprintf(os.Stdout, "Uptime:   %s\n", (time.Duration(health.Stats.Uptime) * time.Second).String())
			_, _ = fmt.Fprintf(os.Stdout, "Nodes:    %d\n", health.Stats.TotalNodes)
			_, _ = fmt.Fprintf(os.Stdout, "Groups:   %d\n", health.Stats.TotalGroups)
			_, _ = fmt.Fprintf(os.Stdout, "Sessions: %d\n", health.Stats.ActiveSessions)
			return nil
		}
	}

	// Fall back to PID + config.
	pid, _ := daemon.ReadPID()

	if pid == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Status:  stopped (no PID file)")
		return nil
	}

	if !daemon.IsRunning(pid) {
		_, _ = fmt.Fprintf(os.Stdout, "Status:  stopped (stale PID %d)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "Status:  running\n")
	_, _ = fmt.Fprintf(os.Stdout, "PID:     %d\n", pid)
	_, _ = fmt.Fprintf(os.Stdout, "Logs:    %s\n", daemon.LogPath())

	if cfgErr == nil {
		_, _ = fmt.Fprintf(os.Stdout, "Config:  %s\n", configPath)
		_, _ = fmt.Fprintf(os.Stdout, "Listen:  %s\n", cfg.Addr())
		_, _ = fmt.Fprintf(os.Stdout, "Agents:  %d configured\n", len(cfg.Agents.List))
	}

	return nil
}

func queryHealth(cfg *config.Config) (*healthBody, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", cfg.Addr()))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %d", resp.StatusCode)
	}

	var health healthBody
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}
