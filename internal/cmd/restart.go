package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wingman-ai/wingman/internal/daemon"
)

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [config-file]",
		Short: "Restart the background gateway process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRestart,
	}
}

func runRestart(cmd *cobra.Command, args []string) error {
	if err := runStop(cmd, nil); err != nil {
		return err
	}

	// Without an explicit path, prefer the config the last start persisted.
	configPath := ""
	if len(args) > 0 || configFlagSet(cmd) {
		configPath = resolveConfigPath(cmd, args)
	} else if _, err := os.Stat(daemon.ConfigPath()); err == nil {
		configPath = daemon.ConfigPath()
	} else {
		configPath = resolveConfigPath(cmd, nil)
	}

	return startGateway(configPath)
}

func configFlagSet(cmd *cobra.Command) bool {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return true
	}
	f := cmd.Root().PersistentFlags().Lookup("config")
	return f != nil && f.Changed
}
