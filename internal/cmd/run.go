package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/internal/gateway"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the gateway in the foreground (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	gw, err := gateway.New(cfg, version, logger)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		if sig == syscall.SIGINT {
			interrupted.Store(true)
		}
		cancel()
	}()

	logger.Info("wingman gateway starting", "version", version, "addr", cfg.Addr(), "config", configPath)

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway error", "error", err)
		return &ExitError{Code: 1, Err: err}
	}

	logger.Info("gateway stopped")
	if interrupted.Load() {
		return &ExitError{Code: 130}
	}
	return nil
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag (command or root persistent)
// 3. WINGMAN_GATEWAY_CONFIG / workspace default, via config.ResolvePath
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.ResolvePath("")
}
