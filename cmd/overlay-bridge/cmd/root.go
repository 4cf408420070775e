package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const serviceName = "overlay-bridge"

// Version is set by main.
var Version = "dev"

// Execute runs the CLI with SIGINT/SIGTERM cancelling the command context.
func Execute(version string) {
	Version = version
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:   "overlay-bridge",
		Short: "Bridge BizHawk and OBS events to browser overlays",
		Long: `overlay-bridge listens for BizHawk socket messages and OBS websocket events and
forwards them as namespaced events to overlay clients connected over websocket.

Running without a subcommand is the same as "overlay-bridge serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}
	root.Version = Version
	root.PersistentFlags().StringVar(&configFile, "config", os.Getenv("BRIDGE_CONFIG"), "optional YAML config file (env: BRIDGE_CONFIG)")

	root.AddCommand(newServeCmd(&configFile), newEmitCmd(), newWatchCmd())
	return root
}

// setupLogger installs the default slog logger. format is "text" or "json".
func setupLogger(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
