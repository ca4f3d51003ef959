package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	// Structured JSON logging to stdout
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		server  string
	)
	root := &cobra.Command{
		Use:          "engagebot",
		Short:        "Decide and dispatch short-video interactions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&server, "server", "http://127.0.0.1:8080", "control-plane API base URL")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newPreviewCmd(&cfgPath))
	root.AddCommand(newSubmitCmd(&server))
	root.AddCommand(newStatusCmd(&server))
	root.AddCommand(newTasksCmd(&server))
	return root
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
