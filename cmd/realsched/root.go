package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexinfer/realsched/internal/config"
	"github.com/flexinfer/realsched/internal/logging"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	debug     bool
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Load()}

	root := &cobra.Command{
		Use:   "realsched",
		Short: "realsched schedules ensembles of realizations",
		Long: "realsched submits every realization of an ensemble to a compute backend, " +
			"tracks each through its lifecycle and reports status events to a monitor.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.debug {
				a.logLevel = "debug"
			}
			a.cfg.LogLevel = a.logLevel
			a.cfg.LogFormat = a.logFormat
			a.logger = logging.NewLoggerWithWriter(logging.ParseLevel(a.logLevel), a.logFormat, cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", a.cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", a.cfg.LogFormat, "Log format (text, json)")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newKillCmd(a),
		newValidateCmd(a),
		newVersionCmd(),
	)
	return root
}

// envOr returns the environment value of key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
