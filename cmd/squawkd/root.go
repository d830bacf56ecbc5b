package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "squawkd",
		Short:         "Mission coordination runtime",
		Long:          "squawkd decomposes missions into sorties and coordinates the specialists that fly them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is not an error.
			_ = godotenv.Load()
			slog.SetDefault(newLogger())
		},
	}
	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to squawk.yaml")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(agentCmd())
	return cmd
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if flagLogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
