package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flightline-ai/squawk/agent"
	"github.com/flightline-ai/squawk/config"
	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

func agentCmd() *cobra.Command {
	var (
		id        string
		name      string
		agentType string
		sortieID  string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one specialist process",
		Long: "Runs a single specialist against the shared database. With --sortie it " +
			"executes that sortie and exits; without, it idles until terminated. " +
			"Exit code 1 means the wall-clock timeout fired mid-sortie.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if id == "" {
				id = model.NewID(model.PrefixSpecialist)
			}
			return runAgent(cfg, slog.Default(), agent.Config{
				SpecialistID:      id,
				Name:              name,
				Type:              agentType,
				SortieID:          sortieID,
				HeartbeatInterval: cfg.HeartbeatInterval(),
				Timeout:           timeout,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "specialist id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&agentType, "type", "backend", "frontend, backend, testing, documentation, security, or performance")
	cmd.Flags().StringVar(&sortieID, "sortie", "", "sortie to execute")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wall-clock limit for the run, e.g. 30m")
	return cmd
}

func runAgent(cfg *config.Config, logger *slog.Logger, ac agent.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.DriverSQLite, cfg.DatabasePath(), model.SystemClock{})
	if err != nil {
		return err
	}
	defer db.Close()

	runner := agent.NewRunner(db, emit.NewLogEmitter(os.Stdout, true), logger, ac)
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrRunTimeout) {
			logger.Error("run timed out", "specialist_id", ac.SpecialistID)
			os.Exit(1)
		}
		return err
	}
	return nil
}
