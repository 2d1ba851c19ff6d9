package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var seed int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one worker per pipeline channel until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.mustConfig()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bundle, closeBackend, err := openBundle(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeBackend(); err != nil {
					logger.Warn("backend_close_failed", slog.Any("error", err))
				}
			}()

			for range seed {
				e, err := bundle.CreateEntity(runCtx)
				if err != nil {
					return fmt.Errorf("seed entity: %w", err)
				}
				if err := bundle.StartWorkflow(runCtx, e.ID, nil); err != nil {
					return fmt.Errorf("start entity %d: %w", e.ID, err)
				}
				logger.Info("workflow_started", slog.Int64("entity_id", e.ID))
			}

			logger.Info("workers_started",
				slog.String("backend", cfg.Backend),
				slog.String("config_file", cfg.File),
				slog.Int("channels", len(bundle.Workers)),
				slog.Int("concurrency", cfg.Worker.Concurrency),
			)

			err = bundle.Run(runCtx)
			logger.Info("workers_stopped")
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&seed, "seed", 0, "Create and start this many entities before running")
	return cmd
}
