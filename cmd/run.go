package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/app"
)

// newRunCmd creates the 'run' subcommand: enqueue one named task for
// immediate execution. The serving process picks it up; this command
// does not execute the task itself.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Enqueue a named task to run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			task := args[0]
			if _, ok := a.Registry().Lookup(task); !ok {
				return fmt.Errorf("unknown task %q", task)
			}
			if err := a.Queue().Enqueue(cmd.Context(), task, nil, time.Now().UTC()); err != nil {
				return fmt.Errorf("enqueue %s: %w", task, err)
			}
			logger.Info("task enqueued", zap.String("task", task))
			return nil
		},
	}
}
