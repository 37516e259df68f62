package cmd

import (
	"github.com/spf13/cobra"

	"github.com/openparl/commons-tracker/internal/app"
)

// newServeCmd creates the 'serve' subcommand, the normal production
// mode: seed the recurring schedule, run the dispatcher, serve HTTP.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scraper, scheduler, and API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
