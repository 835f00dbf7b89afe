package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the long-running 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the crawl schedule, download workers and admin HTTP server",
		Long: `Starts the crawl scheduler, the attachment download workers and the
admin HTTP API. Edits to the config file are picked up without a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), rt.loader.Watch(rt.logger))
		},
	}
}
