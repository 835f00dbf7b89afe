package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/server"
)

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			repo, err := server.OpenStore(cmd.Context(), rt.cfg.Database, rt.logger)
			if err != nil {
				return err
			}
			defer repo.Close()
			m, ok := repo.(interface{ Migrate(context.Context) error })
			if !ok {
				rt.logger.Info("database needs no migration", zap.String("type", rt.cfg.Database.Type))
				return nil
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			rt.logger.Info("database schema applied")
			return nil
		},
	}
}
