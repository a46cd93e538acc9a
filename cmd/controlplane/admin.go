package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	jobs "github.com/loomworks/controlplane/internal/adapter/river"
	"github.com/loomworks/controlplane/internal/adapter/sqlite"
)

func newMigrateCommand(p *program) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply control-plane and job-queue migrations, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := sqlite.Open(p.cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sqlite.Migrate(db); err != nil {
				return err
			}
			if err := jobs.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			p.logger.Info("migrations applied", zap.String("database", p.cfg.DatabasePath))
			return nil
		},
	}
}

func newRolloverCommand(p *program) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Start a new daily AI operations window now",
		Long: "Resets the daily AI operations counters whose window started before today (UTC).\n" +
			"Running it twice on the same day is a no-op.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := buildStack(cmd.Context(), p.cfg, p.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.svc.Rollover(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d counter(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "restrict the rollover to one tenant")
	return cmd
}
