package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/memento/internal/history"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func newPruneCmd() *cobra.Command {
	var (
		retentionDays int
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete versions and closed edges past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()

			store := storage.NewNeo4jStore(cfg.Graph)
			if err := store.Initialize(ctx); err != nil {
				return err
			}
			defer store.Close(context.Background())

			days := retentionDays
			if days <= 0 {
				days = cfg.History.RetentionDays
			}

			hist := history.NewService(store, cfg.History, nil)
			result, err := hist.PruneHistory(ctx, days, types.PruneOptions{DryRun: dryRun})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "retention window in days (0 = configured default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count what would be pruned without deleting")
	return cmd
}
