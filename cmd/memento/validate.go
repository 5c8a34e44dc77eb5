package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/history"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/temporal"
)

func newValidateCmd() *cobra.Command {
	var (
		autoRepair  bool
		dryRun      bool
		batchSize   int
		maxEntities int
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Audit version chains and optionally repair broken links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			store := storage.NewNeo4jStore(cfg.Graph)
			if err := store.Initialize(ctx); err != nil {
				return err
			}
			defer store.Close(context.Background())

			hist := history.NewService(store, cfg.History, nil)
			ents := entity.NewService(store, nil, hist, cfg.Tests)
			validator := temporal.NewValidator(ents, hist)

			report, err := validator.Validate(ctx, temporal.Options{
				AutoRepair:  autoRepair,
				DryRun:      dryRun,
				BatchSize:   batchSize,
				MaxEntities: maxEntities,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().BoolVar(&autoRepair, "auto-repair", false, "repair missing previous-version links in place")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report issues without touching the graph")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "entities per page (1-100, 0 = default)")
	cmd.Flags().IntVar(&maxEntities, "max-entities", 0, "stop after scanning this many entities (0 = all)")
	return cmd
}
