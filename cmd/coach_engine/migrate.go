package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/meeting-coach/internal/config"
	"github.com/jonathan/meeting-coach/internal/db"
	"github.com/jonathan/meeting-coach/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres schema",
	Long:  "Create any missing tables and indexes in the configured Postgres database, optionally loading a fixtures file.",
	RunE:  runMigrate,
}

var (
	migrateSeed  string
	migratePrint bool
	migrateDBURL string
)

func init() {
	migrateCmd.Flags().StringVar(&migrateSeed, "seed", "", "JSON fixtures file to load after migrating")
	migrateCmd.Flags().BoolVar(&migratePrint, "print", false, "Print the schema instead of applying it")
	migrateCmd.Flags().StringVar(&migrateDBURL, "db-url", "", "Database URL (overrides DATABASE_URL)")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if migratePrint {
		fmt.Fprint(cmd.OutOrStdout(), db.Schema())
		return nil
	}

	var snap *store.Snapshot
	if migrateSeed != "" {
		data, err := os.ReadFile(migrateSeed)
		if err != nil {
			return fmt.Errorf("failed to read fixtures: %w", err)
		}
		snap = &store.Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return fmt.Errorf("failed to parse fixtures: %w", err)
		}
	}

	ctx, stop := runUntil(cmd.Context())
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	url := migrateDBURL
	if url == "" {
		url = a.cfg.DatabaseURL
	}
	if url == "" {
		return fmt.Errorf("database URL is required (set DATABASE_URL or use --db-url)")
	}
	if a.cfg.Store != config.StorePostgres {
		a.logger.Info("migrating postgres although the configured store is " + a.cfg.Store)
	}

	database, err := db.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")

	if snap != nil {
		if err := database.Seed(ctx, *snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d transcripts, %d run requests, %d baseline packs\n",
			len(snap.Transcripts), len(snap.RunRequests), len(snap.BaselinePacks))
	}
	return nil
}
