package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/reencodarr/internal/database"
	"github.com/jmylchreest/reencodarr/internal/discovery"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/repository"
)

var scanCmd = &cobra.Command{
	Use:   "scan <path> [path...]",
	Short: "Scan library paths for video files",
	Long: `Walk one or more library roots and register every video file found.
New files are queued for analysis; files already known keep their pipeline
state. Run this before (or alongside) serve to populate the queue.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	videos := repository.NewVideoRepository(db.DB)
	libraries := repository.NewLibraryRepository(db.DB)
	scanner := discovery.NewScanner(videos, libraries, events.NewBus(logger), logger)

	var totalFound, totalCreated int
	for _, root := range args {
		res, err := scanner.Scan(cmd.Context(), root)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", root, err)
		}
		totalFound += res.Found
		totalCreated += res.Created
	}

	logger.Info("scan finished",
		slog.Int("roots", len(args)),
		slog.Int("found", totalFound),
		slog.Int("created", totalCreated),
	)
	fmt.Printf("Scanned %d root(s): %d video(s) found, %d new\n", len(args), totalFound, totalCreated)
	return nil
}
