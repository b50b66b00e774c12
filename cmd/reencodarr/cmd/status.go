package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/reencodarr/internal/database"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/jmylchreest/reencodarr/pkg/format"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline queue depths and savings",
	Long: `Show how many videos sit in each pipeline state, the total library
size, and the space saved by completed encodes.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusOrder fixes the display order to follow the pipeline.
var statusOrder = []models.VideoState{
	models.VideoStateNeedsAnalysis,
	models.VideoStateAnalyzed,
	models.VideoStateCrfSearching,
	models.VideoStateCrfSearched,
	models.VideoStateEncoding,
	models.VideoStateEncoded,
	models.VideoStateFailed,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	stats, err := videos.DashboardStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("collecting stats: %w", err)
	}

	var total int64
	for _, state := range statusOrder {
		count := stats.ByState[state]
		total += count
		fmt.Printf("%-16s %s\n", state, format.Number(count))
	}
	fmt.Printf("%-16s %s\n", "total", format.Number(total))
	fmt.Println()
	fmt.Printf("library size:    %s\n", format.Bytes(stats.TotalSize))
	fmt.Printf("vmaf candidates: %s\n", format.Number(stats.VmafCount))
	if stats.TotalSize+stats.TotalSavings > 0 {
		fmt.Printf("space saved:     %s\n",
			format.Savings(stats.TotalSavings, stats.TotalSize+stats.TotalSavings))
	} else {
		fmt.Printf("space saved:     %s\n", format.Bytes(stats.TotalSavings))
	}
	return nil
}
