// Package startup reconciles state left behind by a crash or unclean
// shutdown. The reaper runs once, before any producer starts, so no video is
// stuck claiming a worker that no longer exists.
package startup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/reencodarr/internal/postprocess"
	"github.com/jmylchreest/reencodarr/internal/procrunner"
	"github.com/jmylchreest/reencodarr/internal/repository"
)

// Reaper resets orphaned in-flight videos and kills residual child
// processes from a previous run.
type Reaper struct {
	videos   repository.VideoRepository
	binaries []string
	tempDir  string
	logger   *slog.Logger
}

// NewReaper creates a startup reaper. binaries are the external command
// names whose leftover processes get killed (ab-av1 covers both CRF search
// and encode).
func NewReaper(videos repository.VideoRepository, binaries []string, tempDir string, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		videos:   videos,
		binaries: binaries,
		tempDir:  tempDir,
		logger:   logger.With("component", "startup"),
	}
}

// Run performs the full reconciliation: in-flight states are rolled back to
// their re-dispatchable predecessors, residual processes are killed, and
// stale temp artifacts are removed.
func (r *Reaper) Run(ctx context.Context) error {
	crfSearching, err := r.videos.ResetOrphanedCrfSearching(ctx)
	if err != nil {
		return fmt.Errorf("resetting orphaned crf_searching videos: %w", err)
	}

	encoding, err := r.videos.ResetOrphanedEncoding(ctx)
	if err != nil {
		return fmt.Errorf("resetting orphaned encoding videos: %w", err)
	}

	unchosen, err := r.videos.ResetCrfSearchedWithoutVmaf(ctx)
	if err != nil {
		return fmt.Errorf("resetting crf_searched videos without chosen vmaf: %w", err)
	}

	killed := 0
	for _, bin := range r.binaries {
		killed += procrunner.KillOrphans(ctx, r.logger, bin)
	}

	removed, err := postprocess.CleanTempDir(r.logger, r.tempDir)
	if err != nil {
		r.logger.Warn("temp directory cleanup failed", "error", err)
	}

	if crfSearching+encoding+unchosen > 0 || killed > 0 || removed > 0 {
		r.logger.Info("startup reconciliation complete",
			"reset_crf_searching", crfSearching,
			"reset_encoding", encoding,
			"reset_unchosen", unchosen,
			"killed_processes", killed,
			"removed_artifacts", removed,
		)
	} else {
		r.logger.Debug("startup reconciliation found nothing to do")
	}
	return nil
}
