// Package postprocess swaps finished encodes into the source library. The
// replacement is atomic on the destination filesystem so a crash mid-swap
// never leaves a truncated video behind.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/repository"
)

// Swapper moves temp artifacts over their source files and updates the video
// record to the final path and size.
type Swapper struct {
	videos repository.VideoRepository
	logger *slog.Logger
}

// NewSwapper creates a post-processor.
func NewSwapper(videos repository.VideoRepository, logger *slog.Logger) *Swapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Swapper{
		videos: videos,
		logger: logger.With("component", "postprocess"),
	}
}

// Apply replaces the video's source file with the temp artifact. The final
// path keeps the source name but takes the artifact's container extension;
// when the extension changes the old source file is removed after the new one
// is durably in place. Returns the final path and the artifact size.
func (s *Swapper) Apply(ctx context.Context, video *models.Video, tempPath string) (string, int64, error) {
	info, err := os.Stat(tempPath)
	if err != nil {
		return "", 0, fmt.Errorf("stat temp artifact: %w", err)
	}
	if info.Size() == 0 {
		return "", 0, fmt.Errorf("temp artifact %s is empty", tempPath)
	}

	finalPath := SwapTarget(video.Path, tempPath)

	if err := s.moveInto(finalPath, tempPath); err != nil {
		return "", 0, err
	}

	// Extension changed: the old container file is now stale.
	if finalPath != video.Path {
		if err := os.Remove(video.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing replaced source file",
				"path", video.Path,
				"error", err,
			)
		}
	}

	if err := s.videos.UpdatePath(ctx, video.ID, finalPath, info.Size()); err != nil {
		return "", 0, fmt.Errorf("updating video path: %w", err)
	}

	s.logger.Info("artifact swapped into library",
		"video_id", video.ID,
		"path", finalPath,
		"size", info.Size(),
	)
	return finalPath, info.Size(), nil
}

// moveInto copies the artifact into a pending file next to the destination
// and commits it with an atomic rename. The temp artifact usually lives on a
// different filesystem than the library, so a plain rename is not an option.
func (s *Swapper) moveInto(finalPath, tempPath string) error {
	pending, err := renameio.NewPendingFile(finalPath, renameio.WithExistingPermissions())
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug("cleanup pending file", "error", err)
		}
	}()

	src, err := os.Open(tempPath)
	if err != nil {
		return fmt.Errorf("open temp artifact: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(pending, src); err != nil {
		return fmt.Errorf("copy artifact into library: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}

	if err := os.Remove(tempPath); err != nil {
		s.logger.Warn("removing temp artifact", "path", tempPath, "error", err)
	}
	return nil
}

// SwapTarget returns the final library path for an artifact: the source path
// with the artifact's extension.
func SwapTarget(sourcePath, tempPath string) string {
	stem := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath))
	return stem + filepath.Ext(tempPath)
}

// CleanTempDir removes leftover encode artifacts from the temp directory.
// Called at startup after orphan reaping and by scheduled maintenance.
func CleanTempDir(logger *slog.Logger, tempDir string) (int, error) {
	if tempDir == "" {
		return 0, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".mkv", ".mp4":
		default:
			continue
		}
		path := filepath.Join(tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("removing stale temp artifact", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("cleaned temp directory", "dir", tempDir, "removed", removed)
	}
	return removed, nil
}
