// Package discovery walks library roots on disk and registers the video
// files it finds. A rediscovered path refreshes the record without touching
// its pipeline state.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/repository"
)

// videoExtensions are the container formats picked up by a scan.
var videoExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".m4v":  true,
	".mov":  true,
	".ts":   true,
	".webm": true,
	".wmv":  true,
}

// ScanResult summarizes one library scan.
type ScanResult struct {
	Root    string
	Found   int
	Created int
	Skipped int
}

// Scanner registers library roots and upserts the videos beneath them.
type Scanner struct {
	videos    repository.VideoRepository
	libraries repository.LibraryRepository
	bus       *events.Bus
	logger    *slog.Logger
}

// NewScanner creates a library scanner.
func NewScanner(
	videos repository.VideoRepository,
	libraries repository.LibraryRepository,
	bus *events.Bus,
	logger *slog.Logger,
) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		videos:    videos,
		libraries: libraries,
		bus:       bus,
		logger:    logger.With("component", "discovery"),
	}
}

// Scan walks one library root, creating the library record if needed and
// upserting every video file found. New videos start in needs_analysis;
// known paths only refresh size and discovery fields.
func (s *Scanner) Scan(ctx context.Context, root string) (*ScanResult, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving library root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("library root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", root)
	}

	if err := s.ensureLibrary(ctx, root); err != nil {
		return nil, err
	}

	res := &ScanResult{Root: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("scan error, skipping subtree", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		res.Found++
		if err := s.upsert(ctx, path, res); err != nil {
			s.logger.Warn("registering video failed", "path", path, "error", err)
			res.Skipped++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walking %s: %w", root, err)
	}

	s.logger.Info("library scan complete",
		"root", root,
		"found", res.Found,
		"created", res.Created,
		"skipped", res.Skipped,
	)
	return res, nil
}

// ensureLibrary creates the library record for the root unless one already
// covers it.
func (s *Scanner) ensureLibrary(ctx context.Context, root string) error {
	existing, err := s.libraries.FindForPath(ctx, root)
	if err != nil {
		return fmt.Errorf("looking up library: %w", err)
	}
	if existing != nil {
		return nil
	}
	lib := &models.Library{Path: root, Name: filepath.Base(root)}
	if err := s.libraries.Create(ctx, lib); err != nil {
		return fmt.Errorf("creating library: %w", err)
	}
	s.logger.Info("library registered", "path", root, "name", lib.Name)
	return nil
}

func (s *Scanner) upsert(ctx context.Context, path string, res *ScanResult) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	known, err := s.videos.GetByPath(ctx, path)
	if err != nil {
		return err
	}

	video := &models.Video{Path: path, Size: info.Size()}
	if err := s.videos.Upsert(ctx, video); err != nil {
		return err
	}

	if known == nil {
		res.Created++
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Topic:   events.TopicMediaEvents,
				Type:    events.TypeVideoUpserted,
				VideoID: video.ID,
				Payload: map[string]any{"path": path, "size": info.Size()},
			})
		}
	}
	return nil
}
