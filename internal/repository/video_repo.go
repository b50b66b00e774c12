package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jmylchreest/reencodarr/internal/database"
	"github.com/jmylchreest/reencodarr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// videoRepo implements VideoRepository using GORM.
type videoRepo struct {
	db *gorm.DB
}

// NewVideoRepository creates a new VideoRepository.
func NewVideoRepository(db *gorm.DB) VideoRepository {
	return &videoRepo{db: db}
}

// Upsert creates the video or refreshes its discovery fields by path.
func (r *videoRepo) Upsert(ctx context.Context, video *models.Video) error {
	err := database.WithBusyRetry(ctx, nil, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"service_id", "service_type", "size", "updated_at",
				}),
			}).
			Create(video).Error
	})
	if err != nil {
		return fmt.Errorf("upserting video: %w", err)
	}
	return nil
}

// GetByID retrieves a video by ID.
func (r *videoRepo) GetByID(ctx context.Context, id uint) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).First(&video, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting video by ID: %w", err)
	}
	return &video, nil
}

// GetByPath retrieves a video by its absolute path.
func (r *videoRepo) GetByPath(ctx context.Context, path string) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting video by path: %w", err)
	}
	return &video, nil
}

// UpdateMetadata persists analyzer-populated technical metadata.
func (r *videoRepo) UpdateMetadata(ctx context.Context, video *models.Video) error {
	err := r.db.WithContext(ctx).Model(video).
		Select("width", "height", "bitrate", "max_audio_channels", "duration",
			"frame_rate", "video_codecs", "audio_codecs", "size", "title",
			"hdr", "atmos").
		Updates(video).Error
	if err != nil {
		return fmt.Errorf("updating video metadata: %w", err)
	}
	return nil
}

// UpdatePath moves the video record to a new path after a container swap.
func (r *videoRepo) UpdatePath(ctx context.Context, id uint, path string, size int64) error {
	err := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", id).
		Updates(map[string]any{"path": path, "size": size}).Error
	if err != nil {
		return fmt.Errorf("updating video path: %w", err)
	}
	return nil
}

// transition refetches the video inside a transaction, applies the guarded
// mutation, and saves. A failed guard rolls back and leaves the row unchanged.
// Plain First is enough: SQLite serializes writers, and the Postgres/MySQL
// backends run the whole closure in one transaction. Lock contention retries
// the whole transaction with backoff; guard errors return immediately.
func (r *videoRepo) transition(ctx context.Context, id uint, apply func(tx *gorm.DB, v *models.Video) error) (*models.Video, error) {
	var video models.Video
	err := database.WithBusyRetry(ctx, nil, func() error {
		video = models.Video{}
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&video, id).Error; err != nil {
				return fmt.Errorf("loading video %d: %w", id, err)
			}
			if err := apply(tx, &video); err != nil {
				return err
			}
			return tx.Save(&video).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &video, nil
}

// MarkAnalyzed transitions to analyzed.
func (r *videoRepo) MarkAnalyzed(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(_ *gorm.DB, v *models.Video) error {
		return v.MarkAnalyzed()
	})
}

// MarkReencoded applies the codec fast-path straight to encoded.
func (r *videoRepo) MarkReencoded(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(_ *gorm.DB, v *models.Video) error {
		return v.MarkReencoded()
	})
}

// MarkCrfSearching transitions analyzed -> crf_searching.
func (r *videoRepo) MarkCrfSearching(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(_ *gorm.DB, v *models.Video) error {
		return v.MarkCrfSearching()
	})
}

// MarkCrfSearched transitions to crf_searched. The chosen Vmaf row is looked
// up inside the same transaction so the precondition cannot race.
func (r *videoRepo) MarkCrfSearched(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(tx *gorm.DB, v *models.Video) error {
		var chosen models.Vmaf
		err := tx.Where("video_id = ? AND chosen = ?", id, true).First(&chosen).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrNoChosenVmaf
		}
		if err != nil {
			return fmt.Errorf("loading chosen vmaf: %w", err)
		}
		return v.MarkCrfSearched(chosen.ID)
	})
}

// MarkEncoding transitions crf_searched -> encoding.
func (r *videoRepo) MarkEncoding(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(_ *gorm.DB, v *models.Video) error {
		return v.MarkEncoding()
	})
}

// MarkEncoded transitions encoding -> encoded.
func (r *videoRepo) MarkEncoded(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(_ *gorm.DB, v *models.Video) error {
		return v.MarkEncoded()
	})
}

// MarkFailed transitions any non-encoded state to failed.
func (r *videoRepo) MarkFailed(ctx context.Context, id uint) (*models.Video, error) {
	return r.transition(ctx, id, func(_ *gorm.DB, v *models.Video) error {
		return v.MarkFailed()
	})
}

// VideosNeedingAnalysis returns videos in needs_analysis, oldest first.
func (r *videoRepo) VideosNeedingAnalysis(ctx context.Context, limit int) ([]*models.Video, error) {
	var videos []*models.Video
	err := r.db.WithContext(ctx).
		Where("state = ?", models.VideoStateNeedsAnalysis).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&videos).Error
	if err != nil {
		return nil, fmt.Errorf("querying videos needing analysis: %w", err)
	}
	return videos, nil
}

// VideosForCrfSearch returns analyzed videos eligible for a CRF search.
// Codec filtering happens in SQL against the JSON-encoded codec lists; glob
// exclusion is applied in Go because glob semantics do not translate to SQL.
func (r *videoRepo) VideosForCrfSearch(ctx context.Context, limit int, excludeGlobs []string) ([]*models.Video, error) {
	var videos []*models.Video
	// Over-fetch to leave headroom for glob-excluded rows.
	fetch := limit
	if len(excludeGlobs) > 0 {
		fetch = limit * 2
	}
	err := r.db.WithContext(ctx).
		Where("state = ?", models.VideoStateAnalyzed).
		Where("video_codecs NOT LIKE ?", `%"`+models.CodecAV1+`"%`).
		Where("audio_codecs NOT LIKE ?", `%"`+models.CodecOpus+`"%`).
		Order("size DESC, id ASC").
		Limit(fetch).
		Find(&videos).Error
	if err != nil {
		return nil, fmt.Errorf("querying videos for crf search: %w", err)
	}

	if len(excludeGlobs) == 0 {
		return videos, nil
	}

	filtered := videos[:0]
	for _, v := range videos {
		if pathExcluded(v.Path, excludeGlobs) {
			continue
		}
		filtered = append(filtered, v)
		if len(filtered) == limit {
			break
		}
	}
	return filtered, nil
}

// pathExcluded reports whether the path matches any operator exclude glob.
// Patterns are matched against both the full path and the base name.
func pathExcluded(path string, globs []string) bool {
	base := filepath.Base(path)
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	return false
}

// VideosForEncoding returns crf_searched videos with a chosen Vmaf.
func (r *videoRepo) VideosForEncoding(ctx context.Context, limit int) ([]*models.Video, error) {
	var videos []*models.Video
	err := r.db.WithContext(ctx).
		Where("state = ? AND chosen_vmaf_id IS NOT NULL", models.VideoStateCrfSearched).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&videos).Error
	if err != nil {
		return nil, fmt.Errorf("querying videos for encoding: %w", err)
	}
	return videos, nil
}

// ResetOrphanedCrfSearching resets crf_searching videos to analyzed.
func (r *videoRepo) ResetOrphanedCrfSearching(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("state = ?", models.VideoStateCrfSearching).
		Update("state", models.VideoStateAnalyzed)
	if result.Error != nil {
		return 0, fmt.Errorf("resetting orphaned crf_searching videos: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ResetOrphanedEncoding resets encoding videos to crf_searched when a chosen
// Vmaf exists, else to analyzed.
func (r *videoRepo) ResetOrphanedEncoding(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		withVmaf := tx.Model(&models.Video{}).
			Where("state = ?", models.VideoStateEncoding).
			Where("EXISTS (SELECT 1 FROM vmafs WHERE vmafs.video_id = videos.id AND vmafs.chosen = ?)", true).
			Update("state", models.VideoStateCrfSearched)
		if withVmaf.Error != nil {
			return withVmaf.Error
		}

		withoutVmaf := tx.Model(&models.Video{}).
			Where("state = ?", models.VideoStateEncoding).
			Updates(map[string]any{"state": models.VideoStateAnalyzed, "chosen_vmaf_id": nil})
		if withoutVmaf.Error != nil {
			return withoutVmaf.Error
		}

		total = withVmaf.RowsAffected + withoutVmaf.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting orphaned encoding videos: %w", err)
	}
	return total, nil
}

// ResetCrfSearchedWithoutVmaf resets crf_searched videos lacking a chosen
// Vmaf back to analyzed.
func (r *videoRepo) ResetCrfSearchedWithoutVmaf(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("state = ?", models.VideoStateCrfSearched).
		Where("NOT EXISTS (SELECT 1 FROM vmafs WHERE vmafs.video_id = videos.id AND vmafs.chosen = ?)", true).
		Updates(map[string]any{"state": models.VideoStateAnalyzed, "chosen_vmaf_id": nil})
	if result.Error != nil {
		return 0, fmt.Errorf("resetting crf_searched videos without vmaf: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DashboardStats aggregates counts by state plus size and savings totals.
func (r *videoRepo) DashboardStats(ctx context.Context) (*StateCounts, error) {
	stats := &StateCounts{ByState: make(map[models.VideoState]int64)}

	type stateCount struct {
		State models.VideoState
		Count int64
	}
	var rows []stateCount
	err := r.db.WithContext(ctx).Model(&models.Video{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting videos by state: %w", err)
	}
	for _, row := range rows {
		stats.ByState[row.State] = row.Count
	}

	if err := r.db.WithContext(ctx).Model(&models.Video{}).
		Select("COALESCE(SUM(size), 0)").Scan(&stats.TotalSize).Error; err != nil {
		return nil, fmt.Errorf("summing video sizes: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&models.Vmaf{}).
		Count(&stats.VmafCount).Error; err != nil {
		return nil, fmt.Errorf("counting vmafs: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&models.Vmaf{}).
		Where("chosen = ?", true).
		Select("COALESCE(SUM(savings), 0)").Scan(&stats.TotalSavings).Error; err != nil {
		return nil, fmt.Errorf("summing savings: %w", err)
	}

	return stats, nil
}
