package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/reencodarr/internal/models"
	"gorm.io/gorm"
)

// failureRepo implements FailureRepository using GORM.
type failureRepo struct {
	db *gorm.DB
}

// NewFailureRepository creates a new FailureRepository.
func NewFailureRepository(db *gorm.DB) FailureRepository {
	return &failureRepo{db: db}
}

// Record appends a failure record.
func (r *failureRepo) Record(ctx context.Context, rec *models.FailureRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	return nil
}

// ListByVideo retrieves failure records for a video, newest first.
func (r *failureRepo) ListByVideo(ctx context.Context, videoID uint) ([]*models.FailureRecord, error) {
	var recs []*models.FailureRecord
	err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("created_at DESC, id DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing failures for video: %w", err)
	}
	return recs, nil
}

// DeleteOlderThan prunes records created before the cutoff.
func (r *failureRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.FailureRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning failure records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
