package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/reencodarr/internal/database"
	"github.com/jmylchreest/reencodarr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// vmafRepo implements VmafRepository using GORM.
type vmafRepo struct {
	db *gorm.DB
}

// NewVmafRepository creates a new VmafRepository.
func NewVmafRepository(db *gorm.DB) VmafRepository {
	return &vmafRepo{db: db}
}

// Upsert creates or updates the row keyed by (video_id, crf). Retried CRF
// searches revisit the same CRF values, so conflicts refresh the measurement
// instead of erroring.
func (r *vmafRepo) Upsert(ctx context.Context, vmaf *models.Vmaf) error {
	err := database.WithBusyRetry(ctx, nil, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "video_id"}, {Name: "crf"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"score", "percent", "time", "size", "savings", "target",
					"params", "updated_at",
				}),
			}).
			Create(vmaf).Error
	})
	if err != nil {
		return fmt.Errorf("upserting vmaf: %w", err)
	}
	return nil
}

// GetByVideoAndCrf retrieves the candidate at a specific CRF.
func (r *vmafRepo) GetByVideoAndCrf(ctx context.Context, videoID uint, crf float64) (*models.Vmaf, error) {
	var vmaf models.Vmaf
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND crf = ?", videoID, crf).
		First(&vmaf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting vmaf by video and crf: %w", err)
	}
	return &vmaf, nil
}

// ListByVideo retrieves all candidates for a video, lowest CRF first.
func (r *vmafRepo) ListByVideo(ctx context.Context, videoID uint) ([]*models.Vmaf, error) {
	var vmafs []*models.Vmaf
	err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("crf ASC").
		Find(&vmafs).Error
	if err != nil {
		return nil, fmt.Errorf("listing vmafs for video: %w", err)
	}
	return vmafs, nil
}

// GetChosen retrieves the chosen candidate for a video, if any.
func (r *vmafRepo) GetChosen(ctx context.Context, videoID uint) (*models.Vmaf, error) {
	var vmaf models.Vmaf
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND chosen = ?", videoID, true).
		First(&vmaf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting chosen vmaf: %w", err)
	}
	return &vmaf, nil
}

// ChosenExists reports whether a chosen candidate exists for the video.
func (r *vmafRepo) ChosenExists(ctx context.Context, videoID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Vmaf{}).
		Where("video_id = ? AND chosen = ?", videoID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking chosen vmaf: %w", err)
	}
	return count > 0, nil
}

// MarkChosen atomically makes vmafID the single chosen candidate for its
// video: any previously chosen sibling is cleared and the video row's
// chosen_vmaf_id is updated in the same transaction.
func (r *vmafRepo) MarkChosen(ctx context.Context, vmafID uint) error {
	err := database.WithBusyRetry(ctx, nil, func() error {
		return r.markChosen(ctx, vmafID)
	})
	if err != nil {
		return fmt.Errorf("marking chosen vmaf: %w", err)
	}
	return nil
}

func (r *vmafRepo) markChosen(ctx context.Context, vmafID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vmaf models.Vmaf
		if err := tx.First(&vmaf, vmafID).Error; err != nil {
			return fmt.Errorf("loading vmaf %d: %w", vmafID, err)
		}

		if err := tx.Model(&models.Vmaf{}).
			Where("video_id = ? AND id <> ?", vmaf.VideoID, vmafID).
			Update("chosen", false).Error; err != nil {
			return fmt.Errorf("clearing chosen siblings: %w", err)
		}

		if err := tx.Model(&vmaf).Update("chosen", true).Error; err != nil {
			return fmt.Errorf("marking vmaf chosen: %w", err)
		}

		if err := tx.Model(&models.Video{}).
			Where("id = ?", vmaf.VideoID).
			Update("chosen_vmaf_id", vmafID).Error; err != nil {
			return fmt.Errorf("updating video chosen_vmaf_id: %w", err)
		}
		return nil
	})
}
