// Package repository defines data access interfaces for reencodarr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/reencodarr/internal/models"
)

// StateCounts aggregates dashboard statistics across the video table.
type StateCounts struct {
	ByState      map[models.VideoState]int64 `json:"by_state"`
	TotalSize    int64                       `json:"total_size"`
	VmafCount    int64                       `json:"vmaf_count"`
	TotalSavings int64                       `json:"total_savings"`
}

// VideoRepository defines operations for video persistence, including the
// guarded lifecycle transitions. Every transition runs in a transaction and
// returns models.ErrInvalidTransition without mutating when the precondition
// fails.
type VideoRepository interface {
	// Upsert creates the video or refreshes its discovery fields by path.
	// New videos start in needs_analysis.
	Upsert(ctx context.Context, video *models.Video) error
	// GetByID retrieves a video by ID.
	GetByID(ctx context.Context, id uint) (*models.Video, error)
	// GetByPath retrieves a video by its absolute path.
	GetByPath(ctx context.Context, path string) (*models.Video, error)
	// UpdateMetadata persists analyzer-populated technical metadata.
	UpdateMetadata(ctx context.Context, video *models.Video) error
	// UpdatePath moves the video record to a new path (container swap).
	UpdatePath(ctx context.Context, id uint, path string, size int64) error

	// MarkAnalyzed transitions to analyzed (also the reset path from
	// crf_searching/encoding).
	MarkAnalyzed(ctx context.Context, id uint) (*models.Video, error)
	// MarkReencoded applies the codec fast-path straight to encoded.
	MarkReencoded(ctx context.Context, id uint) (*models.Video, error)
	// MarkCrfSearching transitions analyzed -> crf_searching.
	MarkCrfSearching(ctx context.Context, id uint) (*models.Video, error)
	// MarkCrfSearched transitions to crf_searched; requires a chosen Vmaf.
	MarkCrfSearched(ctx context.Context, id uint) (*models.Video, error)
	// MarkEncoding transitions crf_searched -> encoding.
	MarkEncoding(ctx context.Context, id uint) (*models.Video, error)
	// MarkEncoded transitions encoding -> encoded.
	MarkEncoded(ctx context.Context, id uint) (*models.Video, error)
	// MarkFailed transitions any non-encoded state to failed.
	MarkFailed(ctx context.Context, id uint) (*models.Video, error)

	// VideosNeedingAnalysis returns videos in needs_analysis, oldest first.
	VideosNeedingAnalysis(ctx context.Context, limit int) ([]*models.Video, error)
	// VideosForCrfSearch returns analyzed videos without AV1/Opus codecs and
	// not matching any exclude glob, largest first.
	VideosForCrfSearch(ctx context.Context, limit int, excludeGlobs []string) ([]*models.Video, error)
	// VideosForEncoding returns crf_searched videos with a chosen Vmaf.
	VideosForEncoding(ctx context.Context, limit int) ([]*models.Video, error)

	// ResetOrphanedCrfSearching resets crf_searching videos to analyzed.
	ResetOrphanedCrfSearching(ctx context.Context) (int64, error)
	// ResetOrphanedEncoding resets encoding videos to crf_searched when a
	// chosen Vmaf exists, else to analyzed.
	ResetOrphanedEncoding(ctx context.Context) (int64, error)
	// ResetCrfSearchedWithoutVmaf resets crf_searched videos lacking a chosen
	// Vmaf back to analyzed.
	ResetCrfSearchedWithoutVmaf(ctx context.Context) (int64, error)

	// DashboardStats aggregates counts by state plus size and savings totals.
	DashboardStats(ctx context.Context) (*StateCounts, error)
}

// VmafRepository defines operations for VMAF candidate persistence.
type VmafRepository interface {
	// Upsert creates or updates the row keyed by (video_id, crf).
	Upsert(ctx context.Context, vmaf *models.Vmaf) error
	// GetByVideoAndCrf retrieves the candidate at a specific CRF.
	GetByVideoAndCrf(ctx context.Context, videoID uint, crf float64) (*models.Vmaf, error)
	// ListByVideo retrieves all candidates for a video, lowest CRF first.
	ListByVideo(ctx context.Context, videoID uint) ([]*models.Vmaf, error)
	// GetChosen retrieves the chosen candidate for a video, if any.
	GetChosen(ctx context.Context, videoID uint) (*models.Vmaf, error)
	// ChosenExists reports whether a chosen candidate exists for the video.
	ChosenExists(ctx context.Context, videoID uint) (bool, error)
	// MarkChosen atomically makes vmafID the single chosen candidate for its
	// video and points the video's chosen_vmaf_id at it.
	MarkChosen(ctx context.Context, vmafID uint) error
}

// FailureRepository defines operations for the append-only failure log.
type FailureRepository interface {
	// Record appends a failure record.
	Record(ctx context.Context, rec *models.FailureRecord) error
	// ListByVideo retrieves failure records for a video, newest first.
	ListByVideo(ctx context.Context, videoID uint) ([]*models.FailureRecord, error)
	// DeleteOlderThan prunes records created before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LibraryRepository defines operations for library path mappings.
type LibraryRepository interface {
	// Create creates a new library.
	Create(ctx context.Context, library *models.Library) error
	// GetAll retrieves all libraries.
	GetAll(ctx context.Context) ([]*models.Library, error)
	// FindForPath returns the library whose root contains the path, or nil.
	FindForPath(ctx context.Context, path string) (*models.Library, error)
}
