package models

import (
	"path/filepath"
	"strings"

	"gorm.io/gorm"
)

// VideoState represents the lifecycle state of a video.
type VideoState string

const (
	// VideoStateNeedsAnalysis indicates the video awaits metadata probing.
	VideoStateNeedsAnalysis VideoState = "needs_analysis"
	// VideoStateAnalyzed indicates technical metadata has been populated.
	VideoStateAnalyzed VideoState = "analyzed"
	// VideoStateCrfSearching indicates a CRF search is in flight.
	VideoStateCrfSearching VideoState = "crf_searching"
	// VideoStateCrfSearched indicates a CRF candidate has been chosen.
	VideoStateCrfSearched VideoState = "crf_searched"
	// VideoStateEncoding indicates an encode is in flight.
	VideoStateEncoding VideoState = "encoding"
	// VideoStateEncoded indicates the re-encoded artifact is in place.
	VideoStateEncoded VideoState = "encoded"
	// VideoStateFailed indicates a stage failed terminally for this video.
	VideoStateFailed VideoState = "failed"
)

// Codec names the analyzer records and the fast-path checks against.
const (
	CodecAV1  = "AV1"
	CodecOpus = "Opus"
)

// Video represents one known media file and its lifecycle.
type Video struct {
	BaseModel

	// Path is the absolute path in the source library. Unique.
	Path string `gorm:"uniqueIndex;not null;size:4096" json:"path"`

	// ServiceID and ServiceType identify the external library record this
	// video was discovered from (Sonarr/Radarr style). Nullable.
	ServiceID   *string `gorm:"size:64;index:idx_videos_service" json:"service_id,omitempty"`
	ServiceType *string `gorm:"size:32;index:idx_videos_service" json:"service_type,omitempty"`

	// Technical metadata populated by the analyzer.
	Width            *int       `json:"width,omitempty"`
	Height           *int       `json:"height,omitempty"`
	Bitrate          *int       `json:"bitrate,omitempty"`
	MaxAudioChannels *int       `json:"max_audio_channels,omitempty"`
	Duration         *float64   `json:"duration,omitempty"`
	FrameRate        *float64   `json:"frame_rate,omitempty"`
	VideoCodecs      StringList `gorm:"type:text" json:"video_codecs"`
	AudioCodecs      StringList `gorm:"type:text" json:"audio_codecs"`
	Size             int64      `json:"size"`
	Title            *string    `gorm:"size:1024" json:"title,omitempty"`
	HDR              *string    `gorm:"size:64" json:"hdr,omitempty"`
	Atmos            bool       `json:"atmos"`

	// State is the lifecycle variant. Mutated only through the Mark* methods.
	State VideoState `gorm:"not null;default:'needs_analysis';size:20;index" json:"state"`

	// ChosenVmafID references the Vmaf selected to drive the encode.
	ChosenVmafID *uint `json:"chosen_vmaf_id,omitempty"`

	// Vmafs are the candidate measurements recorded by the CRF search.
	Vmafs []Vmaf `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Video.
func (Video) TableName() string {
	return "videos"
}

// Validate performs basic validation on the video.
func (v *Video) Validate() error {
	if v.Path == "" {
		return ErrPathRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the video.
func (v *Video) BeforeCreate(tx *gorm.DB) error {
	return v.Validate()
}

// HasCompatibleCodecs reports whether the video already carries AV1 video or
// Opus audio. Such videos bypass CRF search and encode entirely.
func (v *Video) HasCompatibleCodecs() bool {
	return v.VideoCodecs.Contains(CodecAV1) || v.AudioCodecs.Contains(CodecOpus)
}

// HasValidMetadata reports whether the analyzer populated everything the
// analyzed state requires: positive bitrate and dimensions, at least one
// video codec, and a positive duration when present.
func (v *Video) HasValidMetadata() bool {
	if v.Bitrate == nil || *v.Bitrate <= 0 {
		return false
	}
	if v.Width == nil || *v.Width <= 0 {
		return false
	}
	if v.Height == nil || *v.Height <= 0 {
		return false
	}
	if len(v.VideoCodecs) == 0 {
		return false
	}
	if v.Duration != nil && *v.Duration <= 0 {
		return false
	}
	return true
}

// OutputExtension returns the container extension for the encoded artifact:
// ".mp4" iff the source is ".mp4", otherwise ".mkv".
func (v *Video) OutputExtension() string {
	if strings.EqualFold(filepath.Ext(v.Path), ".mp4") {
		return ".mp4"
	}
	return ".mkv"
}

// MarkAnalyzed transitions the video to analyzed. Valid from needs_analysis
// and analyzed (re-analysis), and from crf_searching or encoding as the
// reset path used by orphan reaping and operator retry.
func (v *Video) MarkAnalyzed() error {
	switch v.State {
	case VideoStateNeedsAnalysis, VideoStateAnalyzed, VideoStateCrfSearching, VideoStateEncoding:
	default:
		return ErrInvalidTransition
	}
	if !v.HasValidMetadata() {
		return ErrMissingMetadata
	}
	v.State = VideoStateAnalyzed
	return nil
}

// MarkReencoded applies the codec fast-path: a video already carrying AV1 or
// Opus is recorded directly as encoded from any state.
func (v *Video) MarkReencoded() error {
	if !v.HasCompatibleCodecs() {
		return ErrInvalidTransition
	}
	v.State = VideoStateEncoded
	return nil
}

// MarkCrfSearching transitions analyzed -> crf_searching once the stage
// worker has successfully spawned its search process.
func (v *Video) MarkCrfSearching() error {
	if v.State != VideoStateAnalyzed {
		return ErrInvalidTransition
	}
	v.State = VideoStateCrfSearching
	return nil
}

// MarkCrfSearched transitions crf_searching -> crf_searched, and also serves
// as the reset path from encoding when a chosen VMAF already exists.
// chosenID must reference the chosen Vmaf row.
func (v *Video) MarkCrfSearched(chosenID uint) error {
	switch v.State {
	case VideoStateCrfSearching, VideoStateEncoding:
	default:
		return ErrInvalidTransition
	}
	if chosenID == 0 {
		return ErrNoChosenVmaf
	}
	v.State = VideoStateCrfSearched
	v.ChosenVmafID = &chosenID
	return nil
}

// MarkEncoding transitions crf_searched -> encoding.
func (v *Video) MarkEncoding() error {
	if v.State != VideoStateCrfSearched {
		return ErrInvalidTransition
	}
	if v.ChosenVmafID == nil {
		return ErrNoChosenVmaf
	}
	v.State = VideoStateEncoding
	return nil
}

// MarkEncoded transitions encoding -> encoded after the post-processor swap
// succeeded. ChosenVmafID is retained for audit.
func (v *Video) MarkEncoded() error {
	if v.State != VideoStateEncoding {
		return ErrInvalidTransition
	}
	v.State = VideoStateEncoded
	return nil
}

// MarkFailed transitions any non-encoded state to failed.
func (v *Video) MarkFailed() error {
	if v.State == VideoStateEncoded {
		return ErrInvalidTransition
	}
	v.State = VideoStateFailed
	return nil
}
