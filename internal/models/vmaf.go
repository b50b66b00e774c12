package models

import (
	"github.com/dustin/go-humanize"
)

// Vmaf is one CRF candidate measured during a search. Rows are unique per
// (video_id, crf); re-measuring the same CRF updates the row in place.
type Vmaf struct {
	BaseModel

	VideoID uint    `gorm:"not null;uniqueIndex:idx_vmafs_video_crf" json:"video_id"`
	CRF     float64 `gorm:"not null;uniqueIndex:idx_vmafs_video_crf" json:"crf"`

	// Score is the measured VMAF at this CRF.
	Score float64 `json:"score"`

	// Percent is the predicted output size as a percentage of the input.
	Percent int `json:"percent"`

	// Time is the sample duration in seconds, when reported.
	Time *int `json:"time,omitempty"`

	// Size is the predicted encode size as reported, e.g. "4.2 GB".
	Size *string `gorm:"size:32" json:"size,omitempty"`

	// Savings is the predicted byte savings against the source file.
	Savings *int64 `json:"savings,omitempty"`

	// Target is the target VMAF used for the search that produced this row.
	Target int `json:"target"`

	// Params is the encoder argument vector, excluding --min-vmaf and the
	// crf-search subcommand.
	Params StringList `gorm:"type:text" json:"params"`

	// Chosen marks the single candidate selected to drive the encode.
	Chosen bool `gorm:"index" json:"chosen"`
}

// TableName returns the table name for Vmaf.
func (Vmaf) TableName() string {
	return "vmafs"
}

// ComputeSavings returns max(0, (100-percent)/100 * videoSize), or nil when
// either input is unusable.
func ComputeSavings(percent int, videoSize int64) *int64 {
	if percent <= 0 || videoSize <= 0 {
		return nil
	}
	savings := (100 - int64(percent)) * videoSize / 100
	if savings < 0 {
		savings = 0
	}
	return &savings
}

// SizeBytes parses the human-readable Size field ("4.2 GB") into bytes.
// Returns 0 and false when the field is absent or unparseable.
func (m *Vmaf) SizeBytes() (int64, bool) {
	if m.Size == nil || *m.Size == "" {
		return 0, false
	}
	n, err := humanize.ParseBytes(*m.Size)
	if err != nil {
		return 0, false
	}
	return int64(n), true
}
