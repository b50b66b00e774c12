package models

// Stage identifies the pipeline phase a failure belongs to.
type Stage string

const (
	StageAnalysis  Stage = "analysis"
	StageCrfSearch Stage = "crf_search"
	StageEncode    Stage = "encode"
)

// FailureKind classifies a failure for operator triage.
type FailureKind string

const (
	// FailureCommandError indicates the external binary could not be started.
	FailureCommandError FailureKind = "command_error"
	// FailureProcessError indicates the external process exited abnormally.
	FailureProcessError FailureKind = "process_error"
	// FailureTimeout indicates an operation exceeded its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureVmafCalculation indicates a generic CRF-search failure.
	FailureVmafCalculation FailureKind = "vmaf_calculation_failure"
	// FailureCrfOptimization indicates the search exhausted its range without
	// finding a suitable CRF.
	FailureCrfOptimization FailureKind = "crf_optimization_failure"
	// FailureSizeLimitExceeded indicates the chosen encode was predicted to
	// exceed the configured size ceiling.
	FailureSizeLimitExceeded FailureKind = "size_limit_exceeded"
	// FailureDatabaseError indicates persistent store errors after retries.
	FailureDatabaseError FailureKind = "database_error"
)

// FailureRecord is an append-only log entry describing a per-video failure.
type FailureRecord struct {
	BaseModel

	VideoID uint        `gorm:"not null;index" json:"video_id"`
	Stage   Stage       `gorm:"not null;size:20;index" json:"stage"`
	Kind    FailureKind `gorm:"not null;size:40;index" json:"kind"`

	// ExitCode of the external process, when one exited.
	ExitCode *int `json:"exit_code,omitempty"`

	// Command is the full command line that was executed.
	Command string `gorm:"size:4096" json:"command,omitempty"`

	// OutputTail holds the last lines of process output for debugging.
	OutputTail string `gorm:"type:text" json:"output_tail,omitempty"`

	// Context carries free-form structured details (tested CRF/score pairs,
	// target values, file paths).
	Context JSONMap `gorm:"type:text" json:"context,omitempty"`
}

// TableName returns the table name for FailureRecord.
func (FailureRecord) TableName() string {
	return "failures"
}
