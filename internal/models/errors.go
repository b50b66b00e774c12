package models

import "errors"

// Common errors for model operations.
var (
	// ErrInvalidTransition indicates a lifecycle transition whose precondition
	// is not met. The record is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPathRequired indicates a required path field is empty.
	ErrPathRequired = errors.New("path is required")

	// ErrMissingMetadata indicates a transition requires technical metadata
	// that has not been populated.
	ErrMissingMetadata = errors.New("missing technical metadata")

	// ErrNoChosenVmaf indicates a transition requires a chosen VMAF candidate.
	ErrNoChosenVmaf = errors.New("no chosen vmaf")
)
