package model

import "fmt"

// FaultKind classifies lifecycle and internal faults.
type FaultKind string

const (
	// Lifecycle faults → ERROR.
	FaultQuestionsLoadFailed FaultKind = "QUESTIONS_LOAD_FAILED"
	FaultCameraDenied        FaultKind = "CAMERA_DENIED"
	FaultCameraUnavailable   FaultKind = "CAMERA_UNAVAILABLE"
	FaultModelsUnavailable   FaultKind = "MODELS_UNAVAILABLE"

	// Internal faults never affect stage.
	FaultViolationLogPostFailed FaultKind = "VIOLATION_LOG_POST_FAILED"
	FaultCodeRunFailed          FaultKind = "CODE_RUN_FAILED"
	FaultSubmissionPostFailed   FaultKind = "SUBMISSION_POST_FAILED"
)

// Retryable reports whether an ERROR caused by this kind may be reset to READY.
func (k FaultKind) Retryable() bool {
	switch k {
	case FaultQuestionsLoadFailed, FaultCameraUnavailable, FaultModelsUnavailable:
		return true
	}
	return false
}

// Fault wraps an underlying error with its taxonomy kind.
type Fault struct {
	Kind FaultKind
	Err  error
}

func NewFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
