package model

import "time"

// ViolationKind names a perception or environment verdict.
type ViolationKind string

const (
	// Perception verdicts.
	ViolationFaceAbsent    ViolationKind = "FACE_ABSENT"
	ViolationMultipleFaces ViolationKind = "MULTIPLE_FACES"
	ViolationCameraCovered ViolationKind = "CAMERA_COVERED"
	ViolationStreamLost    ViolationKind = "STREAM_LOST"

	// Environment verdicts.
	ViolationFullscreenExit   ViolationKind = "FULLSCREEN_EXIT"
	ViolationVisibilityHidden ViolationKind = "VISIBILITY_HIDDEN"
	ViolationWindowBlur       ViolationKind = "WINDOW_BLUR"
	ViolationRefreshAttempt   ViolationKind = "REFRESH_ATTEMPT"
	ViolationDevtoolsShortcut ViolationKind = "DEVTOOLS_SHORTCUT"
	ViolationCopyAttempt      ViolationKind = "COPY_ATTEMPT"
	ViolationPasteAttempt     ViolationKind = "PASTE_ATTEMPT"
	ViolationNavigateAway     ViolationKind = "NAVIGATE_AWAY"
)

// Severity is the disposition class of a violation.
type Severity string

const (
	SeverityWarn      Severity = "warn"
	SeverityTerminate Severity = "terminate"
)

var warnKinds = map[ViolationKind]bool{
	ViolationRefreshAttempt:   true,
	ViolationDevtoolsShortcut: true,
	ViolationCopyAttempt:      true,
	ViolationPasteAttempt:     true,
	ViolationNavigateAway:     true,
}

var immediateKinds = map[ViolationKind]bool{
	ViolationFullscreenExit:   true,
	ViolationVisibilityHidden: true,
	ViolationWindowBlur:       true,
	ViolationMultipleFaces:    true,
	ViolationCameraCovered:    true,
	ViolationStreamLost:       true,
}

// DefaultSeverity is warn for the warn-then-terminate kinds, terminate otherwise.
func (k ViolationKind) DefaultSeverity() Severity {
	if warnKinds[k] {
		return SeverityWarn
	}
	return SeverityTerminate
}

// IsImmediate reports whether the kind terminates with no tolerance at all.
func (k ViolationKind) IsImmediate() bool {
	return immediateKinds[k]
}

// ViolationEvent is one entry of the append-only incident log.
type ViolationEvent struct {
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	OccurredAt time.Time     `json:"occurredAt"`
	Message    string        `json:"message"`
}

// NewViolation builds an event with the kind's default severity.
func NewViolation(kind ViolationKind, at time.Time, message string) ViolationEvent {
	return ViolationEvent{
		Kind:       kind,
		Severity:   kind.DefaultSeverity(),
		OccurredAt: at,
		Message:    message,
	}
}

// ViolationRecord is the best-effort log sink payload.
type ViolationRecord struct {
	SessionID     string        `json:"sessionId,omitempty"`
	CandidateID   int           `json:"candidateId,omitempty"`
	ViolationType ViolationKind `json:"violationType"`
	Severity      Severity      `json:"severity,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
