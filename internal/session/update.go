package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// End reasons besides a violation kind.
const (
	ReasonCandidate   = "CANDIDATE_SUBMIT"
	ReasonTimeExpired = "TIME_EXPIRED"
)

// UpdateKind tags a change notification.
type UpdateKind string

const (
	UpdateStage     UpdateKind = "stage"
	UpdateArmed     UpdateKind = "armed"
	UpdateTick      UpdateKind = "tick"
	UpdateViolation UpdateKind = "violation"
	UpdateBanner    UpdateKind = "banner"
	UpdateResult    UpdateKind = "result"
	UpdateNotice    UpdateKind = "notice"
)

// FaultInfo is the user-facing view of a lifecycle fault.
type FaultInfo struct {
	Kind      model.FaultKind `json:"kind"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	SessionID         string                 `json:"session_id"`
	CandidateID       int                    `json:"candidate_id"`
	Stage             model.Stage            `json:"stage"`
	Role              string                 `json:"role"`
	Difficulty        model.Difficulty       `json:"difficulty"`
	TimeBudgetSeconds int                    `json:"time_budget_seconds"`
	ElapsedSeconds    int                    `json:"elapsed_seconds"`
	RemainingSeconds  int                    `json:"remaining_seconds"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	MonitoringArmed   bool                   `json:"monitoring_armed"`
	Warned            bool                   `json:"warned"`
	Degraded          bool                   `json:"degraded"`
	Banner            string                 `json:"banner,omitempty"`
	EndReason         string                 `json:"end_reason,omitempty"`
	Fault             *FaultInfo             `json:"fault,omitempty"`
	Violations        []model.ViolationEvent `json:"violations"`
	Result            *model.Result          `json:"result,omitempty"`
	Submission        *model.Submission      `json:"-"`
}

// Update is one change notification.
type Update struct {
	Kind      UpdateKind            `json:"kind"`
	At        time.Time             `json:"at"`
	Snapshot  Snapshot              `json:"snapshot"`
	Violation *model.ViolationEvent `json:"violation,omitempty"`
	Notice    string                `json:"notice,omitempty"`
}
