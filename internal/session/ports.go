package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/question"
	"github.com/stemsi/exstem-proctor/internal/sentinel"
)

// Evaluator scores a submission and returns an opaque bundle.
type Evaluator interface {
	Evaluate(ctx context.Context, cred model.Credential, sub model.Submission) (json.RawMessage, error)
}

// CodeRunner executes candidate code during the coding phase.
type CodeRunner interface {
	RunCode(ctx context.Context, cred model.Credential, code string, lang model.Language) (*model.RunOutput, error)
}

// ViolationSink is the best-effort violation log.
type ViolationSink interface {
	RecordViolation(ctx context.Context, cred model.Credential, rec model.ViolationRecord) error
}

// Params identify one attempt. Role must already be a canonical slug.
type Params struct {
	ID          string
	CandidateID int
	Role        string
	Difficulty  model.Difficulty
	MCQCount    int
	CodingCount int
	Credential  model.Credential
}

// Timing groups the controller's timers.
type Timing struct {
	ArmingDelay    time.Duration
	UITick         time.Duration
	BannerDuration time.Duration
	SubmitTimeout  time.Duration
}

// DefaultTiming: 2 s arming grace, 1 Hz UI tick, 5 s banner.
func DefaultTiming() Timing {
	return Timing{
		ArmingDelay:    2 * time.Second,
		UITick:         time.Second,
		BannerDuration: 5 * time.Second,
		SubmitTimeout:  30 * time.Second,
	}
}

// Deps are the collaborators of one controller. The monitor and sentinel
// are built per attempt because a released one cannot be re-armed.
type Deps struct {
	Questions   *question.Store
	NewMonitor  func() *perception.Monitor
	NewSentinel func() *sentinel.Sentinel
	Sink        perception.Sink
	Evaluator   Evaluator
	Runner      CodeRunner
	Violations  ViolationSink
	Clock       clock.Clock
	// Notify receives every update on the controller goroutine. It must not block.
	Notify func(Update)
	Log    zerolog.Logger
}
