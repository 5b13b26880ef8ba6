// Package session drives one proctored attempt through its lifecycle.
//
// A Controller is a single-writer event loop: every public operation, timer
// and asynchronous completion is delivered to Run as a message and handled
// to completion before the next one. Async work carries the generation it
// was started in; results from an older generation are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/arbiter"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/question"
	"github.com/stemsi/exstem-proctor/internal/sentinel"
)

var (
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrNotActive         = errors.New("session is not active")
	ErrNotRetryable      = errors.New("session cannot be retried")
	ErrStopped           = errors.New("session stopped")
	ErrNoMCQ             = errors.New("assessment has no multiple-choice questions")
)

const inboxSize = 64

// Controller owns the authoritative state of one attempt.
type Controller struct {
	params Params
	deps   Deps
	timing Timing
	clock  clock.Clock
	log    zerolog.Logger

	inbox    chan any
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	shutOnce sync.Once

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	gen  atomic.Uint64
	snap atomic.Pointer[Snapshot]

	timersMu sync.Mutex
	timers   map[timerKind]clock.Timer

	// Loop-owned below.
	stage         model.Stage
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	monitor       *perception.Monitor
	sentinel      *sentinel.Sentinel
	arbiter       *arbiter.Arbiter
	armed         bool
	degraded      bool
	startedAt     time.Time
	endedAt       time.Time
	banner        string
	endReason     string
	fault         *FaultInfo
	submitted     bool
	submission    *model.Submission
	result        *model.Result
}

func New(params Params, deps Deps, timing Timing) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notify == nil {
		deps.Notify = func(Update) {}
	}
	if timing.UITick <= 0 {
		timing.UITick = time.Second
	}
	if timing.SubmitTimeout <= 0 {
		timing.SubmitTimeout = 30 * time.Second
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	c := &Controller{
		params:     params,
		deps:       deps,
		timing:     timing,
		clock:      deps.Clock,
		log:        logger.ForSession(deps.Log, params.ID, params.Role).With().Str("component", "session_controller").Logger(),
		inbox:      make(chan any, inboxSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		timers:     make(map[timerKind]clock.Timer),
		stage:      model.StageReady,
		arbiter:    arbiter.New(deps.Log),
	}
	c.snap.Store(c.buildSnapshot())
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.params.ID }

// Params returns the construction parameters.
func (c *Controller) Params() Params { return c.params }

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot { return *c.snap.Load() }

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Questions returns the loaded question set, empty before loading finishes.
func (c *Controller) Questions() (mcq, coding []model.Question) {
	return c.deps.Questions.MCQ(), c.deps.Questions.Coding()
}

// Run processes messages until ctx is cancelled or Teardown is called.
// Every exit path, panics included, releases the camera, the listeners,
// the fullscreen lock and the timers.
func (c *Controller) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)
	defer c.shutdown()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Session loop panicked")
		}
	}()

	select {
	case <-c.stop:
		return
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

// Teardown stops the loop and releases everything the attempt holds. It does
// not emit a submission. Safe to call more than once.
func (c *Controller) Teardown() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.running.Load() {
		<-c.done
		return
	}
	c.shutdown()
}

// Begin starts the attempt. A second call while the attempt is starting is
// a no-op; any other stage rejects it.
func (c *Controller) Begin(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) any { return beginMsg{reply: reply} })
}

// Submit ends an active attempt on the candidate's request.
func (c *Controller) Submit(ctx context.Context, reason string) error {
	return c.request(ctx, func(reply chan error) any { return submitMsg{reason: reason, reply: reply} })
}

// Retry resets a retryable ERROR back to READY.
func (c *Controller) Retry(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) any { return retryMsg{reply: reply} })
}

// OnViolation queues an externally observed violation.
func (c *Controller) OnViolation(ev model.ViolationEvent) {
	c.post(violationMsg{ev: ev})
}

// RecordMCQ stores an answer while the attempt is active.
func (c *Controller) RecordMCQ(ctx context.Context, index int, value *int) error {
	return c.whileActive(ctx, func() error {
		return c.deps.Questions.RecordMCQ(index, value)
	})
}

// RecordCode stores the latest source of a coding question.
func (c *Controller) RecordCode(ctx context.Context, index int, code string, elapsedSec int) error {
	return c.whileActive(ctx, func() error {
		return c.deps.Questions.RecordCode(index, code, elapsedSec)
	})
}

// ChooseLanguage picks the coding-phase language.
func (c *Controller) ChooseLanguage(ctx context.Context, lang model.Language) error {
	return c.whileActive(ctx, func() error {
		c.deps.Questions.ChooseLanguage(lang)
		return nil
	})
}

// RunCode executes code in the chosen language. The call runs on the
// caller's goroutine; failures never touch the session stage.
func (c *Controller) RunCode(ctx context.Context, code string) (*model.RunOutput, error) {
	var lang model.Language
	err := c.whileActive(ctx, func() error {
		l, ok := c.deps.Questions.Language()
		if !ok {
			return fmt.Errorf("run code: %w", question.ErrLanguageRequired)
		}
		lang = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := c.deps.Runner.RunCode(ctx, c.params.Credential, code, lang)
	if err != nil {
		c.log.Warn().Err(err).Str("language", string(lang)).Msg("Code run failed")
		return nil, model.NewFault(model.FaultCodeRunFailed, err)
	}
	return out, nil
}

// Sync returns once every message queued before it has been handled.
func (c *Controller) Sync(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) any { return syncMsg{reply: reply} })
}

func (c *Controller) whileActive(ctx context.Context, fn func() error) error {
	return c.request(ctx, func(reply chan error) any { return opMsg{fn: fn, reply: reply} })
}

// post delivers m to the loop, or drops it once the loop has stopped.
func (c *Controller) post(m any) {
	select {
	case c.inbox <- m:
	case <-c.stop:
	case <-c.done:
	}
}

func (c *Controller) request(ctx context.Context, build func(chan error) any) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- build(reply):
	case <-c.stop:
		return ErrStopped
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) shutdown() {
	c.shutOnce.Do(func() {
		if !c.stage.IsTerminal() {
			c.log.Info().Str("stage", string(c.stage)).Msg("Session torn down before completion")
		}
		c.armed = false
		c.arbiter.Close()
		c.releaseResources()
		c.gen.Add(1)
		c.lifeCancel()
	})
}
