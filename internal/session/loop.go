package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/arbiter"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/question"
)

type (
	beginMsg  struct{ reply chan error }
	retryMsg  struct{ reply chan error }
	syncMsg   struct{ reply chan error }
	submitMsg struct {
		reason string
		reply  chan error
	}
	opMsg struct {
		fn    func() error
		reply chan error
	}
	violationMsg struct{ ev model.ViolationEvent }

	questionsLoadedMsg struct {
		gen uint64
		err error
	}
	proctoringMsg struct {
		gen    uint64
		report *perception.ArmReport
		err    error
		fsErr  error
	}
	evaluatedMsg struct {
		gen    uint64
		stage  model.Stage
		bundle json.RawMessage
		err    error
	}
	timerMsg struct {
		gen  uint64
		kind timerKind
	}
)

type timerKind int

const (
	timerUI timerKind = iota
	timerPerception
	timerArming
	timerBanner
)

func (c *Controller) handle(m any) {
	switch m := m.(type) {
	case beginMsg:
		m.reply <- c.begin()
	case submitMsg:
		m.reply <- c.submit(m.reason)
	case retryMsg:
		m.reply <- c.retry()
	case opMsg:
		if c.stage != model.StageActive {
			m.reply <- fmt.Errorf("%w: stage %s", ErrNotActive, c.stage)
			return
		}
		m.reply <- m.fn()
	case syncMsg:
		m.reply <- nil
	case violationMsg:
		c.onViolation(m.ev)
	case questionsLoadedMsg:
		c.onQuestionsLoaded(m)
	case proctoringMsg:
		c.onProctoring(m)
	case evaluatedMsg:
		c.onEvaluated(m)
	case timerMsg:
		c.onTimer(m)
	default:
		c.log.Error().Str("type", fmt.Sprintf("%T", m)).Msg("Unknown session message")
	}
}

// transition moves to the next stage, bumps the generation and cancels the
// timers of the stage being left.
func (c *Controller) transition(to model.Stage) error {
	from := c.stage
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	c.stage = to
	c.gen.Add(1)
	c.stopTimers()

	c.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Session stage changed")
	c.publish(Update{Kind: UpdateStage})
	return nil
}

func (c *Controller) begin() error {
	switch c.stage {
	case model.StageReady:
	case model.StageInitializing, model.StageLoadingQuestions, model.StageAcquiringProctoring:
		return nil
	default:
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, c.stage)
	}

	if err := c.transition(model.StageInitializing); err != nil {
		return err
	}
	c.attemptCtx, c.attemptCancel = context.WithCancel(c.lifeCtx)
	c.monitor = c.deps.NewMonitor()
	c.sentinel = c.deps.NewSentinel()
	c.arbiter = arbiter.New(c.deps.Log)
	c.degraded = false
	c.banner = ""

	if err := c.transition(model.StageLoadingQuestions); err != nil {
		return err
	}

	gen, ctx, p := c.gen.Load(), c.attemptCtx, c.params
	go func() {
		err := c.deps.Questions.Load(ctx, p.Credential, p.Role, p.MCQCount, p.CodingCount)
		c.post(questionsLoadedMsg{gen: gen, err: err})
	}()
	return nil
}

func (c *Controller) onQuestionsLoaded(m questionsLoadedMsg) {
	if m.gen != c.gen.Load() || c.stage != model.StageLoadingQuestions {
		c.log.Debug().Msg("Stale question load dropped")
		return
	}
	if m.err != nil {
		c.fail(m.err, model.FaultQuestionsLoadFailed)
		return
	}
	if len(c.deps.Questions.MCQ()) == 0 {
		c.fail(ErrNoMCQ, model.FaultQuestionsLoadFailed)
		return
	}

	if err := c.transition(model.StageAcquiringProctoring); err != nil {
		c.log.Error().Err(err).Msg("Unexpected transition failure")
		return
	}

	gen, ctx, mon, sen, sink := c.gen.Load(), c.attemptCtx, c.monitor, c.sentinel, c.deps.Sink
	go func() {
		msg := proctoringMsg{gen: gen}
		msg.report, msg.err = mon.Arm(ctx, sink)
		if msg.err == nil {
			msg.err = mon.Healthy()
		}
		if msg.err == nil {
			msg.fsErr = sen.EnterFullscreen(ctx)
		}
		c.post(msg)
	}()
}

func (c *Controller) onProctoring(m proctoringMsg) {
	if m.gen != c.gen.Load() || c.stage != model.StageAcquiringProctoring {
		c.log.Debug().Msg("Stale proctoring acquisition dropped")
		return
	}
	if m.err != nil {
		if errors.Is(m.err, perception.ErrReleased) {
			return
		}
		c.fail(m.err, model.FaultCameraUnavailable)
		return
	}

	if m.fsErr != nil {
		c.log.Warn().Err(m.fsErr).Msg("Fullscreen not acquired")
		c.publish(Update{Kind: UpdateNotice, Notice: "Fullscreen could not be enabled. Please stay on this page."})
	}
	if m.report != nil && m.report.Degraded {
		c.degraded = true
		c.publish(Update{Kind: UpdateNotice, Notice: m.report.ModelErr.Error()})
	}

	c.enterActive()
}

func (c *Controller) enterActive() {
	if err := c.transition(model.StageActive); err != nil {
		c.log.Error().Err(err).Msg("Unexpected transition failure")
		return
	}
	c.startedAt = c.clock.Now()
	c.publish(Update{Kind: UpdateTick})

	c.sentinel.Attach(func(ev model.ViolationEvent) {
		c.post(violationMsg{ev: ev})
	})

	gen := c.gen.Load()
	c.every(timerUI, c.timing.UITick, gen)
	c.every(timerPerception, c.monitor.Interval(), gen)
	c.after(timerArming, c.timing.ArmingDelay, gen)
}

func (c *Controller) onTimer(m timerMsg) {
	if m.gen != c.gen.Load() || c.stage != model.StageActive {
		return
	}

	switch m.kind {
	case timerArming:
		c.armed = true
		c.sentinel.Arm()
		c.log.Info().Msg("Monitoring armed")
		c.publish(Update{Kind: UpdateArmed})

	case timerUI:
		if c.elapsed() >= c.params.Difficulty.TimeBudgetSeconds() {
			c.log.Info().Int("elapsed", c.elapsed()).Msg("Time budget exhausted")
			c.terminate(ReasonTimeExpired)
			return
		}
		c.publish(Update{Kind: UpdateTick})

	case timerPerception:
		ctx, cancel := context.WithTimeout(c.attemptCtx, c.monitor.Interval())
		verdicts := c.monitor.Tick(ctx)
		cancel()
		for _, ev := range verdicts {
			c.onViolation(ev)
			if c.stage != model.StageActive {
				return
			}
		}

	case timerBanner:
		c.banner = ""
		c.publish(Update{Kind: UpdateBanner})
	}
}

func (c *Controller) onViolation(ev model.ViolationEvent) {
	if c.stage != model.StageActive {
		c.log.Debug().Str("kind", string(ev.Kind)).Str("stage", string(c.stage)).Msg("Violation outside active stage dropped")
		return
	}
	if !c.armed {
		c.log.Debug().Str("kind", string(ev.Kind)).Msg("Violation during arming delay dropped")
		return
	}

	d := c.arbiter.Consider(ev)
	switch d.Action {
	case arbiter.ActionWarn:
		c.record(d.Event)
		c.banner = d.Event.Message
		c.after(timerBanner, c.timing.BannerDuration, c.gen.Load())
		c.publish(Update{Kind: UpdateViolation, Violation: &d.Event})
	case arbiter.ActionTerminate:
		c.record(d.Event)
		c.publish(Update{Kind: UpdateViolation, Violation: &d.Event})
		c.terminate(string(d.Event.Kind))
	}
}

// record forwards an incident to the violation log without waiting.
func (c *Controller) record(ev model.ViolationEvent) {
	if c.deps.Violations == nil {
		return
	}
	rec := model.ViolationRecord{
		SessionID:     c.params.ID,
		CandidateID:   c.params.CandidateID,
		ViolationType: ev.Kind,
		Severity:      ev.Severity,
		Timestamp:     ev.OccurredAt,
	}
	ctx, cred, log := c.lifeCtx, c.params.Credential, c.log
	go func() {
		if err := c.deps.Violations.RecordViolation(ctx, cred, rec); err != nil {
			log.Warn().
				Err(model.NewFault(model.FaultViolationLogPostFailed, err)).
				Str("kind", string(rec.ViolationType)).
				Msg("Violation log post failed")
		}
	}()
}

func (c *Controller) submit(reason string) error {
	if c.stage != model.StageActive {
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, c.stage)
	}
	if reason == "" {
		reason = ReasonCandidate
	}

	c.endedAt = c.clock.Now()
	c.armed = false
	c.arbiter.Close()
	c.endReason = reason
	if err := c.transition(model.StageSubmitting); err != nil {
		return err
	}
	c.releaseResources()
	c.emitSubmission(false)
	return nil
}

// terminate ends the attempt with a forced submission. The incident log is
// already final; TIME_EXPIRED adds nothing to it.
func (c *Controller) terminate(reason string) {
	c.endedAt = c.clock.Now()
	c.armed = false
	c.arbiter.Close()
	c.endReason = reason
	if err := c.transition(model.StageTerminated); err != nil {
		c.log.Error().Err(err).Msg("Unexpected transition failure")
		return
	}
	c.releaseResources()
	c.emitSubmission(true)
}

// emitSubmission builds the one payload of this session and sends it to the
// evaluator.
func (c *Controller) emitSubmission(forced bool) {
	if c.submitted {
		return
	}
	c.submitted = true

	sub := c.deps.Questions.BuildSubmission(c.arbiter.Incidents(), forced, c.elapsed())
	c.submission = &sub

	c.log.Info().
		Bool("forced", forced).
		Int("completion_time", sub.CompletionTime).
		Int("violations", len(sub.Violations)).
		Str("reason", c.endReason).
		Msg("Submission emitted")

	gen, stage := c.gen.Load(), c.stage
	go func() {
		ctx, cancel := context.WithTimeout(c.lifeCtx, c.timing.SubmitTimeout)
		defer cancel()
		bundle, err := c.deps.Evaluator.Evaluate(ctx, c.params.Credential, sub)
		c.post(evaluatedMsg{gen: gen, stage: stage, bundle: bundle, err: err})
	}()
}

func (c *Controller) onEvaluated(m evaluatedMsg) {
	if m.gen != c.gen.Load() || m.stage != c.stage || c.submission == nil {
		return
	}

	var res model.Result
	if m.err != nil {
		c.log.Warn().
			Err(model.NewFault(model.FaultSubmissionPostFailed, m.err)).
			Msg("Evaluator unreachable, using local result")
		res = question.LocalResult(*c.submission)
	} else {
		res = serverResult(*c.submission, m.bundle)
	}
	c.result = &res

	if c.stage == model.StageSubmitting {
		if err := c.transition(model.StageCompleted); err != nil {
			c.log.Error().Err(err).Msg("Unexpected transition failure")
		}
		c.releaseResources()
	}
	c.publish(Update{Kind: UpdateResult})
}

// serverResult keeps the evaluator's bundle and lifts its headline scores
// when they are present.
func serverResult(sub model.Submission, bundle json.RawMessage) model.Result {
	res := question.LocalResult(sub)
	res.Local = false
	res.Bundle = bundle

	var scores struct {
		MCQScore    *int `json:"mcqScore"`
		CodingScore *int `json:"codingScore"`
	}
	if err := json.Unmarshal(bundle, &scores); err == nil {
		if scores.MCQScore != nil {
			res.MCQScore = *scores.MCQScore
		}
		if scores.CodingScore != nil {
			res.CodingScore = *scores.CodingScore
		}
	}
	return res
}

func (c *Controller) fail(err error, fallback model.FaultKind) {
	var f *model.Fault
	if !errors.As(err, &f) {
		f = model.NewFault(fallback, err)
	}
	c.fault = &FaultInfo{
		Kind:      f.Kind,
		Message:   f.Error(),
		Retryable: f.Kind.Retryable(),
	}
	c.log.Error().Err(err).Str("fault", string(f.Kind)).Msg("Session failed")

	if terr := c.transition(model.StageError); terr != nil {
		c.log.Error().Err(terr).Msg("Unexpected transition failure")
	}
	c.releaseResources()
}

func (c *Controller) retry() error {
	if c.stage != model.StageError {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, c.stage)
	}
	if c.fault == nil || !c.fault.Retryable || !c.startedAt.IsZero() {
		return ErrNotRetryable
	}
	c.fault = nil
	return c.transition(model.StageReady)
}

// releaseResources gives back the camera, listeners, fullscreen and timers
// of the current attempt. Every step is idempotent.
func (c *Controller) releaseResources() {
	c.armed = false
	c.stopTimers()
	if c.monitor != nil {
		c.monitor.Disarm()
	}
	if c.sentinel != nil {
		c.sentinel.Release()
	}
	if c.attemptCancel != nil {
		c.attemptCancel()
	}
}

func (c *Controller) elapsed() int {
	if c.startedAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = c.clock.Now()
	}
	return int(end.Sub(c.startedAt) / time.Second)
}

// publish refreshes the snapshot and notifies the observer.
func (c *Controller) publish(u Update) {
	snap := c.buildSnapshot()
	c.snap.Store(snap)
	u.At = c.clock.Now()
	u.Snapshot = *snap
	c.deps.Notify(u)
}

func (c *Controller) buildSnapshot() *Snapshot {
	budget := c.params.Difficulty.TimeBudgetSeconds()
	elapsed := c.elapsed()
	s := &Snapshot{
		SessionID:         c.params.ID,
		CandidateID:       c.params.CandidateID,
		Stage:             c.stage,
		Role:              c.params.Role,
		Difficulty:        c.params.Difficulty,
		TimeBudgetSeconds: budget,
		ElapsedSeconds:    elapsed,
		RemainingSeconds:  max(0, budget-elapsed),
		MonitoringArmed:   c.armed,
		Warned:            c.arbiter.Warned(),
		Degraded:          c.degraded,
		Banner:            c.banner,
		EndReason:         c.endReason,
		Violations:        c.arbiter.Incidents(),
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		s.StartedAt = &t
	}
	if c.fault != nil {
		f := *c.fault
		s.Fault = &f
	}
	if c.result != nil {
		r := *c.result
		s.Result = &r
	}
	if c.submission != nil {
		sub := *c.submission
		s.Submission = &sub
	}
	return s
}

// every schedules a repeating timer. The callback re-arms itself so a fake
// clock can fire it repeatedly within one Advance.
func (c *Controller) every(kind timerKind, d time.Duration, gen uint64) {
	var fire func()
	fire = func() {
		if c.gen.Load() != gen {
			return
		}
		c.setTimer(kind, c.clock.AfterFunc(d, fire))
		c.post(timerMsg{gen: gen, kind: kind})
	}
	c.setTimer(kind, c.clock.AfterFunc(d, fire))
}

func (c *Controller) after(kind timerKind, d time.Duration, gen uint64) {
	c.setTimer(kind, c.clock.AfterFunc(d, func() {
		if c.gen.Load() != gen {
			return
		}
		c.post(timerMsg{gen: gen, kind: kind})
	}))
}

func (c *Controller) setTimer(kind timerKind, t clock.Timer) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if prev, ok := c.timers[kind]; ok {
		prev.Stop()
	}
	c.timers[kind] = t
}

func (c *Controller) stopTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for kind, t := range c.timers {
		t.Stop()
		delete(c.timers, kind)
	}
}
