package session

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/question"
	"github.com/stemsi/exstem-proctor/internal/sentinel"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// --- question generator ---

type fakeGenerator struct {
	mu    sync.Mutex
	resp  *question.GenerateResponse
	err   error
	gate  chan struct{}
	calls int
}

func (g *fakeGenerator) GenerateQuestions(ctx context.Context, _ model.Credential, _ question.GenerateRequest) (*question.GenerateResponse, error) {
	g.mu.Lock()
	g.calls++
	gate, resp, err := g.gate, g.resp, g.err
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func (g *fakeGenerator) set(resp *question.GenerateResponse, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resp, g.err = resp, err
}

func twoMCQ() *question.GenerateResponse {
	return &question.GenerateResponse{
		Success: true,
		MCQQuestions: []model.Question{
			{Prompt: "Q1", Options: []string{"A", "B"}, CorrectIndex: 0},
			{Prompt: "Q2", Options: []string{"C", "D"}, CorrectIndex: 1},
		},
		CodingQuestions: []model.Question{
			{Prompt: "Reverse a string"},
		},
	}
}

// --- camera, sink, detector ---

type fakeStream struct {
	dark    atomic.Bool
	ended   atomic.Bool
	stopped atomic.Bool
}

func (s *fakeStream) VideoTracks() []perception.TrackState {
	state := perception.TrackLive
	if s.ended.Load() {
		state = perception.TrackEnded
	}
	return []perception.TrackState{{Kind: "video", Enabled: true, ReadyState: state}}
}

func (s *fakeStream) SampleFrame(w, h int) (*image.RGBA, error) {
	var v uint8 = 128
	if s.dark.Load() {
		v = 2
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img, nil
}

func (s *fakeStream) Stop() { s.stopped.Store(true) }

type fakeCamera struct {
	stream *fakeStream
	err    error
}

func (c *fakeCamera) Acquire(context.Context, perception.Constraints) (perception.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

type fakeSink struct{}

func (fakeSink) Attach(context.Context, perception.Stream, perception.AttachOptions) error {
	return nil
}

func (fakeSink) Metadata(context.Context) (perception.Metadata, error) {
	return perception.Metadata{VideoWidth: 640, VideoHeight: 480, ReadyState: perception.HaveEnoughData}, nil
}

type fakeDetector struct {
	loadErr error
	faces   atomic.Int32
}

func (d *fakeDetector) Load(context.Context) error { return d.loadErr }

func (d *fakeDetector) Detect(context.Context, perception.Stream, perception.DetectorOptions) (int, error) {
	return int(d.faces.Load()), nil
}

// --- browser host ---

type fakeHost struct {
	mu         sync.Mutex
	handler    func(sentinel.HostEvent)
	fullscreen bool
	fsErr      error
	prevented  atomic.Int32
}

func (h *fakeHost) RequestFullscreen(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fsErr != nil {
		return h.fsErr
	}
	h.fullscreen = true
	return nil
}

func (h *fakeHost) ExitFullscreen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fullscreen = false
	return nil
}

func (h *fakeHost) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

func (h *fakeHost) Listen(fn func(sentinel.HostEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.handler = nil
	}
}

func (h *fakeHost) listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler != nil
}

func (h *fakeHost) emit(ev sentinel.HostEvent) {
	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()
	if fn == nil {
		return
	}
	ev.Prevent = func() { h.prevented.Add(1) }
	fn(ev)
}

// --- HTTP collaborators ---

type fakeEvaluator struct {
	mu     sync.Mutex
	bundle json.RawMessage
	err    error
	gate   chan struct{}
	subs   []model.Submission
}

func (e *fakeEvaluator) Evaluate(ctx context.Context, _ model.Credential, sub model.Submission) (json.RawMessage, error) {
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	gate, bundle, err := e.gate, e.bundle, e.err
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return bundle, err
}

func (e *fakeEvaluator) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

type fakeRunner struct {
	out  *model.RunOutput
	err  error
	lang atomic.Value
}

func (r *fakeRunner) RunCode(_ context.Context, _ model.Credential, _ string, lang model.Language) (*model.RunOutput, error) {
	r.lang.Store(lang)
	return r.out, r.err
}

type fakeViolationLog struct {
	mu      sync.Mutex
	records []model.ViolationRecord
}

func (l *fakeViolationLog) RecordViolation(_ context.Context, _ model.Credential, rec model.ViolationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return errors.New("log sink offline")
}

func (l *fakeViolationLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// --- harness ---

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock.Fake
	gen      *fakeGenerator
	stream   *fakeStream
	camera   *fakeCamera
	detector *fakeDetector
	host     *fakeHost
	eval     *fakeEvaluator
	runner   *fakeRunner
	vlog     *fakeViolationLog
	ctrl     *Controller

	mu      sync.Mutex
	updates []Update
}

type option func(*harness)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	stream := &fakeStream{}
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clock.NewFake(t0),
		gen:      &fakeGenerator{resp: twoMCQ()},
		stream:   stream,
		camera:   &fakeCamera{stream: stream},
		detector: &fakeDetector{},
		host:     &fakeHost{},
		eval:     &fakeEvaluator{bundle: json.RawMessage(`{"mcqScore": 100, "codingScore": 80}`)},
		runner:   &fakeRunner{out: &model.RunOutput{Output: "ok"}},
		vlog:     &fakeViolationLog{},
	}
	h.detector.faces.Store(1)
	for _, o := range opts {
		o(h)
	}

	log := zerolog.Nop()
	store := question.NewStore(h.gen, log)
	h.ctrl = New(Params{
		ID:          "sess-1",
		CandidateID: 7,
		Role:        "backend-developer",
		Difficulty:  model.DifficultyMedium,
		MCQCount:    2,
		CodingCount: 1,
		Credential:  "tok",
	}, Deps{
		Questions: store,
		NewMonitor: func() *perception.Monitor {
			return perception.New(h.camera, h.detector, h.clock, perception.DefaultConfig(), log)
		},
		NewSentinel: func() *sentinel.Sentinel {
			return sentinel.New(h.host, h.clock, log)
		},
		Sink:       fakeSink{},
		Evaluator:  h.eval,
		Runner:     h.runner,
		Violations: h.vlog,
		Clock:      h.clock,
		Notify: func(u Update) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.updates = append(h.updates, u)
		},
		Log: log,
	}, DefaultTiming())

	go h.ctrl.Run(h.ctx)
	t.Cleanup(h.ctrl.Teardown)
	return h
}

func (h *harness) snap() Snapshot { return h.ctrl.Snapshot() }

func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Sync(h.ctx))
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) waitStage(stage model.Stage) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.snap().Stage == stage
	}, 2*time.Second, 5*time.Millisecond, "stage never reached %s (at %s)", stage, h.snap().Stage)
}

// activate begins the attempt and waits for ACTIVE at t0.
func (h *harness) activate() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Begin(h.ctx))
	h.waitStage(model.StageActive)
}

// arm activates and lets the arming grace run out.
func (h *harness) arm() {
	h.t.Helper()
	h.activate()
	h.advance(2 * time.Second)
	require.True(h.t, h.snap().MonitoringArmed)
}

func (h *harness) waitResult() *model.Result {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.snap().Result != nil
	}, 2*time.Second, 5*time.Millisecond)
	return h.snap().Result
}

func (h *harness) stages() []model.Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Stage
	for _, u := range h.updates {
		if u.Kind == UpdateStage {
			out = append(out, u.Snapshot.Stage)
		}
	}
	return out
}

func (h *harness) notices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, u := range h.updates {
		if u.Kind == UpdateNotice {
			out = append(out, u.Notice)
		}
	}
	return out
}

func intp(v int) *int { return &v }
