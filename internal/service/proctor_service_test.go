package service

import (
	"context"
	"encoding/json"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/question"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/sentinel"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollab struct {
	mu         sync.Mutex
	violations []model.ViolationRecord
	creds      []model.Credential
}

func (f *fakeCollab) GenerateQuestions(_ context.Context, cred model.Credential, _ question.GenerateRequest) (*question.GenerateResponse, error) {
	f.mu.Lock()
	f.creds = append(f.creds, cred)
	f.mu.Unlock()
	return &question.GenerateResponse{
		Success: true,
		MCQQuestions: []model.Question{
			{Prompt: "Q1", Options: []string{"A", "B"}, CorrectIndex: 1},
		},
	}, nil
}

func (f *fakeCollab) Evaluate(context.Context, model.Credential, model.Submission) (json.RawMessage, error) {
	return json.RawMessage(`{"mcqScore": 100, "codingScore": 0}`), nil
}

func (f *fakeCollab) RunCode(context.Context, model.Credential, string, model.Language) (*model.RunOutput, error) {
	return &model.RunOutput{Output: "ok"}, nil
}

func (f *fakeCollab) RecordViolation(_ context.Context, _ model.Credential, rec model.ViolationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, rec)
	return nil
}

func (f *fakeCollab) recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.violations)
}

type fakeResults struct {
	rec *model.ResultRecord
}

func (r *fakeResults) GetBySession(_ context.Context, id string) (*model.ResultRecord, error) {
	if r.rec == nil || r.rec.SessionID != id {
		return nil, repository.ErrNotFound
	}
	return r.rec, nil
}

// fakeBridge is a page with a working camera and one visible face.
type fakeBridge struct {
	mu      sync.Mutex
	handler func(sentinel.HostEvent)
	fs      bool
}

func (b *fakeBridge) Acquire(context.Context, perception.Constraints) (perception.Stream, error) {
	return brightStream{}, nil
}

func (b *fakeBridge) Attach(context.Context, perception.Stream, perception.AttachOptions) error {
	return nil
}

func (b *fakeBridge) Metadata(context.Context) (perception.Metadata, error) {
	return perception.Metadata{VideoWidth: 640, VideoHeight: 480, ReadyState: perception.HaveEnoughData}, nil
}

func (b *fakeBridge) Load(context.Context) error { return nil }

func (b *fakeBridge) Detect(context.Context, perception.Stream, perception.DetectorOptions) (int, error) {
	return 1, nil
}

func (b *fakeBridge) RequestFullscreen(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fs = true
	return nil
}

func (b *fakeBridge) ExitFullscreen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fs = false
	return nil
}

func (b *fakeBridge) IsFullscreen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fs
}

func (b *fakeBridge) Listen(fn func(sentinel.HostEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handler = nil
	}
}

func (b *fakeBridge) emit(ev sentinel.HostEvent) {
	b.mu.Lock()
	fn := b.handler
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type brightStream struct{}

func (brightStream) VideoTracks() []perception.TrackState {
	return []perception.TrackState{{Kind: "video", Enabled: true, ReadyState: perception.TrackLive}}
}

func (brightStream) SampleFrame(w, h int) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 180
	}
	return img, nil
}

func (brightStream) Stop() {}

type fixture struct {
	t       *testing.T
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	clock   *clock.Fake
	collab  *fakeCollab
	results *fakeResults
	svc     *ProctorService

	mu      sync.Mutex
	updates []session.Update
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		t:       t,
		mr:      mr,
		rdb:     rdb,
		clock:   clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		collab:  &fakeCollab{},
		results: &fakeResults{},
	}
	cfg := &config.Config{AuthToken: "platform-token"}
	f.svc = NewProctorService(cfg, rdb, f.collab, f.results, f.clock, zerolog.Nop())
	t.Cleanup(func() { _ = f.svc.Shutdown(context.Background()) })
	return f
}

func (f *fixture) send(u session.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fixture) sawKind(kind session.UpdateKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.updates {
		if u.Kind == kind {
			return true
		}
	}
	return false
}

func (f *fixture) create(candidateID int) session.Snapshot {
	f.t.Helper()
	snap, err := f.svc.Create(context.Background(), candidateID, "", CreateRequest{Role: "Backend Developer", MCQCount: 1})
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) activate(id string, candidateID int, bridge *fakeBridge) *session.Controller {
	f.t.Helper()
	ctrl, err := f.svc.Attach(id, candidateID, bridge, f.send)
	require.NoError(f.t, err)
	require.NoError(f.t, ctrl.Begin(context.Background()))
	require.Eventually(f.t, func() bool {
		return ctrl.Snapshot().Stage == model.StageActive
	}, 2*time.Second, 5*time.Millisecond)
	return ctrl
}

func (f *fixture) arm(ctrl *session.Controller) {
	f.t.Helper()
	f.clock.Advance(2 * time.Second)
	require.NoError(f.t, ctrl.Sync(context.Background()))
	require.True(f.t, ctrl.Snapshot().MonitoringArmed)
}

func waitFinished(t *testing.T, ctrl *session.Controller) session.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Result != nil
	}, 2*time.Second, 5*time.Millisecond)
	return ctrl.Snapshot()
}

func TestCreateReservesCandidateSlot(t *testing.T) {
	f := newFixture(t)

	snap := f.create(7)

	assert.Equal(t, model.StageReady, snap.Stage)
	assert.Equal(t, "backend-developer", snap.Role)
	assert.Equal(t, model.DifficultyMedium, snap.Difficulty)
	assert.Equal(t, 25*60, snap.RemainingSeconds)

	stored, err := f.mr.Get(config.CacheKey.CandidateActiveSessionKey(7))
	require.NoError(t, err)
	assert.Equal(t, snap.SessionID, stored)

	_, err = f.svc.Create(context.Background(), 7, "", CreateRequest{Role: "qa"})
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)

	_, err = f.svc.Create(context.Background(), 8, "", CreateRequest{Role: "  ()  "})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestSnapshotChecksOwner(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)

	_, err := f.svc.Snapshot(snap.SessionID, 8)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.Snapshot("missing", 7)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := f.svc.Lookup(snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.CandidateID)
}

func TestSubmitPersistsResultAndFreesSlot(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)

	pubsub := f.rdb.Subscribe(context.Background(), config.CacheKey.SessionMonitorChannel(snap.SessionID))
	defer pubsub.Close()
	_, err := pubsub.Receive(context.Background())
	require.NoError(t, err)

	ctrl := f.activate(snap.SessionID, 7, &fakeBridge{})
	require.NoError(t, ctrl.RecordMCQ(context.Background(), 0, intp(1)))
	require.NoError(t, ctrl.Submit(context.Background(), ""))
	final := waitFinished(t, ctrl)

	assert.Equal(t, model.StageCompleted, final.Stage)
	assert.Equal(t, 100, final.Result.MCQScore)

	require.Eventually(t, func() bool {
		items, _ := f.mr.List(config.WorkerKey.PersistResultsQueue)
		return len(items) == 1
	}, 2*time.Second, 5*time.Millisecond)
	items, _ := f.mr.List(config.WorkerKey.PersistResultsQueue)
	var rec model.ResultRecord
	require.NoError(t, json.Unmarshal([]byte(items[0]), &rec))
	assert.Equal(t, snap.SessionID, rec.SessionID)
	assert.Equal(t, 7, rec.CandidateID)
	assert.Equal(t, model.StageCompleted, rec.Stage)
	assert.Equal(t, session.ReasonCandidate, rec.EndReason)

	assert.False(t, f.mr.Exists(config.CacheKey.CandidateActiveSessionKey(7)))
	assert.True(t, f.sawKind(session.UpdateResult))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var ev MonitorEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		require.NotNil(t, ev.Update)
		assert.NotEqual(t, session.UpdateTick, ev.Update.Kind)
		if ev.Update.Kind == session.UpdateResult {
			break
		}
	}

	res, err := f.svc.Result(context.Background(), snap.SessionID, 7)
	require.NoError(t, err)
	assert.Equal(t, 100, res.MCQScore)
	_, err = f.svc.Result(context.Background(), snap.SessionID, 9)
	assert.ErrorIs(t, err, ErrNotOwner)

	f.collab.mu.Lock()
	creds := f.collab.creds
	f.collab.mu.Unlock()
	require.NotEmpty(t, creds)
	assert.Equal(t, model.Credential("platform-token"), creds[0])
}

func TestViolationsAreQueued(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)
	bridge := &fakeBridge{}
	ctrl := f.activate(snap.SessionID, 7, bridge)
	f.arm(ctrl)

	bridge.emit(sentinel.HostEvent{Type: sentinel.EventVisibilityChange, Hidden: true})
	final := waitFinished(t, ctrl)

	assert.Equal(t, model.StageTerminated, final.Stage)
	assert.Equal(t, string(model.ViolationVisibilityHidden), final.EndReason)

	require.Eventually(t, func() bool {
		items, _ := f.mr.List(config.WorkerKey.PersistViolationsQueue)
		return len(items) == 1 && f.collab.recorded() == 1
	}, 2*time.Second, 5*time.Millisecond)

	items, _ := f.mr.List(config.WorkerKey.PersistViolationsQueue)
	var rec model.ViolationRecord
	require.NoError(t, json.Unmarshal([]byte(items[0]), &rec))
	assert.Equal(t, snap.SessionID, rec.SessionID)
	assert.Equal(t, model.ViolationVisibilityHidden, rec.ViolationType)
}

func TestSecondConnectionRejected(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)

	_, err := f.svc.Attach(snap.SessionID, 7, &fakeBridge{}, f.send)
	require.NoError(t, err)
	_, err = f.svc.Attach(snap.SessionID, 7, &fakeBridge{}, f.send)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	_, err = f.svc.Attach(snap.SessionID, 8, &fakeBridge{}, f.send)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestDetachBeforeStartAllowsReconnect(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)

	first, err := f.svc.Attach(snap.SessionID, 7, &fakeBridge{}, f.send)
	require.NoError(t, err)
	f.svc.Detach(snap.SessionID)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller not stopped")
	}

	second, err := f.svc.Attach(snap.SessionID, 7, &fakeBridge{}, f.send)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, model.StageReady, second.Snapshot().Stage)
}

func TestDetachWhileActiveTerminates(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)
	ctrl := f.activate(snap.SessionID, 7, &fakeBridge{})
	f.arm(ctrl)

	f.svc.Detach(snap.SessionID)
	final := waitFinished(t, ctrl)

	assert.Equal(t, model.StageTerminated, final.Stage)
	assert.Equal(t, string(model.ViolationStreamLost), final.EndReason)
	assert.True(t, final.Result.Forced)
}

func TestResultFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	f.results.rec = &model.ResultRecord{SessionID: "old", CandidateID: 7, MCQScore: 40}

	rec, err := f.svc.Result(context.Background(), "old", 7)
	require.NoError(t, err)
	assert.Equal(t, 40, rec.MCQScore)

	_, err = f.svc.Result(context.Background(), "old", 8)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.Result(context.Background(), "gone", 7)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	snap := f.create(7)
	_, err = f.svc.Result(context.Background(), snap.SessionID, 7)
	assert.ErrorIs(t, err, ErrResultNotReady)
}

func TestEvictionAfterRetention(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)
	ctrl := f.activate(snap.SessionID, 7, &fakeBridge{})
	require.NoError(t, ctrl.Submit(context.Background(), ""))
	waitFinished(t, ctrl)
	require.Eventually(t, func() bool {
		return !f.mr.Exists(config.CacheKey.CandidateActiveSessionKey(7))
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(resultRetention)

	_, err := f.svc.Lookup(snap.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	<-ctrl.Done()
}

func intp(v int) *int { return &v }

func TestStatsCountsSessions(t *testing.T) {
	f := newFixture(t)
	f.create(1)
	f.create(2)

	stats := f.svc.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 0, stats.Attached)
	assert.Equal(t, 2, stats.ByStage[model.StageReady])
}

func TestNotifierKeepsStageAndResultUpdates(t *testing.T) {
	f := newFixture(t)
	updates := make(chan session.Update, 1)
	notify := f.svc.notifier("s-1", updates)

	notify(session.Update{Kind: session.UpdateTick})
	notify(session.Update{Kind: session.UpdateBanner})

	delivered := make(chan struct{})
	go func() {
		notify(session.Update{Kind: session.UpdateResult})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("result update returned before there was room for it")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, session.UpdateTick, (<-updates).Kind)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("result update never delivered")
	}
	assert.Equal(t, session.UpdateResult, (<-updates).Kind)
}

func TestNotifierGivesUpOnShutdown(t *testing.T) {
	f := newFixture(t)
	updates := make(chan session.Update, 1)
	notify := f.svc.notifier("s-1", updates)
	notify(session.Update{Kind: session.UpdateTick})

	delivered := make(chan struct{})
	go func() {
		notify(session.Update{Kind: session.UpdateStage})
		close(delivered)
	}()
	require.NoError(t, f.svc.Shutdown(context.Background()))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("stage update blocked past shutdown")
	}
}
