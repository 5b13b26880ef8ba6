package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyActive = errors.New("candidate already has an active session")
	ErrAlreadyAttached      = errors.New("session already has a connected client")
	ErrNotOwner             = errors.New("session belongs to another candidate")
	ErrInvalidRole          = errors.New("role is required")
	ErrResultNotReady       = errors.New("result not available yet")
)

const (
	updateBuffer    = 256
	sessionGrace    = 15 * time.Minute
	resultRetention = 10 * time.Minute
	publishTimeout  = 2 * time.Second
)

// Collaborator is the HTTP backend every session talks to.
type Collaborator interface {
	question.Generator
	session.Evaluator
	session.CodeRunner
	session.ViolationSink
}

// Bridge is the candidate's page: camera, video element, face detector and
// browser host.
type Bridge interface {
	perception.Camera
	perception.Sink
	perception.FaceDetector
	sentinel.Host
}

// ResultStore reads persisted results.
type ResultStore interface {
	GetBySession(ctx context.Context, sessionID string) (*model.ResultRecord, error)
}

// CreateRequest describes a new attempt.
type CreateRequest struct {
	Role        string
	Difficulty  model.Difficulty
	MCQCount    int
	CodingCount int
}

// MonitorEvent is published on a session's monitor channel.
type MonitorEvent struct {
	Type   string          `json:"type"`
	Update *session.Update `json:"update,omitempty"`
}

type entry struct {
	params session.Params

	mu       sync.Mutex
	ctrl     *session.Controller
	send     func(session.Update)
	attached bool
	finished bool
}

// ProctorService is the registry of live sessions. It owns each
// controller's goroutine and fans its updates out to the candidate socket,
// the monitor channel and the persistence queues.
type ProctorService struct {
	cfg     *config.Config
	rdb     *redis.Client
	collab  Collaborator
	results ResultStore
	clock   clock.Clock
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewProctorService creates a new ProctorService.
func NewProctorService(cfg *config.Config, rdb *redis.Client, collab Collaborator, results ResultStore, clk clock.Clock, log zerolog.Logger) *ProctorService {
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProctorService{
		cfg:      cfg,
		rdb:      rdb,
		collab:   collab,
		results:  results,
		clock:    clk,
		log:      log.With().Str("component", "proctor_service").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// Create registers a new attempt for a candidate. A candidate holds at most
// one unfinished session at a time.
func (s *ProctorService) Create(ctx context.Context, candidateID int, cred model.Credential, req CreateRequest) (session.Snapshot, error) {
	role := model.NormalizeRole(req.Role)
	if role == "" {
		return session.Snapshot{}, ErrInvalidRole
	}
	if req.Difficulty == "" {
		req.Difficulty = model.DifficultyMedium
	}
	if cred == "" {
		cred = model.Credential(s.cfg.AuthToken)
	}

	id := uuid.New().String()
	ttl := req.Difficulty.TimeBudget() + sessionGrace

	ok, err := s.rdb.SetNX(ctx, config.CacheKey.CandidateActiveSessionKey(candidateID), id, ttl).Result()
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("reserve session: %w", err)
	}
	if !ok {
		return session.Snapshot{}, ErrSessionAlreadyActive
	}

	e := &entry{params: session.Params{
		ID:          id,
		CandidateID: candidateID,
		Role:        role,
		Difficulty:  req.Difficulty,
		MCQCount:    req.MCQCount,
		CodingCount: req.CodingCount,
		Credential:  cred,
	}}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.clock.AfterFunc(ttl, func() { s.expire(id) })

	s.log.Info().
		Str("session_id", id).
		Int("candidate_id", candidateID).
		Str("role", role).
		Str("difficulty", string(req.Difficulty)).
		Msg("Session created")

	return pendingSnapshot(e.params), nil
}

// Snapshot returns the state of a session owned by candidateID.
func (s *ProctorService) Snapshot(id string, candidateID int) (session.Snapshot, error) {
	e, err := s.owned(id, candidateID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return e.snapshot(), nil
}

// Lookup returns the state of any session. Used by the admin monitor.
func (s *ProctorService) Lookup(id string) (session.Snapshot, error) {
	e := s.get(id)
	if e == nil {
		return session.Snapshot{}, ErrSessionNotFound
	}
	return e.snapshot(), nil
}

// Attach binds a candidate connection to its session and starts the
// controller. send receives every update; it runs on a dedicated goroutine.
func (s *ProctorService) Attach(id string, candidateID int, bridge Bridge, send func(session.Update)) (*session.Controller, error) {
	e, err := s.owned(id, candidateID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached {
		return nil, ErrAlreadyAttached
	}
	if e.ctrl != nil {
		// A finished session can be reopened to view its result; a running
		// one is bound to the connection it started on.
		if !e.ctrl.Snapshot().Stage.IsTerminal() {
			return nil, ErrAlreadyAttached
		}
		e.attached = true
		e.send = send
		return e.ctrl, nil
	}

	updates := make(chan session.Update, updateBuffer)
	ctrl := session.New(e.params, s.deps(e.params, bridge, updates), s.timing())
	e.ctrl = ctrl
	e.send = send
	e.attached = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ctrl.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pump(e, ctrl, updates)
	}()

	return ctrl, nil
}

// Detach is called when the candidate connection goes away. An active
// attempt treats it as a lost stream; an attempt that never started is
// reset so the candidate can reconnect.
func (s *ProctorService) Detach(id string) {
	e := s.get(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	ctrl := e.ctrl
	e.attached = false
	e.send = nil
	e.mu.Unlock()

	if ctrl == nil {
		return
	}

	switch stage := ctrl.Snapshot().Stage; {
	case stage == model.StageActive:
		ctrl.OnViolation(model.NewViolation(model.ViolationStreamLost, s.clock.Now(), "Candidate connection lost"))
	case stage.IsTerminal() || stage == model.StageSubmitting:
	default:
		ctrl.Teardown()
		e.mu.Lock()
		if e.ctrl == ctrl {
			e.ctrl = nil
		}
		e.mu.Unlock()
	}
}

// Result returns the persisted result of a finished session, or the live
// one while the persistence worker has not caught up.
func (s *ProctorService) Result(ctx context.Context, id string, candidateID int) (*model.ResultRecord, error) {
	if e := s.get(id); e != nil {
		if e.params.CandidateID != candidateID {
			return nil, ErrNotOwner
		}
		snap := e.snapshot()
		if snap.Result == nil {
			if !snap.Stage.IsTerminal() {
				return nil, ErrResultNotReady
			}
		} else {
			rec := recordOf(snap, s.clock.Now())
			return &rec, nil
		}
	}

	rec, err := s.results.GetBySession(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if rec.CandidateID != candidateID {
		return nil, ErrNotOwner
	}
	return rec, nil
}

// Shutdown tears down every live controller and waits for their pumps.
func (s *ProctorService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ctrls := make([]*session.Controller, 0, len(s.sessions))
	for _, e := range s.sessions {
		e.mu.Lock()
		if e.ctrl != nil {
			ctrls = append(ctrls, e.ctrl)
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	for _, c := range ctrls {
		c.Teardown()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Int("sessions", len(ctrls)).Msg("Proctor sessions stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ProctorService) deps(p session.Params, bridge Bridge, updates chan session.Update) session.Deps {
	log := s.log
	perc := s.perceptionConfig()
	return session.Deps{
		Questions: question.NewStore(s.collab, log),
		NewMonitor: func() *perception.Monitor {
			return perception.New(bridge, bridge, s.clock, perc, log)
		},
		NewSentinel: func() *sentinel.Sentinel {
			return sentinel.New(bridge, s.clock, log)
		},
		Sink:       bridge,
		Evaluator:  s.collab,
		Runner:     s.collab,
		Violations: &queuedViolations{next: s.collab, rdb: s.rdb, log: log},
		Clock:      s.clock,
		Notify:     s.notifier(p.ID, updates),
		Log:        log,
	}
}

func (s *ProctorService) timing() session.Timing {
	t := session.DefaultTiming()
	if d := s.cfg.Proctoring.ArmingDelay; d > 0 {
		t.ArmingDelay = d
	}
	if d := s.cfg.Proctoring.BannerDuration; d > 0 {
		t.BannerDuration = d
	}
	if d := s.cfg.HTTPTimeout; d > 0 {
		t.SubmitTimeout = 2 * d
	}
	return t
}

func (s *ProctorService) perceptionConfig() perception.Config {
	c := perception.DefaultConfig()
	p := s.cfg.Proctoring
	if p.PerceptionInterval > 0 {
		c.Interval = p.PerceptionInterval
	}
	if p.FaceAbsentTicks > 0 {
		c.FaceAbsentTicks = p.FaceAbsentTicks
	}
	if p.OcclusionThreshold > 0 {
		c.OcclusionThreshold = p.OcclusionThreshold
	}
	if p.MetadataTimeout > 0 {
		c.MetadataTimeout = p.MetadataTimeout
	}
	return c
}

// notifier queues controller updates for the pump. Stage and result
// updates drive persistence and slot release, so they wait for room;
// everything else is dropped when the buffer is full.
func (s *ProctorService) notifier(id string, updates chan<- session.Update) func(session.Update) {
	return func(u session.Update) {
		if u.Kind == session.UpdateStage || u.Kind == session.UpdateResult {
			select {
			case updates <- u:
			case <-s.ctx.Done():
				s.log.Warn().Str("session_id", id).Str("kind", string(u.Kind)).Msg("Update lost on shutdown")
			}
			return
		}
		select {
		case updates <- u:
		default:
			s.log.Warn().Str("session_id", id).Str("kind", string(u.Kind)).Msg("Update buffer full, dropping")
		}
	}
}

// pump drains one controller's updates until it stops.
func (s *ProctorService) pump(e *entry, ctrl *session.Controller, updates <-chan session.Update) {
	for {
		select {
		case u := <-updates:
			s.dispatch(e, u)
		case <-ctrl.Done():
			for {
				select {
				case u := <-updates:
					s.dispatch(e, u)
				default:
					return
				}
			}
		}
	}
}

func (s *ProctorService) dispatch(e *entry, u session.Update) {
	e.mu.Lock()
	send := e.send
	e.mu.Unlock()
	if send != nil {
		send(u)
	}

	s.publish(e.params.ID, u)

	if u.Kind == session.UpdateResult && u.Snapshot.Result != nil {
		s.finish(e, u.Snapshot)
	}
}

func (s *ProctorService) publish(id string, u session.Update) {
	if u.Kind == session.UpdateTick {
		return
	}
	payload, err := json.Marshal(MonitorEvent{Type: "update", Update: &u})
	if err != nil {
		s.log.Error().Err(err).Msg("Marshal monitor event")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := s.rdb.Publish(ctx, config.CacheKey.SessionMonitorChannel(id), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("Monitor publish failed")
	}
}

// finish queues the result for persistence, frees the candidate's slot and
// schedules eviction.
func (s *ProctorService) finish(e *entry, snap session.Snapshot) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.mu.Unlock()

	id := e.params.ID
	s.clock.AfterFunc(resultRetention, func() { s.evict(id) })

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	rec := recordOf(snap, s.clock.Now())
	raw, err := json.Marshal(rec)
	if err != nil {
		s.log.Error().Err(err).Msg("Marshal result record")
	} else if err := s.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
		s.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("Queue result failed")
	}

	s.release(ctx, e.params)

	s.log.Info().
		Str("session_id", rec.SessionID).
		Str("stage", string(rec.Stage)).
		Int("mcq_score", rec.MCQScore).
		Bool("forced", rec.Forced).
		Bool("local", rec.Local).
		Msg("Session finished")
}

// release clears the candidate's active-session key if it still points here.
func (s *ProctorService) release(ctx context.Context, p session.Params) {
	key := config.CacheKey.CandidateActiveSessionKey(p.CandidateID)
	current, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Read active session key")
		}
		return
	}
	if current == p.ID {
		s.rdb.Del(ctx, key)
	}
}

// expire evicts an abandoned session. One still running is given more time.
func (s *ProctorService) expire(id string) {
	e := s.get(id)
	if e == nil {
		return
	}
	switch e.snapshot().Stage {
	case model.StageActive, model.StageSubmitting:
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		s.rdb.Expire(ctx, config.CacheKey.CandidateActiveSessionKey(e.params.CandidateID), 2*sessionGrace)
		cancel()
		s.clock.AfterFunc(sessionGrace, func() { s.expire(id) })
		return
	}
	s.evict(id)
}

// evict drops a session from the registry and stops its controller.
func (s *ProctorService) evict(id string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	ctrl := e.ctrl
	e.mu.Unlock()
	if ctrl != nil {
		ctrl.Teardown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	s.release(ctx, e.params)
	s.log.Debug().Str("session_id", id).Msg("Session evicted")
}

// SessionStats counts the sessions held in memory.
type SessionStats struct {
	Live     int                 `json:"live"`
	Attached int                 `json:"attached"`
	ByStage  map[model.Stage]int `json:"by_stage"`
}

// Stats reports how many sessions are held and where they are.
func (s *ProctorService) Stats() SessionStats {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	stats := SessionStats{Live: len(entries), ByStage: make(map[model.Stage]int)}
	for _, e := range entries {
		e.mu.Lock()
		if e.attached {
			stats.Attached++
		}
		e.mu.Unlock()
		stats.ByStage[e.snapshot().Stage]++
	}
	return stats
}

func (s *ProctorService) get(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *ProctorService) owned(id string, candidateID int) (*entry, error) {
	e := s.get(id)
	if e == nil {
		return nil, ErrSessionNotFound
	}
	if e.params.CandidateID != candidateID {
		return nil, ErrNotOwner
	}
	return e, nil
}

func (e *entry) snapshot() session.Snapshot {
	e.mu.Lock()
	ctrl := e.ctrl
	e.mu.Unlock()
	if ctrl == nil {
		return pendingSnapshot(e.params)
	}
	return ctrl.Snapshot()
}

// pendingSnapshot describes a session whose candidate has not connected.
func pendingSnapshot(p session.Params) session.Snapshot {
	budget := p.Difficulty.TimeBudgetSeconds()
	return session.Snapshot{
		SessionID:         p.ID,
		CandidateID:       p.CandidateID,
		Stage:             model.StageReady,
		Role:              p.Role,
		Difficulty:        p.Difficulty,
		TimeBudgetSeconds: budget,
		RemainingSeconds:  budget,
		Violations:        []model.ViolationEvent{},
	}
}

func recordOf(snap session.Snapshot, at time.Time) model.ResultRecord {
	return model.NewResultRecord(snap.SessionID, snap.CandidateID, snap.Role, snap.Difficulty, snap.Stage, snap.EndReason, *snap.Result, at)
}

// queuedViolations copies every incident onto the persistence queue before
// forwarding it to the violation log collaborator.
type queuedViolations struct {
	next session.ViolationSink
	rdb  *redis.Client
	log  zerolog.Logger
}

func (q *queuedViolations) RecordViolation(ctx context.Context, cred model.Credential, rec model.ViolationRecord) error {
	if raw, err := json.Marshal(rec); err == nil {
		pushCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := q.rdb.RPush(pushCtx, config.WorkerKey.PersistViolationsQueue, raw).Err(); err != nil {
			q.log.Warn().Err(err).Msg("Queue violation failed")
		}
		cancel()
	}
	return q.next.RecordViolation(ctx, cred, rec)
}
