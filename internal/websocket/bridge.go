package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/sentinel"
)

var (
	ErrBridgeClosed = errors.New("bridge closed")
	ErrBadFrame     = errors.New("frame size does not match pixel data")
)

var (
	_ perception.Camera       = (*Bridge)(nil)
	_ perception.Sink         = (*Bridge)(nil)
	_ perception.FaceDetector = (*Bridge)(nil)
	_ sentinel.Host           = (*Bridge)(nil)
	_ sentinel.Suppressor     = (*Bridge)(nil)
)

// Sender writes one message to the candidate page.
type Sender func(v interface{}) error

// CommandError is a failed reply from the page. Browser error names that
// map onto camera errors unwrap to them.
type CommandError struct {
	Command Command
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s %s", e.Command, e.Code, e.Message)
}

func (e *CommandError) Unwrap() error {
	switch e.Code {
	case "NotAllowedError", "SecurityError":
		return perception.ErrPermissionDenied
	case "NotFoundError", "OverconstrainedError", "NotReadableError":
		return perception.ErrNoDevice
	}
	return nil
}

// BridgeConfig tunes command round trips and sample freshness.
type BridgeConfig struct {
	CommandTimeout time.Duration
	// StaleAfter is how long the page may go without sending a frame
	// before the stream is reported as ended.
	StaleAfter time.Duration
	Detector   perception.DetectorOptions
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		CommandTimeout: 10 * time.Second,
		StaleAfter:     3 * time.Second,
		Detector:       perception.DefaultConfig().Detector,
	}
}

// Bridge runs the camera, the video element, the face detector and the
// browser window of a session on the candidate's page. The server sends
// commands; the page answers with replies and pushes samples.
type Bridge struct {
	send  Sender
	clock clock.Clock
	cfg   BridgeConfig
	log   zerolog.Logger

	mu         sync.Mutex
	pending    map[string]chan ReplyMessage
	frame      *image.RGBA
	faces      int
	faceErr    string
	sampledAt  time.Time
	tracks     []perception.TrackState
	acquiredAt time.Time
	streaming  bool
	handler    func(sentinel.HostEvent)
	fullscreen bool
	closed     bool

	metadata  chan perception.Metadata
	done      chan struct{}
	closeOnce sync.Once
}

func NewBridge(send Sender, clk clock.Clock, cfg BridgeConfig, log zerolog.Logger) *Bridge {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &Bridge{
		send:     send,
		clock:    clk,
		cfg:      cfg,
		log:      log.With().Str("component", "ws_bridge").Logger(),
		pending:  make(map[string]chan ReplyMessage),
		metadata: make(chan perception.Metadata, 1),
		done:     make(chan struct{}),
	}
}

// ─── Commands ───────────────────────────────────────────────────────

func (b *Bridge) call(ctx context.Context, cmd Command, args interface{}) (ReplyMessage, error) {
	id := uuid.NewString()
	ch := make(chan ReplyMessage, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ReplyMessage{}, ErrBridgeClosed
	}
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.send(CommandRequest{Event: EventCommand, ID: id, Command: cmd, Args: args}); err != nil {
		return ReplyMessage{}, fmt.Errorf("send %s: %w", cmd, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()

	select {
	case r := <-ch:
		if !r.OK {
			return r, &CommandError{Command: cmd, Code: r.Code, Message: r.Error}
		}
		return r, nil
	case <-b.done:
		return ReplyMessage{}, ErrBridgeClosed
	case <-ctx.Done():
		return ReplyMessage{}, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
}

// notify sends a command that expects no reply.
func (b *Bridge) notify(cmd Command, args interface{}) {
	if b.isClosed() {
		return
	}
	if err := b.send(CommandRequest{Event: EventCommand, Command: cmd, Args: args}); err != nil {
		b.log.Warn().Err(err).Str("command", string(cmd)).Msg("Bridge command not delivered")
	}
}

// ─── perception.Camera / perception.Stream ──────────────────────────

type acquireResult struct {
	Tracks []perception.TrackState `json:"tracks"`
}

func (b *Bridge) Acquire(ctx context.Context, c perception.Constraints) (perception.Stream, error) {
	r, err := b.call(ctx, CommandAcquireCamera, c)
	if err != nil {
		return nil, err
	}

	var res acquireResult
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("decode acquire_camera result: %w", err)
		}
	}

	b.mu.Lock()
	b.tracks = res.Tracks
	b.streaming = true
	b.acquiredAt = b.clock.Now()
	b.frame = nil
	b.mu.Unlock()

	return &remoteStream{b: b}, nil
}

type remoteStream struct {
	b *Bridge
}

func (s *remoteStream) VideoTracks() []perception.TrackState { return s.b.videoTracks() }

func (s *remoteStream) SampleFrame(w, h int) (*image.RGBA, error) { return s.b.sampleFrame(w, h) }

func (s *remoteStream) Stop() { s.b.stopTracks() }

func (b *Bridge) videoTracks() []perception.TrackState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming {
		return nil
	}

	stale := b.staleLocked()
	out := make([]perception.TrackState, 0, len(b.tracks))
	for _, t := range b.tracks {
		if t.Kind != "" && t.Kind != "video" {
			continue
		}
		if stale {
			t.ReadyState = perception.TrackEnded
		}
		out = append(out, t)
	}
	return out
}

// staleLocked reports whether the page has stopped sending frames.
func (b *Bridge) staleLocked() bool {
	if b.cfg.StaleAfter <= 0 {
		return false
	}
	last := b.acquiredAt
	if b.sampledAt.After(last) {
		last = b.sampledAt
	}
	return b.clock.Now().Sub(last) > b.cfg.StaleAfter
}

func (b *Bridge) sampleFrame(w, h int) (*image.RGBA, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil || !b.streaming {
		return nil, perception.ErrFrameUnavailable
	}
	return resample(b.frame, w, h), nil
}

func (b *Bridge) stopTracks() {
	b.mu.Lock()
	was := b.streaming
	b.streaming = false
	b.frame = nil
	b.mu.Unlock()

	if was {
		b.notify(CommandStopTracks, nil)
	}
}

// resample scales src to w×h with nearest-neighbour sampling.
func resample(src *image.RGBA, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return dst
	}
	for y := 0; y < h; y++ {
		sy := sb.Min.Y + y*sb.Dy()/h
		for x := 0; x < w; x++ {
			sx := sb.Min.X + x*sb.Dx()/w
			si, di := src.PixOffset(sx, sy), dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// ─── perception.Sink ────────────────────────────────────────────────

func (b *Bridge) Attach(ctx context.Context, _ perception.Stream, opts perception.AttachOptions) error {
	_, err := b.call(ctx, CommandAttachVideo, opts)
	return err
}

func (b *Bridge) Metadata(ctx context.Context) (perception.Metadata, error) {
	select {
	case md := <-b.metadata:
		return md, nil
	case <-b.done:
		return perception.Metadata{}, ErrBridgeClosed
	case <-ctx.Done():
		return perception.Metadata{}, ctx.Err()
	}
}

// ─── perception.FaceDetector ────────────────────────────────────────

func (b *Bridge) Load(ctx context.Context) error {
	_, err := b.call(ctx, CommandLoadModels, b.cfg.Detector)
	return err
}

// Detect returns the face count the page computed for the latest frame.
func (b *Bridge) Detect(_ context.Context, _ perception.Stream, _ perception.DetectorOptions) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.frame == nil, b.staleLocked():
		return 0, perception.ErrFrameUnavailable
	case b.faceErr != "":
		return 0, errors.New(b.faceErr)
	}
	return b.faces, nil
}

// ─── sentinel.Host ──────────────────────────────────────────────────

func (b *Bridge) RequestFullscreen(ctx context.Context) error {
	if _, err := b.call(ctx, CommandRequestFullscreen, nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.fullscreen = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) ExitFullscreen() error {
	if b.isClosed() {
		return ErrBridgeClosed
	}
	b.mu.Lock()
	b.fullscreen = false
	b.mu.Unlock()
	b.notify(CommandExitFullscreen, nil)
	return nil
}

func (b *Bridge) IsFullscreen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fullscreen
}

func (b *Bridge) Listen(handler func(sentinel.HostEvent)) func() {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	b.notify(CommandArmListeners, nil)

	return func() {
		b.mu.Lock()
		b.handler = nil
		b.mu.Unlock()
		b.notify(CommandDisarmListeners, nil)
	}
}

type suppressArgs struct {
	Enabled bool `json:"enabled"`
}

// SuppressDefaults tells the page to prevent default effects itself.
func (b *Bridge) SuppressDefaults(enabled bool) {
	b.notify(CommandSuppressDefaults, suppressArgs{Enabled: enabled})
}

// ─── Inbound traffic ────────────────────────────────────────────────

// Dispatch consumes bridge traffic. It reports false for actions that are
// not bridge messages.
func (b *Bridge) Dispatch(action Action, raw []byte) (bool, error) {
	switch action {
	case ActionReply:
		var m ReplyMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return true, fmt.Errorf("decode reply: %w", err)
		}
		b.resolve(m)

	case ActionFrame:
		var m FrameSample
		if err := json.Unmarshal(raw, &m); err != nil {
			return true, fmt.Errorf("decode frame: %w", err)
		}
		return true, b.acceptFrame(m)

	case ActionTrack:
		var m TrackSample
		if err := json.Unmarshal(raw, &m); err != nil {
			return true, fmt.Errorf("decode track: %w", err)
		}
		b.mu.Lock()
		b.tracks = m.Tracks
		b.mu.Unlock()

	case ActionMetadata:
		var m MetadataSample
		if err := json.Unmarshal(raw, &m); err != nil {
			return true, fmt.Errorf("decode metadata: %w", err)
		}
		b.pushMetadata(m.Metadata)

	case ActionHostEvent:
		var m HostEventMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return true, fmt.Errorf("decode host event: %w", err)
		}
		b.mu.Lock()
		if m.Event.Type == sentinel.EventFullscreenChange {
			b.fullscreen = m.Event.Fullscreen
		}
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(m.Event)
		}

	default:
		return false, nil
	}
	return true, nil
}

func (b *Bridge) resolve(m ReplyMessage) {
	b.mu.Lock()
	ch, ok := b.pending[m.ID]
	b.mu.Unlock()
	if !ok {
		b.log.Debug().Str("id", m.ID).Msg("Reply for unknown command dropped")
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (b *Bridge) acceptFrame(m FrameSample) error {
	if m.Width <= 0 || m.Height <= 0 || len(m.Pixels) != m.Width*m.Height*4 {
		return ErrBadFrame
	}
	img := &image.RGBA{
		Pix:    m.Pixels,
		Stride: m.Width * 4,
		Rect:   image.Rect(0, 0, m.Width, m.Height),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming {
		return nil
	}
	b.frame = img
	b.faces = m.Faces
	b.faceErr = m.FaceError
	b.sampledAt = b.clock.Now()
	return nil
}

// pushMetadata keeps only the latest unread metadata.
func (b *Bridge) pushMetadata(md perception.Metadata) {
	for {
		select {
		case b.metadata <- md:
			return
		default:
		}
		select {
		case <-b.metadata:
		default:
		}
	}
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close fails pending commands and detaches the page. Safe to call twice.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.handler = nil
		b.streaming = false
		b.mu.Unlock()
		close(b.done)
	})
}
