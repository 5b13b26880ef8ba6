// Package perception acquires the candidate's camera and runs the periodic
// perception tick: occlusion, face count and stream health.
package perception

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var ErrReleased = errors.New("perception monitor released")

// Config holds the tick cadence and the verdict thresholds.
type Config struct {
	Interval           time.Duration
	FaceAbsentTicks    int
	OcclusionThreshold float64
	MetadataTimeout    time.Duration
	SampleWidth        int
	SampleHeight       int
	Detector           DetectorOptions
	Constraints        []Constraints
}

// DefaultConfig: 600 ms ticks, 5 misses (≈3 s), luma < 10, 40×30 samples,
// tiny detector at 224 px with a 0.1 score threshold.
func DefaultConfig() Config {
	return Config{
		Interval:           600 * time.Millisecond,
		FaceAbsentTicks:    5,
		OcclusionThreshold: 10,
		MetadataTimeout:    5 * time.Second,
		SampleWidth:        40,
		SampleHeight:       30,
		Detector:           DetectorOptions{InputSize: 224, ScoreThreshold: 0.1},
		Constraints:        DefaultConstraints,
	}
}

// ArmReport describes a successful arm.
type ArmReport struct {
	Constraints Constraints
	Metadata    Metadata
	// Degraded is set when the face models failed to load; face verdicts
	// are suppressed for the rest of the session.
	Degraded bool
	ModelErr error
}

// Monitor is the perception half of proctoring. Arm runs off the session
// loop; Tick runs on it.
type Monitor struct {
	camera   Camera
	detector FaceDetector
	clock    clock.Clock
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	stream   Stream
	degraded bool
	released bool

	misses int
}

func New(camera Camera, detector FaceDetector, clk clock.Clock, cfg Config, log zerolog.Logger) *Monitor {
	if len(cfg.Constraints) == 0 {
		cfg.Constraints = DefaultConstraints
	}
	return &Monitor{
		camera:   camera,
		detector: detector,
		clock:    clk,
		cfg:      cfg,
		log:      log.With().Str("component", "perception_monitor").Logger(),
	}
}

// Interval is the perception tick period.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Arm acquires the camera, binds it to sink, waits for playable metadata and
// loads the face models. Camera failures come back as *model.Fault.
func (m *Monitor) Arm(ctx context.Context, sink Sink) (*ArmReport, error) {
	stream, used, err := m.acquire(ctx)
	if err != nil {
		return nil, model.NewFault(model.FaultCameraDenied, err)
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		stream.Stop()
		return nil, ErrReleased
	}
	m.stream = stream
	m.mu.Unlock()

	if err := sink.Attach(ctx, stream, AttachOptions{Muted: true, AutoPlay: true, PlaysInline: true}); err != nil {
		return nil, model.NewFault(model.FaultCameraUnavailable, fmt.Errorf("attach video: %w", err))
	}

	md, err := m.waitMetadata(ctx, sink)
	if err != nil {
		return nil, model.NewFault(model.FaultCameraUnavailable, err)
	}

	report := &ArmReport{Constraints: used, Metadata: md}

	if err := m.detector.Load(ctx); err != nil {
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		report.Degraded = true
		report.ModelErr = model.NewFault(model.FaultModelsUnavailable, err)
		m.log.Warn().Err(err).Msg("Face models unavailable, face verdicts suppressed")
	}

	m.log.Info().
		Int("width", used.Width).
		Int("height", used.Height).
		Int("video_width", md.VideoWidth).
		Bool("degraded", report.Degraded).
		Msg("Camera armed")

	return report, nil
}

func (m *Monitor) acquire(ctx context.Context) (Stream, Constraints, error) {
	var lastErr error
	for _, c := range m.cfg.Constraints {
		stream, err := m.camera.Acquire(ctx, c)
		if err == nil {
			return stream, c, nil
		}
		lastErr = err
		m.log.Debug().Err(err).Int("width", c.Width).Msg("Camera configuration rejected")
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrNoDevice
	}
	return nil, Constraints{}, fmt.Errorf("acquire camera: %w", lastErr)
}

func (m *Monitor) waitMetadata(ctx context.Context, sink Sink) (Metadata, error) {
	timeout := m.cfg.MetadataTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		md, err := sink.Metadata(ctx)
		if err != nil {
			return Metadata{}, fmt.Errorf("wait for video metadata: %w", err)
		}
		if md.Ready() {
			return md, nil
		}
	}
}

// Healthy reports an error unless the stream is live with at least one
// enabled video track.
func (m *Monitor) Healthy() error {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil {
		return model.NewFault(model.FaultCameraUnavailable, errors.New("no stream"))
	}
	if !tracksHealthy(stream.VideoTracks()) {
		return model.NewFault(model.FaultCameraUnavailable, errors.New("no enabled live video track"))
	}
	return nil
}

// Degraded reports whether face verdicts are suppressed.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Tick runs one perception pass and returns the verdicts it produced, in
// occlusion, face, stream-health order.
func (m *Monitor) Tick(ctx context.Context) []model.ViolationEvent {
	m.mu.Lock()
	stream, degraded, released := m.stream, m.degraded, m.released
	m.mu.Unlock()

	if stream == nil || released {
		return nil
	}

	now := m.clock.Now()
	var out []model.ViolationEvent

	if frame, err := stream.SampleFrame(m.cfg.SampleWidth, m.cfg.SampleHeight); err == nil {
		if IsOccluded(frame, m.cfg.OcclusionThreshold) {
			out = append(out, model.NewViolation(model.ViolationCameraCovered, now, "Your camera appears to be covered."))
		}
	} else {
		m.log.Debug().Err(err).Msg("Frame sample skipped")
	}

	if !degraded {
		if ev, ok := m.faceVerdict(ctx, stream, now); ok {
			out = append(out, ev)
		}
	}

	if !tracksHealthy(stream.VideoTracks()) {
		out = append(out, model.NewViolation(model.ViolationStreamLost, now, "The camera stream was interrupted."))
	}

	return out
}

func (m *Monitor) faceVerdict(ctx context.Context, stream Stream, now time.Time) (model.ViolationEvent, bool) {
	n, err := m.detector.Detect(ctx, stream, m.cfg.Detector)
	if err != nil {
		m.log.Debug().Err(err).Msg("Face detection skipped")
		return model.ViolationEvent{}, false
	}

	switch {
	case n == 0:
		m.misses++
		if m.misses >= m.cfg.FaceAbsentTicks {
			return model.NewViolation(model.ViolationFaceAbsent, now, "No face detected in front of the camera."), true
		}
	case n > 1:
		return model.NewViolation(model.ViolationMultipleFaces, now, fmt.Sprintf("%d faces detected in front of the camera.", n)), true
	default:
		m.misses = 0
	}
	return model.ViolationEvent{}, false
}

// Disarm stops every track of the stream. Safe to call more than once.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.released = true
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
		m.log.Info().Msg("Camera released")
	}
}

func tracksHealthy(tracks []TrackState) bool {
	for _, t := range tracks {
		if t.Enabled && t.ReadyState == TrackLive {
			return true
		}
	}
	return false
}
