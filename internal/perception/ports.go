package perception

import (
	"context"
	"errors"
	"image"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device")
	ErrFrameUnavailable = errors.New("frame unavailable")
)

// Constraints describes one capture configuration. Zero values leave the
// choice to the device.
type Constraints struct {
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	FacingMode string `json:"facingMode,omitempty"`
}

// DefaultConstraints is tried in order, highest fidelity first.
var DefaultConstraints = []Constraints{
	{Width: 640, Height: 480, FacingMode: "user"},
	{Width: 320, Height: 240},
	{},
}

// Track ready states.
const (
	TrackLive  = "live"
	TrackEnded = "ended"
)

// TrackState is a snapshot of one media track.
type TrackState struct {
	Kind       string `json:"kind"`
	Enabled    bool   `json:"enabled"`
	ReadyState string `json:"readyState"`
}

// Camera acquires a video-only capture.
type Camera interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live capture.
type Stream interface {
	VideoTracks() []TrackState
	// SampleFrame returns the current frame scaled to width×height.
	SampleFrame(width, height int) (*image.RGBA, error)
	Stop()
}

// HaveEnoughData is the media readyState at which playback can proceed.
const HaveEnoughData = 4

// Metadata is the sink's view of the attached video.
type Metadata struct {
	VideoWidth  int `json:"videoWidth"`
	VideoHeight int `json:"videoHeight"`
	ReadyState  int `json:"readyState"`
}

// Ready reports whether frames can be sampled.
func (m Metadata) Ready() bool {
	return m.VideoWidth > 0 && m.ReadyState >= HaveEnoughData
}

// AttachOptions configures the video element the stream is bound to.
type AttachOptions struct {
	Muted       bool `json:"muted"`
	AutoPlay    bool `json:"autoplay"`
	PlaysInline bool `json:"playsInline"`
}

// Sink is the element that renders the candidate's video.
type Sink interface {
	Attach(ctx context.Context, stream Stream, opts AttachOptions) error
	// Metadata blocks until the next metadata change and returns it.
	Metadata(ctx context.Context) (Metadata, error)
}

// DetectorOptions tunes the face detector.
type DetectorOptions struct {
	InputSize      int     `json:"inputSize"`
	ScoreThreshold float64 `json:"scoreThreshold"`
}

// FaceDetector counts faces in the current frame of a stream.
type FaceDetector interface {
	Load(ctx context.Context) error
	Detect(ctx context.Context, stream Stream, opts DetectorOptions) (int, error)
}
