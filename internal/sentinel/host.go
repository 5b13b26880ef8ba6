package sentinel

import "context"

// EventType is the raw browser event name.
type EventType string

const (
	EventFullscreenChange EventType = "fullscreenchange"
	EventVisibilityChange EventType = "visibilitychange"
	EventBlur             EventType = "blur"
	EventKeyDown          EventType = "keydown"
	EventCopy             EventType = "copy"
	EventPaste            EventType = "paste"
	EventBeforeUnload     EventType = "beforeunload"
)

// HostEvent is a raw event observed by the candidate's page.
type HostEvent struct {
	Type       EventType `json:"type"`
	Key        string    `json:"key,omitempty"`
	Ctrl       bool      `json:"ctrl,omitempty"`
	Meta       bool      `json:"meta,omitempty"`
	Shift      bool      `json:"shift,omitempty"`
	Hidden     bool      `json:"hidden,omitempty"`
	Fullscreen bool      `json:"fullscreen,omitempty"`

	// Prevent suppresses the event's default effect. Nil when the host
	// cannot intercept the event.
	Prevent func() `json:"-"`
}

// Host is the document/window the session runs in.
type Host interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen() error
	IsFullscreen() bool
	// Listen installs the global listeners and returns their removal.
	Listen(handler func(HostEvent)) (unlisten func())
}

// Suppressor is implemented by hosts that apply default-effect suppression
// themselves, such as a remote page that has to be told before the event
// happens rather than after.
type Suppressor interface {
	SuppressDefaults(enabled bool)
}
