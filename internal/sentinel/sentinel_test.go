package sentinel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu          sync.Mutex
	fullscreen  bool
	requestErr  error
	handler     func(HostEvent)
	listens     int
	unlistens   int
	exitCalls   int
	requestCall int
}

func (h *fakeHost) RequestFullscreen(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requestCall++
	if h.requestErr != nil {
		return h.requestErr
	}
	h.fullscreen = true
	return nil
}

func (h *fakeHost) ExitFullscreen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitCalls++
	h.fullscreen = false
	return nil
}

func (h *fakeHost) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

func (h *fakeHost) Listen(handler func(HostEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listens++
	h.handler = handler
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.unlistens++
		h.handler = nil
	}
}

func (h *fakeHost) fire(ev HostEvent) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func newSentinel(host *fakeHost) (*Sentinel, *[]model.ViolationEvent) {
	s := New(host, clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop())
	var got []model.ViolationEvent
	s.Attach(func(ev model.ViolationEvent) { got = append(got, ev) })
	return s, &got
}

func TestClassify(t *testing.T) {
	cases := []struct {
		ev   HostEvent
		kind model.ViolationKind
		ok   bool
	}{
		{HostEvent{Type: EventFullscreenChange, Fullscreen: false}, model.ViolationFullscreenExit, true},
		{HostEvent{Type: EventFullscreenChange, Fullscreen: true}, "", false},
		{HostEvent{Type: EventVisibilityChange, Hidden: true}, model.ViolationVisibilityHidden, true},
		{HostEvent{Type: EventVisibilityChange, Hidden: false}, "", false},
		{HostEvent{Type: EventBlur}, model.ViolationWindowBlur, true},
		{HostEvent{Type: EventKeyDown, Key: "F5"}, model.ViolationRefreshAttempt, true},
		{HostEvent{Type: EventKeyDown, Key: "r", Ctrl: true}, model.ViolationRefreshAttempt, true},
		{HostEvent{Type: EventKeyDown, Key: "R", Meta: true}, model.ViolationRefreshAttempt, true},
		{HostEvent{Type: EventKeyDown, Key: "r"}, "", false},
		{HostEvent{Type: EventKeyDown, Key: "F12"}, model.ViolationDevtoolsShortcut, true},
		{HostEvent{Type: EventKeyDown, Key: "I", Ctrl: true, Shift: true}, model.ViolationDevtoolsShortcut, true},
		{HostEvent{Type: EventKeyDown, Key: "i", Ctrl: true}, "", false},
		{HostEvent{Type: EventCopy}, model.ViolationCopyAttempt, true},
		{HostEvent{Type: EventPaste}, model.ViolationPasteAttempt, true},
		{HostEvent{Type: EventBeforeUnload}, model.ViolationNavigateAway, true},
		{HostEvent{Type: "resize"}, "", false},
	}
	for _, tc := range cases {
		kind, ok := Classify(tc.ev)
		assert.Equal(t, tc.ok, ok, "%+v", tc.ev)
		assert.Equal(t, tc.kind, kind, "%+v", tc.ev)
	}
}

func TestPreventOnlyWhenArmed(t *testing.T) {
	host := &fakeHost{}
	s, got := newSentinel(host)

	prevented := 0
	paste := HostEvent{Type: EventPaste, Prevent: func() { prevented++ }}

	host.fire(paste)
	assert.Equal(t, 0, prevented)

	s.Arm()
	host.fire(paste)
	assert.Equal(t, 1, prevented)

	require.Len(t, *got, 2)
	assert.Equal(t, model.SeverityWarn, (*got)[0].Severity)
	assert.NotEmpty(t, (*got)[0].Message)
}

func TestDisarmRemovesListenersOnce(t *testing.T) {
	host := &fakeHost{}
	s, got := newSentinel(host)
	s.Attach(func(model.ViolationEvent) {})
	assert.Equal(t, 1, host.listens)

	s.Arm()
	s.Disarm()
	s.Disarm()
	assert.Equal(t, 1, host.unlistens)
	assert.False(t, s.Armed())

	host.fire(HostEvent{Type: EventBlur})
	assert.Empty(t, *got)
}

func TestFullscreenOwnership(t *testing.T) {
	host := &fakeHost{}
	s, _ := newSentinel(host)

	require.NoError(t, s.EnterFullscreen(context.Background()))
	require.NoError(t, s.EnterFullscreen(context.Background()))
	assert.Equal(t, 1, host.requestCall)

	s.Release()
	s.Release()
	assert.Equal(t, 1, host.exitCalls)
	assert.False(t, host.IsFullscreen())

	require.NoError(t, s.EnterFullscreen(context.Background()))
	assert.Equal(t, 1, host.requestCall, "released sentinel must not reacquire")
}

func TestFullscreenFailureIsReported(t *testing.T) {
	host := &fakeHost{requestErr: errors.New("not allowed")}
	s, _ := newSentinel(host)

	err := s.EnterFullscreen(context.Background())
	require.Error(t, err)

	s.Release()
	assert.Equal(t, 0, host.exitCalls, "fullscreen never owned")
}

type suppressingHost struct {
	fakeHost
	states []bool
}

func (h *suppressingHost) SuppressDefaults(enabled bool) {
	h.states = append(h.states, enabled)
}

func TestArmTellsSuppressingHost(t *testing.T) {
	host := &suppressingHost{}
	s := New(host, clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop())
	s.Attach(func(model.ViolationEvent) {})

	s.Arm()
	s.Disarm()
	s.Disarm()
	s.Release()

	assert.Equal(t, []bool{true, false}, host.states)
}
