// Package sentinel watches the candidate's environment (fullscreen, tab
// visibility, focus, shortcuts, clipboard, navigation) and classifies each
// raw event into a violation.
package sentinel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Sentinel owns the global listeners and the fullscreen lock of one session.
type Sentinel struct {
	host  Host
	clock clock.Clock
	log   zerolog.Logger

	armed atomic.Bool

	mu             sync.Mutex
	unlisten       func()
	ownsFullscreen bool
	released       bool
}

func New(host Host, clk clock.Clock, log zerolog.Logger) *Sentinel {
	return &Sentinel{
		host:  host,
		clock: clk,
		log:   log.With().Str("component", "environment_sentinel").Logger(),
	}
}

// EnterFullscreen requests the fullscreen lock once per session.
func (s *Sentinel) EnterFullscreen(ctx context.Context) error {
	s.mu.Lock()
	if s.ownsFullscreen || s.released {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.host.RequestFullscreen(ctx); err != nil {
		return fmt.Errorf("request fullscreen: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		// Lost the race with Release; hand the lock straight back.
		_ = s.host.ExitFullscreen()
		return nil
	}
	s.ownsFullscreen = true
	return nil
}

// Attach installs the listeners. Classified events go to emit; they are
// reported whether or not the sentinel is armed, the session decides.
func (s *Sentinel) Attach(emit func(model.ViolationEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlisten != nil || s.released {
		return
	}

	s.unlisten = s.host.Listen(func(ev HostEvent) {
		s.handle(ev, emit)
	})
	s.log.Debug().Msg("Listeners attached")
}

// Arm turns on default-effect suppression.
func (s *Sentinel) Arm() {
	s.armed.Store(true)
	if sup, ok := s.host.(Suppressor); ok {
		sup.SuppressDefaults(true)
	}
}

// Armed reports whether suppression is on.
func (s *Sentinel) Armed() bool { return s.armed.Load() }

// Disarm removes the listeners and stops suppression. Safe to call twice.
func (s *Sentinel) Disarm() {
	if s.armed.Swap(false) {
		if sup, ok := s.host.(Suppressor); ok {
			sup.SuppressDefaults(false)
		}
	}

	s.mu.Lock()
	unlisten := s.unlisten
	s.unlisten = nil
	s.mu.Unlock()

	if unlisten != nil {
		unlisten()
		s.log.Debug().Msg("Listeners removed")
	}
}

// Release disarms and gives back fullscreen if this session still owns it.
// Safe to call more than once.
func (s *Sentinel) Release() {
	s.Disarm()

	s.mu.Lock()
	owned := s.ownsFullscreen
	s.ownsFullscreen = false
	s.released = true
	s.mu.Unlock()

	if owned && s.host.IsFullscreen() {
		if err := s.host.ExitFullscreen(); err != nil {
			s.log.Warn().Err(err).Msg("Exit fullscreen failed")
		}
	}
}

func (s *Sentinel) handle(ev HostEvent, emit func(model.ViolationEvent)) {
	if s.armed.Load() && ev.Prevent != nil {
		ev.Prevent()
	}

	kind, ok := Classify(ev)
	if !ok {
		return
	}
	emit(model.NewViolation(kind, s.clock.Now(), describe(kind)))
}

// Classify maps a raw event onto a violation kind. Events that are not
// violations (entering fullscreen, a tab becoming visible, ordinary keys)
// return false.
func Classify(ev HostEvent) (model.ViolationKind, bool) {
	switch ev.Type {
	case EventFullscreenChange:
		if !ev.Fullscreen {
			return model.ViolationFullscreenExit, true
		}
	case EventVisibilityChange:
		if ev.Hidden {
			return model.ViolationVisibilityHidden, true
		}
	case EventBlur:
		return model.ViolationWindowBlur, true
	case EventCopy:
		return model.ViolationCopyAttempt, true
	case EventPaste:
		return model.ViolationPasteAttempt, true
	case EventBeforeUnload:
		return model.ViolationNavigateAway, true
	case EventKeyDown:
		return classifyKey(ev)
	}
	return "", false
}

func classifyKey(ev HostEvent) (model.ViolationKind, bool) {
	key := strings.ToLower(ev.Key)
	switch {
	case key == "f5", (ev.Ctrl || ev.Meta) && key == "r":
		return model.ViolationRefreshAttempt, true
	case key == "f12", ev.Ctrl && ev.Shift && key == "i":
		return model.ViolationDevtoolsShortcut, true
	}
	return "", false
}

func describe(kind model.ViolationKind) string {
	switch kind {
	case model.ViolationFullscreenExit:
		return "You exited fullscreen mode."
	case model.ViolationVisibilityHidden:
		return "You switched away from the assessment tab."
	case model.ViolationWindowBlur:
		return "The assessment window lost focus."
	case model.ViolationRefreshAttempt:
		return "Refreshing the page is not allowed during the assessment."
	case model.ViolationDevtoolsShortcut:
		return "Developer tools are not allowed during the assessment."
	case model.ViolationCopyAttempt:
		return "Copying is disabled during the assessment."
	case model.ViolationPasteAttempt:
		return "Pasting is disabled during the assessment."
	case model.ViolationNavigateAway:
		return "Leaving the page ends the assessment."
	}
	return string(kind)
}
