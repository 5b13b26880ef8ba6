// Package arbiter turns perception and environment verdicts into warnings or
// terminations and keeps the incident log forwarded at submission.
package arbiter

import (
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Action is what the session must do with a verdict.
type Action int

const (
	ActionIgnore Action = iota
	ActionWarn
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionTerminate:
		return "terminate"
	default:
		return "ignore"
	}
}

// Decision is the arbiter's answer for one event. Event is the entry as it
// was appended to the incident log.
type Decision struct {
	Action Action
	Event  model.ViolationEvent
}

// Arbiter holds the single-shot warning flag and the append-only incident
// log. It is owned by the session loop and is not safe for concurrent use.
type Arbiter struct {
	warned    bool
	closed    bool
	incidents []model.ViolationEvent
	log       zerolog.Logger
}

func New(log zerolog.Logger) *Arbiter {
	return &Arbiter{
		log: log.With().Str("component", "violation_arbiter").Logger(),
	}
}

// Consider applies the policy:
//   - terminate-severity, an immediate kind, or any warn after the first → terminate
//   - the first warn-severity event → warn
//
// A closed arbiter ignores everything.
func (a *Arbiter) Consider(ev model.ViolationEvent) Decision {
	if a.closed {
		return Decision{Action: ActionIgnore, Event: ev}
	}
	if ev.Severity == "" {
		ev.Severity = ev.Kind.DefaultSeverity()
	}

	if ev.Severity == model.SeverityTerminate || ev.Kind.IsImmediate() || a.warned {
		ev.Severity = model.SeverityTerminate
		a.incidents = append(a.incidents, ev)
		a.log.Warn().
			Str("kind", string(ev.Kind)).
			Bool("after_warning", a.warned).
			Msg("Violation terminates session")
		return Decision{Action: ActionTerminate, Event: ev}
	}

	a.warned = true
	a.incidents = append(a.incidents, ev)
	a.log.Warn().
		Str("kind", string(ev.Kind)).
		Msg("Violation warning issued")
	return Decision{Action: ActionWarn, Event: ev}
}

// Close stops the arbiter from emitting further decisions.
func (a *Arbiter) Close() { a.closed = true }

// Closed reports whether Close was called.
func (a *Arbiter) Closed() bool { return a.closed }

// Warned reports whether the one-shot warning has been spent.
func (a *Arbiter) Warned() bool { return a.warned }

// Incidents returns a copy of the incident log in occurrence order.
func (a *Arbiter) Incidents() []model.ViolationEvent {
	out := make([]model.ViolationEvent, len(a.incidents))
	copy(out, a.incidents)
	return out
}
