package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage enumerates the lifecycle states of a proctored session.
type Stage string

const (
	StageReady               Stage = "READY"
	StageInitializing        Stage = "INITIALIZING"
	StageLoadingQuestions    Stage = "LOADING_QUESTIONS"
	StageAcquiringProctoring Stage = "ACQUIRING_PROCTORING"
	StageActive              Stage = "ACTIVE"
	StageSubmitting          Stage = "SUBMITTING"
	StageCompleted           Stage = "COMPLETED"
	StageTerminated          Stage = "TERMINATED"
	StageError               Stage = "ERROR"
)

// IsTerminal reports whether no transition may leave the stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageTerminated
}

// transitions is the complete stage graph. Anything not listed is rejected.
var transitions = map[Stage][]Stage{
	StageReady:               {StageInitializing, StageError},
	StageInitializing:        {StageLoadingQuestions, StageError},
	StageLoadingQuestions:    {StageAcquiringProctoring, StageError},
	StageAcquiringProctoring: {StageActive, StageError},
	StageActive:              {StageSubmitting, StageTerminated, StageError},
	StageSubmitting:          {StageCompleted},
	StageError:               {StageReady},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Difficulty selects the time budget of an attempt.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

var ErrUnknownDifficulty = errors.New("unknown difficulty")

// ParseDifficulty accepts low, medium or high in any case.
func ParseDifficulty(raw string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case DifficultyLow, DifficultyMedium, DifficultyHigh:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDifficulty, raw)
}

// TimeBudget returns the answering window: 15, 25 or 35 minutes.
func (d Difficulty) TimeBudget() time.Duration {
	switch d {
	case DifficultyLow:
		return 15 * time.Minute
	case DifficultyHigh:
		return 35 * time.Minute
	default:
		return 25 * time.Minute
	}
}

// TimeBudgetSeconds is TimeBudget expressed in whole seconds.
func (d Difficulty) TimeBudgetSeconds() int {
	return int(d.TimeBudget() / time.Second)
}

// NormalizeRole turns a free-form role label into its canonical slug:
// lowercase, brackets removed, whitespace runs become a hyphen, hyphen runs
// collapse and leading/trailing hyphens are trimmed.
//
//	"Full Stack (MERN)  Developer" → "full-stack-mern-developer"
func NormalizeRole(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	lastHyphen := true
	for _, r := range strings.ToLower(raw) {
		switch {
		case strings.ContainsRune("()[]{}<>", r):
			continue
		case r == '-' || r == '_' || isSpace(r):
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		default:
			b.WriteRune(r)
			lastHyphen = false
		}
	}

	return strings.TrimRight(b.String(), "-")
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
