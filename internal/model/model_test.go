package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRole(t *testing.T) {
	cases := map[string]string{
		"Backend Developer":               "backend-developer",
		"  Full Stack (MERN)  Developer ": "full-stack-mern-developer",
		"Data--Scientist":                 "data-scientist",
		"[ML] Engineer":                   "ml-engineer",
		"devops_engineer":                 "devops-engineer",
		"---":                             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRole(in), in)
	}
}

func TestDifficultyBudget(t *testing.T) {
	assert.Equal(t, 900, DifficultyLow.TimeBudgetSeconds())
	assert.Equal(t, 1500, DifficultyMedium.TimeBudgetSeconds())
	assert.Equal(t, 2100, DifficultyHigh.TimeBudgetSeconds())

	d, err := ParseDifficulty(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, DifficultyHigh, d)

	_, err = ParseDifficulty("extreme")
	assert.True(t, errors.Is(err, ErrUnknownDifficulty))
}

func TestStageGraph(t *testing.T) {
	assert.True(t, CanTransition(StageReady, StageInitializing))
	assert.True(t, CanTransition(StageActive, StageTerminated))
	assert.True(t, CanTransition(StageSubmitting, StageCompleted))
	assert.True(t, CanTransition(StageError, StageReady))

	assert.False(t, CanTransition(StageReady, StageActive))
	assert.False(t, CanTransition(StageSubmitting, StageTerminated))
	for _, to := range []Stage{StageReady, StageActive, StageError, StageSubmitting} {
		assert.False(t, CanTransition(StageCompleted, to))
		assert.False(t, CanTransition(StageTerminated, to))
	}
}

func TestViolationSeverity(t *testing.T) {
	assert.Equal(t, SeverityWarn, ViolationPasteAttempt.DefaultSeverity())
	assert.Equal(t, SeverityWarn, ViolationNavigateAway.DefaultSeverity())
	assert.Equal(t, SeverityTerminate, ViolationFaceAbsent.DefaultSeverity())
	assert.Equal(t, SeverityTerminate, ViolationVisibilityHidden.DefaultSeverity())

	assert.True(t, ViolationCameraCovered.IsImmediate())
	assert.False(t, ViolationFaceAbsent.IsImmediate())
	assert.False(t, ViolationCopyAttempt.IsImmediate())
}

func TestParseLanguage(t *testing.T) {
	l, err := ParseLanguage("cpp")
	require.NoError(t, err)
	assert.Equal(t, LanguageCPP, l)
	assert.Equal(t, "c++", l.WireName())

	_, err = ParseLanguage("rust")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestFault(t *testing.T) {
	base := errors.New("timeout")
	var err error = NewFault(FaultQuestionsLoadFailed, base)

	var f *Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, FaultQuestionsLoadFailed, f.Kind)
	assert.ErrorIs(t, err, base)
	assert.True(t, FaultQuestionsLoadFailed.Retryable())
	assert.False(t, FaultCameraDenied.Retryable())
}
