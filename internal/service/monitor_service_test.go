package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	byKind  map[model.ViolationKind]int64
	history int64
	err     error
}

func (f *fakeCounter) CountByKind(context.Context, string) (map[model.ViolationKind]int64, error) {
	return f.byKind, f.err
}

func (f *fakeCounter) CountByCandidate(context.Context, int) (int64, error) {
	return f.history, f.err
}

func TestOverviewMergesCounts(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)
	mon := NewMonitorService(f.svc, &fakeCounter{
		byKind:  map[model.ViolationKind]int64{model.ViolationPasteAttempt: 2},
		history: 5,
	})

	ov, err := mon.Overview(context.Background(), snap.SessionID)
	require.NoError(t, err)

	assert.Equal(t, model.StageReady, ov.Session.Stage)
	assert.Equal(t, int64(2), ov.PersistedByKind[model.ViolationPasteAttempt])
	assert.Equal(t, int64(5), ov.CandidateHistory)
}

func TestOverviewCountsAreBestEffort(t *testing.T) {
	f := newFixture(t)
	snap := f.create(7)
	mon := NewMonitorService(f.svc, &fakeCounter{err: errors.New("db down")})

	ov, err := mon.Overview(context.Background(), snap.SessionID)
	require.NoError(t, err)
	assert.Empty(t, ov.PersistedByKind)
	assert.Zero(t, ov.CandidateHistory)

	_, err = mon.Overview(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
