package service

import (
	"context"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ViolationCounter reads persisted incident counts.
type ViolationCounter interface {
	CountByKind(ctx context.Context, sessionID string) (map[model.ViolationKind]int64, error)
	CountByCandidate(ctx context.Context, candidateID int) (int64, error)
}

// MonitorService assembles the admin view of a live session.
type MonitorService struct {
	proctor  *ProctorService
	counters ViolationCounter
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(proctor *ProctorService, counters ViolationCounter) *MonitorService {
	return &MonitorService{proctor: proctor, counters: counters}
}

// SessionOverview is the first frame of a monitor stream.
type SessionOverview struct {
	Session          session.Snapshot              `json:"session"`
	PersistedByKind  map[model.ViolationKind]int64 `json:"persisted_by_kind"`
	CandidateHistory int64                         `json:"candidate_history"`
}

// Overview returns the live snapshot plus persisted counts. The two counts
// are fetched concurrently and are best-effort.
func (s *MonitorService) Overview(ctx context.Context, sessionID string) (*SessionOverview, error) {
	snap, err := s.proctor.Lookup(sessionID)
	if err != nil {
		return nil, err
	}

	overview := &SessionOverview{
		Session:         snap,
		PersistedByKind: make(map[model.ViolationKind]int64),
	}

	var (
		byKind  map[model.ViolationKind]int64
		history int64
		kindErr error
		histErr error
		wg      sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		byKind, kindErr = s.counters.CountByKind(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		history, histErr = s.counters.CountByCandidate(ctx, snap.CandidateID)
	}()
	wg.Wait()

	if kindErr == nil && byKind != nil {
		overview.PersistedByKind = byKind
	}
	if histErr == nil {
		overview.CandidateHistory = history
	}

	return overview, nil
}
