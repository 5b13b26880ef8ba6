package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository provides data access for persisted proctoring incidents.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// CopyViolations bulk-inserts a batch with the COPY protocol. A malformed
// session id fails the whole batch so the caller can fall back to rows.
func (r *ViolationRepository) CopyViolations(ctx context.Context, batch []model.ViolationRecord) (int64, error) {
	rows := make([][]interface{}, 0, len(batch))
	for _, v := range batch {
		sessionID, err := uuid.Parse(v.SessionID)
		if err != nil {
			return 0, fmt.Errorf("%w %q: %v", ErrInvalidSessionID, v.SessionID, err)
		}
		rows = append(rows, []interface{}{
			sessionID, v.CandidateID, string(v.ViolationType), string(v.Severity), v.Timestamp,
		})
	}

	return r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_violations"},
		[]string{"session_id", "candidate_id", "kind", "severity", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
}

// InsertViolation writes a single incident.
func (r *ViolationRepository) InsertViolation(ctx context.Context, v model.ViolationRecord) error {
	sessionID, err := uuid.Parse(v.SessionID)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSessionID, v.SessionID, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO proctor_violations (session_id, candidate_id, kind, severity, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, v.CandidateID, string(v.ViolationType), string(v.Severity), v.Timestamp,
	)
	return err
}

// CountByKind returns the persisted incident count per kind for a session.
func (r *ViolationRepository) CountByKind(ctx context.Context, sessionID string) (map[model.ViolationKind]int64, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT kind, COUNT(*)
		 FROM proctor_violations
		 WHERE session_id = $1
		 GROUP BY kind`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.ViolationKind]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[model.ViolationKind(kind)] = count
	}
	return counts, rows.Err()
}

// CountByCandidate returns how many incidents a candidate has accumulated
// across all sessions.
func (r *ViolationRepository) CountByCandidate(ctx context.Context, candidateID int) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proctor_violations WHERE candidate_id = $1`, candidateID,
	).Scan(&n)
	return n, err
}
