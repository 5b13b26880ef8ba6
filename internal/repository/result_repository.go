package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSessionID marks a record whose session id is not a UUID.
	// Retrying such a record can never succeed.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// ResultRepository handles assessment result data access.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

const upsertResultSet = `
	ON CONFLICT (session_id) DO UPDATE SET
		stage           = EXCLUDED.stage,
		end_reason      = EXCLUDED.end_reason,
		mcq_score       = EXCLUDED.mcq_score,
		mcq_correct     = EXCLUDED.mcq_correct,
		mcq_total       = EXCLUDED.mcq_total,
		coding_score    = EXCLUDED.coding_score,
		behavior_score  = EXCLUDED.behavior_score,
		behavior_label  = EXCLUDED.behavior_label,
		incidents       = EXCLUDED.incidents,
		forced          = EXCLUDED.forced,
		local_fallback  = EXCLUDED.local_fallback,
		completion_time = EXCLUDED.completion_time,
		bundle          = EXCLUDED.bundle,
		finished_at     = EXCLUDED.finished_at,
		updated_at      = NOW()`

// UpsertResults writes a batch in one statement using UNNEST.
func (r *ResultRepository) UpsertResults(ctx context.Context, batch []model.ResultRecord) error {
	n := len(batch)
	var (
		sessionIDs   = make([]uuid.UUID, 0, n)
		candidates   = make([]int, 0, n)
		roles        = make([]string, 0, n)
		difficulties = make([]string, 0, n)
		stages       = make([]string, 0, n)
		reasons      = make([]string, 0, n)
		mcqScores    = make([]int, 0, n)
		mcqCorrect   = make([]int, 0, n)
		mcqTotal     = make([]int, 0, n)
		codingScores = make([]int, 0, n)
		behScores    = make([]int, 0, n)
		behLabels    = make([]string, 0, n)
		incidents    = make([]int, 0, n)
		forced       = make([]bool, 0, n)
		local        = make([]bool, 0, n)
		completions  = make([]int, 0, n)
		bundles      = make([]*string, 0, n)
		finishedAts  = make([]time.Time, 0, n)
	)

	for _, rec := range batch {
		id, err := uuid.Parse(rec.SessionID)
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidSessionID, rec.SessionID, err)
		}
		sessionIDs = append(sessionIDs, id)
		candidates = append(candidates, rec.CandidateID)
		roles = append(roles, rec.Role)
		difficulties = append(difficulties, string(rec.Difficulty))
		stages = append(stages, string(rec.Stage))
		reasons = append(reasons, rec.EndReason)
		mcqScores = append(mcqScores, rec.MCQScore)
		mcqCorrect = append(mcqCorrect, rec.MCQCorrect)
		mcqTotal = append(mcqTotal, rec.MCQTotal)
		codingScores = append(codingScores, rec.CodingScore)
		behScores = append(behScores, rec.BehaviorScore)
		behLabels = append(behLabels, rec.BehaviorLabel)
		incidents = append(incidents, rec.Incidents)
		forced = append(forced, rec.Forced)
		local = append(local, rec.Local)
		completions = append(completions, rec.CompletionTime)
		bundles = append(bundles, bundleText(rec))
		finishedAts = append(finishedAts, rec.FinishedAt)
	}

	query := `
		INSERT INTO assessment_results (
			session_id, candidate_id, role, difficulty, stage, end_reason,
			mcq_score, mcq_correct, mcq_total, coding_score,
			behavior_score, behavior_label, incidents, forced, local_fallback,
			completion_time, bundle, finished_at
		)
		SELECT
			u.session_id, u.candidate_id, u.role, u.difficulty, u.stage, u.end_reason,
			u.mcq_score, u.mcq_correct, u.mcq_total, u.coding_score,
			u.behavior_score, u.behavior_label, u.incidents, u.forced, u.local_fallback,
			u.completion_time, u.bundle::jsonb, u.finished_at
		FROM UNNEST(
			$1::uuid[], $2::int[], $3::text[], $4::text[], $5::text[], $6::text[],
			$7::int[], $8::int[], $9::int[], $10::int[],
			$11::int[], $12::text[], $13::int[], $14::bool[], $15::bool[],
			$16::int[], $17::text[], $18::timestamptz[]
		) AS u (
			session_id, candidate_id, role, difficulty, stage, end_reason,
			mcq_score, mcq_correct, mcq_total, coding_score,
			behavior_score, behavior_label, incidents, forced, local_fallback,
			completion_time, bundle, finished_at
		)` + upsertResultSet

	_, err := r.pool.Exec(ctx, query,
		sessionIDs, candidates, roles, difficulties, stages, reasons,
		mcqScores, mcqCorrect, mcqTotal, codingScores,
		behScores, behLabels, incidents, forced, local,
		completions, bundles, finishedAts,
	)
	return err
}

// UpsertResult writes a single result.
func (r *ResultRepository) UpsertResult(ctx context.Context, rec model.ResultRecord) error {
	id, err := uuid.Parse(rec.SessionID)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSessionID, rec.SessionID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO assessment_results (
			session_id, candidate_id, role, difficulty, stage, end_reason,
			mcq_score, mcq_correct, mcq_total, coding_score,
			behavior_score, behavior_label, incidents, forced, local_fallback,
			completion_time, bundle, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb, $18)`+upsertResultSet,
		id, rec.CandidateID, rec.Role, string(rec.Difficulty), string(rec.Stage), rec.EndReason,
		rec.MCQScore, rec.MCQCorrect, rec.MCQTotal, rec.CodingScore,
		rec.BehaviorScore, rec.BehaviorLabel, rec.Incidents, rec.Forced, rec.Local,
		rec.CompletionTime, bundleText(rec), rec.FinishedAt,
	)
	return err
}

// GetBySession retrieves the result of one session.
func (r *ResultRepository) GetBySession(ctx context.Context, sessionID string) (*model.ResultRecord, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, ErrNotFound
	}

	rec := &model.ResultRecord{}
	var (
		difficulty, stage string
		bundle            []byte
	)
	err = r.pool.QueryRow(ctx, `
		SELECT session_id::text, candidate_id, role, difficulty, stage, end_reason,
		       mcq_score, mcq_correct, mcq_total, coding_score,
		       behavior_score, behavior_label, incidents, forced, local_fallback,
		       completion_time, bundle, finished_at
		FROM assessment_results
		WHERE session_id = $1`, id,
	).Scan(
		&rec.SessionID, &rec.CandidateID, &rec.Role, &difficulty, &stage, &rec.EndReason,
		&rec.MCQScore, &rec.MCQCorrect, &rec.MCQTotal, &rec.CodingScore,
		&rec.BehaviorScore, &rec.BehaviorLabel, &rec.Incidents, &rec.Forced, &rec.Local,
		&rec.CompletionTime, &bundle, &rec.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Difficulty = model.Difficulty(difficulty)
	rec.Stage = model.Stage(stage)
	rec.Bundle = bundle
	return rec, nil
}

func bundleText(rec model.ResultRecord) *string {
	if len(rec.Bundle) == 0 {
		return nil
	}
	s := string(rec.Bundle)
	return &s
}
