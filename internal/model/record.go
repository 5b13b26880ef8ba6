package model

import (
	"encoding/json"
	"time"
)

// ResultRecord is the persisted outcome of one finished session.
type ResultRecord struct {
	SessionID      string          `json:"session_id"`
	CandidateID    int             `json:"candidate_id"`
	Role           string          `json:"role"`
	Difficulty     Difficulty      `json:"difficulty"`
	Stage          Stage           `json:"stage"`
	EndReason      string          `json:"end_reason"`
	MCQScore       int             `json:"mcq_score"`
	MCQCorrect     int             `json:"mcq_correct"`
	MCQTotal       int             `json:"mcq_total"`
	CodingScore    int             `json:"coding_score"`
	BehaviorScore  int             `json:"behavior_score"`
	BehaviorLabel  string          `json:"behavior_label"`
	Incidents      int             `json:"incidents"`
	Forced         bool            `json:"forced"`
	Local          bool            `json:"local"`
	CompletionTime int             `json:"completion_time"`
	Bundle         json.RawMessage `json:"bundle,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// NewResultRecord flattens a result for storage.
func NewResultRecord(sessionID string, candidateID int, role string, d Difficulty, stage Stage, endReason string, r Result, at time.Time) ResultRecord {
	return ResultRecord{
		SessionID:      sessionID,
		CandidateID:    candidateID,
		Role:           role,
		Difficulty:     d,
		Stage:          stage,
		EndReason:      endReason,
		MCQScore:       r.MCQScore,
		MCQCorrect:     r.MCQCorrect,
		MCQTotal:       r.MCQTotal,
		CodingScore:    r.CodingScore,
		BehaviorScore:  r.Behavior.Score,
		BehaviorLabel:  r.Behavior.Label,
		Incidents:      r.Behavior.Incidents,
		Forced:         r.Forced,
		Local:          r.Local,
		CompletionTime: r.CompletionAt,
		Bundle:         r.Bundle,
		FinishedAt:     at,
	}
}
