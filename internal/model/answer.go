package model

import "encoding/json"

// CodeAnswer is the latest source and cumulative time on one coding question.
type CodeAnswer struct {
	Code      string `json:"code"`
	TimeTaken int    `json:"timeTaken"`
}

// Submission is the single payload emitted when a session ends.
type Submission struct {
	MCQAnswers       []*int           `json:"mcqAnswers"`
	MCQQuestions     []Question       `json:"mcqQuestions"`
	CodingAnswers    []CodeAnswer     `json:"codingAnswers"`
	CodingQuestions  []Question       `json:"codingQuestions"`
	Violations       []ViolationEvent `json:"violations"`
	CompletionTime   int              `json:"completionTime"`
	ForcedSubmission bool             `json:"forcedSubmission"`
	Language         Language         `json:"language,omitempty"`
}

// Behavior labels.
const (
	BehaviorClean   = "clean"
	BehaviorWarned  = "warned"
	BehaviorFlagged = "flagged"
)

// BehaviorSummary condenses the incident log.
type BehaviorSummary struct {
	Incidents int    `json:"incidents"`
	Score     int    `json:"score"`
	Label     string `json:"label"`
}

// Result is the scoring bundle shown to the candidate. Bundle carries the
// evaluator's opaque response when it was reachable.
type Result struct {
	MCQScore     int             `json:"mcqScore"`
	MCQCorrect   int             `json:"mcqCorrect"`
	MCQTotal     int             `json:"mcqTotal"`
	CodingScore  int             `json:"codingScore"`
	Behavior     BehaviorSummary `json:"behavior"`
	Forced       bool            `json:"forced"`
	Local        bool            `json:"local"`
	Bundle       json.RawMessage `json:"bundle,omitempty"`
	CompletionAt int             `json:"completionTime"`
}

// RunOutput is the code-execution collaborator's answer.
type RunOutput struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}
