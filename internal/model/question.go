package model

// QuestionKind distinguishes multiple-choice from coding questions.
type QuestionKind string

const (
	QuestionKindMCQ    QuestionKind = "MCQ"
	QuestionKindCoding QuestionKind = "CODING"
)

// Question is immutable once loaded into a store.
type Question struct {
	ID         string       `json:"id"`
	Kind       QuestionKind `json:"type"`
	Prompt     string       `json:"question" validate:"required"`
	Difficulty string       `json:"difficulty,omitempty"`
	Topic      string       `json:"topic,omitempty"`

	// MCQ only.
	Options      []string `json:"options,omitempty"`
	CorrectIndex int      `json:"correctAnswer"`

	// Coding only. The server of record owns correctness.
	Constraints []string  `json:"constraints,omitempty"`
	Examples    []Example `json:"examples,omitempty"`
}

// Example is one input/output pair shown with a coding question.
type Example struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	Explanation string `json:"explanation,omitempty"`
}
