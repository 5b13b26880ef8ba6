// Package question holds the loaded assessment, the candidate's answers and
// the submission payload built from them.
package question

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrIndexOutOfRange  = errors.New("question index out of range")
	ErrOptionOutOfRange = errors.New("option index out of range")
	ErrLanguageRequired = errors.New("choose a language before the coding phase")
	ErrInvalidRole      = errors.New("role must be a non-empty canonical slug")
	ErrInvalidCount     = errors.New("question counts must be non-negative")
	ErrNegativeElapsed  = errors.New("elapsed time must be non-negative")
)

// GenerateRequest is sent to the question-generation collaborator.
type GenerateRequest struct {
	Role        string `json:"role"`
	CountMCQ    int    `json:"count_mcq"`
	CountCoding int    `json:"count_coding"`
}

// GenerateResponse is the collaborator's answer.
type GenerateResponse struct {
	Success         bool             `json:"success"`
	MCQQuestions    []model.Question `json:"mcqQuestions"`
	CodingQuestions []model.Question `json:"codingQuestions"`
	Error           string           `json:"error,omitempty"`
}

// Generator produces an assessment for a role.
type Generator interface {
	GenerateQuestions(ctx context.Context, cred model.Credential, req GenerateRequest) (*GenerateResponse, error)
}

// Store is safe for concurrent use.
type Store struct {
	gen      Generator
	validate *validator.Validate
	log      zerolog.Logger

	mu       sync.RWMutex
	mcq      []model.Question
	coding   []model.Question
	mcqAns   []*int
	codeAns  []model.CodeAnswer
	language model.Language
}

func NewStore(gen Generator, log zerolog.Logger) *Store {
	v := validator.New()
	v.RegisterStructValidation(validateQuestion, model.Question{})
	return &Store{
		gen:      gen,
		validate: v,
		log:      log.With().Str("component", "question_store").Logger(),
	}
}

// Load fetches a fresh assessment. Any failure leaves the store empty and is
// returned as a QUESTIONS_LOAD_FAILED fault.
func (s *Store) Load(ctx context.Context, cred model.Credential, role string, mcqCount, codingCount int) error {
	s.reset()

	if role == "" || model.NormalizeRole(role) != role {
		return model.NewFault(model.FaultQuestionsLoadFailed, fmt.Errorf("%w: %q", ErrInvalidRole, role))
	}
	if mcqCount < 0 || codingCount < 0 {
		return model.NewFault(model.FaultQuestionsLoadFailed, ErrInvalidCount)
	}

	resp, err := s.gen.GenerateQuestions(ctx, cred, GenerateRequest{
		Role:        role,
		CountMCQ:    mcqCount,
		CountCoding: codingCount,
	})
	if err != nil {
		return model.NewFault(model.FaultQuestionsLoadFailed, fmt.Errorf("generate questions: %w", err))
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "generator reported failure"
		}
		return model.NewFault(model.FaultQuestionsLoadFailed, errors.New(msg))
	}

	mcq, err := s.normalize(resp.MCQQuestions, model.QuestionKindMCQ)
	if err != nil {
		return model.NewFault(model.FaultQuestionsLoadFailed, err)
	}
	coding, err := s.normalize(resp.CodingQuestions, model.QuestionKindCoding)
	if err != nil {
		return model.NewFault(model.FaultQuestionsLoadFailed, err)
	}

	s.mu.Lock()
	s.mcq = mcq
	s.coding = coding
	s.mcqAns = make([]*int, len(mcq))
	s.codeAns = make([]model.CodeAnswer, len(coding))
	s.mu.Unlock()

	s.log.Info().
		Str("role", role).
		Int("mcq", len(mcq)).
		Int("coding", len(coding)).
		Msg("Questions loaded")
	return nil
}

func (s *Store) normalize(in []model.Question, kind model.QuestionKind) ([]model.Question, error) {
	out := make([]model.Question, len(in))
	for i, q := range in {
		q.Kind = kind
		if q.ID == "" {
			q.ID = fmt.Sprintf("%s-%d", kind, i+1)
		}
		q.Options = append([]string(nil), q.Options...)
		if err := s.validate.Struct(q); err != nil {
			return nil, fmt.Errorf("%s question %d: %w", kind, i, err)
		}
		out[i] = q
	}
	return out, nil
}

func validateQuestion(sl validator.StructLevel) {
	q := sl.Current().Interface().(model.Question)
	if q.Kind != model.QuestionKindMCQ {
		return
	}
	if len(q.Options) < 2 {
		sl.ReportError(q.Options, "options", "Options", "min", "2")
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		sl.ReportError(q.CorrectIndex, "correctAnswer", "CorrectIndex", "oneofoption", "")
	}
}

func (s *Store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcq, s.coding, s.mcqAns, s.codeAns = nil, nil, nil, nil
}

// MCQ returns the loaded multiple-choice questions.
func (s *Store) MCQ() []model.Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Question(nil), s.mcq...)
}

// Coding returns the loaded coding questions.
func (s *Store) Coding() []model.Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Question(nil), s.coding...)
}

// RecordMCQ overwrites the answer for question i. A nil value clears it.
func (s *Store) RecordMCQ(i int, value *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.mcq) {
		return fmt.Errorf("%w: mcq %d", ErrIndexOutOfRange, i)
	}
	if value == nil {
		s.mcqAns[i] = nil
		return nil
	}
	if *value < 0 || *value >= len(s.mcq[i].Options) {
		return fmt.Errorf("%w: %d", ErrOptionOutOfRange, *value)
	}
	v := *value
	s.mcqAns[i] = &v
	return nil
}

// RecordCode overwrites the code and cumulative elapsed seconds for coding
// question i.
func (s *Store) RecordCode(i int, code string, elapsedSec int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.language == "" {
		return ErrLanguageRequired
	}
	if i < 0 || i >= len(s.coding) {
		return fmt.Errorf("%w: coding %d", ErrIndexOutOfRange, i)
	}
	if elapsedSec < 0 {
		return ErrNegativeElapsed
	}
	s.codeAns[i] = model.CodeAnswer{Code: code, TimeTaken: elapsedSec}
	return nil
}

// ChooseLanguage sets the language of the coding phase.
func (s *Store) ChooseLanguage(lang model.Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

// Language returns the chosen language, if any.
func (s *Store) Language() (model.Language, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language, s.language != ""
}

// CodingReady reports whether the first coding question may be presented.
func (s *Store) CodingReady() error {
	if _, ok := s.Language(); !ok {
		return ErrLanguageRequired
	}
	return nil
}

// BuildSubmission snapshots the answers in question order. Unanswered MCQs
// are nil; untouched coding answers are empty with zero time.
func (s *Store) BuildSubmission(violations []model.ViolationEvent, forced bool, completionSec int) model.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mcqAns := make([]*int, len(s.mcqAns))
	for i, v := range s.mcqAns {
		if v != nil {
			c := *v
			mcqAns[i] = &c
		}
	}
	if violations == nil {
		violations = []model.ViolationEvent{}
	}

	return model.Submission{
		MCQAnswers:       mcqAns,
		MCQQuestions:     append([]model.Question{}, s.mcq...),
		CodingAnswers:    append([]model.CodeAnswer{}, s.codeAns...),
		CodingQuestions:  append([]model.Question{}, s.coding...),
		Violations:       append([]model.ViolationEvent{}, violations...),
		CompletionTime:   completionSec,
		ForcedSubmission: forced,
		Language:         s.language,
	}
}

// LocalResult scores a submission without the evaluator: MCQs against their
// correct index, coding as 0, behavior from the incident log.
func LocalResult(sub model.Submission) model.Result {
	correct := 0
	for i, q := range sub.MCQQuestions {
		if i < len(sub.MCQAnswers) && sub.MCQAnswers[i] != nil && *sub.MCQAnswers[i] == q.CorrectIndex {
			correct++
		}
	}
	total := len(sub.MCQQuestions)

	return model.Result{
		MCQScore:     int(math.Round(100 * float64(correct) / float64(max(1, total)))),
		MCQCorrect:   correct,
		MCQTotal:     total,
		CodingScore:  0,
		Behavior:     Behavior(sub.Violations),
		Forced:       sub.ForcedSubmission,
		Local:        true,
		CompletionAt: sub.CompletionTime,
	}
}

// Behavior summarizes an incident log.
func Behavior(violations []model.ViolationEvent) model.BehaviorSummary {
	n := len(violations)
	label := model.BehaviorFlagged
	switch {
	case n == 0:
		label = model.BehaviorClean
	case n == 1 && violations[0].Severity == model.SeverityWarn:
		label = model.BehaviorWarned
	}
	return model.BehaviorSummary{
		Incidents: n,
		Score:     max(0, 100-25*n),
		Label:     label,
	}
}
