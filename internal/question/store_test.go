package question

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	resp *GenerateResponse
	err  error
	got  GenerateRequest
	cred model.Credential
}

func (g *stubGenerator) GenerateQuestions(_ context.Context, cred model.Credential, req GenerateRequest) (*GenerateResponse, error) {
	g.got = req
	g.cred = cred
	return g.resp, g.err
}

func mcq(prompt string, correct int, options ...string) model.Question {
	return model.Question{Prompt: prompt, Options: options, CorrectIndex: correct}
}

func twoByTwo() *GenerateResponse {
	return &GenerateResponse{
		Success: true,
		MCQQuestions: []model.Question{
			mcq("first", 0, "A", "B"),
			mcq("second", 1, "C", "D"),
		},
		CodingQuestions: []model.Question{
			{Prompt: "reverse a list", Constraints: []string{"n <= 1e5"}},
		},
	}
}

func intp(v int) *int { return &v }

func loaded(t *testing.T) *Store {
	t.Helper()
	s := NewStore(&stubGenerator{resp: twoByTwo()}, zerolog.Nop())
	require.NoError(t, s.Load(context.Background(), "tok", "backend-developer", 2, 1))
	return s
}

func TestLoadSendsRequestAndKinds(t *testing.T) {
	gen := &stubGenerator{resp: twoByTwo()}
	s := NewStore(gen, zerolog.Nop())

	require.NoError(t, s.Load(context.Background(), "tok", "backend-developer", 2, 1))

	assert.Equal(t, GenerateRequest{Role: "backend-developer", CountMCQ: 2, CountCoding: 1}, gen.got)
	assert.Equal(t, model.Credential("tok"), gen.cred)
	require.Len(t, s.MCQ(), 2)
	assert.Equal(t, model.QuestionKindMCQ, s.MCQ()[0].Kind)
	assert.Equal(t, "MCQ-1", s.MCQ()[0].ID)
	assert.Equal(t, model.QuestionKindCoding, s.Coding()[0].Kind)
}

func TestLoadFailuresLeaveStoreEmpty(t *testing.T) {
	cases := map[string]struct {
		gen  *stubGenerator
		role string
		mcq  int
	}{
		"transport":     {&stubGenerator{err: errors.New("connection refused")}, "backend-developer", 2},
		"unsuccessful":  {&stubGenerator{resp: &GenerateResponse{Success: false, Error: "quota"}}, "backend-developer", 2},
		"non canonical": {&stubGenerator{resp: twoByTwo()}, "Backend Developer", 2},
		"empty role":    {&stubGenerator{resp: twoByTwo()}, "", 2},
		"negative":      {&stubGenerator{resp: twoByTwo()}, "backend-developer", -1},
		"bad option index": {&stubGenerator{resp: &GenerateResponse{
			Success:      true,
			MCQQuestions: []model.Question{mcq("q", 2, "A", "B")},
		}}, "backend-developer", 1},
		"single option": {&stubGenerator{resp: &GenerateResponse{
			Success:      true,
			MCQQuestions: []model.Question{mcq("q", 0, "A")},
		}}, "backend-developer", 1},
		"missing prompt": {&stubGenerator{resp: &GenerateResponse{
			Success:      true,
			MCQQuestions: []model.Question{mcq("", 0, "A", "B")},
		}}, "backend-developer", 1},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := loaded(t)
			s.gen = tc.gen

			err := s.Load(context.Background(), "tok", tc.role, tc.mcq, 0)

			var fault *model.Fault
			require.True(t, errors.As(err, &fault))
			assert.Equal(t, model.FaultQuestionsLoadFailed, fault.Kind)
			assert.Empty(t, s.MCQ())
			assert.Empty(t, s.Coding())
			assert.ErrorIs(t, s.RecordMCQ(0, intp(0)), ErrIndexOutOfRange)
		})
	}
}

func TestRecordMCQLastWriteWins(t *testing.T) {
	s := loaded(t)

	writes := []struct {
		idx int
		val *int
	}{
		{0, intp(1)}, {1, intp(0)}, {0, intp(0)}, {1, nil}, {1, intp(1)}, {0, nil}, {0, intp(1)},
	}
	want := map[int]*int{}
	for _, w := range writes {
		require.NoError(t, s.RecordMCQ(w.idx, w.val))
		want[w.idx] = w.val
	}

	sub := s.BuildSubmission(nil, false, 10)
	require.Len(t, sub.MCQAnswers, 2)
	for i := range sub.MCQAnswers {
		if want[i] == nil {
			assert.Nil(t, sub.MCQAnswers[i])
			continue
		}
		require.NotNil(t, sub.MCQAnswers[i])
		assert.Equal(t, *want[i], *sub.MCQAnswers[i])
	}
}

func TestRecordMCQRejectsOutOfRange(t *testing.T) {
	s := loaded(t)

	assert.ErrorIs(t, s.RecordMCQ(2, intp(0)), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.RecordMCQ(-1, intp(0)), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.RecordMCQ(0, intp(2)), ErrOptionOutOfRange)
}

func TestRecordCodeNeedsLanguage(t *testing.T) {
	s := loaded(t)

	assert.ErrorIs(t, s.RecordCode(0, "print(1)", 5), ErrLanguageRequired)
	assert.ErrorIs(t, s.CodingReady(), ErrLanguageRequired)

	s.ChooseLanguage(model.LanguagePython)
	require.NoError(t, s.CodingReady())
	require.NoError(t, s.RecordCode(0, "print(1)", 5))
	require.NoError(t, s.RecordCode(0, "print(2)", 9))
	assert.ErrorIs(t, s.RecordCode(1, "x", 1), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.RecordCode(0, "x", -1), ErrNegativeElapsed)

	sub := s.BuildSubmission(nil, false, 0)
	assert.Equal(t, []model.CodeAnswer{{Code: "print(2)", TimeTaken: 9}}, sub.CodingAnswers)
	assert.Equal(t, model.LanguagePython, sub.Language)
}

func TestBuildSubmissionDefaults(t *testing.T) {
	s := loaded(t)
	at := time.Unix(1_700_000_000, 0)
	violations := []model.ViolationEvent{model.NewViolation(model.ViolationVisibilityHidden, at, "hidden")}

	sub := s.BuildSubmission(violations, true, 50)

	assert.Equal(t, []*int{nil, nil}, sub.MCQAnswers)
	assert.Equal(t, []model.CodeAnswer{{}}, sub.CodingAnswers)
	assert.True(t, sub.ForcedSubmission)
	assert.Equal(t, 50, sub.CompletionTime)
	assert.Equal(t, violations, sub.Violations)
	assert.Equal(t, "first", sub.MCQQuestions[0].Prompt)

	empty := s.BuildSubmission(nil, false, 0)
	assert.NotNil(t, empty.Violations)
}

func TestLocalResult(t *testing.T) {
	s := loaded(t)
	require.NoError(t, s.RecordMCQ(0, intp(0)))
	require.NoError(t, s.RecordMCQ(1, intp(0)))

	res := LocalResult(s.BuildSubmission(nil, false, 300))

	assert.Equal(t, 50, res.MCQScore)
	assert.Equal(t, 1, res.MCQCorrect)
	assert.Equal(t, 2, res.MCQTotal)
	assert.Zero(t, res.CodingScore)
	assert.True(t, res.Local)
	assert.Equal(t, model.BehaviorSummary{Incidents: 0, Score: 100, Label: model.BehaviorClean}, res.Behavior)
}

func TestLocalResultRounds(t *testing.T) {
	questions := []model.Question{mcq("a", 0, "x", "y"), mcq("b", 0, "x", "y"), mcq("c", 0, "x", "y")}
	sub := model.Submission{MCQQuestions: questions, MCQAnswers: []*int{intp(0), intp(0), intp(1)}}

	assert.Equal(t, 67, LocalResult(sub).MCQScore)
	assert.Equal(t, 0, LocalResult(model.Submission{}).MCQScore)
}

func TestBehavior(t *testing.T) {
	at := time.Unix(0, 0)
	warn := model.NewViolation(model.ViolationPasteAttempt, at, "")
	term := warn
	term.Severity = model.SeverityTerminate

	assert.Equal(t, model.BehaviorWarned, Behavior([]model.ViolationEvent{warn}).Label)
	assert.Equal(t, model.BehaviorFlagged, Behavior([]model.ViolationEvent{term}).Label)

	b := Behavior([]model.ViolationEvent{warn, term, term, term, term})
	assert.Equal(t, model.BehaviorFlagged, b.Label)
	assert.Equal(t, 0, b.Score)
	assert.Equal(t, 5, b.Incidents)
}
