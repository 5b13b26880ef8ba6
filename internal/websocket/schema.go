package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/perception"
	"github.com/stemsi/exstem-proctor/internal/sentinel"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionBegin          Action = "begin"
	ActionSubmit         Action = "submit"
	ActionRetry          Action = "retry"
	ActionAnswerMCQ      Action = "answer_mcq"
	ActionAnswerCode     Action = "answer_code"
	ActionChooseLanguage Action = "choose_language"
	ActionRunCode        Action = "run_code"
	ActionPing           Action = "ping"

	// Bridge traffic from the candidate page.
	ActionReply     Action = "reply"
	ActionFrame     Action = "frame"
	ActionTrack     Action = "track"
	ActionMetadata  Action = "metadata"
	ActionHostEvent Action = "host_event"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerMCQRequest selects (or clears, with a null value) an option.
type AnswerMCQRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
	Value  *int   `json:"value"`
}

// AnswerCodeRequest saves the latest source of a coding question.
type AnswerCodeRequest struct {
	Action         Action `json:"action"`
	Index          int    `json:"index"`
	Code           string `json:"code"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// ChooseLanguageRequest picks the coding-phase language.
type ChooseLanguageRequest struct {
	Action   Action `json:"action"`
	Language string `json:"language"`
}

// RunCodeRequest executes code in the chosen language.
type RunCodeRequest struct {
	Action Action `json:"action"`
	Code   string `json:"code"`
}

// ReplyMessage answers a bridge command with the same id.
type ReplyMessage struct {
	Action Action          `json:"action"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// FrameSample is one down-sampled RGBA frame plus the page detector's face
// count for the same frame. Pixels is base64 on the wire.
type FrameSample struct {
	Action    Action `json:"action"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Pixels    []byte `json:"pixels"`
	Faces     int    `json:"faces"`
	FaceError string `json:"face_error,omitempty"`
}

// TrackSample reports the state of the capture's video tracks.
type TrackSample struct {
	Action Action                  `json:"action"`
	Tracks []perception.TrackState `json:"tracks"`
}

// MetadataSample reports a metadata change of the video element.
type MetadataSample struct {
	Action Action `json:"action"`
	perception.Metadata
}

// HostEventMessage forwards one raw browser event.
type HostEventMessage struct {
	Action Action             `json:"action"`
	Event  sentinel.HostEvent `json:"event"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSuccess   Event = "success"
	EventPong      Event = "pong"
	EventUpdate    Event = "update"
	EventQuestions Event = "questions"
	EventRunResult Event = "run_result"
	EventCommand   Event = "command"
)

type SuccessResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// UpdateResponse carries one session change notification.
type UpdateResponse struct {
	Event  Event `json:"event"`
	Update any   `json:"update"`
}

// PublicQuestion is a question as shown to the candidate: no answer key.
type PublicQuestion struct {
	ID          string             `json:"id"`
	Kind        model.QuestionKind `json:"type"`
	Prompt      string             `json:"question"`
	Difficulty  string             `json:"difficulty,omitempty"`
	Topic       string             `json:"topic,omitempty"`
	Options     []string           `json:"options,omitempty"`
	Constraints []string           `json:"constraints,omitempty"`
	Examples    []model.Example    `json:"examples,omitempty"`
}

// QuestionsResponse is sent once the session becomes active.
type QuestionsResponse struct {
	Event  Event            `json:"event"`
	MCQ    []PublicQuestion `json:"mcqQuestions"`
	Coding []PublicQuestion `json:"codingQuestions"`
}

type RunResultResponse struct {
	Event  Event  `json:"event"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ─── Bridge commands (Server → Client) ──────────────────────────────

type Command string

const (
	CommandAcquireCamera     Command = "acquire_camera"
	CommandAttachVideo       Command = "attach_video"
	CommandLoadModels        Command = "load_models"
	CommandRequestFullscreen Command = "request_fullscreen"
	CommandExitFullscreen    Command = "exit_fullscreen"
	CommandStopTracks        Command = "stop_tracks"
	CommandArmListeners      Command = "arm_listeners"
	CommandDisarmListeners   Command = "disarm_listeners"
	CommandSuppressDefaults  Command = "suppress_defaults"
)

// CommandRequest asks the candidate page to do something. Commands with an
// id expect a ReplyMessage.
type CommandRequest struct {
	Event   Event   `json:"event"`
	ID      string  `json:"id,omitempty"`
	Command Command `json:"command"`
	Args    any     `json:"args,omitempty"`
}

// PublicQuestions strips the answer key from a loaded question set.
func PublicQuestions(in []model.Question) []PublicQuestion {
	out := make([]PublicQuestion, len(in))
	for i, q := range in {
		out[i] = PublicQuestion{
			ID:          q.ID,
			Kind:        q.Kind,
			Prompt:      q.Prompt,
			Difficulty:  q.Difficulty,
			Topic:       q.Topic,
			Options:     q.Options,
			Constraints: q.Constraints,
			Examples:    q.Examples,
		}
	}
	return out
}
