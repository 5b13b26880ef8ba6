package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live assessment session to the candidate page.
type WSHandler struct {
	proctor  *service.ProctorService
	clock    clock.Clock
	bridge   ws.BridgeConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(proctor *service.ProctorService, clk clock.Clock, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &WSHandler{
		proctor:  proctor,
		clock:    clk,
		bridge:   ws.DefaultBridgeConfig(),
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/assessments/sessions/:id/stream
// Binds the candidate page to its session: lifecycle commands in, session
// updates and bridge commands out.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	// Reject before upgrading so the client gets a plain HTTP error.
	if _, err := h.proctor.Snapshot(id, claims.UserID); err != nil {
		status, code := serviceError(err)
		response.Fail(c, status, code)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("candidate_id", claims.UserID).
		Str("session_id", id).
		Logger()

	bridge := ws.NewBridge(conn.WriteTyped, h.clock, h.bridge, wsLog)
	defer bridge.Close()

	var (
		questionsSent atomic.Bool
		current       atomic.Pointer[session.Controller]
	)
	send := func(u session.Update) {
		if err := conn.WriteTyped(ws.UpdateResponse{Event: ws.EventUpdate, Update: u}); err != nil {
			wsLog.Debug().Err(err).Msg("Update write failed")
			return
		}
		ctrl := current.Load()
		if u.Kind == session.UpdateStage && u.Snapshot.Stage == model.StageActive && ctrl != nil && !questionsSent.Swap(true) {
			h.sendQuestions(conn, ctrl, wsLog)
		}
	}

	ctrl, err := h.proctor.Attach(id, claims.UserID, bridge, send)
	if err != nil {
		_, code := serviceError(err)
		_ = conn.WriteError(response.GetMessage(code))
		return
	}
	current.Store(ctrl)
	defer h.proctor.Detach(id)

	wsLog.Info().Msg("Candidate connected")

	// The page may be reconnecting to a session that is already past setup.
	snap := ctrl.Snapshot()
	_ = conn.WriteTyped(ws.UpdateResponse{
		Event:  ws.EventUpdate,
		Update: session.Update{Kind: session.UpdateStage, At: h.clock.Now(), Snapshot: snap},
	})
	if snap.Stage == model.StageActive && !questionsSent.Swap(true) {
		h.sendQuestions(conn, ctrl, wsLog)
	}

	// Code runs happen off the read loop so frames and replies keep flowing.
	ctx, cancel := context.WithCancel(c.Request.Context())
	var runs sync.WaitGroup
	defer runs.Wait()
	defer cancel()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			_ = conn.WriteError("invalid message")
			continue
		}

		if handled, err := bridge.Dispatch(env.Action, msg); handled {
			if err != nil {
				wsLog.Warn().Err(err).Str("action", string(env.Action)).Msg("Bridge message rejected")
			}
			continue
		}

		h.handleAction(ctx, conn, ctrl, env.Action, msg, &runs, wsLog)
	}
}

func (h *WSHandler) handleAction(ctx context.Context, conn *ws.Conn, ctrl *session.Controller, action ws.Action, msg json.RawMessage, runs *sync.WaitGroup, wsLog zerolog.Logger) {
	var err error
	switch action {
	case ws.ActionPing:
		_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		return

	case ws.ActionBegin:
		err = ctrl.Begin(ctx)

	case ws.ActionSubmit:
		err = ctrl.Submit(ctx, session.ReasonCandidate)

	case ws.ActionRetry:
		err = ctrl.Retry(ctx)

	case ws.ActionAnswerMCQ:
		var req ws.AnswerMCQRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = conn.WriteError("invalid answer_mcq payload")
			return
		}
		err = ctrl.RecordMCQ(ctx, req.Index, req.Value)

	case ws.ActionAnswerCode:
		var req ws.AnswerCodeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = conn.WriteError("invalid answer_code payload")
			return
		}
		err = ctrl.RecordCode(ctx, req.Index, req.Code, req.ElapsedSeconds)

	case ws.ActionChooseLanguage:
		var req ws.ChooseLanguageRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = conn.WriteError("invalid choose_language payload")
			return
		}
		lang, perr := model.ParseLanguage(req.Language)
		if perr != nil {
			_ = conn.WriteError(perr.Error())
			return
		}
		err = ctrl.ChooseLanguage(ctx, lang)

	case ws.ActionRunCode:
		var req ws.RunCodeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = conn.WriteError("invalid run_code payload")
			return
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			h.runCode(ctx, conn, ctrl, req.Code)
		}()
		return

	default:
		wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
		_ = conn.WriteError("unknown action: " + string(action))
		return
	}

	if err != nil {
		writeActionError(conn, err)
		return
	}
	_ = conn.WriteTyped(ws.SuccessResponse{Event: ws.EventSuccess, Action: action, Status: "ok"})
}

// runCode reports both execution failures and the program's own errors in
// the result message; neither affects the session.
func (h *WSHandler) runCode(ctx context.Context, conn *ws.Conn, ctrl *session.Controller, code string) {
	out, err := ctrl.RunCode(ctx, code)
	if err != nil {
		var fault *model.Fault
		if errors.As(err, &fault) {
			_ = conn.WriteTyped(ws.RunResultResponse{Event: ws.EventRunResult, Error: "Failed to run code"})
			return
		}
		writeActionError(conn, err)
		return
	}
	_ = conn.WriteTyped(ws.RunResultResponse{Event: ws.EventRunResult, Output: out.Output, Error: out.Error})
}

func (h *WSHandler) sendQuestions(conn *ws.Conn, ctrl *session.Controller, wsLog zerolog.Logger) {
	mcq, coding := ctrl.Questions()
	err := conn.WriteTyped(ws.QuestionsResponse{
		Event:  ws.EventQuestions,
		MCQ:    ws.PublicQuestions(mcq),
		Coding: ws.PublicQuestions(coding),
	})
	if err != nil {
		wsLog.Warn().Err(err).Msg("Questions write failed")
	}
}

func writeActionError(conn *ws.Conn, err error) {
	var fault *model.Fault
	if errors.As(err, &fault) {
		_ = conn.WriteFault(string(fault.Kind), fault.Error())
		return
	}
	_ = conn.WriteError(err.Error())
}
