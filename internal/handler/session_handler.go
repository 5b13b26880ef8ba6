package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	defaultMCQCount    = 10
	defaultCodingCount = 2
)

// SessionHandler handles the candidate's REST session endpoints.
type SessionHandler struct {
	proctor *service.ProctorService
	log     zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(proctor *service.ProctorService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		proctor: proctor,
		log:     log.With().Str("component", "session_handler").Logger(),
	}
}

type createSessionRequest struct {
	Role        string `json:"role" binding:"required,role"`
	Difficulty  string `json:"difficulty" binding:"difficulty"`
	MCQCount    int    `json:"mcq_count" binding:"min=0,max=50"`
	CodingCount int    `json:"coding_count" binding:"min=0,max=10"`
}

type createSessionResponse struct {
	SessionID         string           `json:"session_id"`
	Role              string           `json:"role"`
	Difficulty        model.Difficulty `json:"difficulty"`
	TimeBudgetSeconds int              `json:"time_budget_seconds"`
	Stage             model.Stage      `json:"stage"`
}

// Create godoc
// POST /api/v1/assessments/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var req createSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var difficulty model.Difficulty
	if req.Difficulty != "" {
		difficulty, _ = model.ParseDifficulty(req.Difficulty)
	}
	if req.MCQCount == 0 {
		req.MCQCount = defaultMCQCount
	}
	if req.CodingCount == 0 {
		req.CodingCount = defaultCodingCount
	}

	snap, err := h.proctor.Create(c.Request.Context(), claims.UserID, middleware.GetCredential(c), service.CreateRequest{
		Role:        req.Role,
		Difficulty:  difficulty,
		MCQCount:    req.MCQCount,
		CodingCount: req.CodingCount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, createSessionResponse{
		SessionID:         snap.SessionID,
		Role:              snap.Role,
		Difficulty:        snap.Difficulty,
		TimeBudgetSeconds: snap.TimeBudgetSeconds,
		Stage:             snap.Stage,
	})
}

// Get godoc
// GET /api/v1/assessments/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	snap, err := h.proctor.Snapshot(id, middleware.GetClaims(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// Result godoc
// GET /api/v1/assessments/sessions/:id/result
func (h *SessionHandler) Result(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	rec, err := h.proctor.Result(c.Request.Context(), id, middleware.GetClaims(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, rec)
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	status, code := serviceError(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Session request failed")
	}
	response.Fail(c, status, code)
}

// sessionParam parses :id and writes the error response itself.
func sessionParam(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return id.String(), true
}

// serviceError maps a ProctorService error to an HTTP status and code.
// Sessions owned by someone else look like missing ones.
func serviceError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrNotOwner):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrSessionAlreadyActive):
		return http.StatusConflict, response.ErrSessionActive
	case errors.Is(err, service.ErrAlreadyAttached):
		return http.StatusConflict, response.ErrSessionAttached
	case errors.Is(err, service.ErrResultNotReady):
		return http.StatusConflict, response.ErrResultNotReady
	case errors.Is(err, service.ErrInvalidRole):
		return http.StatusBadRequest, response.ErrValidation
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
