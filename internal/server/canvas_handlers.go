package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

type errorCode string

const (
	codeUnauthorized errorCode = "UNAUTHORIZED"
	codeForbidden    errorCode = "FORBIDDEN"
)

type createCanvasRequestPayload struct {
	CanvasID string   `json:"canvas_id"`
	Purpose  string   `json:"purpose"`
	Lanes    []string `json:"lanes"`
}

type createCanvasResponsePayload struct {
	CanvasID string `json:"canvas_id"`
	Version  int64  `json:"version"`
}

type actionPayload struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	CardID         string          `json:"card_id"`
}

type applyActionRequestPayload struct {
	ExpectedVersion *int64         `json:"expected_version"`
	Action          *actionPayload `json:"action"`
}

// Replays must serialize exactly like the original response, so replay status stays off the wire.
type applyActionResponsePayload struct {
	Success bool  `json:"success"`
	Version int64 `json:"version"`
}

type proposeCardsRequestPayload struct {
	Cards          []canvas.ProposedCard `json:"cards"`
	IdempotencyKey string                `json:"idempotency_key"`
}

type proposeCardsResponsePayload struct {
	Success        bool     `json:"success"`
	Version        int64    `json:"version"`
	CreatedCardIDs []string `json:"created_card_ids"`
}

type errorDetailPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	CurrentVersion *int64 `json:"current_version,omitempty"`
}

type errorResponsePayload struct {
	Success bool               `json:"success"`
	Error   errorDetailPayload `json:"error"`
}

func errorBody(code, message string, currentVersion *int64) errorResponsePayload {
	return errorResponsePayload{
		Success: false,
		Error:   errorDetailPayload{Code: code, Message: message, CurrentVersion: currentVersion},
	}
}

func (h *httpHandler) handleCreateCanvas(c *gin.Context) {
	var request createCanvasRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, "request body must be a JSON object")
		return
	}
	result, err := h.canvases.CreateCanvas(c.Request.Context(), canvas.CreateCanvasRequest{
		CanvasID: request.CanvasID,
		Purpose:  request.Purpose,
		Lanes:    request.Lanes,
	})
	if err != nil {
		h.writeCanvasError(c, "create_canvas", err)
		return
	}
	c.JSON(http.StatusOK, createCanvasResponsePayload{CanvasID: result.CanvasID.String(), Version: result.Version})
}

func (h *httpHandler) handleApplyAction(c *gin.Context) {
	canvasID, ok := h.canvasIDParam(c)
	if !ok {
		return
	}
	var request applyActionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, "request body must be a JSON object")
		return
	}
	if request.ExpectedVersion == nil || *request.ExpectedVersion < 0 {
		h.writeInvalidRequest(c, "expected_version is required")
		return
	}
	if request.Action == nil {
		h.writeInvalidRequest(c, "action is required")
		return
	}
	action, err := canvas.NewAction(canvas.ActionConfig{
		Type:           request.Action.Type,
		IdempotencyKey: request.Action.IdempotencyKey,
		Payload:        request.Action.Payload,
		CardID:         request.Action.CardID,
	})
	if err != nil {
		h.writeCanvasError(c, "apply_action", err)
		return
	}
	result, err := h.canvases.Apply(c.Request.Context(), canvasID, *request.ExpectedVersion, action)
	if err != nil {
		h.writeCanvasError(c, "apply_action", err, zap.String("action_type", string(action.Type)))
		return
	}
	if result.Replayed {
		h.logger.Debug("apply action replayed",
			zap.String("canvas_id", canvasID.String()),
			zap.String("idempotency_key", action.IdempotencyKey.String()),
			zap.Int64("version", result.Version),
		)
	}
	c.JSON(http.StatusOK, applyActionResponsePayload{Success: true, Version: result.Version})
}

func (h *httpHandler) handleProposeCards(c *gin.Context) {
	canvasID, ok := h.canvasIDParam(c)
	if !ok {
		return
	}
	var request proposeCardsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, "request body must be a JSON object with a cards array")
		return
	}
	proposal := canvas.ProposeRequest{Cards: request.Cards}
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		key, err := canvas.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			h.writeInvalidRequest(c, "invalid idempotency_key")
			return
		}
		proposal.IdempotencyKey = key
	}
	result, err := h.canvases.ProposeCards(c.Request.Context(), canvasID, proposal)
	if err != nil {
		h.writeCanvasError(c, "propose_cards", err)
		return
	}
	if result.Replayed {
		h.logger.Debug("propose cards replayed",
			zap.String("canvas_id", canvasID.String()),
			zap.String("idempotency_key", proposal.IdempotencyKey.String()),
			zap.Int64("version", result.Version),
		)
	}
	c.JSON(http.StatusOK, proposeCardsResponsePayload{
		Success:        true,
		Version:        result.Version,
		CreatedCardIDs: result.CardIDs,
	})
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	canvasID, ok := h.canvasIDParam(c)
	if !ok {
		return
	}
	snapshot, err := h.canvases.Snapshot(c.Request.Context(), canvasID)
	if err != nil {
		h.writeCanvasError(c, "snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) canvasIDParam(c *gin.Context) (canvas.CanvasID, bool) {
	canvasID, err := canvas.NewCanvasID(c.Param("canvas_id"))
	if err != nil {
		h.writeInvalidRequest(c, "invalid canvas id")
		return "", false
	}
	return canvasID, true
}

func (h *httpHandler) writeInvalidRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(string(canvas.CodeValidation), message, nil))
}

// writeCanvasError renders a reducer failure with its mapped HTTP status.
func (h *httpHandler) writeCanvasError(c *gin.Context, route string, err error, fields ...zap.Field) {
	typed := canvas.AsError(err)
	status := statusForCode(typed.Code)
	var currentVersion *int64
	if typed.Code == canvas.CodeStaleVersion {
		version := typed.CurrentVersion
		currentVersion = &version
	}
	message := typed.Message
	if status == http.StatusInternalServerError {
		h.logger.Error("canvas request failed", append(fields, zap.String("route", route), zap.Error(err))...)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, errorBody(string(typed.Code), message, currentVersion))
}

func statusForCode(code canvas.ErrorCode) int {
	switch code {
	case canvas.CodeStaleVersion:
		return http.StatusConflict
	case canvas.CodeIllegalPhaseTransition:
		return http.StatusUnprocessableEntity
	case canvas.CodeValidation:
		return http.StatusBadRequest
	case canvas.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
