package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/tabsleep/control"
	"github.com/use-agent/tabsleep/models"
)

// Dispatcher executes a named control action.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, payload json.RawMessage) models.Response
}

// ControlRequest is the body of POST /api/v1/control.
type ControlRequest struct {
	Action  string          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// Control returns a handler for POST /api/v1/control.
func Control(d Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ControlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.Fail(models.ErrCodeInvalidInput, "invalid request body: "+err.Error()))
			return
		}
		respond(c, d.Dispatch(c.Request.Context(), req.Action, req.Payload))
	}
}

// externalActions are the operations second-party callers may invoke.
var externalActions = map[string]struct{}{
	control.ActionGetStats:           {},
	control.ActionForceEvictionCycle: {},
	control.ActionGetOverrides:       {},
	control.ActionAddOverride:        {},
	control.ActionRemoveOverride:     {},
	control.ActionExportSnapshot:     {},
	control.ActionWakeHandle:         {},
	control.ActionWakeAll:            {},
}

// External returns a handler for POST /api/v1/external/:action. The body,
// if any, is the action payload.
func External(d Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		action := c.Param("action")
		if _, ok := externalActions[action]; !ok {
			respond(c, models.Fail(models.ErrCodeUnknownOperation, "unknown operation \""+action+"\""))
			return
		}
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, models.Fail(models.ErrCodeInvalidInput, "unreadable body"))
			return
		}
		respond(c, d.Dispatch(c.Request.Context(), action, payload))
	}
}

func respond(c *gin.Context, resp models.Response) {
	code := http.StatusOK
	if !resp.Success && resp.Error != nil {
		code = statusFor(resp.Error.Code)
	}
	c.JSON(code, resp)
}

// statusFor maps error codes to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case models.ErrCodeInvalidInput, models.ErrCodeInvalidConfig, models.ErrCodeUnknownOperation:
		return http.StatusBadRequest
	case models.ErrCodePolicyImport:
		return http.StatusUnprocessableEntity
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case models.ErrCodeForbidden:
		return http.StatusForbidden
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case models.ErrCodeBusy:
		return http.StatusConflict
	case models.ErrCodeSourceUnavailable:
		return http.StatusServiceUnavailable
	case models.ErrCodeHandleOperation:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
