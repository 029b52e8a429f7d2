// Package api exposes the bot lifecycle manager over HTTP. The public
// surface is authenticated by the X-User-ID header set by the edge gateway;
// the internal callback surface is authenticated by session UID.
package api

import (
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/callback"
	"github.com/meetscribe/meetscribe/internal/bot/lifecycle"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Handlers holds the HTTP handlers for the bot API.
type Handlers struct {
	coordinator *lifecycle.Coordinator
	ingress     *callback.Ingress
	logger      *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(coord *lifecycle.Coordinator, ing *callback.Ingress, log *logger.Logger) *Handlers {
	return &Handlers{
		coordinator: coord,
		ingress:     ing,
		logger:      log.WithFields(zap.String("component", "api")),
	}
}

// userID extracts the caller identity set by the gateway.
func userID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

// respondError maps application errors to HTTP responses.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		}})
		return
	}
	h.logger.Error("Unhandled error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"code":    apperrors.ErrCodeInternalError,
		"message": "internal error",
	}})
}

// StartBot handles POST /bots.
func (h *Handlers) StartBot(c *gin.Context) {
	var req StartBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	meeting, err := h.coordinator.StartBot(c.Request.Context(), userID(c), req.Platform, req.NativeMeetingID, req.Config())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meeting.ToResponse())
}

// StopBot handles DELETE /bots/:platform/:native_meeting_id. The response
// is 202: the bot shuts down asynchronously and the meeting completes
// through callbacks.
func (h *Handlers) StopBot(c *gin.Context) {
	platform := v1.Platform(c.Param("platform"))
	native := c.Param("native_meeting_id")

	meeting, err := h.coordinator.StopBot(c.Request.Context(), userID(c), platform, native)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AcceptedResponse{
		Detail:  "stop requested",
		Meeting: meeting.ToResponse(),
	})
}

// ReconfigureBot handles PATCH /bots/:platform/:native_meeting_id/config.
// 202: the worker applies the change asynchronously.
func (h *Handlers) ReconfigureBot(c *gin.Context) {
	var req ReconfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	platform := v1.Platform(c.Param("platform"))
	native := c.Param("native_meeting_id")

	meeting, err := h.coordinator.ReconfigureBot(c.Request.Context(), userID(c), platform, native,
		v1.BotConfig{Language: req.Language, Task: req.Task})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AcceptedResponse{
		Detail:  "reconfiguration requested",
		Meeting: meeting.ToResponse(),
	})
}

// BotStatus handles GET /bots/status.
func (h *Handlers) BotStatus(c *gin.Context) {
	bots, err := h.coordinator.BotStatus(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.BotStatusResponse{RunningBots: bots})
}

// ListMeetings handles GET /meetings.
func (h *Handlers) ListMeetings(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		h.respondError(c, apperrors.Unauthorized("missing user identity"))
		return
	}

	meetings, err := h.coordinator.ListMeetings(c.Request.Context(), uid,
		v1.MeetingStatus(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := v1.MeetingsListResponse{
		Meetings: make([]v1.MeetingResponse, 0, len(meetings)),
		Total:    len(meetings),
	}
	for _, m := range meetings {
		resp.Meetings = append(resp.Meetings, m.ToResponse())
	}
	c.JSON(http.StatusOK, resp)
}

// GetMeeting handles GET /meetings/:id.
func (h *Handlers) GetMeeting(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		h.respondError(c, apperrors.Unauthorized("missing user identity"))
		return
	}

	meeting, err := h.coordinator.GetMeeting(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meeting.ToResponse())
}

// Worker callbacks.

// CallbackStarted handles POST /internal/callback/started.
func (h *Handlers) CallbackStarted(c *gin.Context) {
	var req StartedCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.ingress.Started(c.Request.Context(), req.SessionUID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "ok"})
}

// CallbackJoined handles POST /internal/callback/joined.
func (h *Handlers) CallbackJoined(c *gin.Context) {
	var req JoinedCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.ingress.Joined(c.Request.Context(), req.SessionUID, req.Config); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "ok"})
}

// CallbackHeartbeat handles POST /internal/callback/heartbeat.
func (h *Handlers) CallbackHeartbeat(c *gin.Context) {
	var req HeartbeatCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.ingress.Heartbeat(c.Request.Context(), req.SessionUID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "ok"})
}

// CallbackStatus handles PATCH /internal/callback/status.
func (h *Handlers) CallbackStatus(c *gin.Context) {
	var req StatusCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.ingress.StatusUpdate(c.Request.Context(), req.SessionUID, req.Status); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "ok"})
}

// CallbackExited handles POST /internal/callback/exited.
func (h *Handlers) CallbackExited(c *gin.Context) {
	var req ExitedCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.ingress.Exited(c.Request.Context(), req.SessionUID, req.ExitCode, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "ok"})
}
