package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/store"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the edge proxy in front of this service.
		return true
	},
}

// WSHandler upgrades HTTP requests into hub clients.
type WSHandler struct {
	hub    *Hub
	store  store.Store
	logger *logger.Logger
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(hub *Hub, st store.Store, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		store:  st,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamMeeting follows one meeting's status events.
// WS /api/v1/meetings/:id/stream
func (h *WSHandler) StreamMeeting(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
			"code":    apperrors.ErrCodeUnauthorized,
			"message": "missing user identity",
		}})
		return
	}

	meetingID := c.Param("id")
	meeting, err := h.store.Get(c.Request.Context(), meetingID)
	if err != nil || meeting.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":    apperrors.ErrCodeNotFound,
			"message": "meeting not found",
		}})
		return
	}

	h.serve(c, userID, meetingID)
}

// StreamAll follows every meeting of the calling user.
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
			"code":    apperrors.ErrCodeUnauthorized,
			"message": "missing user identity",
		}})
		return
	}
	h.serve(c, userID, "")
}

func (h *WSHandler) serve(c *gin.Context, userID, meetingID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), userID, meetingID, conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Info("Websocket connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", userID),
		zap.String("meeting_id", meetingID),
	)

	go client.WritePump()
	go client.ReadPump()
}
