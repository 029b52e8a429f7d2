package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/stream"
	"github.com/meetscribe/meetscribe/internal/common/logger"
)

// NewRouter builds the gin engine with the public bot API, the worker
// callback surface and the websocket streams. wsHandler may be nil when
// streaming is disabled.
func NewRouter(h *Handlers, wsHandler *stream.WSHandler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/bots", h.StartBot)
		apiV1.GET("/bots/status", h.BotStatus)
		apiV1.DELETE("/bots/:platform/:native_meeting_id", h.StopBot)
		apiV1.PATCH("/bots/:platform/:native_meeting_id/config", h.ReconfigureBot)

		apiV1.GET("/meetings", h.ListMeetings)
		apiV1.GET("/meetings/:id", h.GetMeeting)

		if wsHandler != nil {
			apiV1.GET("/meetings/:id/stream", wsHandler.StreamMeeting)
			apiV1.GET("/stream", wsHandler.StreamAll)
		}
	}

	// Worker callbacks are exposed on a separate group so a deployment can
	// firewall them off from the public surface.
	internal := router.Group("/internal/callback")
	{
		internal.POST("/started", h.CallbackStarted)
		internal.POST("/joined", h.CallbackJoined)
		internal.POST("/heartbeat", h.CallbackHeartbeat)
		internal.PATCH("/status", h.CallbackStatus)
		internal.POST("/exited", h.CallbackExited)
	}

	return router
}

// requestLogger logs each request with latency and status.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
