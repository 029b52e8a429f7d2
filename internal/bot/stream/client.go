package stream

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/common/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

// Client is one websocket connection. meetingID empty means the client
// follows every meeting owned by userID.
type Client struct {
	ID        string
	userID    string
	meetingID string

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger
}

// NewClient creates a client for the hub.
func NewClient(id, userID, meetingID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		userID:    userID,
		meetingID: meetingID,
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       hub,
		logger:    log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether the client should receive the message.
func (c *Client) wants(msg *BroadcastMessage) bool {
	if c.meetingID != "" {
		return c.meetingID == msg.MeetingID
	}
	return c.userID == msg.UserID
}

// WritePump pushes hub messages and pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes the connection until the client disconnects. Incoming
// messages are ignored; the stream is one-way.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}
