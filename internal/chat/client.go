package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	authWait       = 10 * time.Second    // Time allowed for the auth frame after the upgrade.
	maxMessageSize = 8192                // Maximum frame size allowed from peer.
	sendBuffer     = 256
)

// FrameSender persists a chat frame sent over the push channel.
type FrameSender interface {
	Send(ctx context.Context, senderID, eventID int64, req *protocol.SendRequest) (*protocol.Message, error)
}

// Client is a middleman between the websocket connection and the hub. It is
// only registered with the hub once the auth frame matches the token the
// upgrade request was authenticated with.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	UserID   int64
	Username string

	tokenUserID int64
	registered  bool
	chat        FrameSender
	logger      logger.Logger

	// done is closed when the hub drops the client. Send is never closed,
	// so the read loop may still queue error frames after that.
	done     chan struct{}
	doneOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, tokenUserID int64, username string, chat FrameSender, log logger.Logger) *Client {
	return &Client{
		Hub:         hub,
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		Username:    username,
		tokenUserID: tokenUserID,
		chat:        chat,
		logger:      log.With("token_user_id", tokenUserID, "conn_id", uuid.NewString()),
		done:        make(chan struct{}),
	}
}

// shut tells WritePump to close the connection.
func (c *Client) shut() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ReadPump pumps frames from the websocket connection. It runs the auth
// handshake, then handles chat frames until the connection dies.
func (c *Client) ReadPump() {
	defer func() {
		if c.registered {
			c.Hub.unregister(c)
		} else {
			c.shut()
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(authWait))

	if !c.authenticate() {
		return
	}

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "err", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) authenticate() bool {
	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		c.logger.Debug("no auth frame", "err", err)
		return false
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != protocol.FrameAuth {
		c.closeWith(websocket.ClosePolicyViolation, "auth frame required")
		return false
	}
	if frame.UserID != c.tokenUserID {
		c.logger.Warn("auth frame user mismatch", "frame_user_id", frame.UserID)
		c.closeWith(websocket.ClosePolicyViolation, "auth user mismatch")
		return false
	}

	c.UserID = frame.UserID
	if !c.Hub.register(c) {
		return false
	}
	c.registered = true
	return true
}

func (c *Client) handle(frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameChat:
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_, err := c.chat.Send(ctx, c.UserID, frame.EventID, &protocol.SendRequest{
			Content:     frame.Content,
			ReceiverID:  frame.ReceiverID,
			MessageType: frame.MessageType,
			Metadata:    frame.Metadata,
		})
		if err != nil {
			msg := "failed to send message"
			if apperror.HTTPStatus(err) < 500 {
				msg = err.Error()
			}
			c.sendError(msg)
		}
	case protocol.FrameAuth:
		// Already authenticated; a repeated auth frame is harmless.
	default:
		c.sendError("unsupported frame type")
	}
}

// sendError queues an error frame without blocking the read loop.
func (c *Client) sendError(msg string) {
	data, _ := json.Marshal(protocol.Frame{Type: protocol.FrameError, Error: msg})
	select {
	case <-c.done:
	case c.Send <- data:
	default:
	}
}

func (c *Client) closeWith(code int, reason string) {
	c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// WritePump pumps frames from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Queued frames go out in the same websocket message, one JSON
			// document per line.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
