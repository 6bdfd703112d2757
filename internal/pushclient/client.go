// Package pushclient holds the client end of the chat push channel: one
// websocket per signed-in session, authenticated with an auth frame as soon
// as the transport opens.
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	frameBuffer    = 256
)

var newline = []byte{'\n'}

// link is one open transport and the pumps serving it.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (l *link) shut() bool {
	closed := false
	l.once.Do(func() {
		close(l.done)
		closed = true
	})
	return closed
}

type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger logger.Logger

	mu     sync.Mutex
	link   *link
	userID int64

	frames chan protocol.Frame
	states chan bool
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New prepares a client for the websocket endpoint at pushURL. token is the
// bearer token the server authenticates the upgrade with.
func New(pushURL, token string, opts ...Option) *Client {
	c := &Client{
		url:    pushURL,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: logger.Nop(),
		frames: make(chan protocol.Frame, frameBuffer),
		states: make(chan bool, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens the transport and immediately sends {type: auth, userId}.
// It does not wait for the server to accept the handshake. An existing
// connection is closed first.
func (c *Client) Connect(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil {
		c.closeLocked()
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}

	auth, err := json.Marshal(protocol.Frame{Type: protocol.FrameAuth, UserID: userID})
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		conn.Close()
		return err
	}

	l := &link{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.link = l
	c.userID = userID
	go c.writePump(l)
	go c.readPump(l)
	c.publish(true)
	c.logger.Info("push channel connected", "user_id", userID)
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Send queues a chat frame. It reports false, and drops the frame, when the
// channel is not open or the outbound queue is full.
func (c *Client) Send(eventID int64, content, messageType string, metadata json.RawMessage) bool {
	frame := protocol.Frame{
		Type:        protocol.FrameChat,
		EventID:     eventID,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("dropping unencodable chat frame", "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return false
	}
	select {
	case c.link.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Frames delivers inbound new_message, message_sent and error frames for the
// lifetime of the client, across reconnects.
func (c *Client) Frames() <-chan protocol.Frame { return c.frames }

// StateChanges carries the latest connection state: true after Connect,
// false once the transport is lost.
func (c *Client) StateChanges() <-chan bool { return c.states }

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	l := c.link
	c.link = nil
	l.shut()
	err := l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	l.conn.Close()
	c.publish(false)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// drop marks l dead after a pump failed. Only the first failure is reported.
func (c *Client) drop(l *link, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !l.shut() {
		return
	}
	l.conn.Close()
	if c.link == l {
		c.link = nil
		c.publish(false)
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warn("push channel lost", "error", err)
	} else {
		c.logger.Info("push channel closed", "error", err)
	}
}

// publish replaces any unread state with s. Callers hold c.mu.
func (c *Client) publish(s bool) {
	select {
	case <-c.states:
	default:
	}
	c.states <- s
}

func (c *Client) readPump(l *link) {
	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	l.conn.SetPingHandler(func(data string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := l.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			c.drop(l, err)
			return
		}
		// The server batches queued frames into one message, one per line.
		for _, line := range bytes.Split(message, newline) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var f protocol.Frame
			if err := json.Unmarshal(line, &f); err != nil {
				c.logger.Warn("ignoring malformed push frame", "error", err)
				continue
			}
			switch f.Type {
			case protocol.FrameNewMessage, protocol.FrameMessageSent, protocol.FrameError:
			default:
				continue
			}
			select {
			case c.frames <- f:
			case <-l.done:
				return
			}
		}
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.drop(l, err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drop(l, err)
				return
			}
		case <-l.done:
			return
		}
	}
}
