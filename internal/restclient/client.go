// Package restclient is a typed client for the chat REST API.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/event"
	"github.com/pickup-sports/matchchat/internal/protocol"
	"github.com/pickup-sports/matchchat/internal/user"
)

// Sentinels matched by errors.Is against an *APIError of the same status.
var (
	ErrUnauthorized = apperror.Unauthorized("unauthorized")
	ErrForbidden    = apperror.Forbidden("forbidden")
	ErrNotFound     = apperror.NotFound("not found")
	ErrRateLimited  = apperror.RateLimited("rate limited")
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Register(ctx context.Context, req user.RegisterRequest) (*user.User, error) {
	var u user.User
	if err := c.do(ctx, http.MethodPost, "/register", nil, req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Login authenticates and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*user.LoginResponse, error) {
	var res user.LoginResponse
	req := user.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/login", nil, req, &res); err != nil {
		return nil, err
	}
	c.SetToken(res.AccessToken)
	return &res, nil
}

func (c *Client) Me(ctx context.Context) (*user.User, error) {
	var u user.User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]*protocol.ConversationSummary, error) {
	var out []*protocol.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches an event's messages, narrowed to one counterparty
// when counterpartyID is non-zero.
func (c *Client) ListMessages(ctx context.Context, eventID, counterpartyID int64) ([]*protocol.Message, error) {
	var out []*protocol.Message
	if err := c.do(ctx, http.MethodGet, eventPath(eventID, "/messages"), with(counterpartyID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, eventID int64, req protocol.SendRequest) (*protocol.Message, error) {
	var m protocol.Message
	if err := c.do(ctx, http.MethodPost, eventPath(eventID, "/messages"), nil, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MarkRead(ctx context.Context, eventID, counterpartyID int64) error {
	return c.do(ctx, http.MethodPost, eventPath(eventID, "/messages/read"), with(counterpartyID), nil, nil)
}

func (c *Client) DeleteChatroom(ctx context.Context, eventID, counterpartyID int64) error {
	return c.do(ctx, http.MethodDelete, eventPath(eventID, "/chatroom"), with(counterpartyID), nil, nil)
}

func eventPath(eventID int64, suffix string) string {
	return "/api/events/" + strconv.FormatInt(eventID, 10) + suffix
}

func with(counterpartyID int64) url.Values {
	if counterpartyID == 0 {
		return nil
	}
	return url.Values{"with": {strconv.FormatInt(counterpartyID, 10)}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func (c *Client) CreateEvent(ctx context.Context, req event.CreateRequest) (*event.Event, error) {
	var e event.Event
	if err := c.do(ctx, http.MethodPost, "/api/events", nil, req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) JoinEvent(ctx context.Context, eventID int64) error {
	return c.do(ctx, http.MethodPost, eventPath(eventID, "/join"), nil, nil, nil)
}
