// Package protocol holds the JSON shapes shared by the chat server, the REST
// client and the push channel client.
package protocol

import (
	"encoding/json"
	"time"
)

// Push channel frame types.
const (
	FrameAuth        = "auth"
	FrameChat        = "chat"
	FrameNewMessage  = "new_message"
	FrameMessageSent = "message_sent"
	FrameError       = "error"
)

const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeSystem = "system"
)

type Participant struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type EventSummary struct {
	ID       int64     `json:"id"`
	HostID   int64     `json:"hostId"`
	Title    string    `json:"title"`
	Category string    `json:"category"`
	StartsAt time.Time `json:"startsAt,omitzero"`
}

type Message struct {
	ID          int64           `json:"id"`
	EventID     int64           `json:"eventId"`
	SenderID    int64           `json:"senderId"`
	ReceiverID  int64           `json:"receiverId,omitempty"`
	Content     string          `json:"content"`
	MessageType string          `json:"messageType"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ReadBy      []int64         `json:"readBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	Sender      *Participant    `json:"sender,omitempty"`
}

// Counterparty returns the other side of the message from viewer's perspective.
func (m *Message) Counterparty(viewer int64) int64 {
	if m.SenderID == viewer {
		return m.ReceiverID
	}
	return m.SenderID
}

type ConversationSummary struct {
	EventID          int64        `json:"eventId"`
	Event            EventSummary `json:"event"`
	LastMessage      *Message     `json:"lastMessage"`
	UnreadCount      int          `json:"unreadCount"`
	OtherParticipant Participant  `json:"otherParticipant"`
}

type SendRequest struct {
	Content     string          `json:"content"`
	ReceiverID  int64           `json:"receiverId,omitempty"`
	MessageType string          `json:"messageType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Frame is every message carried over the push channel. Only the fields of
// the given Type are populated.
type Frame struct {
	Type        string          `json:"type"`
	UserID      int64           `json:"userId,omitempty"`
	EventID     int64           `json:"eventId,omitempty"`
	ReceiverID  int64           `json:"receiverId,omitempty"`
	Content     string          `json:"content,omitempty"`
	MessageType string          `json:"messageType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Message     *Message        `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Notify reports whether the frame should raise a user-facing notification.
// Echoes of the user's own sends never do.
func (f Frame) Notify() bool {
	return f.Type == FrameNewMessage
}

// Delivery routes a payload to every live connection of one user.
type Delivery struct {
	UserID  int64           `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}
