// Package chatsync keeps one user's view of their event chats consistent
// while messages arrive from three places: REST fetches, the push channel
// and the user's own optimistic sends.
package chatsync

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pickup-sports/matchchat/internal/protocol"
)

// MessageID is either a server-assigned id or a locally generated pending
// token. The two never compare equal.
type MessageID struct {
	confirmed int64
	token     string
}

func Confirmed(id int64) MessageID { return MessageID{confirmed: id} }

func Pending(token string) MessageID { return MessageID{token: token} }

// NewPendingID returns a pending id that cannot collide with another session's.
func NewPendingID() MessageID { return Pending("temp-" + uuid.NewString()) }

func (id MessageID) IsPending() bool { return id.token != "" }

// Int returns the server id; ok is false for pending ids.
func (id MessageID) Int() (int64, bool) {
	if id.IsPending() {
		return 0, false
	}
	return id.confirmed, true
}

func (id MessageID) Token() string { return id.token }

func (id MessageID) String() string {
	if id.IsPending() {
		return id.token
	}
	return strconv.FormatInt(id.confirmed, 10)
}

// ConversationKey identifies the thread between the viewer and one
// counterparty about one event.
type ConversationKey struct {
	EventID        int64
	CounterpartyID int64
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("event:%d/with:%d", k.EventID, k.CounterpartyID)
}

func (k ConversationKey) IsZero() bool { return k == ConversationKey{} }

type Message struct {
	ID           MessageID
	Conversation ConversationKey
	SenderID     int64
	ReceiverID   int64
	Content      string
	MessageType  string
	CreatedAt    time.Time
	ReadBy       map[int64]struct{}
	Sender       *protocol.Participant

	seq uint64
}

func (m *Message) Pending() bool { return m.ID.IsPending() }

func (m *Message) ReadByUser(userID int64) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// ReadByIDs returns the read-by set in ascending order.
func (m *Message) ReadByIDs() []int64 {
	ids := make([]int64, 0, len(m.ReadBy))
	for id := range m.ReadBy {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Message) clone() *Message {
	cp := *m
	cp.ReadBy = make(map[int64]struct{}, len(m.ReadBy))
	for id := range m.ReadBy {
		cp.ReadBy[id] = struct{}{}
	}
	return &cp
}

// FromProtocol converts a confirmed server record as seen by viewer.
func FromProtocol(p *protocol.Message, viewer int64) *Message {
	m := &Message{
		ID:           Confirmed(p.ID),
		Conversation: ConversationKey{EventID: p.EventID, CounterpartyID: p.Counterparty(viewer)},
		SenderID:     p.SenderID,
		ReceiverID:   p.ReceiverID,
		Content:      p.Content,
		MessageType:  p.MessageType,
		CreatedAt:    p.CreatedAt,
		ReadBy:       make(map[int64]struct{}, len(p.ReadBy)),
		Sender:       p.Sender,
	}
	for _, id := range p.ReadBy {
		m.ReadBy[id] = struct{}{}
	}
	return m
}
