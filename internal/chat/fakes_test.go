package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/event"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

type memStore struct {
	mu       sync.Mutex
	messages []*protocol.Message
	reads    map[int64]map[int64]bool
	nextID   int64
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{reads: map[int64]map[int64]bool{}}
}

func (m *memStore) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = time.Now()
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *memStore) GetParticipant(ctx context.Context, userID int64) (*protocol.Participant, error) {
	return &protocol.Participant{ID: userID, Username: "user", DisplayName: "User"}, nil
}

func (m *memStore) ListMessages(ctx context.Context, eventID, userID, counterpartyID int64) ([]*protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*protocol.Message
	for _, msg := range m.messages {
		if msg.EventID != eventID || (msg.SenderID != userID && msg.ReceiverID != userID) {
			continue
		}
		if counterpartyID != 0 && msg.Counterparty(userID) != counterpartyID {
			continue
		}
		cp := *msg
		cp.ReadBy = []int64{}
		for reader := range m.reads[msg.ID] {
			cp.ReadBy = append(cp.ReadBy, reader)
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListConversations(ctx context.Context, userID int64) ([]*protocol.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ event, other int64 }
	byKey := map[key]*protocol.ConversationSummary{}
	var order []key
	for _, msg := range m.messages {
		if msg.SenderID != userID && msg.ReceiverID != userID {
			continue
		}
		k := key{msg.EventID, msg.Counterparty(userID)}
		c, ok := byKey[k]
		if !ok {
			c = &protocol.ConversationSummary{EventID: k.event, OtherParticipant: protocol.Participant{ID: k.other}}
			byKey[k] = c
			order = append(order, k)
		}
		cp := *msg
		c.LastMessage = &cp
		if msg.SenderID != userID && !m.reads[msg.ID][userID] {
			c.UnreadCount++
		}
	}
	out := make([]*protocol.ConversationSummary, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out, nil
}

func (m *memStore) MarkRead(ctx context.Context, eventID, userID, counterpartyID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.EventID != eventID || msg.ReceiverID != userID {
			continue
		}
		if counterpartyID != 0 && msg.SenderID != counterpartyID {
			continue
		}
		if m.reads[msg.ID] == nil {
			m.reads[msg.ID] = map[int64]bool{}
		}
		if !m.reads[msg.ID][userID] {
			m.reads[msg.ID][userID] = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteChatroom(ctx context.Context, eventID, userID, counterpartyID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*protocol.Message
	var n int64
	for _, msg := range m.messages {
		involved := msg.SenderID == userID || msg.ReceiverID == userID
		matches := counterpartyID == 0 || msg.Counterparty(userID) == counterpartyID
		if msg.EventID == eventID && involved && matches {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return n, nil
}

type fakeEvents struct {
	events  map[int64]*event.Event
	members map[int64]map[int64]bool
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: map[int64]*event.Event{}, members: map[int64]map[int64]bool{}}
}

func (f *fakeEvents) add(id, hostID int64, participants ...int64) {
	f.events[id] = &event.Event{ID: id, HostID: hostID, Title: "Pickup game", Category: "football"}
	f.members[id] = map[int64]bool{hostID: true}
	for _, p := range participants {
		f.members[id][p] = true
	}
}

func (f *fakeEvents) Get(ctx context.Context, id int64) (*event.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, apperror.NotFound("event not found")
	}
	return e, nil
}

func (f *fakeEvents) IsMember(ctx context.Context, eventID, userID int64) (bool, error) {
	return f.members[eventID][userID], nil
}

type delivered struct {
	userID int64
	frame  protocol.Frame
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []delivered
}

func (p *recordingPublisher) Deliver(ctx context.Context, userID int64, frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, delivered{userID: userID, frame: frame})
	return nil
}
