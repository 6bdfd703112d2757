package chatsync

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pickup-sports/matchchat/internal/protocol"
)

// KeyOf returns the conversation a summary describes.
func KeyOf(c *protocol.ConversationSummary) ConversationKey {
	return ConversationKey{EventID: c.EventID, CounterpartyID: c.OtherParticipant.ID}
}

// Conversations is the signed-in user's conversation list, newest activity
// first, plus which one is open.
type Conversations struct {
	mu     sync.RWMutex
	list   []*protocol.ConversationSummary
	active ConversationKey
}

func NewConversations() *Conversations {
	return &Conversations{}
}

// Replace installs a freshly fetched list. Input order is irrelevant.
func (c *Conversations) Replace(summaries []*protocol.ConversationSummary) {
	list := make([]*protocol.ConversationSummary, 0, len(summaries))
	for _, s := range summaries {
		if s == nil {
			continue
		}
		cp := *s
		list = append(list, &cp)
	}
	slices.SortStableFunc(list, compareSummaries)

	c.mu.Lock()
	c.list = list
	c.mu.Unlock()
}

func compareSummaries(a, b *protocol.ConversationSummary) int {
	at, bt := lastActivity(a), lastActivity(b)
	if c := bt.Compare(at); c != 0 {
		return c
	}
	if c := cmp.Compare(a.EventID, b.EventID); c != 0 {
		return c
	}
	return cmp.Compare(a.OtherParticipant.ID, b.OtherParticipant.ID)
}

func lastActivity(s *protocol.ConversationSummary) time.Time {
	if s.LastMessage == nil {
		return time.Time{}
	}
	return s.LastMessage.CreatedAt
}

// Filter returns the conversations whose event title, event category or
// counterparty display name or email contain query, ignoring case.
func (c *Conversations) Filter(query string) []*protocol.ConversationSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]*protocol.ConversationSummary, 0, len(c.list))
	for _, s := range c.list {
		if q == "" || matches(s, q) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func matches(s *protocol.ConversationSummary, q string) bool {
	for _, field := range []string{
		s.Event.Title,
		s.Event.Category,
		s.OtherParticipant.DisplayName,
		s.OtherParticipant.Email,
	} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func (c *Conversations) Get(key ConversationKey) (*protocol.ConversationSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.list {
		if KeyOf(s) == key {
			cp := *s
			return &cp, true
		}
	}
	return nil, false
}

// Select makes key the active conversation and reports whether it changed.
func (c *Conversations) Select(key ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == key {
		return false
	}
	c.active = key
	return true
}

func (c *Conversations) Active() ConversationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// TotalUnread is the navigation badge: the sum of every conversation's
// server-reported unread count.
func (c *Conversations) TotalUnread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, s := range c.list {
		total += s.UnreadCount
	}
	return total
}

// MarkLocallyRead zeroes one conversation's badge ahead of the next fetch.
func (c *Conversations) MarkLocallyRead(key ConversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.list {
		if KeyOf(s) == key {
			s.UnreadCount = 0
		}
	}
}

func (c *Conversations) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.list)
}
