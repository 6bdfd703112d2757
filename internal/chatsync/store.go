package chatsync

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPendingTimeout bounds how long a message may show as "Sending…".
const DefaultPendingTimeout = 1500 * time.Millisecond

// Store merges the open conversation's confirmed messages with the user's
// optimistic sends. It performs no I/O.
//
// Reconcile and Confirm commute: applying a pushed message before or after a
// fetch that raced with it yields the same merged view. A pending entry is
// dropped only when a confirmed match is seen for the first time, and a
// pushed message missing from a fetch survives only if it arrived after the
// fetch was issued (see Mark).
type Store struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	timeout   time.Duration
	key       ConversationKey
	confirmed map[int64]*Message
	pushed    map[int64]uint64 // id -> mark at which it was confirmed
	pending   []*Message
	queuedAt  map[string]time.Time
	retired   map[string]struct{}
	seq       uint64
	mark      uint64
}

func NewStore(clock clockwork.Clock, pendingTimeout time.Duration) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	s := &Store{clock: clock, timeout: pendingTimeout}
	s.resetLocked(ConversationKey{})
	return s
}

// Reset switches the store to key and discards everything it held, pending
// entries included, so optimistic state never leaks across conversations.
func (s *Store) Reset(key ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(key)
}

func (s *Store) resetLocked(key ConversationKey) {
	s.key = key
	s.confirmed = make(map[int64]*Message)
	s.pushed = make(map[int64]uint64)
	s.pending = nil
	s.queuedAt = make(map[string]time.Time)
	s.retired = make(map[string]struct{})
}

func (s *Store) Key() ConversationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Store) PendingTimeout() time.Duration { return s.timeout }

// Mark returns a position in the stream of confirmations. Take it before
// issuing a fetch and hand it to ReconcileAt with the response.
func (s *Store) Mark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark
}

// AppendOptimistic adds a pending message at the logical end of the list.
// It returns false if the message is not pending, belongs to another
// conversation, or its token was already used in this conversation.
func (s *Store) AppendOptimistic(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !m.Pending() || m.Conversation != s.key {
		return false
	}
	if _, ok := s.queuedAt[m.ID.Token()]; ok {
		return false
	}
	if _, ok := s.retired[m.ID.Token()]; ok {
		return false
	}

	now := s.clock.Now()
	msg := m.clone()
	// Never sort ahead of a confirmed message that already exists, even if
	// the local clock trails the server's.
	if msg.CreatedAt.IsZero() || msg.CreatedAt.Before(now) {
		msg.CreatedAt = now
	}
	for _, c := range s.confirmed {
		if msg.CreatedAt.Before(c.CreatedAt) {
			msg.CreatedAt = c.CreatedAt
		}
	}
	s.seq++
	msg.seq = s.seq
	s.pending = append(s.pending, msg)
	s.queuedAt[msg.ID.Token()] = now
	return true
}

// Remove drops a pending entry, e.g. after its send was rejected.
func (s *Store) Remove(id MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !id.IsPending() {
		return false
	}
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = slices.Delete(s.pending, i, i+1)
			s.retireLocked(id.Token())
			return true
		}
	}
	return false
}

// Reconcile installs a server snapshot fetched just now. A snapshot for a
// conversation other than the open one is ignored and false returned.
func (s *Store) Reconcile(key ConversationKey, serverMessages []*Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(key, s.mark, serverMessages)
}

// ReconcileAt installs a server snapshot whose fetch was issued at mark.
// Confirmations applied after mark that the snapshot lacks are kept, since
// the fetch may have raced them. Anything older it lacks was deleted.
func (s *Store) ReconcileAt(key ConversationKey, mark uint64, serverMessages []*Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(key, mark, serverMessages)
}

func (s *Store) reconcileLocked(key ConversationKey, mark uint64, serverMessages []*Message) bool {
	if key != s.key {
		return false
	}

	next := make(map[int64]*Message, len(serverMessages))
	for _, m := range serverMessages {
		id, ok := m.ID.Int()
		if !ok || m.Conversation != s.key {
			continue
		}
		next[id] = s.absorbLocked(id, m)
	}

	for id, at := range s.pushed {
		if _, seen := next[id]; seen || at <= mark {
			delete(s.pushed, id)
			continue
		}
		if m, ok := s.confirmed[id]; ok {
			next[id] = m
		}
	}

	s.confirmed = next
	return true
}

// Confirm applies one confirmed message delivered outside a snapshot: the
// REST send response or a push frame. It returns false if the message
// belongs to another conversation.
func (s *Store) Confirm(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := m.ID.Int()
	if !ok || m.Conversation != s.key {
		return false
	}
	if _, known := s.confirmed[id]; !known {
		s.mark++
		s.pushed[id] = s.mark
	}
	s.confirmed[id] = s.absorbLocked(id, m)
	return true
}

// absorbLocked merges m into the existing record for id, if any, and drops
// the pending entry it confirms when the id is new to the store.
func (s *Store) absorbLocked(id int64, m *Message) *Message {
	existing, known := s.confirmed[id]
	if known {
		// Only the read-by set may change after confirmation.
		for reader := range m.ReadBy {
			existing.ReadBy[reader] = struct{}{}
		}
		return existing
	}

	msg := m.clone()
	if i := s.matchPendingLocked(msg); i >= 0 {
		s.retireLocked(s.pending[i].ID.Token())
		s.pending = slices.Delete(s.pending, i, i+1)
	}
	return msg
}

// retireLocked forgets a pending token's queue time and refuses it from then
// on, so a repeated append cannot resurrect a message already confirmed.
func (s *Store) retireLocked(token string) {
	delete(s.queuedAt, token)
	s.retired[token] = struct{}{}
}

func (s *Store) matchPendingLocked(m *Message) int {
	for i, p := range s.pending {
		if p.Conversation == m.Conversation && p.SenderID == m.SenderID && p.Content == m.Content {
			return i
		}
	}
	return -1
}

// ExpirePending clears pending entries older than the timeout and returns
// how many were removed. Callers refetch afterwards to learn the truth.
func (s *Store) ExpirePending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	kept := s.pending[:0]
	removed := 0
	for _, p := range s.pending {
		if now.Sub(s.queuedAt[p.ID.Token()]) >= s.timeout {
			s.retireLocked(p.ID.Token())
			removed++
			continue
		}
		kept = append(kept, p)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	return removed
}

// Merge returns the conversation oldest first. At equal timestamps confirmed
// messages come first in id order, then pending ones in the order they were
// sent.
func (s *Store) Merge() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		out = append(out, m.clone())
	}
	for _, m := range s.pending {
		out = append(out, m.clone())
	}
	slices.SortStableFunc(out, compareMessages)
	return out
}

func compareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch ap, bp := a.Pending(), b.Pending(); {
	case ap && !bp:
		return 1
	case !ap && bp:
		return -1
	case ap && bp:
		return cmp.Compare(a.seq, b.seq)
	}
	ai, _ := a.ID.Int()
	bi, _ := b.ID.Int()
	return cmp.Compare(ai, bi)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.confirmed) + len(s.pending)
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// UnreadFor counts confirmed messages viewer neither wrote nor has read.
func (s *Store) UnreadFor(viewer int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.confirmed {
		if m.SenderID != viewer && !m.ReadByUser(viewer) {
			n++
		}
	}
	return n
}

// MarkReadBy adds viewer to the read-by set of every confirmed message it
// did not write and returns how many changed.
func (s *Store) MarkReadBy(viewer int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.confirmed {
		if m.SenderID == viewer || m.ReadByUser(viewer) {
			continue
		}
		m.ReadBy[viewer] = struct{}{}
		n++
	}
	return n
}

// Groups is Merge bucketed by local calendar day.
func (s *Store) Groups(now time.Time, loc *time.Location) []DateGroup {
	return GroupByDate(s.Merge(), now, loc)
}
