package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

// fakeAPI is an in-memory server for one viewer.
type fakeAPI struct {
	mu        sync.Mutex
	viewer    int64
	messages  []*protocol.Message
	convs     map[ConversationKey]*protocol.ConversationSummary
	nextID    int64
	sendErr   error
	fetchErr  error
	gates     map[int64]chan struct{}
	onSend    func()
	listCalls int
	markReads []ConversationKey
}

func newFakeAPI(viewer int64) *fakeAPI {
	return &fakeAPI{
		viewer: viewer,
		convs:  map[ConversationKey]*protocol.ConversationSummary{},
		gates:  map[int64]chan struct{}{},
		nextID: 100,
	}
}

func (f *fakeAPI) addConversation(key ConversationKey, title string, unread int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[key] = &protocol.ConversationSummary{
		EventID:          key.EventID,
		Event:            protocol.EventSummary{ID: key.EventID, Title: title},
		OtherParticipant: protocol.Participant{ID: key.CounterpartyID},
		UnreadCount:      unread,
	}
}

func (f *fakeAPI) addMessage(id int64, key ConversationKey, sender int64, content string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receiver := key.CounterpartyID
	if sender != f.viewer {
		receiver = f.viewer
	}
	f.messages = append(f.messages, &protocol.Message{
		ID: id, EventID: key.EventID, SenderID: sender, ReceiverID: receiver,
		Content: content, MessageType: protocol.MessageTypeText, CreatedAt: at, ReadBy: []int64{},
	})
}

func (f *fakeAPI) gate(eventID int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[eventID] = ch
	return ch
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]*protocol.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]*protocol.ConversationSummary, 0, len(f.convs))
	for _, c := range f.convs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, eventID, counterpartyID int64) ([]*protocol.Message, error) {
	f.mu.Lock()
	gate := f.gates[eventID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []*protocol.Message
	for _, m := range f.messages {
		if m.EventID == eventID && m.Counterparty(f.viewer) == counterpartyID {
			cp := *m
			cp.ReadBy = append([]int64(nil), m.ReadBy...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, eventID int64, req protocol.SendRequest) (*protocol.Message, error) {
	f.mu.Lock()
	onSend, gate := f.onSend, f.gates[eventID]
	f.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := &protocol.Message{
		ID: f.nextID, EventID: eventID, SenderID: f.viewer, ReceiverID: req.ReceiverID,
		Content: req.Content, MessageType: req.MessageType, CreatedAt: epoch, ReadBy: []int64{},
	}
	f.nextID++
	f.messages = append(f.messages, m)
	cp := *m
	return &cp, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, eventID, counterpartyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ConversationKey{EventID: eventID, CounterpartyID: counterpartyID}
	f.markReads = append(f.markReads, key)
	for _, m := range f.messages {
		if m.EventID == eventID && m.SenderID == counterpartyID && m.ReceiverID == f.viewer {
			m.ReadBy = append(m.ReadBy, f.viewer)
		}
	}
	if c, ok := f.convs[key]; ok {
		c.UnreadCount = 0
	}
	return nil
}

func (f *fakeAPI) MarkReads() []ConversationKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConversationKey(nil), f.markReads...)
}

func (f *fakeAPI) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakePush struct {
	frames    chan protocol.Frame
	states    chan bool
	connected atomic.Bool
}

func newFakePush(connected bool) *fakePush {
	p := &fakePush{frames: make(chan protocol.Frame, 8), states: make(chan bool, 1)}
	p.connected.Store(connected)
	return p
}

func (p *fakePush) Frames() <-chan protocol.Frame { return p.frames }
func (p *fakePush) StateChanges() <-chan bool     { return p.states }
func (p *fakePush) IsConnected() bool             { return p.connected.Load() }

func newTestSession(t *testing.T, push Push) (*Session, *fakeAPI, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	api := newFakeAPI(me)
	s := NewSession(Options{Location: time.UTC}, protocol.Participant{ID: me, DisplayName: "Me"}, push, api, clock, logger.Nop())
	t.Cleanup(s.Close)
	return s, api, clock
}

func drainNotice(t *testing.T, s *Session, kind NoticeKind) Notice {
	t.Helper()
	for {
		select {
		case n := <-s.Notices():
			if n.Kind == kind {
				return n
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s notice", kind)
			return Notice{}
		}
	}
}

func TestSession_OfflineSendReconcilesToServerID(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(false))
	s.newID = func() MessageID { return Pending("temp-1") }
	require.NoError(t, s.Open(context.Background(), conv))
	assert.False(t, s.Connected())

	var during []*Message
	api.onSend = func() { during = s.Messages() }

	api.nextID = 42
	sent, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, Confirmed(42), sent.ID)

	require.Len(t, during, 1)
	assert.Equal(t, Pending("temp-1"), during[0].ID)

	require.NoError(t, s.LoadMessages(context.Background()))
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Confirmed(42), msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSession_BadgeClearsAfterOneReceipt(t *testing.T) {
	s, api, clock := newTestSession(t, newFakePush(true))
	ctx := context.Background()

	api.addConversation(conv, "Sunday 5-a-side", 3)
	api.addConversation(ConversationKey{EventID: 11, CounterpartyID: 3}, "Tennis", 0)
	for i := int64(1); i <= 3; i++ {
		api.addMessage(i, conv, them, "are you in?", epoch.Add(time.Duration(i)*time.Minute))
	}

	require.NoError(t, s.RefreshConversations(ctx))
	assert.Equal(t, 3, s.TotalUnread())

	require.NoError(t, s.Open(ctx, conv))
	assert.Equal(t, ArmedForRead, s.ReadState())

	clock.Advance(DefaultReadDelay)
	require.Eventually(t, func() bool { return s.TotalUnread() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []ConversationKey{conv}, api.MarkReads())

	require.NoError(t, s.RefreshConversations(ctx))
	assert.Equal(t, 0, s.TotalUnread())
	assert.Zero(t, s.store.UnreadFor(me))

	clock.Advance(5 * DefaultReadDelay)
	assert.Never(t, func() bool { return len(api.MarkReads()) > 1 }, settle, 10*time.Millisecond)
}

func TestSession_HiddenSurfaceSendsNoReceipt(t *testing.T) {
	s, api, clock := newTestSession(t, newFakePush(true))
	api.addMessage(1, conv, them, "hi", epoch)

	s.SetVisible(false)
	require.NoError(t, s.Open(context.Background(), conv))
	clock.Advance(2 * DefaultReadDelay)
	assert.Never(t, func() bool { return len(api.MarkReads()) > 0 }, settle, 10*time.Millisecond)

	s.SetVisible(true)
	clock.Advance(DefaultReadDelay)
	require.Eventually(t, func() bool { return len(api.MarkReads()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_SendFailureWithdrawsPending(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(true))
	require.NoError(t, s.Open(context.Background(), conv))

	api.sendErr = apperror.Forbidden("you are not part of this event")
	_, err := s.SendMessage(context.Background(), "let me in")
	require.Error(t, err)

	assert.Empty(t, s.Messages())
	n := drainNotice(t, s, NoticeSendFailed)
	assert.Equal(t, conv, n.Conversation)
}

func TestSession_UnauthorizedRaisesLoginNotice(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(true))
	api.fetchErr = apperror.Unauthorized("token expired")

	require.Error(t, s.RefreshConversations(context.Background()))
	drainNotice(t, s, NoticeUnauthorized)
}

func TestSession_SendValidation(t *testing.T) {
	s, _, _ := newTestSession(t, newFakePush(true))

	_, err := s.SendMessage(context.Background(), "hello")
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))

	require.NoError(t, s.Open(context.Background(), conv))
	_, err = s.SendMessage(context.Background(), "   ")
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
}

func TestSession_FetchFailureKeepsCachedView(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(true))
	api.addMessage(1, conv, them, "kickoff at 6", epoch)
	require.NoError(t, s.Open(context.Background(), conv))
	require.Len(t, s.Messages(), 1)

	api.fetchErr = errors.New("connection reset")
	require.Error(t, s.LoadMessages(context.Background()))
	assert.Len(t, s.Messages(), 1)
	drainNotice(t, s, NoticeFetchFailed)
}

func TestSession_StaleFetchIgnored(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(true))
	other := ConversationKey{EventID: 11, CounterpartyID: 3}
	api.addMessage(1, conv, them, "slow answer", epoch)
	api.addMessage(2, other, 3, "fast answer", epoch)

	gate := api.gate(conv.EventID)
	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), conv) }()

	// Wait until the first Open has switched before moving on.
	require.Eventually(t, func() bool { return s.Active() == conv }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Open(context.Background(), other))
	close(gate)
	require.NoError(t, <-done)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "fast answer", msgs[0].Content)
	assert.Equal(t, other, s.Active())
}

func TestSession_SwitchingDropsOptimisticState(t *testing.T) {
	s, _, _ := newTestSession(t, newFakePush(true))
	other := ConversationKey{EventID: 11, CounterpartyID: 3}

	require.NoError(t, s.Open(context.Background(), conv))
	require.True(t, s.store.AppendOptimistic(pending("temp-1", "draft")))
	require.Len(t, s.Messages(), 1)

	require.NoError(t, s.Open(context.Background(), other))
	assert.Empty(t, s.Messages())

	require.NoError(t, s.Open(context.Background(), conv))
	assert.Empty(t, s.Messages())
}

func TestSession_PendingExpiresAndRefetches(t *testing.T) {
	s, api, clock := newTestSession(t, newFakePush(true))
	require.NoError(t, s.Open(context.Background(), conv))

	gate := api.gate(conv.EventID)
	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), "stuck")
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Equal(t, 1, s.store.PendingCount())

	clock.Advance(DefaultPendingTimeout)
	require.Eventually(t, func() bool { return s.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-done)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending())
}

func TestSession_RunAppliesPushFrames(t *testing.T) {
	push := newFakePush(true)
	s, api, _ := newTestSession(t, push)
	api.addConversation(conv, "Sunday 5-a-side", 0)
	require.NoError(t, s.Open(context.Background(), conv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	require.Eventually(t, func() bool { return api.ListCalls() >= 1 }, time.Second, 5*time.Millisecond)
	calls := api.ListCalls()

	incoming := &protocol.Message{
		ID: 9, EventID: conv.EventID, SenderID: them, ReceiverID: me,
		Content: "running late", CreatedAt: epoch, ReadBy: []int64{},
	}
	push.frames <- protocol.Frame{Type: protocol.FrameNewMessage, Message: incoming}

	n := drainNotice(t, s, NoticeNewMessage)
	assert.Equal(t, "running late", n.Message.Content)
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return api.ListCalls() > calls }, time.Second, 5*time.Millisecond)

	// A message for a conversation that is not open only refreshes the list.
	push.frames <- protocol.Frame{Type: protocol.FrameNewMessage, Message: &protocol.Message{
		ID: 10, EventID: 11, SenderID: 3, ReceiverID: me, Content: "other game", CreatedAt: epoch,
	}}
	drainNotice(t, s, NoticeNewMessage)
	assert.Len(t, s.Messages(), 1)

	push.connected.Store(false)
	push.states <- false
	drainNotice(t, s, NoticeDisconnected)
	assert.False(t, s.Connected())
}

func TestSession_GroupsByDay(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(true))
	api.addMessage(1, conv, them, "old", epoch.AddDate(0, 0, -3))
	api.addMessage(2, conv, them, "yesterday", epoch.AddDate(0, 0, -1))
	api.addMessage(3, conv, me, "today", epoch)
	require.NoError(t, s.Open(context.Background(), conv))

	groups := s.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, "October 13, 2026", groups[0].Label)
	assert.Equal(t, LabelYesterday, groups[1].Label)
	assert.Equal(t, LabelToday, groups[2].Label)
}

func TestSession_DeletedChatroomDisappearsOnRefetch(t *testing.T) {
	s, api, _ := newTestSession(t, newFakePush(true))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, conv))

	api.nextID = 100
	_, err := s.SendMessage(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, s.Messages(), 1)

	api.mu.Lock()
	api.messages = nil
	api.mu.Unlock()

	require.NoError(t, s.LoadMessages(ctx))
	assert.Empty(t, s.Messages())
}

func TestSession_ReadConversationSendsNoReceipt(t *testing.T) {
	s, api, clock := newTestSession(t, newFakePush(true))
	api.addMessage(1, conv, me, "see you at 6", epoch)
	api.addMessage(2, conv, them, "great", epoch.Add(time.Minute))
	api.mu.Lock()
	api.messages[1].ReadBy = []int64{me}
	api.mu.Unlock()

	require.NoError(t, s.Open(context.Background(), conv))
	assert.Equal(t, Idle, s.ReadState())

	clock.Advance(2 * DefaultReadDelay)
	assert.Never(t, func() bool { return len(api.MarkReads()) > 0 }, settle, 10*time.Millisecond)
}
