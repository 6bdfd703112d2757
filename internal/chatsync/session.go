package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/config"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

// API is the REST surface the session reads and writes through.
type API interface {
	ListConversations(ctx context.Context) ([]*protocol.ConversationSummary, error)
	ListMessages(ctx context.Context, eventID, counterpartyID int64) ([]*protocol.Message, error)
	SendMessage(ctx context.Context, eventID int64, req protocol.SendRequest) (*protocol.Message, error)
	MarkRead(ctx context.Context, eventID, counterpartyID int64) error
}

// Push is the receiving side of the push channel.
type Push interface {
	Frames() <-chan protocol.Frame
	// StateChanges carries true on connect and false on disconnect.
	StateChanges() <-chan bool
	IsConnected() bool
}

type NoticeKind int

const (
	NoticeUnauthorized NoticeKind = iota + 1
	NoticeFetchFailed
	NoticeSendFailed
	NoticeDisconnected
	NoticeConnected
	NoticeNewMessage
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeUnauthorized:
		return "unauthorized"
	case NoticeFetchFailed:
		return "fetch_failed"
	case NoticeSendFailed:
		return "send_failed"
	case NoticeDisconnected:
		return "disconnected"
	case NoticeConnected:
		return "connected"
	case NoticeNewMessage:
		return "new_message"
	default:
		return "unknown"
	}
}

// Notice is something the user should be told about. Network errors end up
// here instead of being returned to a caller that cannot act on them.
type Notice struct {
	Kind         NoticeKind
	Conversation ConversationKey
	Message      *Message
	Err          error
}

type Options struct {
	ReadDelay       time.Duration
	PendingTimeout  time.Duration
	RefreshInterval time.Duration
	// Location is the viewer's timezone for date grouping.
	Location *time.Location
}

func OptionsFrom(cfg config.ChatConfig) Options {
	return Options{
		ReadDelay:       cfg.ReadDelay,
		PendingTimeout:  cfg.PendingTimeout,
		RefreshInterval: cfg.RefreshInterval,
	}
}

const noticeBuffer = 64

// Session is one signed-in user's chat state. The user identity, push handle
// and REST API are passed in; nothing is read from globals.
type Session struct {
	me     protocol.Participant
	push   Push
	api    API
	clock  clockwork.Clock
	logger logger.Logger
	opts   Options

	store   *Store
	convs   *Conversations
	tracker *ReadTracker
	notices chan Notice
	newID   func() MessageID

	mu      sync.Mutex
	visible bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(opts Options, me protocol.Participant, push Push, api API, clock clockwork.Clock, log logger.Logger) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		me:      me,
		push:    push,
		api:     api,
		clock:   clock,
		logger:  log.With("user_id", me.ID),
		opts:    opts,
		store:   NewStore(clock, opts.PendingTimeout),
		convs:   NewConversations(),
		notices: make(chan Notice, noticeBuffer),
		newID:   NewPendingID,
		visible: true,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.tracker = NewReadTracker(clock, opts.ReadDelay, ReceiptsFunc(s.markRead), s.logger)
	return s
}

// ReceiptsFunc adapts a function to Receipts.
type ReceiptsFunc func(ctx context.Context, key ConversationKey) error

func (f ReceiptsFunc) MarkRead(ctx context.Context, key ConversationKey) error {
	return f(ctx, key)
}

// Run consumes the push channel and the periodic refresh until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	var frames <-chan protocol.Frame
	var states <-chan bool
	if s.push != nil {
		frames = s.push.Frames()
		states = s.push.StateChanges()
	}
	ticker := s.clock.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	s.RefreshConversations(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.handleFrame(ctx, f)

		case up := <-states:
			if !up {
				s.logger.Warn("push channel disconnected")
				s.notify(Notice{Kind: NoticeDisconnected})
				continue
			}
			s.notify(Notice{Kind: NoticeConnected})
			// Anything pushed while we were away is only visible to a fetch.
			s.RefreshConversations(ctx)
			if !s.store.Key().IsZero() {
				s.LoadMessages(ctx)
			}

		case <-ticker.Chan():
			s.RefreshConversations(ctx)
		}
	}
}

// Close stops timers and abandons in-flight background fetches.
func (s *Session) Close() {
	s.tracker.Stop()
	s.cancel()
}

func (s *Session) handleFrame(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.FrameNewMessage, protocol.FrameMessageSent:
	case protocol.FrameError:
		s.logger.Warn("push channel error", "error", f.Error)
		return
	default:
		s.logger.Debug("ignoring push frame", "type", f.Type)
		return
	}
	if f.Message == nil {
		return
	}

	m := FromProtocol(f.Message, s.me.ID)
	if s.store.Confirm(m) && f.Type == protocol.FrameNewMessage {
		s.tracker.NewMessages(m.Conversation)
	}
	if f.Notify() {
		s.notify(Notice{Kind: NoticeNewMessage, Conversation: m.Conversation, Message: m})
	}
	s.RefreshConversations(ctx)
}

// RefreshConversations refetches the conversation list. On failure the
// cached list is kept.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		s.fail(NoticeFetchFailed, ConversationKey{}, "fetch conversations", err)
		return err
	}
	s.convs.Replace(list)
	return nil
}

// Open switches to key. Optimistic messages of the previous conversation
// are discarded.
func (s *Session) Open(ctx context.Context, key ConversationKey) error {
	if key.IsZero() {
		return apperror.InvalidArg("conversation is required")
	}
	if s.convs.Select(key) || s.store.Key() != key {
		s.store.Reset(key)
	}
	s.observe()
	return s.LoadMessages(ctx)
}

// LoadMessages refetches the open conversation. A response that lands after
// the user switched elsewhere is dropped.
func (s *Session) LoadMessages(ctx context.Context) error {
	key := s.store.Key()
	if key.IsZero() {
		return nil
	}
	mark := s.store.Mark()
	records, err := s.api.ListMessages(ctx, key.EventID, key.CounterpartyID)
	if err != nil {
		s.fail(NoticeFetchFailed, key, "fetch messages", err)
		return err
	}
	msgs := make([]*Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, FromProtocol(r, s.me.ID))
	}
	if !s.store.ReconcileAt(key, mark, msgs) {
		s.logger.Debug("dropping stale message fetch", "conversation", key.String())
		return nil
	}
	s.observe()
	return nil
}

// SendMessage shows content immediately as pending and posts it. On
// rejection the pending entry is withdrawn and a notice raised; it is not
// retried.
func (s *Session) SendMessage(ctx context.Context, content string) (*Message, error) {
	key := s.store.Key()
	if key.IsZero() {
		return nil, apperror.InvalidArg("no conversation is open")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperror.InvalidArg("message is empty")
	}

	me := s.me
	pending := &Message{
		ID:           s.newID(),
		Conversation: key,
		SenderID:     me.ID,
		ReceiverID:   key.CounterpartyID,
		Content:      content,
		MessageType:  protocol.MessageTypeText,
		Sender:       &me,
	}
	s.store.AppendOptimistic(pending)
	s.clock.AfterFunc(s.store.PendingTimeout(), s.expirePending)

	created, err := s.api.SendMessage(ctx, key.EventID, protocol.SendRequest{
		Content:     content,
		ReceiverID:  key.CounterpartyID,
		MessageType: protocol.MessageTypeText,
	})
	if err != nil {
		s.store.Remove(pending.ID)
		s.fail(NoticeSendFailed, key, "send message", err)
		return nil, err
	}

	confirmed := FromProtocol(created, me.ID)
	s.store.Confirm(confirmed)
	return confirmed, nil
}

func (s *Session) expirePending() {
	if n := s.store.ExpirePending(); n > 0 {
		s.logger.Debug("pending messages expired", "count", n)
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		s.LoadMessages(ctx)
	}
}

func (s *Session) markRead(ctx context.Context, key ConversationKey) error {
	if err := s.api.MarkRead(ctx, key.EventID, key.CounterpartyID); err != nil {
		if apperror.CodeOf(err) == apperror.CodeUnauthenticated {
			s.notify(Notice{Kind: NoticeUnauthorized, Conversation: key, Err: err})
		}
		return err
	}
	if s.store.Key() == key {
		s.store.MarkReadBy(s.me.ID)
	}
	s.convs.MarkLocallyRead(key)
	s.RefreshConversations(ctx)
	return nil
}

// SetVisible records whether the chat surface is on screen. Read receipts
// are only sent while it is.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	s.observe()
}

func (s *Session) observe() {
	s.mu.Lock()
	visible := s.visible
	s.mu.Unlock()
	s.tracker.Observe(s.store.Key(), s.store.UnreadFor(s.me.ID), visible)
}

func (s *Session) fail(kind NoticeKind, key ConversationKey, op string, err error) {
	if apperror.CodeOf(err) == apperror.CodeUnauthenticated {
		kind = NoticeUnauthorized
	}
	s.logger.Warn(op+" failed", "conversation", key.String(), "error", err)
	s.notify(Notice{Kind: kind, Conversation: key, Err: err})
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.logger.Warn("notice dropped", "kind", n.Kind.String())
	}
}

func (s *Session) Notices() <-chan Notice { return s.notices }

func (s *Session) Me() protocol.Participant { return s.me }

func (s *Session) Active() ConversationKey { return s.store.Key() }

func (s *Session) Connected() bool { return s.push != nil && s.push.IsConnected() }

func (s *Session) Conversations(query string) []*protocol.ConversationSummary {
	return s.convs.Filter(query)
}

func (s *Session) TotalUnread() int { return s.convs.TotalUnread() }

func (s *Session) Messages() []*Message { return s.store.Merge() }

func (s *Session) Groups() []DateGroup {
	return s.store.Groups(s.clock.Now(), s.opts.Location)
}

func (s *Session) ReadState() ReadState { return s.tracker.State() }
