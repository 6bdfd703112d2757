package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pickup-sports/matchchat/internal/logger"
)

// DefaultReadDelay is how long a conversation must stay open before it is
// acknowledged as read.
const DefaultReadDelay = time.Second

type ReadState int

const (
	Idle ReadState = iota
	ArmedForRead
	Sent
)

func (s ReadState) String() string {
	switch s {
	case ArmedForRead:
		return "armed"
	case Sent:
		return "sent"
	default:
		return "idle"
	}
}

// Receipts sends the read acknowledgement for one conversation.
type Receipts interface {
	MarkRead(ctx context.Context, key ConversationKey) error
}

// ReadTracker emits one read receipt per visit to a conversation. A visit
// counts once the conversation has stayed active and visible for the delay;
// switching away earlier discards the pending receipt.
type ReadTracker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	delay    time.Duration
	receipts Receipts
	logger   logger.Logger

	state   ReadState
	active  ConversationKey
	visible bool
	count   int
	timer   clockwork.Timer
	gen     uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewReadTracker(clock clockwork.Clock, delay time.Duration, receipts Receipts, log logger.Logger) *ReadTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if delay <= 0 {
		delay = DefaultReadDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadTracker{
		clock:    clock,
		delay:    delay,
		receipts: receipts,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Observe reports what the chat surface currently shows: the active
// conversation, how many of its messages are unread and whether it is on
// screen.
func (t *ReadTracker) Observe(key ConversationKey, unread int, visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if key != t.active {
		t.disarmLocked()
		t.state = Idle
		t.active = key
	}
	t.count = unread
	t.visible = visible

	if !visible && t.state == ArmedForRead {
		t.disarmLocked()
		t.state = Idle
	}
	t.maybeArmLocked()
}

// NewMessages tells the tracker that key received messages that need a
// fresh acknowledgement.
func (t *ReadTracker) NewMessages(key ConversationKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key != t.active {
		return
	}
	if t.count == 0 {
		t.count = 1
	}
	if t.state == Sent {
		t.state = Idle
	}
	t.maybeArmLocked()
}

func (t *ReadTracker) State() ReadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop cancels any armed timer and any receipt in flight.
func (t *ReadTracker) Stop() {
	t.mu.Lock()
	t.disarmLocked()
	t.state = Idle
	t.mu.Unlock()
	t.cancel()
}

func (t *ReadTracker) maybeArmLocked() {
	if t.state != Idle || t.active.IsZero() || t.count < 1 || !t.visible {
		return
	}
	t.gen++
	gen := t.gen
	t.state = ArmedForRead
	t.timer = t.clock.AfterFunc(t.delay, func() { t.fire(gen) })
}

func (t *ReadTracker) disarmLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *ReadTracker) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != ArmedForRead {
		t.mu.Unlock()
		return
	}
	t.state = Sent
	t.timer = nil
	key := t.active
	t.mu.Unlock()

	if t.receipts == nil {
		return
	}
	if err := t.receipts.MarkRead(t.ctx, key); err != nil {
		t.logger.Warn("read receipt failed", "conversation", key.String(), "error", err)
		t.mu.Lock()
		if gen == t.gen && t.state == Sent {
			t.state = Idle
		}
		t.mu.Unlock()
	}
}
