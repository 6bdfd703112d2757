package chat

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/event"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

const maxContentLength = 2000

// Store is the persistence the chat service needs.
type Store interface {
	SaveMessage(ctx context.Context, m *protocol.Message) error
	GetParticipant(ctx context.Context, userID int64) (*protocol.Participant, error)
	ListMessages(ctx context.Context, eventID, userID, counterpartyID int64) ([]*protocol.Message, error)
	ListConversations(ctx context.Context, userID int64) ([]*protocol.ConversationSummary, error)
	MarkRead(ctx context.Context, eventID, userID, counterpartyID int64) (int64, error)
	DeleteChatroom(ctx context.Context, eventID, userID, counterpartyID int64) (int64, error)
}

// Events resolves the event a conversation is scoped to.
type Events interface {
	Get(ctx context.Context, id int64) (*event.Event, error)
	IsMember(ctx context.Context, eventID, userID int64) (bool, error)
}

// Publisher pushes a frame to every live connection of a user.
type Publisher interface {
	Deliver(ctx context.Context, userID int64, frame protocol.Frame) error
}

type Service struct {
	repo   Store
	events Events
	push   Publisher
	logger logger.Logger
}

func NewService(repo Store, events Events, push Publisher, log logger.Logger) *Service {
	return &Service{repo: repo, events: events, push: push, logger: log}
}

// Send validates, persists and fans out one message. The receiver gets a
// new_message frame and the sender's own sessions get message_sent.
func (s *Service) Send(ctx context.Context, senderID, eventID int64, req *protocol.SendRequest) (*protocol.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperror.InvalidArg("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return nil, apperror.InvalidArg("message content is too long")
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = protocol.MessageTypeText
	}
	switch messageType {
	case protocol.MessageTypeText, protocol.MessageTypeImage, protocol.MessageTypeSystem:
	default:
		return nil, apperror.InvalidArg("unsupported message type")
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, apperror.InvalidArg("metadata must be valid JSON")
	}

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	receiverID, err := s.resolveReceiver(ctx, ev, senderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}

	msg := &protocol.Message{
		EventID:     eventID,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: messageType,
		Metadata:    req.Metadata,
		ReadBy:      []int64{},
	}
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		s.logger.Error("failed to save message", "event_id", eventID, "sender_id", senderID, "err", err)
		return nil, apperror.Internal("failed to save message", err)
	}

	if sender, err := s.repo.GetParticipant(ctx, senderID); err == nil {
		msg.Sender = sender
	} else {
		s.logger.Warn("sender lookup failed", "sender_id", senderID, "err", err)
	}

	// Delivery is best effort: the message is stored and clients reconcile
	// through the REST fetch if a push is lost.
	if err := s.push.Deliver(ctx, receiverID, protocol.Frame{Type: protocol.FrameNewMessage, Message: msg}); err != nil {
		s.logger.Warn("push to receiver failed", "receiver_id", receiverID, "err", err)
	}
	if err := s.push.Deliver(ctx, senderID, protocol.Frame{Type: protocol.FrameMessageSent, Message: msg}); err != nil {
		s.logger.Warn("push echo failed", "sender_id", senderID, "err", err)
	}
	return msg, nil
}

// resolveReceiver applies the single recipient rule: an explicit receiver
// wins; otherwise a non-host writes to the host; a host must name a receiver.
func (s *Service) resolveReceiver(ctx context.Context, ev *event.Event, senderID, requested int64) (int64, error) {
	if requested == 0 {
		if senderID == ev.HostID {
			return 0, apperror.InvalidArg("receiverId is required when the host sends a message")
		}
		return ev.HostID, nil
	}
	if requested == senderID {
		return 0, apperror.InvalidArg("cannot send a message to yourself")
	}
	if requested == ev.HostID {
		return requested, nil
	}

	// Only the host may open a conversation with a participant.
	if senderID != ev.HostID {
		return 0, apperror.Forbidden("only the host can message participants")
	}
	ok, err := s.events.IsMember(ctx, ev.ID, requested)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apperror.InvalidArg("receiver is not part of this event")
	}
	return requested, nil
}

func (s *Service) Messages(ctx context.Context, userID, eventID, counterpartyID int64) ([]*protocol.Message, error) {
	msgs, err := s.repo.ListMessages(ctx, eventID, userID, counterpartyID)
	if err != nil {
		return nil, apperror.Internal("failed to load messages", err)
	}
	if msgs == nil {
		msgs = []*protocol.Message{}
	}
	return msgs, nil
}

func (s *Service) Conversations(ctx context.Context, userID int64) ([]*protocol.ConversationSummary, error) {
	convs, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, apperror.Internal("failed to load conversations", err)
	}
	if convs == nil {
		convs = []*protocol.ConversationSummary{}
	}
	return convs, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, eventID, counterpartyID int64) error {
	n, err := s.repo.MarkRead(ctx, eventID, userID, counterpartyID)
	if err != nil {
		return apperror.Internal("failed to mark messages read", err)
	}
	s.logger.Debug("marked messages read", "event_id", eventID, "user_id", userID, "count", n)
	return nil
}

func (s *Service) DeleteChatroom(ctx context.Context, userID, eventID, counterpartyID int64) error {
	if _, err := s.events.Get(ctx, eventID); err != nil {
		return err
	}
	n, err := s.repo.DeleteChatroom(ctx, eventID, userID, counterpartyID)
	if err != nil {
		return apperror.Internal("failed to delete chatroom", err)
	}
	s.logger.Info("chatroom deleted", "event_id", eventID, "user_id", userID, "messages", n)
	return nil
}
