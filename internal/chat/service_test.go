package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

const (
	hostID   int64 = 1
	playerID int64 = 2
	otherID  int64 = 3
	eventID  int64 = 10
)

func newTestService() (*Service, *memStore, *recordingPublisher) {
	store := newMemStore()
	events := newFakeEvents()
	events.add(eventID, hostID, playerID, otherID)
	pub := &recordingPublisher{}
	return NewService(store, events, pub, logger.Nop()), store, pub
}

func TestService_Send(t *testing.T) {
	tests := []struct {
		name         string
		sender       int64
		req          protocol.SendRequest
		wantReceiver int64
		wantCode     apperror.Code
	}{
		{
			name:         "player defaults to host",
			sender:       playerID,
			req:          protocol.SendRequest{Content: "is there parking?"},
			wantReceiver: hostID,
		},
		{
			name:         "host names a participant",
			sender:       hostID,
			req:          protocol.SendRequest{Content: "yes, lot B", ReceiverID: playerID},
			wantReceiver: playerID,
		},
		{
			name:     "host without receiver",
			sender:   hostID,
			req:      protocol.SendRequest{Content: "hello"},
			wantCode: apperror.CodeInvalidArgument,
		},
		{
			name:     "player to another player",
			sender:   playerID,
			req:      protocol.SendRequest{Content: "hi", ReceiverID: otherID},
			wantCode: apperror.CodePermissionDenied,
		},
		{
			name:     "host to a stranger",
			sender:   hostID,
			req:      protocol.SendRequest{Content: "hi", ReceiverID: 99},
			wantCode: apperror.CodeInvalidArgument,
		},
		{
			name:     "empty content",
			sender:   playerID,
			req:      protocol.SendRequest{Content: "   "},
			wantCode: apperror.CodeInvalidArgument,
		},
		{
			name:     "too long",
			sender:   playerID,
			req:      protocol.SendRequest{Content: strings.Repeat("a", maxContentLength+1)},
			wantCode: apperror.CodeInvalidArgument,
		},
		{
			name:     "unknown type",
			sender:   playerID,
			req:      protocol.SendRequest{Content: "x", MessageType: "video"},
			wantCode: apperror.CodeInvalidArgument,
		},
		{
			name:     "invalid metadata",
			sender:   playerID,
			req:      protocol.SendRequest{Content: "x", Metadata: json.RawMessage(`{broken`)},
			wantCode: apperror.CodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, pub := newTestService()
			msg, err := svc.Send(context.Background(), tt.sender, eventID, &tt.req)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, apperror.CodeOf(err))
				assert.Empty(t, pub.sent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReceiver, msg.ReceiverID)
			assert.Equal(t, protocol.MessageTypeText, msg.MessageType)
			assert.NotZero(t, msg.ID)

			require.Len(t, pub.sent, 2)
			assert.Equal(t, tt.wantReceiver, pub.sent[0].userID)
			assert.Equal(t, protocol.FrameNewMessage, pub.sent[0].frame.Type)
			assert.Equal(t, tt.sender, pub.sent[1].userID)
			assert.Equal(t, protocol.FrameMessageSent, pub.sent[1].frame.Type)
		})
	}
}

func TestService_SendUnknownEvent(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Send(context.Background(), playerID, 404, &protocol.SendRequest{Content: "hi"})
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
}

func TestService_SendStoreFailure(t *testing.T) {
	svc, store, pub := newTestService()
	store.saveErr = errors.New("connection reset")

	_, err := svc.Send(context.Background(), playerID, eventID, &protocol.SendRequest{Content: "hi"})
	assert.Equal(t, apperror.CodeInternal, apperror.CodeOf(err))
	assert.Empty(t, pub.sent)
}

func TestService_MarkReadZeroesUnread(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.Send(ctx, playerID, eventID, &protocol.SendRequest{Content: text})
		require.NoError(t, err)
	}

	convs, err := svc.Conversations(ctx, hostID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 3, convs[0].UnreadCount)
	assert.Equal(t, playerID, convs[0].OtherParticipant.ID)

	require.NoError(t, svc.MarkRead(ctx, hostID, eventID, playerID))

	convs, err = svc.Conversations(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].UnreadCount)

	// The sender's own view never counted its messages as unread.
	convs, err = svc.Conversations(ctx, playerID)
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestService_DeleteChatroom(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Send(ctx, playerID, eventID, &protocol.SendRequest{Content: "see you there"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteChatroom(ctx, hostID, eventID, 0))

	msgs, err := svc.Messages(ctx, playerID, eventID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages are gone for both participants")
	assert.NotNil(t, msgs)
}
