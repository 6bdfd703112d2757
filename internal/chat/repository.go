package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/pickup-sports/matchchat/internal/protocol"
)

var ErrParticipantNotFound = errors.New("participant not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, m *protocol.Message) error {
	metadata := m.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	query := `INSERT INTO messages (event_id, sender_id, receiver_id, content, message_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	return r.db.QueryRowContext(ctx, query,
		m.EventID, m.SenderID, m.ReceiverID, m.Content, m.MessageType, []byte(metadata),
	).Scan(&m.ID, &m.CreatedAt)
}

func (r *Repository) GetParticipant(ctx context.Context, userID int64) (*protocol.Participant, error) {
	p := &protocol.Participant{}
	query := `SELECT id, username, display_name, email, avatar_url FROM users WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&p.ID, &p.Username, &p.DisplayName, &p.Email, &p.AvatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListMessages returns the event's messages involving userID, oldest first.
// A non-zero counterpartyID narrows the result to that one conversation.
func (r *Repository) ListMessages(ctx context.Context, eventID, userID, counterpartyID int64) ([]*protocol.Message, error) {
	query := `
		SELECT m.id, m.event_id, m.sender_id, m.receiver_id, m.content, m.message_type,
		       m.metadata, m.created_at,
		       u.id, u.username, u.display_name, u.email, u.avatar_url,
		       COALESCE((SELECT string_agg(mr.user_id::text, ',') FROM message_reads mr
		                 WHERE mr.message_id = m.id), '')
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.event_id = $1
		  AND (m.sender_id = $2 OR m.receiver_id = $2)
		  AND ($3 = 0 OR m.sender_id = $3 OR m.receiver_id = $3)
		ORDER BY m.created_at ASC, m.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, eventID, userID, counterpartyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*protocol.Message
	for rows.Next() {
		m := &protocol.Message{Sender: &protocol.Participant{}}
		var receiverID sql.NullInt64
		var metadata []byte
		var readBy string
		if err := rows.Scan(
			&m.ID, &m.EventID, &m.SenderID, &receiverID, &m.Content, &m.MessageType,
			&metadata, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Username, &m.Sender.DisplayName, &m.Sender.Email, &m.Sender.AvatarURL,
			&readBy,
		); err != nil {
			return nil, err
		}
		m.ReceiverID = receiverID.Int64
		if len(metadata) > 0 {
			m.Metadata = json.RawMessage(metadata)
		}
		if m.ReadBy, err = parseIDList(readBy); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListConversations groups the user's messages by (event, counterparty) and
// returns the last message and unread count of each group, newest first.
func (r *Repository) ListConversations(ctx context.Context, userID int64) ([]*protocol.ConversationSummary, error) {
	query := `
		WITH mine AS (
			SELECT m.id, m.event_id, m.sender_id, m.receiver_id, m.content, m.message_type, m.created_at,
			       CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END AS other_id
			FROM messages m
			WHERE m.sender_id = $1 OR m.receiver_id = $1
		), last AS (
			SELECT DISTINCT ON (event_id, other_id) *
			FROM mine
			ORDER BY event_id, other_id, created_at DESC, id DESC
		), unread AS (
			SELECT event_id, other_id, COUNT(*) AS n
			FROM mine
			WHERE sender_id <> $1
			  AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = mine.id AND mr.user_id = $1)
			GROUP BY event_id, other_id
		)
		SELECT l.event_id, e.host_id, e.title, e.category, e.starts_at,
		       l.id, l.sender_id, l.receiver_id, l.content, l.message_type, l.created_at,
		       COALESCE(u.n, 0),
		       o.id, o.username, o.display_name, o.email, o.avatar_url
		FROM last l
		JOIN events e ON e.id = l.event_id
		JOIN users o ON o.id = l.other_id
		LEFT JOIN unread u ON u.event_id = l.event_id AND u.other_id = l.other_id
		ORDER BY l.created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.ConversationSummary
	for rows.Next() {
		c := &protocol.ConversationSummary{LastMessage: &protocol.Message{}}
		var startsAt sql.NullTime
		var receiverID sql.NullInt64
		if err := rows.Scan(
			&c.EventID, &c.Event.HostID, &c.Event.Title, &c.Event.Category, &startsAt,
			&c.LastMessage.ID, &c.LastMessage.SenderID, &receiverID, &c.LastMessage.Content,
			&c.LastMessage.MessageType, &c.LastMessage.CreatedAt,
			&c.UnreadCount,
			&c.OtherParticipant.ID, &c.OtherParticipant.Username, &c.OtherParticipant.DisplayName,
			&c.OtherParticipant.Email, &c.OtherParticipant.AvatarURL,
		); err != nil {
			return nil, err
		}
		c.Event.ID = c.EventID
		c.Event.StartsAt = startsAt.Time
		c.LastMessage.EventID = c.EventID
		c.LastMessage.ReceiverID = receiverID.Int64
		c.LastMessage.ReadBy = []int64{}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRead records a read receipt for every message addressed to userID in
// the conversation. It returns how many receipts were newly written.
func (r *Repository) MarkRead(ctx context.Context, eventID, userID, counterpartyID int64) (int64, error) {
	query := `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $2 FROM messages m
		WHERE m.event_id = $1 AND m.receiver_id = $2 AND ($3 = 0 OR m.sender_id = $3)
		ON CONFLICT DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, eventID, userID, counterpartyID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteChatroom removes the messages of the event exchanged by userID, for
// both sides of each conversation.
func (r *Repository) DeleteChatroom(ctx context.Context, eventID, userID, counterpartyID int64) (int64, error) {
	query := `
		DELETE FROM messages
		WHERE event_id = $1
		  AND (sender_id = $2 OR receiver_id = $2)
		  AND ($3 = 0 OR sender_id = $3 OR receiver_id = $3)
	`
	res, err := r.db.ExecContext(ctx, query, eventID, userID, counterpartyID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func parseIDList(s string) ([]int64, error) {
	ids := []int64{}
	if s == "" {
		return ids, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
