package event

import (
	"context"
	"database/sql"
	"errors"
)

var ErrEventNotFound = errors.New("event not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, e *Event) (*Event, error) {
	query := `INSERT INTO events (host_id, title, category, starts_at)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, e.HostID, e.Title, e.Category, e.StartsAt).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*Event, error) {
	e := &Event{}
	var startsAt sql.NullTime
	query := `SELECT id, host_id, title, category, starts_at, created_at FROM events WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&e.ID, &e.HostID, &e.Title, &e.Category, &startsAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	e.StartsAt = startsAt.Time
	return e, nil
}

func (r *Repository) Join(ctx context.Context, eventID, userID int64) error {
	query := `INSERT INTO event_participants (event_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, eventID, userID)
	return err
}

// IsMember reports whether the user hosts or has joined the event.
func (r *Repository) IsMember(ctx context.Context, eventID, userID int64) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM events WHERE id = $1 AND host_id = $2
		UNION ALL
		SELECT 1 FROM event_participants WHERE event_id = $1 AND user_id = $2
	)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, eventID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
