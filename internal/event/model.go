package event

import "time"

// Event is the pickup game a chat is scoped to. Only the fields the chat
// needs are modelled here.
type Event struct {
	ID        int64     `json:"id"`
	HostID    int64     `json:"hostId"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	StartsAt  time.Time `json:"startsAt"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateRequest struct {
	Title    string    `json:"title"`
	Category string    `json:"category"`
	StartsAt time.Time `json:"startsAt"`
}
