package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

// DeliveryChannel is the Redis channel every instance publishes to and
// subscribes on, so a frame reaches the user wherever they are connected.
const DeliveryChannel = "chat:deliveries"

// Hub owns the set of authenticated connections of this instance. Run is the
// only goroutine that touches clients.
type Hub struct {
	clients    map[int64]map[*Client]bool
	broadcast  chan *protocol.Delivery // From Redis -> local clients
	Register   chan *Client
	Unregister chan *Client
	stats      chan chan int
	done       chan struct{}
	redis      *redis.Client
	logger     logger.Logger
}

func NewHub(redisClient *redis.Client, log logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		broadcast:  make(chan *protocol.Delivery),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		stats:      make(chan chan int),
		done:       make(chan struct{}),
		redis:      redisClient,
		logger:     log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for client := range conns {
					client.shut()
				}
			}
			h.clients = make(map[int64]map[*Client]bool)
			return

		case client := <-h.Register:
			conns, ok := h.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]bool)
				h.clients[client.UserID] = conns
			}
			conns[client] = true
			h.logger.Debug("client registered", "user_id", client.UserID, "connections", len(conns))

		case client := <-h.Unregister:
			h.remove(client)

		case d := <-h.broadcast:
			for client := range h.clients[d.UserID] {
				select {
				case client.Send <- []byte(d.Payload):
				default:
					// Slow consumer: drop it rather than stall every delivery.
					h.logger.Warn("dropping slow client", "user_id", client.UserID)
					h.remove(client)
				}
			}

		case reply := <-h.stats:
			n := 0
			for _, conns := range h.clients {
				n += len(conns)
			}
			reply <- n
		}
	}
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	conns, ok := h.clients[client.UserID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	client.shut()
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
}

// Connections returns the number of registered connections on this instance.
func (h *Hub) Connections(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.stats <- reply:
	case <-ctx.Done():
		return 0
	case <-h.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-ctx.Done():
		return 0
	}
}

// Deliver publishes frame for userID to every instance through Redis.
func (h *Hub) Deliver(ctx context.Context, userID int64, frame protocol.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data, err := json.Marshal(protocol.Delivery{UserID: userID, Payload: payload})
	if err != nil {
		return err
	}
	return h.redis.Publish(ctx, DeliveryChannel, data).Err()
}

// SubscribeToRedis listens for deliveries published by any instance. ready,
// if non-nil, is closed once the subscription is confirmed.
func (h *Hub) SubscribeToRedis(ctx context.Context, ready chan<- struct{}) error {
	pubsub := h.redis.Subscribe(ctx, DeliveryChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d protocol.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				h.logger.Warn("malformed delivery", "err", err)
				continue
			}
			select {
			case h.broadcast <- &d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
