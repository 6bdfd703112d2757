package chat

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/logger"
	myMiddleware "github.com/pickup-sports/matchchat/internal/middleware"
	"github.com/pickup-sports/matchchat/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	hub     *Hub
	service *Service
	logger  logger.Logger
}

func NewHandler(hub *Hub, service *Service, log logger.Logger) *Handler {
	return &Handler{hub: hub, service: service, logger: log}
}

// Routes mounts the chat API on r. r must already carry the auth middleware.
func (h *Handler) Routes(r chi.Router, sendLimit func(http.Handler) http.Handler) {
	r.Get("/ws", h.ServeWs)
	r.Get("/api/conversations", h.ListConversations)
	r.Get("/api/events/{eventID}/messages", h.ListMessages)
	r.With(sendLimit).Post("/api/events/{eventID}/messages", h.SendMessage)
	r.Post("/api/events/{eventID}/messages/read", h.MarkRead)
	r.Delete("/api/events/{eventID}/chatroom", h.DeleteChatroom)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	username, ok2 := myMiddleware.Username(r.Context())
	if !ok || !ok2 {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := NewClient(h.hub, conn, userID, username, h.service, h.logger)

	// Note: These run in new goroutines, ServeWs returns immediately.
	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}
	convs, err := h.service.Conversations(r.Context(), userID)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, eventID, with, ok := h.scope(w, r)
	if !ok {
		return
	}
	msgs, err := h.service.Messages(r.Context(), userID, eventID, with)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, eventID, _, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req protocol.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperror.WriteJSON(w, apperror.InvalidArg("malformed request body"))
		return
	}
	msg, err := h.service.Send(r.Context(), userID, eventID, &req)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, eventID, with, ok := h.scope(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkRead(r.Context(), userID, eventID, with); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteChatroom(w http.ResponseWriter, r *http.Request) {
	userID, eventID, with, ok := h.scope(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteChatroom(r.Context(), userID, eventID, with); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// scope extracts the caller, the event path parameter and the optional
// ?with= counterparty. It writes the error response itself.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (userID, eventID, with int64, ok bool) {
	userID, ok = myMiddleware.UserID(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return 0, 0, 0, false
	}
	eventID, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil || eventID <= 0 {
		apperror.WriteJSON(w, apperror.InvalidArg("invalid event id"))
		return 0, 0, 0, false
	}
	if v := r.URL.Query().Get("with"); v != "" {
		with, err = strconv.ParseInt(v, 10, 64)
		if err != nil || with <= 0 {
			apperror.WriteJSON(w, apperror.InvalidArg("invalid counterparty id"))
			return 0, 0, 0, false
		}
	}
	return userID, eventID, with, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
