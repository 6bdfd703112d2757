package event

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pickup-sports/matchchat/internal/apperror"
	myMiddleware "github.com/pickup-sports/matchchat/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Routes mounts the event API on r. r must already carry the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/events", h.Create)
	r.Get("/api/events/{eventID}", h.Get)
	r.Post("/api/events/{eventID}/join", h.Join)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperror.WriteJSON(w, apperror.InvalidArg("malformed request body"))
		return
	}
	e, err := h.service.Create(r.Context(), userID, &req)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(e)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil {
		apperror.WriteJSON(w, apperror.InvalidArg("invalid event id"))
		return
	}
	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(e)
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil {
		apperror.WriteJSON(w, apperror.InvalidArg("invalid event id"))
		return
	}
	if err := h.service.Join(r.Context(), id, userID); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
