package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	alarmapp "tradedesk/internal/alarms/application"
	alarms "tradedesk/internal/alarms/domain"
)

// Handler provides timer alert HTTP endpoints.
type Handler struct {
	scheduler *alarmapp.Scheduler
	broker    *SSEBroker
}

// NewHandler constructs a handler. broker may be nil, which disables the stream.
func NewHandler(scheduler *alarmapp.Scheduler, broker *SSEBroker) (*Handler, error) {
	if scheduler == nil {
		return nil, errors.New("alarms handler: nil scheduler")
	}
	return &Handler{scheduler: scheduler, broker: broker}, nil
}

// RegisterRoutes mounts the endpoints on an /api/v1 router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/alerts/stream", h.handleStream)
	r.Get("/orders/{id}/alerts", h.handleStatus)
	r.Post("/orders/{id}/alerts/reset", h.handleReset)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.Status(chi.URLParam(r, "id"))
	if errors.Is(err, alarms.ErrNotFound) {
		status = []alarms.TimerStatus{}
	} else if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Reset(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
