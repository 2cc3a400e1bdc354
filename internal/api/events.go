package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/broker"
	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/google/uuid"
)

type EventHandler struct {
	publisher broker.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewEventHandler(p broker.Publisher, logger *slog.Logger) *EventHandler {
	return &EventHandler{publisher: p, logger: logger, now: time.Now}
}

type publishEventResponse struct {
	UUID   string `json:"uuid"`
	Tenant string `json:"tenant"`
	Type   string `json:"type"`
}

// Publish validates an event and hands it to the broker. Dispatch happens
// asynchronously, so the response is 202 once the broker has accepted it.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var event domain.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c := callerFrom(r)
	event.Tenant = c.Tenant
	if c.User != "" {
		event.ProducingUser = c.User
	}
	if event.UUID == "" {
		event.UUID = uuid.NewString()
	}
	event.Normalize(h.now())
	if err := event.Validate(); err != nil {
		respondServiceError(w, h.logger, err, "event", "failed to publish event")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		respondServiceError(w, h.logger, err, "event", "failed to encode event")
		return
	}
	key := broker.EventKey(event.Tenant, event.SeriesID, event.Subject)
	if err := h.publisher.Publish(r.Context(), key, body); err != nil {
		h.logger.Error("failed to publish event", "event_uuid", event.UUID, "error", err)
		respondError(w, http.StatusServiceUnavailable, "failed to publish event")
		return
	}

	h.logger.Debug("event published", "event_uuid", event.UUID, "tenant", event.Tenant, "type", event.Type)
	respondJSON(w, http.StatusAccepted, publishEventResponse{
		UUID:   event.UUID,
		Tenant: event.Tenant,
		Type:   event.Type,
	})
}
