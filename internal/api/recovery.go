package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
)

// RecoveryHandler exposes failed deliveries awaiting retry and the dead
// letters left after the attempt ceiling.
type RecoveryHandler struct {
	gateway store.Gateway
	logger  *slog.Logger
	now     func() time.Time
}

func NewRecoveryHandler(gw store.Gateway, logger *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{gateway: gw, logger: logger, now: time.Now}
}

// List returns the caller's entries, newest first. ?dead=true selects dead
// letters instead of pending retries.
func (h *RecoveryHandler) List(w http.ResponseWriter, r *http.Request) {
	dead := r.URL.Query().Get("dead") == "true"

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.gateway.ListRecovery(r.Context(), store.RecoveryFilter{
		Tenant:       callerFrom(r).Tenant,
		DeadLettered: dead,
		Limit:        limit,
	})
	if err != nil {
		respondServiceError(w, h.logger, err, "recovery entry", "failed to list recovery entries")
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (h *RecoveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// Discard deletes an entry; the notification is given up on.
func (h *RecoveryHandler) Discard(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.gateway.DeleteRecovery(r.Context(), entry.SeqID); err != nil {
		respondServiceError(w, h.logger, err, "recovery entry", "failed to discard recovery entry")
		return
	}

	h.logger.Info("recovery entry discarded",
		"recovery", entry.SeqID,
		"tenant", entry.Tenant,
		"event_uuid", entry.EventUUID,
		"attempts", entry.AttemptCount,
	)
	respondJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

// Requeue puts a dead letter back in line with a fresh attempt budget.
func (h *RecoveryHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.gateway.RequeueDeadLetter(r.Context(), entry.SeqID, h.now().UTC()); err != nil {
		respondServiceError(w, h.logger, err, "recovery entry", "failed to requeue dead letter")
		return
	}

	h.logger.Info("dead letter requeued", "recovery", entry.SeqID, "tenant", entry.Tenant, "event_uuid", entry.EventUUID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// load fetches the entry named in the path, answering 404 for entries of
// other tenants.
func (h *RecoveryHandler) load(w http.ResponseWriter, r *http.Request) (*domain.RecoveryEntry, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid recovery entry id")
		return nil, false
	}

	entry, err := h.gateway.GetRecovery(r.Context(), id)
	if err == nil && entry.Tenant != callerFrom(r).Tenant {
		err = domain.ErrNotFound
	}
	if err != nil {
		respondServiceError(w, h.logger, err, "recovery entry", "failed to get recovery entry")
		return nil, false
	}
	return entry, true
}
