package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/subscription"
	"github.com/go-chi/chi/v5"
)

type SubscriptionHandler struct {
	service *subscription.Service
	logger  *slog.Logger
}

func NewSubscriptionHandler(s *subscription.Service, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{service: s, logger: logger}
}

// Create registers a subscription for the caller's tenant. The owner is the
// X-User header, falling back to the body's owner.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.Subscription
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c := callerFrom(r)
	req.Tenant = c.Tenant
	if c.User != "" {
		req.Owner = c.User
	}

	sub, err := h.service.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, sub)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.List(r.Context(), callerFrom(r).Tenant, r.URL.Query().Get("owner"))
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant, owner, name := h.identity(r)

	sub, err := h.service.Get(r.Context(), tenant, owner, name)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to get subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req domain.Subscription
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant, owner, name := h.identity(r)

	sub, err := h.service.Put(r.Context(), tenant, owner, name, req)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to replace subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req domain.PatchSubscription
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant, owner, name := h.identity(r)

	sub, err := h.service.Patch(r.Context(), tenant, owner, name, req)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to update subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Enable(w http.ResponseWriter, r *http.Request) {
	tenant, owner, name := h.identity(r)

	sub, err := h.service.Enable(r.Context(), tenant, owner, name)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to enable subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Disable(w http.ResponseWriter, r *http.Request) {
	tenant, owner, name := h.identity(r)

	sub, err := h.service.Disable(r.Context(), tenant, owner, name)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to disable subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

type ttlRequest struct {
	TTLMinutes *int `json:"ttlMinutes"`
}

func (h *SubscriptionHandler) UpdateTTL(w http.ResponseWriter, r *http.Request) {
	var req ttlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TTLMinutes == nil {
		respondError(w, http.StatusBadRequest, "ttlMinutes is required")
		return
	}
	tenant, owner, name := h.identity(r)

	sub, err := h.service.UpdateTTL(r.Context(), tenant, owner, name, *req.TTLMinutes)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to update subscription ttl")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

type deleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// Delete is delete-if-exists: a missing subscription reports zero rows.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant, owner, name := h.identity(r)

	n, err := h.service.Delete(r.Context(), tenant, owner, name)
	if err != nil {
		respondServiceError(w, h.logger, err, "subscription", "failed to delete subscription")
		return
	}

	respondJSON(w, http.StatusOK, deleteResponse{Deleted: n})
}

func (h *SubscriptionHandler) identity(r *http.Request) (tenant, owner, name string) {
	return callerFrom(r).Tenant, chi.URLParam(r, "owner"), chi.URLParam(r, "name")
}
