package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
)

const (
	HeaderTenant = "X-Tenant"
	HeaderUser   = "X-User"
)

type callerKey struct{}

// caller identifies who is making a request. Both values are trusted as
// sent; authentication happens in front of this service.
type caller struct {
	Tenant string
	User   string
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(HeaderTenant)
		if tenant == "" {
			respondError(w, http.StatusBadRequest, HeaderTenant+" header is required")
			return
		}
		c := caller{Tenant: tenant, User: r.Header.Get(HeaderUser)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func callerFrom(r *http.Request) caller {
	c, _ := r.Context().Value(callerKey{}).(caller)
	return c
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondServiceError maps domain errors to status codes. Anything
// unrecognised is logged and reported as a 500 with message.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error, resource, message string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, resource+" not found")
	case errors.Is(err, domain.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		logger.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, message)
	}
}
