package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/notification-dispatcher/internal/broker"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/Priya8975/notification-dispatcher/internal/subscription"
	ws "github.com/Priya8975/notification-dispatcher/internal/websocket"
	"github.com/Priya8975/notification-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BucketStatuser reports the state of every bucket worker.
type BucketStatuser interface {
	Status() []worker.BucketStatus
}

// Deps are the services the HTTP surface fronts.
type Deps struct {
	Subscriptions *subscription.Service
	Publisher     broker.Publisher
	Gateway       store.Gateway
	Buckets       BucketStatuser
	Hub           *ws.Hub
	Version       string
	Logger        *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(deps.Subscriptions, deps.Logger)
	eventHandler := NewEventHandler(deps.Publisher, deps.Logger)
	recoveryHandler := NewRecoveryHandler(deps.Gateway, deps.Logger)
	opsHandler := NewOperationsHandler(deps.Gateway, deps.Buckets, deps.Hub, deps.Logger)

	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(deps.Version))

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			r.Post("/events", eventHandler.Publish)

			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", subHandler.Create)
				r.Get("/", subHandler.List)
				r.Route("/{owner}/{name}", func(r chi.Router) {
					r.Get("/", subHandler.Get)
					r.Put("/", subHandler.Put)
					r.Patch("/", subHandler.Patch)
					r.Delete("/", subHandler.Delete)
					r.Post("/enable", subHandler.Enable)
					r.Post("/disable", subHandler.Disable)
					r.Put("/ttl", subHandler.UpdateTTL)
				})
			})

			r.Route("/recovery", func(r chi.Router) {
				r.Get("/", recoveryHandler.List)
				r.Get("/{id}", recoveryHandler.Get)
				r.Delete("/{id}", recoveryHandler.Discard)
				r.Post("/{id}/requeue", recoveryHandler.Requeue)
			})
		})

		r.Get("/checkpoints", opsHandler.Checkpoints)
		r.Get("/metrics", opsHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant, X-User")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
