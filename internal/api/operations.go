package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	ws "github.com/Priya8975/notification-dispatcher/internal/websocket"
	"github.com/Priya8975/notification-dispatcher/internal/worker"
)

// OperationsHandler serves the cross-tenant operator views.
type OperationsHandler struct {
	gateway store.Gateway
	buckets BucketStatuser
	hub     *ws.Hub
	logger  *slog.Logger
}

func NewOperationsHandler(gw store.Gateway, buckets BucketStatuser, hub *ws.Hub, logger *slog.Logger) *OperationsHandler {
	return &OperationsHandler{gateway: gw, buckets: buckets, hub: hub, logger: logger}
}

type bucketView struct {
	worker.BucketStatus
	Checkpoint *domain.BucketCheckpoint `json:"checkpoint,omitempty"`
}

// Checkpoints joins each bucket's last committed event with the live state
// of its worker.
func (h *OperationsHandler) Checkpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.gateway.ListCheckpoints(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err, "checkpoint", "failed to list checkpoints")
		return
	}

	byBucket := make(map[int]domain.BucketCheckpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byBucket[cp.BucketNumber] = cp
	}

	var statuses []worker.BucketStatus
	if h.buckets != nil {
		statuses = h.buckets.Status()
	}
	views := make([]bucketView, 0, len(statuses))
	for _, st := range statuses {
		v := bucketView{BucketStatus: st}
		if cp, ok := byBucket[st.Bucket]; ok {
			v.Checkpoint = &cp
		}
		views = append(views, v)
	}

	respondJSON(w, http.StatusOK, views)
}

// Metrics returns aggregated counts for the dashboard.
func (h *OperationsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gateway.Stats(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err, "metrics", "failed to get metrics")
		return
	}

	type metricsResponse struct {
		store.Stats
		WebSocketClients int `json:"websocket_clients"`
	}

	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, metricsResponse{
		Stats:            *stats,
		WebSocketClients: clients,
	})
}
