// Command mock-endpoints runs webhook receivers with scripted behaviour for
// exercising the dispatcher by hand.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Header names sent by the dispatcher.
const (
	headerSignature = "X-Notification-Signature"
	headerEventType = "X-Notification-Event-Type"
	headerEventID   = "X-Notification-Event-ID"
	headerAttempt   = "X-Notification-Attempt"
)

type receiver struct {
	secret string
	logger *slog.Logger

	mu       sync.Mutex
	counts   map[string]int64
	failures map[string]int
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	flakyFailures := 2
	if v, err := strconv.Atoi(os.Getenv("FLAKY_FAILURES")); err == nil && v >= 0 {
		flakyFailures = v
	}

	rcv := &receiver{
		secret:   os.Getenv("WEBHOOK_SIGNING_SECRET"),
		logger:   slog.New(slog.NewTextHandler(os.Stdout, nil)),
		counts:   make(map[string]int64),
		failures: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post("/webhook/success", rcv.handle("success", func(string) int { return http.StatusOK }))
	r.Post("/webhook/slow", rcv.handle("slow", func(string) int {
		time.Sleep(3 * time.Second)
		return http.StatusOK
	}))
	r.Post("/webhook/fail", rcv.handle("fail", func(string) int { return http.StatusInternalServerError }))
	r.Post("/webhook/reject", rcv.handle("reject", func(string) int { return http.StatusBadRequest }))
	r.Post("/webhook/flaky", rcv.handle("flaky", rcv.flaky(flakyFailures)))
	r.Get("/stats", rcv.stats)

	rcv.logger.Info("mock endpoint server starting", "port", port, "flaky_failures", flakyFailures)
	rcv.logger.Info("routes",
		"success", "POST /webhook/success -> 200",
		"slow", "POST /webhook/slow -> 200 after 3s",
		"fail", "POST /webhook/fail -> 500",
		"reject", "POST /webhook/reject -> 400",
		"flaky", "POST /webhook/flaky -> 503 for the first attempts of each event, then 200",
		"stats", "GET /stats",
	)

	if err := http.ListenAndServe(":"+port, r); err != nil {
		rcv.logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handle wraps an endpoint: it checks the signature when a secret is set,
// counts the request and answers with status(eventID).
func (rcv *receiver) handle(name string, status func(eventID string) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		eventID := r.Header.Get(headerEventID)
		code := http.StatusUnauthorized
		if rcv.verify(body, r.Header.Get(headerSignature)) {
			code = status(eventID)
		}

		rcv.mu.Lock()
		rcv.counts[name]++
		n := rcv.counts[name]
		rcv.mu.Unlock()

		rcv.logger.Info("webhook received",
			"endpoint", name,
			"n", n,
			"status", code,
			"event_type", r.Header.Get(headerEventType),
			"event_id", eventID,
			"attempt", r.Header.Get(headerAttempt),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"endpoint": name, "status": code})
	}
}

func (rcv *receiver) flaky(failures int) func(string) int {
	return func(eventID string) int {
		rcv.mu.Lock()
		defer rcv.mu.Unlock()
		if rcv.failures[eventID] < failures {
			rcv.failures[eventID]++
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}
}

func (rcv *receiver) verify(body []byte, signature string) bool {
	if rcv.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(rcv.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (rcv *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rcv.mu.Lock()
	counts := make(map[string]int64, len(rcv.counts))
	var total int64
	for k, v := range rcv.counts {
		counts[k] = v
		total += v
	}
	rcv.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"total_requests": total, "by_endpoint": counts})
}
