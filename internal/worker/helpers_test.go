package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// receivedRequest is one webhook call seen by a webhookServer.
type receivedRequest struct {
	Path    string
	Header  http.Header
	Body    []byte
	Event   domain.Event
	Arrived time.Time
}

// webhookServer records every request and answers with respond(n), where
// n counts requests from 1.
type webhookServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []receivedRequest
	count    atomic.Int32
}

func newWebhookServer(t *testing.T, respond func(n int) int) *webhookServer {
	t.Helper()
	ws := &webhookServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev domain.Event
		json.Unmarshal(body, &ev)

		ws.mu.Lock()
		ws.requests = append(ws.requests, receivedRequest{
			Path:    r.URL.Path,
			Header:  r.Header.Clone(),
			Body:    body,
			Event:   ev,
			Arrived: time.Now(),
		})
		ws.mu.Unlock()

		n := int(ws.count.Add(1))
		w.WriteHeader(respond(n))
	}))
	t.Cleanup(ws.Close)
	return ws
}

func alwaysStatus(code int) func(int) int {
	return func(int) int { return code }
}

func (ws *webhookServer) received() []receivedRequest {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]receivedRequest(nil), ws.requests...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func createSubscription(t *testing.T, gw store.Gateway, bucketCount int, name, typeFilter, subjectFilter string, targets ...string) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		UUID:          uuid.NewString(),
		Tenant:        "dev",
		Owner:         "u1",
		Name:          name,
		Enabled:       true,
		TypeFilter:    typeFilter,
		SubjectFilter: subjectFilter,
		TTLMinutes:    1000,
	}
	for _, addr := range targets {
		sub.DeliveryTargets = append(sub.DeliveryTargets, domain.DeliveryTarget{Method: domain.MethodWebhook, Address: addr})
	}
	sub.BucketNumber = engine.BucketOf(sub.Tenant, sub.Owner, sub.Name, bucketCount)
	sub.Touch(time.Now())
	if err := gw.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription(%s): %v", name, err)
	}
	return sub
}

func newEvent(eventType, subject string) domain.Event {
	return domain.Event{
		UUID:      uuid.NewString(),
		Tenant:    "dev",
		Source:    "scheduler",
		Type:      eventType,
		Subject:   subject,
		Data:      json.RawMessage(`{"ok":true}`),
		Timestamp: time.Now().UTC(),
	}
}

// recordingGateway wraps a Gateway, counting persisted notifications and
// optionally failing the next commits or outcome writes.
type recordingGateway struct {
	store.Gateway
	failCommits atomic.Int32
	failMoves   atomic.Int32
	failDeletes atomic.Int32
	// failPositions makes series position lookups fail.
	failPositions atomic.Bool
	persisted     atomic.Int32
}

func (g *recordingGateway) GetSeriesPosition(ctx context.Context, key store.SeriesKey) (int64, error) {
	if g.failPositions.Load() {
		return 0, errWriteFailed
	}
	return g.Gateway.GetSeriesPosition(ctx, key)
}

func (g *recordingGateway) MoveToRecovery(ctx context.Context, n domain.Notification, failure store.RecoveryFailure) (*domain.RecoveryEntry, error) {
	if g.failMoves.Load() > 0 {
		g.failMoves.Add(-1)
		return nil, errWriteFailed
	}
	return g.Gateway.MoveToRecovery(ctx, n, failure)
}

func (g *recordingGateway) DeleteNotification(ctx context.Context, seqID int64) error {
	if g.failDeletes.Load() > 0 {
		g.failDeletes.Add(-1)
		return errWriteFailed
	}
	return g.Gateway.DeleteNotification(ctx, seqID)
}

func (g *recordingGateway) CommitBucketEvent(ctx context.Context, commit store.BucketCommit) ([]domain.Notification, error) {
	if g.failCommits.Load() > 0 {
		g.failCommits.Add(-1)
		return nil, errCommitFailed
	}
	out, err := g.Gateway.CommitBucketEvent(ctx, commit)
	g.persisted.Add(int32(len(out)))
	return out, err
}

var (
	errCommitFailed = errors.New("injected commit failure")
	errWriteFailed  = errors.New("injected store failure")
)

type testPipeline struct {
	gw       *recordingGateway
	pool     *Pool
	executor *Executor
	cancel   context.CancelFunc
}

func startPipeline(t *testing.T, gw store.Gateway, cfg PoolConfig) *testPipeline {
	t.Helper()
	logger := testLogger()
	rec := &recordingGateway{Gateway: gw}
	deliverer := NewDeliverer(DelivererConfig{Timeout: 2 * time.Second}, logger)
	executor := NewExecutor(rec, deliverer, ExecutorConfig{
		Backoff:     engine.Backoff{BaseDelay: time.Second, MaxDelay: time.Minute},
		MaxAttempts: 5,
	}, nil, logger)
	pool := NewPool(rec, engine.NewMatcher(""), executor, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
	return &testPipeline{gw: rec, pool: pool, executor: executor, cancel: cancel}
}

// submit sends event to bucket and returns the PERSISTING outcome.
func (p *testPipeline) submit(t *testing.T, bucket int, event domain.Event) error {
	t.Helper()
	ack, err := p.pool.Submit(context.Background(), bucket, event)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case err := <-ack:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
		return nil
	}
}
