package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/mailer"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func webhookNotification(addr string) domain.Notification {
	ev := newEvent("jobs.job.complete", "xyz")
	return domain.Notification{
		SeqID:            7,
		Tenant:           "dev",
		Owner:            "u1",
		SubscriptionName: "sub1",
		EventUUID:        ev.UUID,
		Event:            ev,
		DeliveryTarget:   domain.DeliveryTarget{Method: domain.MethodWebhook, Address: addr},
		Created:          testNow,
	}
}

func TestDeliverer_WebhookHeadersAndSignature(t *testing.T) {
	srv := newWebhookServer(t, alwaysStatus(http.StatusOK))
	d := NewDeliverer(DelivererConfig{Timeout: time.Second, SigningSecret: "s3cret"}, testLogger())

	n := webhookNotification(srv.URL + "/hook")
	if err := d.Attempt(context.Background(), n, 3); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	reqs := srv.received()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	h := reqs[0].Header
	if got := h.Get(HeaderEventType); got != "jobs.job.complete" {
		t.Errorf("%s = %q", HeaderEventType, got)
	}
	if got := h.Get(HeaderEventID); got != n.EventUUID {
		t.Errorf("%s = %q, want %q", HeaderEventID, got, n.EventUUID)
	}
	if got := h.Get(HeaderAttempt); got != "3" {
		t.Errorf("%s = %q, want 3", HeaderAttempt, got)
	}
	if got, want := h.Get(HeaderSignature), computeHMAC(reqs[0].Body, "s3cret"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
	if reqs[0].Event.Subject != "xyz" {
		t.Errorf("body did not carry the event: %s", reqs[0].Body)
	}
}

func TestDeliverer_NoSignatureWithoutSecret(t *testing.T) {
	srv := newWebhookServer(t, alwaysStatus(http.StatusNoContent))
	d := NewDeliverer(DelivererConfig{Timeout: time.Second}, testLogger())

	if err := d.Attempt(context.Background(), webhookNotification(srv.URL), 1); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if sig := srv.received()[0].Header.Get(HeaderSignature); sig != "" {
		t.Errorf("unexpected signature %q", sig)
	}
}

func TestDeliverer_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusMovedPermanently, true, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := NewDeliverer(DelivererConfig{Timeout: time.Second}, testLogger())
			err := d.Attempt(context.Background(), webhookNotification(srv.URL), 1)

			if (err != nil) != tt.wantErr {
				t.Fatalf("Attempt error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var derr *DeliveryError
			if !errors.As(err, &derr) {
				t.Fatalf("error %T is not a *DeliveryError", err)
			}
			if derr.StatusCode != tt.status || derr.Permanent != tt.permanent {
				t.Errorf("DeliveryError = %+v, want status %d permanent %v", derr, tt.status, tt.permanent)
			}
		})
	}
}

func TestDeliverer_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDeliverer(DelivererConfig{Timeout: 50 * time.Millisecond}, testLogger())

	start := time.Now()
	err := d.Attempt(context.Background(), webhookNotification(srv.URL), 1)
	if err == nil {
		t.Fatal("expected a timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("attempt took %v, timeout not enforced", elapsed)
	}
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Reason != "delivery timed out" {
		t.Errorf("error = %v, want delivery timed out", err)
	}
}

func TestDeliverer_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	d := NewDeliverer(DelivererConfig{Timeout: time.Second}, testLogger())
	if err := d.Attempt(context.Background(), webhookNotification(addr), 1); err == nil {
		t.Fatal("expected failure for a closed endpoint")
	}
}

type fakeEmailSender struct {
	sent []mailer.Email
	err  error
}

func (f *fakeEmailSender) Send(_ context.Context, email mailer.Email) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

func TestDeliverer_Email(t *testing.T) {
	n := webhookNotification("")
	n.DeliveryTarget = domain.DeliveryTarget{Method: domain.MethodEmail, Address: "ops@example.com"}

	t.Run("sent", func(t *testing.T) {
		sender := &fakeEmailSender{}
		d := NewDeliverer(DelivererConfig{Timeout: time.Second, Email: sender}, testLogger())
		if err := d.Attempt(context.Background(), n, 1); err != nil {
			t.Fatalf("Attempt: %v", err)
		}
		if len(sender.sent) != 1 || sender.sent[0].To != "ops@example.com" {
			t.Fatalf("sent = %+v", sender.sent)
		}
		if sender.sent[0].Subject != "[dev] jobs.job.complete: xyz" {
			t.Errorf("subject = %q", sender.sent[0].Subject)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		d := NewDeliverer(DelivererConfig{Timeout: time.Second, Email: &fakeEmailSender{err: errors.New("421 try later")}}, testLogger())
		if err := d.Attempt(context.Background(), n, 1); err == nil {
			t.Fatal("expected failure")
		}
	})

	t.Run("not configured", func(t *testing.T) {
		d := NewDeliverer(DelivererConfig{Timeout: time.Second}, testLogger())
		err := d.Attempt(context.Background(), n, 1)
		var derr *DeliveryError
		if !errors.As(err, &derr) || !derr.Permanent {
			t.Fatalf("error = %v, want permanent DeliveryError", err)
		}
	})
}

func TestDeliverer_OpenCircuitIsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := newWebhookServer(t, alwaysStatus(http.StatusInternalServerError))
	cb := engine.NewCircuitBreaker(client, 2, time.Minute, testLogger())
	d := NewDeliverer(DelivererConfig{Timeout: time.Second, CircuitBreaker: cb}, testLogger())
	n := webhookNotification(srv.URL)

	for i := 0; i < 2; i++ {
		if err := d.Attempt(context.Background(), n, i+1); err == nil {
			t.Fatal("expected endpoint failure")
		}
	}

	err := d.Attempt(context.Background(), n, 3)
	if err == nil {
		t.Fatal("expected open circuit to fail the attempt")
	}
	if got := len(srv.received()); got != 2 {
		t.Errorf("endpoint called %d times, want 2 (third refused by breaker)", got)
	}
}

func TestDeliverer_RateLimitIsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := newWebhookServer(t, alwaysStatus(http.StatusOK))
	rl := engine.NewRateLimiter(client, 1, time.Minute, testLogger())
	d := NewDeliverer(DelivererConfig{Timeout: time.Second, RateLimiter: rl}, testLogger())
	n := webhookNotification(srv.URL)

	if err := d.Attempt(context.Background(), n, 1); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if err := d.Attempt(context.Background(), n, 1); err == nil {
		t.Fatal("expected rate-limited attempt to fail")
	}
	if got := len(srv.received()); got != 1 {
		t.Errorf("endpoint called %d times, want 1", got)
	}
}
