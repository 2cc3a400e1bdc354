package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/mailer"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Notification-Signature"
	HeaderEventType = "X-Notification-Event-Type"
	HeaderEventID   = "X-Notification-Event-ID"
	HeaderAttempt   = "X-Notification-Attempt"
)

// DeliveryError is the Failure outcome of one delivery attempt. Permanent
// marks errors a retry cannot fix; they still follow the recovery path and
// are recorded in lastError.
type DeliveryError struct {
	Reason     string
	StatusCode int
	Permanent  bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Reason)
	}
	return e.Reason
}

// EmailSender is the email integration used for EMAIL targets.
type EmailSender interface {
	Send(ctx context.Context, email mailer.Email) error
}

type DelivererConfig struct {
	Timeout       time.Duration
	SigningSecret string
	Email         EmailSender
	// CircuitBreaker and RateLimiter are optional per-target guards.
	CircuitBreaker *engine.CircuitBreaker
	RateLimiter    *engine.RateLimiter
}

// Deliverer performs single delivery attempts. It never touches storage;
// the Executor records outcomes.
type Deliverer struct {
	httpClient     *http.Client
	timeout        time.Duration
	signingSecret  string
	email          EmailSender
	circuitBreaker *engine.CircuitBreaker
	rateLimiter    *engine.RateLimiter
	logger         *slog.Logger
}

func NewDeliverer(cfg DelivererConfig, logger *slog.Logger) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Deliverer{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		timeout:        cfg.Timeout,
		signingSecret:  cfg.SigningSecret,
		email:          cfg.Email,
		circuitBreaker: cfg.CircuitBreaker,
		rateLimiter:    cfg.RateLimiter,
		logger:         logger,
	}
}

// Attempt delivers n once. A nil error is Success; anything else is a
// *DeliveryError. The attempt is bounded by the configured timeout and is
// not cut short by cancellation of ctx, so an in-flight attempt always
// reaches an outcome.
func (d *Deliverer) Attempt(ctx context.Context, n domain.Notification, attempt int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	key := n.DeliveryTarget.Key()
	if d.circuitBreaker != nil {
		if state, allowed := d.circuitBreaker.Allow(ctx, key); !allowed {
			return &DeliveryError{Reason: "circuit " + state + " for target"}
		}
	}
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, key) {
		return &DeliveryError{Reason: "target rate limit exceeded"}
	}

	var err error
	switch n.DeliveryTarget.Method {
	case domain.MethodWebhook:
		err = d.postWebhook(ctx, n, attempt)
	case domain.MethodEmail:
		err = d.sendEmail(ctx, n)
	default:
		err = &DeliveryError{Reason: fmt.Sprintf("unsupported delivery method %q", n.DeliveryTarget.Method), Permanent: true}
	}

	if d.circuitBreaker != nil {
		var derr *DeliveryError
		switch {
		case err == nil:
			d.circuitBreaker.RecordSuccess(ctx, key)
		case errors.As(err, &derr) && derr.Permanent && derr.StatusCode == 0:
			// target misconfiguration says nothing about the endpoint's health
		default:
			d.circuitBreaker.RecordFailure(ctx, key)
		}
	}
	return err
}

func (d *Deliverer) postWebhook(ctx context.Context, n domain.Notification, attempt int) error {
	payload, err := json.Marshal(n.Event)
	if err != nil {
		return &DeliveryError{Reason: fmt.Sprintf("encoding event: %v", err), Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.DeliveryTarget.Address, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Reason: fmt.Sprintf("building request: %v", err), Permanent: true}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, n.Event.Type)
	req.Header.Set(HeaderEventID, n.EventUUID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if d.signingSecret != "" {
		req.Header.Set(HeaderSignature, computeHMAC(payload, d.signingSecret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &DeliveryError{Reason: "delivery timed out"}
		}
		return &DeliveryError{Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	// Read at most 1KB for the error record.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{
		Reason:     truncate(string(body), 256),
		StatusCode: resp.StatusCode,
		Permanent:  isPermanentStatus(resp.StatusCode),
	}
}

func (d *Deliverer) sendEmail(ctx context.Context, n domain.Notification) error {
	if d.email == nil {
		return &DeliveryError{Reason: "email delivery is not configured", Permanent: true}
	}

	body, err := json.MarshalIndent(n.Event, "", "  ")
	if err != nil {
		return &DeliveryError{Reason: fmt.Sprintf("encoding event: %v", err), Permanent: true}
	}

	err = d.email.Send(ctx, mailer.Email{
		To:        n.DeliveryTarget.Address,
		Subject:   fmt.Sprintf("[%s] %s: %s", n.Tenant, n.Event.Type, n.Event.Subject),
		Body:      string(body),
		MessageID: fmt.Sprintf("%s.%d@notification-dispatcher", n.EventUUID, n.SeqID),
	})
	if err != nil {
		if isTimeout(err) {
			return &DeliveryError{Reason: "delivery timed out"}
		}
		return &DeliveryError{Reason: err.Error()}
	}
	return nil
}

// isPermanentStatus treats 4xx as permanent except timeouts and throttling.
func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
