// Package webhook pushes alert stream changes to an HTTP endpoint. Every
// delivery is signed with HMAC-SHA256 and retried on transient failures.
package webhook

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
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
)

// Event types.
const (
	EventAlertPut   = "alert.put"
	EventAlertClear = "alert.clear"
)

// Event is the JSON body of one delivery.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Alert     *capacity.Alert `json:"alert,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithRetryDelays sets the wait before each retry; its length is the retry count.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = delays }
}

// Notifier delivers events to a single endpoint.
type Notifier struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewNotifier(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	n := &Notifier{
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// validateURL checks that the URL is non-empty and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook url must include a host")
	}
	return nil
}

// permanentError is a response that retrying cannot fix.
type permanentError struct{ status int }

func (e *permanentError) Error() string {
	return fmt.Sprintf("webhook rejected delivery with status %d", e.status)
}

// Send delivers ev, retrying network errors, 429 and 5xx responses.
func (n *Notifier) Send(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding webhook event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(n.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retryDelays[attempt-1]):
			}
		}
		lastErr = n.post(ctx, ev, payload)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) || ctx.Err() != nil {
			break
		}
		n.logger.Warn().Err(lastErr).Str("event_id", ev.ID).Int("attempt", attempt+1).Msg("webhook delivery failed")
	}
	return fmt.Errorf("delivering %s %s: %w", ev.Type, ev.Key, lastErr)
}

func (n *Notifier) post(ctx context.Context, ev Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.Format(time.RFC3339))
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return &permanentError{status: resp.StatusCode}
}

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 256

// Store forwards to an AlertStore and queues an event for every change it
// accepted. Run delivers the queue in the background, so a slow or dead
// endpoint never holds up a write. When the queue is full the event is
// dropped and logged; the stored alert stands either way.
type Store struct {
	capacity.AlertStore
	notifier *Notifier
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
}

// NewStore wraps inner. queueSize <= 0 means DefaultQueueSize.
func NewStore(inner capacity.AlertStore, n *Notifier, queueSize int) *Store {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Store{
		AlertStore: inner,
		notifier:   n,
		logger:     n.logger,
		queue:      make(chan Event, queueSize),
	}
}

func (s *Store) Put(ctx context.Context, a capacity.Alert) error {
	if err := s.AlertStore.Put(ctx, a); err != nil {
		return err
	}
	s.enqueue(Event{Type: EventAlertPut, Key: a.Key().String(), Alert: &a})
	return nil
}

func (s *Store) Clear(ctx context.Context, key capacity.AlertKey) error {
	if err := s.AlertStore.Clear(ctx, key); err != nil {
		return err
	}
	s.enqueue(Event{Type: EventAlertClear, Key: key.String()})
	return nil
}

func (s *Store) enqueue(ev Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = s.notifier.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn().Str("key", ev.Key).Msg("alert notification after close dropped")
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.logger.Error().Str("key", ev.Key).Int("queue", cap(s.queue)).Msg("alert notification queue full, event dropped")
	}
}

// Run delivers queued events until ctx is done or Close has been called and
// the queue is empty.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.notifier.Send(ctx, ev); err != nil {
				s.logger.Error().Err(err).Str("key", ev.Key).Msg("alert notification dropped")
			}
		}
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Pending returns the number of queued events.
func (s *Store) Pending() int { return len(s.queue) }
