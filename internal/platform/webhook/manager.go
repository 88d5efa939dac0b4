// Package webhook delivers ledger events to subscribed HTTP endpoints. Each
// delivery is signed with HMAC-SHA256, retried with backoff and logged.
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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Medvault-Signature"
	DeliveryHeader  = "X-Medvault-Delivery"
	TimestampHeader = "X-Medvault-Timestamp"
	EndpointHeader  = "X-Medvault-Endpoint"
)

// ErrQueueFull is returned by Enqueue when the dispatcher cannot keep up.
var ErrQueueFull = errors.New("webhook queue full")

// Endpoint is a delivery destination. Events holds subscription patterns:
// "*" for everything, an exact type, or a prefix ending in "*".
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the signed body POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records one POST of an event to an endpoint.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists endpoints and the delivery log.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, endpointID string, limit int) ([]*DeliveryAttempt, error)
}

// MemoryStore is a thread-safe in-memory Store. The delivery log keeps the
// most recent maxDeliveries attempts.
type MemoryStore struct {
	mu            sync.RWMutex
	endpoints     []*Endpoint
	deliveries    []*DeliveryAttempt
	maxDeliveries int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{maxDeliveries: 1000}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, ep)
	return nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out, nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, attempt)
	if over := len(s.deliveries) - s.maxDeliveries; over > 0 {
		s.deliveries = append([]*DeliveryAttempt(nil), s.deliveries[over:]...)
	}
	return nil
}

// ListDeliveries returns the newest attempts first. An empty endpointID
// matches every endpoint.
func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit int) ([]*DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeliveryAttempt
	for i := len(s.deliveries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if d := s.deliveries[i]; endpointID == "" || d.EndpointID == endpointID {
			out = append(out, d)
		}
	}
	return out, nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value, with or without its
// "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type ManagerOption func(*Manager)

func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; len(delays)+1 attempts
// are made in total.
func WithRetryDelays(delays ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = delays }
}

func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queue = make(chan Event, n) }
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// Manager fans events out to endpoints. Deliver is synchronous; Enqueue
// hands events to the worker started by Run.
type Manager struct {
	store       Store
	httpClient  *http.Client
	retryDelays []time.Duration
	queue       chan Event
	logger      zerolog.Logger
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		queue:       make(chan Event, 256),
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

// RegisterEndpoint validates and stores an endpoint. No patterns means "*".
func (m *Manager) RegisterEndpoint(ctx context.Context, rawURL, secret string, events ...string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("secret is required for %s", rawURL)
	}
	if len(events) == 0 {
		events = []string{"*"}
	}
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (ep *Endpoint) subscribes(eventType string) bool {
	if ep.Status != "active" {
		return false
	}
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Deliver sends ev to every matching endpoint and returns the final attempt
// for each. The returned error joins the endpoints that never succeeded.
func (m *Manager) Deliver(ctx context.Context, ev Event) ([]*DeliveryAttempt, error) {
	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}

	var (
		results []*DeliveryAttempt
		errs    []error
	)
	for _, ep := range endpoints {
		if !ep.subscribes(ev.Type) {
			continue
		}
		attempt := m.deliverWithRetry(ctx, ep, ev)
		results = append(results, attempt)
		if attempt.Status != "success" {
			errs = append(errs, fmt.Errorf("webhook %s: %s", ep.URL, attempt.Error))
		}
	}
	return results, errors.Join(errs...)
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, ev Event) *DeliveryAttempt {
	var attempt *DeliveryAttempt
	for n := 0; ; n++ {
		attempt = m.DeliverToEndpoint(ctx, ep, ev)
		attempt.Attempt = n + 1
		m.store.RecordDelivery(ctx, attempt)
		if attempt.Status == "success" || n >= len(m.retryDelays) || !retryable(attempt.StatusCode) {
			return attempt
		}
		select {
		case <-ctx.Done():
			return attempt
		case <-time.After(m.retryDelays[n]):
		}
	}
}

// retryable reports whether a status warrants another attempt. Transport
// failures have status 0.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// DeliverToEndpoint makes one signed POST of ev to ep.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, ev Event) *DeliveryAttempt {
	now := time.Now().UTC()
	attempt := &DeliveryAttempt{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Status:     "failed",
		CreatedAt:  now,
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set(DeliveryHeader, attempt.ID)
	req.Header.Set(EndpointHeader, ep.ID)
	req.Header.Set(TimestampHeader, now.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

// Enqueue schedules ev for asynchronous delivery without blocking.
func (m *Manager) Enqueue(ev Event) error {
	select {
	case m.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			if _, err := m.Deliver(ctx, ev); err != nil {
				m.logger.Warn().Err(err).
					Str("event_id", ev.ID).
					Str("event", ev.Type).
					Msg("webhook delivery failed")
			}
		}
	}
}

// Deliveries exposes the delivery log, newest first.
func (m *Manager) Deliveries(ctx context.Context, endpointID string, limit int) ([]*DeliveryAttempt, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit)
}
