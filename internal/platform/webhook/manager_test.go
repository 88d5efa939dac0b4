package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	return NewManager(NewMemoryStore(), opts...)
}

func mustRegister(t *testing.T, m *Manager, url string, events ...string) *Endpoint {
	t.Helper()
	ep, err := m.RegisterEndpoint(context.Background(), url, "test-secret-key", events...)
	if err != nil {
		t.Fatalf("failed to register endpoint: %v", err)
	}
	return ep
}

func testEvent(typ string) Event {
	return Event{
		ID:        "evt-1",
		Type:      typ,
		Seq:       7,
		Payload:   json.RawMessage(`{"patient":"p1","grantee":"d1"}`),
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestManager_RegisterEndpoint(t *testing.T) {
	m := newTestManager()
	ep := mustRegister(t, m, "https://example.com/hook")
	if ep.ID == "" || ep.Status != "active" || ep.CreatedAt.IsZero() {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
	if len(ep.Events) != 1 || ep.Events[0] != "*" {
		t.Errorf("expected catch-all subscription, got %v", ep.Events)
	}

	bad := []struct{ url, secret string }{
		{"", "s"},
		{"ftp://example.com/hook", "s"},
		{"https://", "s"},
		{"https://example.com/hook", ""},
	}
	for _, b := range bad {
		if _, err := m.RegisterEndpoint(context.Background(), b.url, b.secret); err == nil {
			t.Errorf("%q/%q: expected error", b.url, b.secret)
		}
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		pattern, typ string
		want         bool
	}{
		{"*", "RecordAdded", true},
		{"RecordAdded", "RecordAdded", true},
		{"RecordAdded", "RoleAssigned", false},
		{"Access*", "AccessGranted", true},
		{"Access*", "AccessRevoked", true},
		{"Access*", "RecordAdded", false},
	}
	for _, tc := range cases {
		if got := eventMatches(tc.pattern, tc.typ); got != tc.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tc.pattern, tc.typ, got, tc.want)
		}
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"RecordAdded"}`)
	sig := SignPayload(payload, "secret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "secret", sig) || !VerifySignature(payload, "secret", "sha256="+sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) || VerifySignature([]byte("x"), "secret", sig) {
		t.Error("expected mismatched signature to fail")
	}
}

func TestManager_DeliverSignsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received Event
		headers  http.Header
		body     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := newTestManager()
	ep := mustRegister(t, m, srv.URL, "Access*")

	results, err := m.Deliver(context.Background(), testEvent("AccessGranted"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Status != "success" || results[0].StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected results: %+v", results)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Type != "AccessGranted" || received.Seq != 7 {
		t.Errorf("unexpected event received: %+v", received)
	}
	if !VerifySignature(body, "test-secret-key", headers.Get(SignatureHeader)) {
		t.Error("signature header does not verify")
	}
	if headers.Get(EndpointHeader) != ep.ID || headers.Get(DeliveryHeader) != results[0].ID {
		t.Errorf("unexpected delivery headers: %v", headers)
	}
	if headers.Get(TimestampHeader) == "" {
		t.Error("expected timestamp header")
	}
}

func TestManager_DeliverSkipsUnsubscribed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	m := newTestManager()
	mustRegister(t, m, srv.URL, "RoleAssigned")

	results, err := m.Deliver(context.Background(), testEvent("RecordAdded"))
	if err != nil || len(results) != 0 {
		t.Fatalf("expected no deliveries, got %+v, %v", results, err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no requests, got %d", hits)
	}
}

func TestManager_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager()
	ep := mustRegister(t, m, srv.URL)

	results, err := m.Deliver(context.Background(), testEvent("RecordAdded"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Attempt != 3 || results[0].Status != "success" {
		t.Errorf("expected success on third attempt, got %+v", results[0])
	}

	log, _ := m.Deliveries(context.Background(), ep.ID, 0)
	if len(log) != 3 {
		t.Fatalf("expected 3 logged attempts, got %d", len(log))
	}
	if log[0].Status != "success" || log[2].StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected newest-first log, got %+v", log)
	}
}

func TestManager_DoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := newTestManager()
	mustRegister(t, m, srv.URL)

	results, err := m.Deliver(context.Background(), testEvent("RecordAdded"))
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if atomic.LoadInt32(&hits) != 1 || results[0].Attempt != 1 {
		t.Errorf("expected a single attempt, got hits=%d attempt=%d", hits, results[0].Attempt)
	}
}

func TestManager_EnqueueAndRun(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		json.NewDecoder(r.Body).Decode(&ev)
		got <- ev.Type
	}))
	defer srv.Close()

	m := newTestManager()
	mustRegister(t, m, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if err := m.Enqueue(testEvent("RoleAssigned")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case typ := <-got:
		if typ != "RoleAssigned" {
			t.Errorf("unexpected event type %q", typ)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestManager_EnqueueFull(t *testing.T) {
	m := newTestManager(WithQueueSize(1))
	if err := m.Enqueue(testEvent("RecordAdded")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := m.Enqueue(testEvent("RecordAdded")); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestMemoryStore_TrimsDeliveryLog(t *testing.T) {
	s := NewMemoryStore()
	s.maxDeliveries = 2
	for _, id := range []string{"a", "b", "c"} {
		s.RecordDelivery(context.Background(), &DeliveryAttempt{ID: id, EndpointID: "ep"})
	}
	log, _ := s.ListDeliveries(context.Background(), "", 10)
	if len(log) != 2 || log[0].ID != "c" || log[1].ID != "b" {
		t.Errorf("unexpected log: %+v", log)
	}
}
