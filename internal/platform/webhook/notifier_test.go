package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
)

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"key":"CARD|2024-06-02"}`)
	sig := SignPayload(payload, "secret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if sig != SignPayload(payload, "secret") {
		t.Error("expected a deterministic signature")
	}
	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature to fail under a different secret")
	}
	if VerifySignature([]byte(`{}`), "secret", sig) {
		t.Error("expected signature to fail for a different payload")
	}
}

func TestNewNotifier_ValidatesURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.org/alerts", false},
		{"http://localhost:9000/hook", false},
		{"", true},
		{"ftp://hooks.example.org", true},
		{"http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := NewNotifier(tt.url, "", zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewNotifier(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

type captured struct {
	header http.Header
	body   []byte
}

func recordingServer(t *testing.T, statuses ...int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		n := len(reqs)
		reqs = append(reqs, captured{header: r.Header.Clone(), body: body})
		mu.Unlock()
		status := http.StatusOK
		if n < len(statuses) {
			status = statuses[n]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), reqs...)
	}
}

func TestNotifier_SendSigned(t *testing.T) {
	srv, requests := recordingServer(t)
	n, err := NewNotifier(srv.URL, "s3cret", zerolog.Nop())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	a := capacity.Alert{DepartmentID: "CARD", Day: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), Severity: capacity.SeverityCritical, Message: "surge"}
	if err := n.Send(context.Background(), Event{Type: EventAlertPut, Key: a.Key().String(), Alert: &a}); err != nil {
		t.Fatalf("send: %v", err)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	got := reqs[0]
	sig := strings.TrimPrefix(got.header.Get("X-Webhook-Signature"), "sha256=")
	if !VerifySignature(got.body, "s3cret", sig) {
		t.Error("expected the body signature to verify")
	}
	if got.header.Get("X-Webhook-Event") != EventAlertPut {
		t.Errorf("expected event header %q, got %q", EventAlertPut, got.header.Get("X-Webhook-Event"))
	}
	var ev Event
	if err := json.Unmarshal(got.body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.ID == "" || ev.ID != got.header.Get("X-Webhook-ID") {
		t.Errorf("expected matching event id, body %q header %q", ev.ID, got.header.Get("X-Webhook-ID"))
	}
	if ev.Key != "CARD|2024-06-02" || ev.Alert == nil || ev.Alert.Message != "surge" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestNotifier_NoSecretNoSignature(t *testing.T) {
	srv, requests := recordingServer(t)
	n, _ := NewNotifier(srv.URL, "", zerolog.Nop())
	if err := n.Send(context.Background(), Event{Type: EventAlertClear, Key: "CARD|2024-06-02"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if h := requests()[0].header.Get("X-Webhook-Signature"); h != "" {
		t.Errorf("expected no signature header, got %q", h)
	}
}

func TestNotifier_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int
		wantErr   bool
	}{
		{"recovers after server errors", []int{500, 503}, 3, false},
		{"retries rate limiting", []int{429}, 2, false},
		{"gives up after all retries", []int{500, 500, 500}, 3, true},
		{"client error is permanent", []int{400}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, requests := recordingServer(t, tt.statuses...)
			n, _ := NewNotifier(srv.URL, "", zerolog.Nop(), WithRetryDelays(time.Millisecond, time.Millisecond))
			err := n.Send(context.Background(), Event{Type: EventAlertPut, Key: "k"})
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
			if got := len(requests()); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestNotifier_CancelledDuringBackoff(t *testing.T) {
	srv, requests := recordingServer(t, 500, 500)
	n, _ := NewNotifier(srv.URL, "", zerolog.Nop(), WithRetryDelays(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Send(ctx, Event{Type: EventAlertPut, Key: "k"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after cancel")
	}
}

// memStore is a minimal AlertStore for the decorator tests.
type memStore struct {
	alerts map[capacity.AlertKey]capacity.Alert
	err    error
}

func (m *memStore) Put(_ context.Context, a capacity.Alert) error {
	if m.err != nil {
		return m.err
	}
	m.alerts[a.Key()] = a
	return nil
}

func (m *memStore) Clear(_ context.Context, key capacity.AlertKey) error {
	if m.err != nil {
		return m.err
	}
	delete(m.alerts, key)
	return nil
}

func (m *memStore) List(context.Context) ([]capacity.Alert, error) {
	out := make([]capacity.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out, nil
}

// startStore runs the delivery loop until the test ends.
func startStore(t *testing.T, store *Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStore_NotifiesChanges(t *testing.T) {
	srv, requests := recordingServer(t)
	n, _ := NewNotifier(srv.URL, "", zerolog.Nop())
	inner := &memStore{alerts: map[capacity.AlertKey]capacity.Alert{}}
	store := NewStore(inner, n, 0)
	startStore(t, store)
	ctx := context.Background()

	a := capacity.Alert{DepartmentID: "ICU", Day: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), Message: "high"}
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Clear(ctx, a.Key()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	waitFor(t, func() bool { return len(requests()) == 2 })
	reqs := requests()
	for i, want := range []string{EventAlertPut, EventAlertClear} {
		if got := reqs[i].header.Get("X-Webhook-Event"); got != want {
			t.Errorf("delivery %d: expected %q, got %q", i, want, got)
		}
	}
	if list, _ := store.List(ctx); len(list) != 0 {
		t.Errorf("expected empty store, got %d alerts", len(list))
	}
}

func TestStore_DeliveryFailureKeepsAlert(t *testing.T) {
	srv, requests := recordingServer(t, 400)
	n, _ := NewNotifier(srv.URL, "", zerolog.Nop())
	inner := &memStore{alerts: map[capacity.AlertKey]capacity.Alert{}}
	store := NewStore(inner, n, 0)
	startStore(t, store)

	a := capacity.Alert{DepartmentID: "ICU", Day: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)}
	if err := store.Put(context.Background(), a); err != nil {
		t.Fatalf("expected delivery failure to be swallowed, got %v", err)
	}
	waitFor(t, func() bool { return len(requests()) == 1 })
	if len(inner.alerts) != 1 {
		t.Errorf("expected the alert to be stored, got %d", len(inner.alerts))
	}
}

func TestStore_InnerFailureSkipsDelivery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	n, _ := NewNotifier(srv.URL, "", zerolog.Nop())
	store := NewStore(&memStore{err: errors.New("redis down")}, n, 0)

	if err := store.Put(context.Background(), capacity.Alert{DepartmentID: "ICU"}); err == nil {
		t.Fatal("expected the store error")
	}
	if store.Pending() != 0 {
		t.Errorf("expected nothing queued, got %d", store.Pending())
	}
	if calls.Load() != 0 {
		t.Errorf("expected no delivery, got %d", calls.Load())
	}
}

func TestStore_DeadEndpointDoesNotBlockReconcile(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	n, _ := NewNotifier(srv.URL, "", zerolog.Nop(), WithRetryDelays(time.Hour, time.Hour))
	inner := &memStore{alerts: map[capacity.AlertKey]capacity.Alert{}}
	store := NewStore(inner, n, 2)
	startStore(t, store)

	day := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	var want []capacity.Alert
	for i, dept := range []string{"ICU", "CARD", "ER", "PED", "ONC"} {
		want = append(want, capacity.Alert{DepartmentID: dept, Day: day.AddDate(0, 0, i), Severity: capacity.SeverityCritical})
	}

	engine := capacity.NewEngine(capacity.Options{}, zerolog.Nop())
	done := make(chan capacity.ReconcileStats, 1)
	go func() {
		stats, err := engine.Reconcile(context.Background(), store, want)
		if err != nil {
			t.Errorf("reconcile: %v", err)
		}
		done <- stats
	}()

	select {
	case stats := <-done:
		if stats.Put != len(want) {
			t.Errorf("expected %d puts, got %d", len(want), stats.Put)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile blocked on webhook delivery")
	}
	if len(inner.alerts) != len(want) {
		t.Errorf("expected %d stored alerts, got %d", len(want), len(inner.alerts))
	}
	if store.Pending() > 2 {
		t.Errorf("expected the queue to stay within its bound, got %d", store.Pending())
	}
}

func TestStore_CloseDrainsQueue(t *testing.T) {
	srv, requests := recordingServer(t)
	n, _ := NewNotifier(srv.URL, "", zerolog.Nop())
	store := NewStore(&memStore{alerts: map[capacity.AlertKey]capacity.Alert{}}, n, 0)
	ctx := context.Background()

	day := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	for _, dept := range []string{"ICU", "CARD", "ER"} {
		if err := store.Put(ctx, capacity.Alert{DepartmentID: dept, Day: day}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	store.Close()
	store.Close()
	if err := store.Put(ctx, capacity.Alert{DepartmentID: "PED", Day: day}); err != nil {
		t.Fatalf("put after close: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Run(ctx)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the queue drained")
	}
	if got := len(requests()); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
}
