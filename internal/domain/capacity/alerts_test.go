package capacity

import (
	"context"
	"errors"
	"testing"
)

type fakeAlertStore struct {
	alerts  map[string]Alert
	puts    int
	listErr error
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: make(map[string]Alert)}
}

func (f *fakeAlertStore) Put(_ context.Context, a Alert) error {
	f.puts++
	f.alerts[a.Key().String()] = a
	return nil
}

func (f *fakeAlertStore) Clear(_ context.Context, key AlertKey) error {
	delete(f.alerts, key.String())
	return nil
}

func (f *fakeAlertStore) List(_ context.Context) ([]Alert, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Alert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a)
	}
	return out, nil
}

func TestReconcile_ReplacesAndClears(t *testing.T) {
	e := newTestEngine()
	store := newFakeAlertStore()
	ctx := context.Background()

	first := []Alert{
		{DepartmentID: "CARD", Day: day("2024-01-02"), Severity: SeverityWatch, Message: "orange"},
		{DepartmentID: "EMER", Day: day("2024-01-02"), Severity: SeverityCritical, Message: "level 3"},
	}
	stats, err := e.Reconcile(ctx, store, first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Put != 2 || len(store.alerts) != 2 {
		t.Fatalf("expected 2 stored alerts, got %+v (%d)", stats, len(store.alerts))
	}

	// CARD escalates and EMER recovers.
	second := []Alert{
		{DepartmentID: "CARD", Day: day("2024-01-02"), Severity: SeverityWarning, Message: "level 2"},
	}
	stats, err = e.Reconcile(ctx, store, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Put != 1 || stats.Cleared != 1 {
		t.Errorf("expected one replace and one clear, got %+v", stats)
	}
	if len(store.alerts) != 1 {
		t.Fatalf("recomputation must not duplicate alerts, have %d", len(store.alerts))
	}
	if got := store.alerts["CARD|2024-01-02"]; got.Severity != SeverityWarning {
		t.Errorf("expected replaced alert, got %+v", got)
	}

	puts := store.puts
	stats, err = e.Reconcile(ctx, store, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Unchanged != 1 || store.puts != puts {
		t.Errorf("identical recomputation must not rewrite, got %+v", stats)
	}
}

func TestReconcile_ListError(t *testing.T) {
	store := newFakeAlertStore()
	store.listErr = errors.New("connection refused")
	if _, err := newTestEngine().Reconcile(context.Background(), store, nil); err == nil {
		t.Error("expected error")
	}
}
