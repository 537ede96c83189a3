// Package alerts holds the operational alert sink: the current alert per
// (department, day), kept in memory or in Redis.
package alerts

import (
	"context"
	"sort"
	"sync"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
)

// MemoryStore is a thread-safe in-process capacity.AlertStore.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]capacity.Alert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]capacity.Alert)}
}

func (s *MemoryStore) Put(_ context.Context, a capacity.Alert) error {
	s.mu.Lock()
	s.alerts[a.Key().String()] = a
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key capacity.AlertKey) error {
	s.mu.Lock()
	delete(s.alerts, key.String())
	s.mu.Unlock()
	return nil
}

// List returns the stored alerts ordered by key.
func (s *MemoryStore) List(_ context.Context) ([]capacity.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]capacity.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

func sortAlerts(list []capacity.Alert) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key().String() < list[j].Key().String()
	})
}
