package capacity

import (
	"context"
	"fmt"
)

// AlertStore holds at most one alert per AlertKey.
type AlertStore interface {
	Put(ctx context.Context, a Alert) error
	Clear(ctx context.Context, key AlertKey) error
	List(ctx context.Context) ([]Alert, error)
}

// ReconcileStats counts what Reconcile changed.
type ReconcileStats struct {
	Put       int `json:"put"`
	Cleared   int `json:"cleared"`
	Unchanged int `json:"unchanged"`
}

// Reconcile makes store hold exactly alerts. A stored alert whose key is
// recomputed is replaced; one whose condition no longer holds is cleared.
func (e *Engine) Reconcile(ctx context.Context, store AlertStore, alerts []Alert) (ReconcileStats, error) {
	var stats ReconcileStats

	existing, err := store.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing alerts: %w", err)
	}
	stored := make(map[string]Alert, len(existing))
	for _, a := range existing {
		stored[a.Key().String()] = a
	}

	wanted := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		k := a.Key().String()
		wanted[k] = true
		if prev, ok := stored[k]; ok && sameAlert(prev, a) {
			stats.Unchanged++
			continue
		}
		if err := store.Put(ctx, a); err != nil {
			return stats, fmt.Errorf("storing alert %s: %w", k, err)
		}
		stats.Put++
	}

	for k, a := range stored {
		if wanted[k] {
			continue
		}
		if err := store.Clear(ctx, a.Key()); err != nil {
			return stats, fmt.Errorf("clearing alert %s: %w", k, err)
		}
		stats.Cleared++
	}

	e.logger.Info().
		Int("put", stats.Put).
		Int("cleared", stats.Cleared).
		Int("unchanged", stats.Unchanged).
		Msg("alerts reconciled")
	return stats, nil
}

func sameAlert(a, b Alert) bool {
	return a.DepartmentID == b.DepartmentID &&
		a.Day.Equal(b.Day) &&
		a.Severity == b.Severity &&
		a.Band == b.Band &&
		a.SurgeTier == b.SurgeTier &&
		a.Message == b.Message &&
		a.RecommendedAction == b.RecommendedAction
}
