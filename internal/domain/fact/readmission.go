package fact

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
)

// MarkReadmissions sets IsReadmission on facts in place. Admissions are
// partitioned by patient; partitions run on up to workers goroutines and each
// is scanned strictly in admission order.
//
// An admission is a readmission when an earlier, distinct admission of the
// same patient was discharged no later than this admission and at most
// windowDays calendar days before it.
func MarkReadmissions(ctx context.Context, facts []AdmissionFact, windowDays, workers int) error {
	partitions := make(map[string][]int)
	for i := range facts {
		partitions[facts[i].PatientID] = append(partitions[facts[i].PatientID], i)
	}

	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, idx := range partitions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			markPartition(facts, idx, windowDays)
			return nil
		})
	}
	return g.Wait()
}

// markPartition only writes the elements listed in idx, so partitions can
// run concurrently over the same slice.
func markPartition(facts []AdmissionFact, idx []int, windowDays int) {
	sort.Slice(idx, func(a, b int) bool {
		fa, fb := facts[idx[a]], facts[idx[b]]
		if !fa.AdmittedAt.Equal(fb.AdmittedAt) {
			return fa.AdmittedAt.Before(fb.AdmittedAt)
		}
		return fa.AdmissionID < fb.AdmissionID
	})

	for pos, cur := range idx {
		current := &facts[cur]
		current.IsReadmission = false
		for _, prev := range idx[:pos] {
			p := facts[prev]
			if p.AdmissionID == current.AdmissionID || p.DischargedAt == nil {
				continue
			}
			if p.DischargedAt.After(current.AdmittedAt) {
				continue
			}
			gap := dimension.DaysBetween(*p.DischargedAt, current.AdmittedAt)
			if gap >= 0 && gap <= windowDays {
				current.IsReadmission = true
				break
			}
		}
	}
}
