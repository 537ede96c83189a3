package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/fact"
	"github.com/ehr/hospitalwh/internal/platform/publish"
)

// Snapshot is the immutable output of one successful run.
type Snapshot struct {
	RunID      string
	AsOf       time.Time
	CreatedAt  time.Time
	Dimensions *dimension.Dimensions
	Facts      *fact.Facts
	Capacity   *capacity.Result
	Tables     []*publish.Table
	Report     *Report

	byName map[string]*publish.Table
}

func newSnapshot(runID string, asOf, createdAt time.Time, dims *dimension.Dimensions,
	facts *fact.Facts, res *capacity.Result, tables []*publish.Table) *Snapshot {
	s := &Snapshot{
		RunID:      runID,
		AsOf:       asOf,
		CreatedAt:  createdAt,
		Dimensions: dims,
		Facts:      facts,
		Capacity:   res,
		Tables:     tables,
		byName:     make(map[string]*publish.Table, len(tables)),
	}
	for _, t := range tables {
		s.byName[t.Name] = t
	}
	return s
}

// Table returns the named table of the snapshot.
func (s *Snapshot) Table(name string) (*publish.Table, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Release hands the snapshot's tables to the publishers.
func (s *Snapshot) Release() *publish.Release {
	return &publish.Release{
		RunID:     s.RunID,
		AsOf:      s.AsOf,
		CreatedAt: s.CreatedAt,
		Tables:    s.Tables,
	}
}

// Catalog is what the read API serves: the snapshot of the last published
// run. Readers never see a run that has not been fully published.
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

func NewCatalog() *Catalog { return &Catalog{} }

// Current returns the published snapshot, or nil before the first run.
func (c *Catalog) Current() *Snapshot { return c.current.Load() }

// Swap makes s current and returns the snapshot it replaced.
func (c *Catalog) Swap(s *Snapshot) *Snapshot { return c.current.Swap(s) }

// Capacity serves the capacity handler.
func (c *Catalog) Capacity() (*capacity.Result, bool) {
	s := c.current.Load()
	if s == nil {
		return nil, false
	}
	return s.Capacity, true
}

// Dimensions returns the published dimension set so the next run can extend
// it, or nil before the first run.
func (c *Catalog) Dimensions() *dimension.Dimensions {
	if s := c.current.Load(); s != nil {
		return s.Dimensions
	}
	return nil
}
