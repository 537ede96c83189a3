// Package pipeline runs the warehouse end to end: load, dimensions, facts,
// capacity analysis, publication and the alert stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/fact"
	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
	"github.com/ehr/hospitalwh/internal/platform/publish"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("a warehouse run is already in progress")

// Stage names, used in the report and as metric labels.
const (
	StageLoad       = "load"
	StageDimensions = "dimensions"
	StageFacts      = "facts"
	StageCapacity   = "capacity"
	StageTables     = "tables"
	StagePublish    = "publish"
	StageAlerts     = "alerts"
)

// Loader reads one complete raw batch.
type Loader interface {
	Load(ctx context.Context) (*raw.Batch, error)
}

// LoaderFunc builds the loader of one run around that run's recorder.
type LoaderFunc func(rec *quality.Recorder) Loader

// Metrics receives run telemetry. *telemetry.Metrics satisfies it.
type Metrics interface {
	quality.Observer
	ObserveStage(stage string, d time.Duration)
	RunFinished(status string, at time.Time)
	SetOccupancy(latest map[string]float64)
	SetAlerts(bySeverity map[string]int)
}

type Options struct {
	Dimensions dimension.Options
	// Facts.AsOf is ignored; the run's as-of instant is used instead.
	Facts fact.Options
	// AsOf pins the run's reference instant. Zero means the start time.
	AsOf time.Time
}

// Deps are the collaborators of a Runner. Publisher, Alerts and Metrics may
// be nil.
type Deps struct {
	Loader    LoaderFunc
	Engine    *capacity.Engine
	Publisher publish.Publisher
	Alerts    capacity.AlertStore
	Catalog   *Catalog
	Metrics   Metrics
}

// Runner executes warehouse runs one at a time.
type Runner struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu   sync.Mutex
	last atomic.Pointer[Report]
}

func NewRunner(opts Options, deps Deps, logger zerolog.Logger) *Runner {
	if deps.Catalog == nil {
		deps.Catalog = NewCatalog()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Runner{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Catalog returns the catalog the runner swaps published snapshots into.
func (r *Runner) Catalog() *Catalog { return r.deps.Catalog }

// Last returns the report of the most recent run attempt, or nil.
func (r *Runner) Last() *Report { return r.last.Load() }

// Run executes one complete run. On any error before publication nothing is
// published and the catalog keeps its previous snapshot. The report is
// returned in both cases.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	started := r.now().UTC()
	asOf := r.opts.AsOf
	if asOf.IsZero() {
		asOf = started
	}
	rep := &Report{RunID: r.newID(), AsOf: asOf, StartedAt: started}
	log := r.logger.With().Str("run_id", rep.RunID).Logger()
	rec := quality.NewRecorder(log, r.deps.Metrics)

	log.Info().Time("as_of", asOf).Msg("run started")
	snap, err := r.run(ctx, rep, rec, asOf, log)

	rep.collect(rec)
	rep.FinishedAt = r.now().UTC()
	rep.Status = statusOf(err)
	if err != nil {
		rep.Error = err.Error()
	}
	// The report is final before readers can reach it through the catalog.
	if snap != nil {
		r.deps.Catalog.Swap(snap)
	}
	r.deps.Metrics.RunFinished(rep.Status, rep.FinishedAt)
	r.last.Store(rep)

	evt := log.Info()
	if err != nil {
		evt = log.Error().Err(err)
	}
	evt.Str("status", rep.Status).Dur("duration", rep.Duration()).Msg("run finished")
	return rep, err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusPublished
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	case quality.IsAbort(err):
		return StatusAborted
	}
	return StatusFailed
}

// timed runs fn as one named stage.
func (r *Runner) timed(rep *Report, log zerolog.Logger, stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	rep.stage(stage, d)
	r.deps.Metrics.ObserveStage(stage, d)
	log.Debug().Str("stage", stage).Dur("duration", d).Err(err).Msg("stage finished")
	return err
}

// run executes the stages and returns the snapshot to make current, which is
// nil unless every publisher accepted the release.
func (r *Runner) run(ctx context.Context, rep *Report, rec *quality.Recorder, asOf time.Time, log zerolog.Logger) (*Snapshot, error) {
	var (
		batch  *raw.Batch
		dims   *dimension.Dimensions
		facts  *fact.Facts
		result *capacity.Result
		tables []*publish.Table
	)

	if err := r.timed(rep, log, StageLoad, func() error {
		var err error
		batch, err = r.deps.Loader(rec).Load(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if err := r.timed(rep, log, StageDimensions, func() error {
		b := dimension.NewBuilder(r.opts.Dimensions, rec, log)
		var stats dimension.BuildStats
		var err error
		dims, stats, err = b.Build(batch, r.deps.Catalog.Dimensions())
		rep.Dimensions = &stats
		return err
	}); err != nil {
		return nil, err
	}

	if err := r.timed(rep, log, StageFacts, func() error {
		opts := r.opts.Facts
		opts.AsOf = asOf
		var err error
		facts, err = fact.NewTransformer(dims, opts, rec, log).Run(ctx, batch)
		return err
	}); err != nil {
		return nil, err
	}

	if err := r.timed(rep, log, StageCapacity, func() error {
		var err error
		result, err = r.deps.Engine.Analyze(ctx, dims, facts)
		return err
	}); err != nil {
		return nil, err
	}

	if err := r.timed(rep, log, StageTables, func() error {
		var err error
		tables, err = BuildTables(dims, facts, result)
		return err
	}); err != nil {
		return nil, quality.Abort(StageTables, err)
	}
	for _, t := range tables {
		rep.Tables = append(rep.Tables, TableSummary{Name: t.Name, Rows: t.Len()})
	}

	snap := newSnapshot(rep.RunID, asOf, rep.StartedAt, dims, facts, result, tables)
	snap.Report = rep

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.deps.Publisher != nil {
		rep.Publishers = publisherNames(r.deps.Publisher)
		if err := r.timed(rep, log, StagePublish, func() error {
			return publish.Publish(ctx, r.deps.Publisher, snap.Release())
		}); err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
	}
	r.deps.Metrics.SetOccupancy(latestOccupancy(result.Daily))
	r.deps.Metrics.SetAlerts(alertsBySeverity(result.Alerts))
	rep.AlertsActive = len(result.Alerts)

	// The release is out from here on; an alert sink failure is reported
	// but does not undo it.
	if r.deps.Alerts != nil {
		_ = r.timed(rep, log, StageAlerts, func() error {
			stats, err := r.deps.Engine.Reconcile(ctx, r.deps.Alerts, result.Alerts)
			rep.Alerts = &stats
			if err != nil {
				log.Error().Err(err).Msg("alert reconciliation failed")
				rec.Warn(StageAlerts, rep.RunID, err)
			}
			return err
		})
	}
	return snap, nil
}

func publisherNames(p publish.Publisher) []string {
	if m, ok := p.(*publish.Multi); ok {
		return m.Names()
	}
	return []string{p.Name()}
}

// latestOccupancy returns each department's occupancy on its last day.
func latestOccupancy(daily []capacity.DailyMetric) map[string]float64 {
	type last struct {
		day  time.Time
		rate float64
	}
	seen := make(map[string]last)
	for _, m := range daily {
		if l, ok := seen[m.DepartmentID]; !ok || m.Date.After(l.day) {
			seen[m.DepartmentID] = last{day: m.Date, rate: m.OccupancyRate}
		}
	}
	out := make(map[string]float64, len(seen))
	for dept, l := range seen {
		out[dept] = l.rate
	}
	return out
}

func alertsBySeverity(alerts []capacity.Alert) map[string]int {
	out := make(map[string]int)
	for _, a := range alerts {
		out[a.Severity]++
	}
	return out
}

// TableNames lists a snapshot's tables in name order.
func TableNames(s *Snapshot) []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

type nopMetrics struct{}

func (nopMetrics) ObserveRecord(string, string, string) {}
func (nopMetrics) ObserveStage(string, time.Duration) {}
func (nopMetrics) RunFinished(string, time.Time) {}
func (nopMetrics) SetOccupancy(map[string]float64) {}
func (nopMetrics) SetAlerts(map[string]int) {}
