package quality

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxIssues bounds the issue list kept for the run report.
const DefaultMaxIssues = 500

// Record outcomes reported to an Observer.
const (
	OutcomeRead      = "read"
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeErrored   = "errored"
	OutcomeWarning   = "warning"
)

// Counts is the per-stream tally of a run. Skipped includes Errored; the
// difference is rows dropped without an error, such as duplicates.
type Counts struct {
	Read      int `json:"read"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
	Warnings  int `json:"warnings"`
}

// Issue is one recorded data-quality event.
type Issue struct {
	Stream  string `json:"stream"`
	Record  string `json:"record"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Observer receives every recorded outcome, typically a metrics exporter.
type Observer interface {
	ObserveRecord(stream, outcome, kind string)
}

// Recorder collects record-level outcomes for one run. It is safe for
// concurrent use by the fact streams.
type Recorder struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	observer  Observer
	counts    map[string]*Counts
	issues    []Issue
	dropped   int
	maxIssues int
}

// NewRecorder returns a Recorder that logs through logger. observer may be nil.
func NewRecorder(logger zerolog.Logger, observer Observer) *Recorder {
	return &Recorder{
		logger:    logger.With().Str("component", "quality").Logger(),
		observer:  observer,
		counts:    make(map[string]*Counts),
		maxIssues: DefaultMaxIssues,
	}
}

func (r *Recorder) tally(stream string) *Counts {
	c, ok := r.counts[stream]
	if !ok {
		c = &Counts{}
		r.counts[stream] = c
	}
	return c
}

func (r *Recorder) observe(stream, outcome, kind string) {
	if r.observer != nil {
		r.observer.ObserveRecord(stream, outcome, kind)
	}
}

func (r *Recorder) addIssue(is Issue) {
	if len(r.issues) >= r.maxIssues {
		r.dropped++
		return
	}
	r.issues = append(r.issues, is)
}

// Read counts one raw row read from stream.
func (r *Recorder) Read(stream string) {
	r.mu.Lock()
	r.tally(stream).Read++
	r.mu.Unlock()
	r.observe(stream, OutcomeRead, "")
}

// Processed counts one row emitted by stream.
func (r *Recorder) Processed(stream string) {
	r.mu.Lock()
	r.tally(stream).Processed++
	r.mu.Unlock()
	r.observe(stream, OutcomeProcessed, "")
}

// Skip counts a row dropped without an error.
func (r *Recorder) Skip(stream, record, reason string) {
	r.mu.Lock()
	r.tally(stream).Skipped++
	r.mu.Unlock()
	r.logger.Debug().Str("stream", stream).Str("record", record).Str("reason", reason).Msg("record skipped")
	r.observe(stream, OutcomeSkipped, "")
}

// Error counts a row that was rejected by err and therefore skipped.
func (r *Recorder) Error(stream, record string, err error) {
	kind := Kind(err)
	r.mu.Lock()
	c := r.tally(stream)
	c.Skipped++
	c.Errored++
	r.addIssue(Issue{Stream: stream, Record: record, Kind: kind, Message: err.Error()})
	r.mu.Unlock()
	r.logger.Warn().Err(err).Str("stream", stream).Str("record", record).Str("kind", kind).Msg("record rejected")
	r.observe(stream, OutcomeErrored, kind)
}

// Warn records a data-quality warning on a row that was still emitted.
func (r *Recorder) Warn(stream, record string, err error) {
	kind := Kind(err)
	r.mu.Lock()
	r.tally(stream).Warnings++
	r.addIssue(Issue{Stream: stream, Record: record, Kind: kind, Message: err.Error()})
	r.mu.Unlock()
	r.logger.Info().Err(err).Str("stream", stream).Str("record", record).Str("kind", kind).Msg("data quality warning")
	r.observe(stream, OutcomeWarning, kind)
}

// Counts returns the tally for stream.
func (r *Recorder) Counts(stream string) Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counts[stream]; ok {
		return *c
	}
	return Counts{}
}

// Snapshot copies every stream tally.
func (r *Recorder) Snapshot() map[string]Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Counts, len(r.counts))
	for k, v := range r.counts {
		out[k] = *v
	}
	return out
}

// Streams lists the streams seen so far in name order.
func (r *Recorder) Streams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counts))
	for k := range r.counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Issues returns the recorded issues and how many were dropped past the cap.
func (r *Recorder) Issues() ([]Issue, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Issue, len(r.issues))
	copy(out, r.issues)
	return out, r.dropped
}
