package pipeline

import (
	"time"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Run statuses, also used as metric labels.
const (
	StatusPublished = "published"
	StatusAborted   = "aborted"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// StageTiming is how long one pipeline stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

type TableSummary struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// Report describes one run, successful or not.
type Report struct {
	RunID        string                    `json:"run_id"`
	Status       string                    `json:"status"`
	Error        string                    `json:"error,omitempty"`
	AsOf         time.Time                 `json:"as_of"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
	Stages       []StageTiming             `json:"stages"`
	Streams      map[string]quality.Counts `json:"streams"`
	Issues       []quality.Issue           `json:"issues,omitempty"`
	IssuesLost   int                       `json:"issues_dropped,omitempty"`
	Dimensions   *dimension.BuildStats     `json:"dimensions,omitempty"`
	Tables       []TableSummary            `json:"tables,omitempty"`
	Publishers   []string                  `json:"publishers,omitempty"`
	Alerts       *capacity.ReconcileStats  `json:"alerts,omitempty"`
	AlertsActive int                       `json:"alerts_active"`
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

func (r *Report) stage(name string, d time.Duration) {
	r.Stages = append(r.Stages, StageTiming{Stage: name, Duration: d})
}

func (r *Report) collect(rec *quality.Recorder) {
	r.Streams = rec.Snapshot()
	r.Issues, r.IssuesLost = rec.Issues()
}
