package fact

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// cancelCheckEvery is how many rows a stream processes between context checks.
const cancelCheckEvery = 1024

type Options struct {
	// AsOf stands in for "now" when a discharge or checkout is missing.
	AsOf                  time.Time
	ReadmissionWindowDays int
	LongStayThresholdDays int
	Workers               int
}

// Transformer turns raw operational rows into fact rows against a finalized
// dimension set. Dimensions are only read.
type Transformer struct {
	opts     Options
	dims     *dimension.Dimensions
	recorder *quality.Recorder
	logger   zerolog.Logger
}

func NewTransformer(dims *dimension.Dimensions, opts Options, recorder *quality.Recorder, logger zerolog.Logger) *Transformer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Transformer{
		opts:     opts,
		dims:     dims,
		recorder: recorder,
		logger:   logger.With().Str("component", "fact-transformer").Logger(),
	}
}

// Run executes the independent fact streams concurrently. Procedures follow
// admissions inside the same stream because they join to them.
func (t *Transformer) Run(ctx context.Context, batch *raw.Batch) (*Facts, error) {
	out := &Facts{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		adm, err := t.Admissions(gctx, batch.Admissions)
		if err != nil {
			return err
		}
		proc, err := t.Procedures(gctx, batch.Procedures, adm)
		if err != nil {
			return err
		}
		out.Admissions, out.Procedures = adm, proc
		return nil
	})
	g.Go(func() error {
		occ, err := t.Occupancy(gctx, batch.Bookings)
		if err != nil {
			return err
		}
		out.Occupancy = occ
		return nil
	})
	g.Go(func() error {
		av, err := t.Availability(gctx, batch.Availability)
		if err != nil {
			return err
		}
		out.Availability = av
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	t.logger.Info().
		Int("admissions", len(out.Admissions)).
		Int("procedures", len(out.Procedures)).
		Int("occupancy", len(out.Occupancy)).
		Int("availability", len(out.Availability)).
		Msg("facts transformed")
	return out, nil
}

func checkCancel(ctx context.Context, i int) error {
	if i%cancelCheckEvery == 0 {
		return ctx.Err()
	}
	return nil
}

// resolvePatient finds the patient version valid on day. A patient whose
// first version starts after day falls back to that earliest version.
func (t *Transformer) resolvePatient(stream, record, patientID string, day time.Time) (dimension.PatientVersion, bool) {
	if v, ok := t.dims.Patients.AsOf(patientID, day); ok {
		return v, true
	}
	if v, ok := t.dims.Patients.Earliest(patientID); ok {
		t.recorder.Warn(stream, record, quality.Unresolved("patient version", patientID, quality.ResolvedFallback))
		return v, true
	}
	return dimension.PatientVersion{}, false
}

// inCalendar rejects facts whose primary date has no Date dimension row.
func (t *Transformer) inCalendar(day time.Time) error {
	if t.dims.Calendar != nil && !t.dims.Calendar.Covers(day) {
		return quality.Unresolved("date", day.Format(raw.DateLayout), quality.ResolvedSkipped)
	}
	return nil
}

func intPtr(v int) *int { return &v }
