// Package rawstore reads the raw event store: one CSV file per stream, as
// exported by the operational systems, with a header row naming the columns.
package rawstore

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Input file names.
const (
	PatientsFile     = "patient_demographics.csv"
	DepartmentsFile  = "hospital_departments.csv"
	BedsFile         = "bed_inventory.csv"
	AdmissionsFile   = "patient_admissions.csv"
	ProceduresFile   = "medical_procedures.csv"
	BookingsFile     = "bed_bookings.csv"
	AvailabilityFile = "bed_availability.csv"
)

const cancelCheckEvery = 4096

// CSVSource loads a raw.Batch from a directory of CSV files.
type CSVSource struct {
	dir      string
	recorder *quality.Recorder
	logger   zerolog.Logger
}

func NewCSVSource(dir string, recorder *quality.Recorder, logger zerolog.Logger) *CSVSource {
	return &CSVSource{
		dir:      dir,
		recorder: recorder,
		logger:   logger.With().Str("component", "rawstore").Str("dir", dir).Logger(),
	}
}

// stream binds a file to its decoder. Optional files may be absent; a
// missing required file or any unreadable file aborts the load.
type stream[T any] struct {
	name     string
	file     string
	idColumn string
	optional bool
	parse    func(raw.Row) (T, error)
}

// Load reads every stream. Rows that fail to decode are recorded and
// skipped; only file-level failures are returned, as a PipelineAbort.
func (s *CSVSource) Load(ctx context.Context) (*raw.Batch, error) {
	b := &raw.Batch{}
	var err error

	if b.Patients, err = load(ctx, s, stream[raw.PatientSnapshot]{
		name: raw.StreamPatients, file: PatientsFile, idColumn: "patient_id", parse: raw.ParsePatient,
	}); err != nil {
		return nil, err
	}
	if b.Departments, err = load(ctx, s, stream[raw.Department]{
		name: raw.StreamDepartments, file: DepartmentsFile, idColumn: "department_id", parse: raw.ParseDepartment,
	}); err != nil {
		return nil, err
	}
	if b.Beds, err = load(ctx, s, stream[raw.Bed]{
		name: raw.StreamBeds, file: BedsFile, idColumn: "bed_id", parse: raw.ParseBed,
	}); err != nil {
		return nil, err
	}
	if b.Admissions, err = load(ctx, s, stream[raw.Admission]{
		name: raw.StreamAdmissions, file: AdmissionsFile, idColumn: "admission_id", parse: raw.ParseAdmission,
	}); err != nil {
		return nil, err
	}
	if b.Procedures, err = load(ctx, s, stream[raw.Procedure]{
		name: raw.StreamProcedures, file: ProceduresFile, idColumn: "procedure_id", optional: true, parse: raw.ParseProcedure,
	}); err != nil {
		return nil, err
	}
	if b.Bookings, err = load(ctx, s, stream[raw.Booking]{
		name: raw.StreamBookings, file: BookingsFile, idColumn: "booking_id", optional: true, parse: raw.ParseBooking,
	}); err != nil {
		return nil, err
	}
	if b.Availability, err = load(ctx, s, stream[raw.Availability]{
		name: raw.StreamAvailability, file: AvailabilityFile, idColumn: "availability_id", optional: true, parse: raw.ParseAvailability,
	}); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("patients", len(b.Patients)).
		Int("departments", len(b.Departments)).
		Int("beds", len(b.Beds)).
		Int("admissions", len(b.Admissions)).
		Int("procedures", len(b.Procedures)).
		Int("bookings", len(b.Bookings)).
		Int("availability", len(b.Availability)).
		Msg("raw batch loaded")
	return b, nil
}

func load[T any](ctx context.Context, s *CSVSource, st stream[T]) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, quality.Abort("load", err)
	}
	path := filepath.Join(s.dir, st.file)
	f, err := os.Open(path)
	if err != nil {
		if st.optional && errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("file", st.file).Msg("optional input missing, stream left empty")
			return nil, nil
		}
		return nil, quality.Abort("load", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	var out []T
	err = readRows(ctx, f, func(row raw.Row) {
		s.recorder.Read(st.name)
		v, err := st.parse(row)
		if err != nil {
			s.recorder.Error(st.name, row.ID(st.idColumn), err)
			return
		}
		out = append(out, v)
	})
	if err != nil {
		return nil, quality.Abort("load", fmt.Errorf("read %s: %w", path, err))
	}
	return out, nil
}

// readRows streams r row by row. Header names are trimmed and lower-cased;
// short rows leave the trailing columns empty.
func readRows(ctx context.Context, r io.Reader, fn func(raw.Row)) error {
	br := bufio.NewReaderSize(r, 256*1024)
	// Skip UTF-8 BOM if present
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(h))
	}

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		if line%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fields := make(map[string]string, len(cols))
		for i, c := range cols {
			if i < len(rec) {
				fields[c] = rec[i]
			}
		}
		fn(raw.Row{Line: line, Fields: fields})
	}
}
