package dimension

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Dimensions is the finalized dimension set of one processing window. It is
// read-only once Build returns.
type Dimensions struct {
	Calendar       *Calendar
	Departments    *ReferenceTable[Department]
	Physicians     *ReferenceTable[Physician]
	ProcedureTypes *ReferenceTable[ProcedureType]
	Beds           *ReferenceTable[Bed]
	Weather        *ReferenceTable[Weather]
	Patients       *PatientHistory
}

// NewDimensions returns an empty dimension set.
func NewDimensions(policy string) *Dimensions {
	return &Dimensions{
		Departments:    newDepartmentTable(),
		Physicians:     newPhysicianTable(),
		ProcedureTypes: newProcedureTypeTable(),
		Beds:           newBedTable(),
		Weather:        newWeatherTable(),
		Patients:       NewPatientHistory(policy),
	}
}

// Clone copies every append-only table so a new run can extend it while
// readers keep using d.
func (d *Dimensions) Clone() *Dimensions {
	return &Dimensions{
		Calendar:       d.Calendar,
		Departments:    d.Departments.Clone(),
		Physicians:     d.Physicians.Clone(),
		ProcedureTypes: d.ProcedureTypes.Clone(),
		Beds:           d.Beds.Clone(),
		Weather:        d.Weather.Clone(),
		Patients:       d.Patients.Clone(),
	}
}

func (d *Dimensions) Department(id string) (Department, bool) {
	return d.Departments.Lookup(id)
}

func (d *Dimensions) Physician(name string) (Physician, bool) {
	if strings.TrimSpace(name) == "" {
		name = PlaceholderName
	}
	return d.Physicians.Lookup(normalizeName(name))
}

func (d *Dimensions) Bed(id string) (Bed, bool) {
	return d.Beds.Lookup(id)
}

func (d *Dimensions) ProcedureType(code string) (ProcedureType, bool) {
	return d.ProcedureTypes.Lookup(code)
}

// WeatherKey resolves a weather condition case-insensitively.
func (d *Dimensions) WeatherKey(condition string) (int, bool) {
	return d.Weather.Key(strings.ToLower(strings.TrimSpace(condition)))
}

// Options configures a Builder.
type Options struct {
	CalendarStart  time.Time
	HorizonDays    int
	ConflictPolicy string
}

// BuildStats summarizes what a build appended.
type BuildStats struct {
	Dates              int            `json:"dates"`
	Inserted           map[string]int `json:"inserted"`
	PatientInserted    int            `json:"patient_inserted"`
	PatientSuperseded  int            `json:"patient_superseded"`
	PatientUnchanged   int            `json:"patient_unchanged"`
	PatientRejected    int            `json:"patient_rejected"`
	PlaceholderEntries int            `json:"placeholder_entries"`
}

// Builder finalizes the dimensions of a processing window before any fact
// references them.
type Builder struct {
	opts     Options
	recorder *quality.Recorder
	logger   zerolog.Logger
}

func NewBuilder(opts Options, recorder *quality.Recorder, logger zerolog.Logger) *Builder {
	return &Builder{
		opts:     opts,
		recorder: recorder,
		logger:   logger.With().Str("component", "dimension-builder").Logger(),
	}
}

// Build extends prev (nil on a first run) with everything batch introduces.
// prev is not modified.
func (b *Builder) Build(batch *raw.Batch, prev *Dimensions) (*Dimensions, BuildStats, error) {
	stats := BuildStats{Inserted: make(map[string]int)}

	cal, err := BuildCalendar(b.opts.CalendarStart, b.opts.HorizonDays)
	if err != nil {
		return nil, stats, quality.Abort("dimensions", err)
	}
	stats.Dates = len(cal.Dates)

	var dims *Dimensions
	if prev != nil {
		dims = prev.Clone()
		dims.Patients = dims.Patients.WithPolicy(b.opts.ConflictPolicy)
	} else {
		dims = NewDimensions(b.opts.ConflictPolicy)
	}
	dims.Calendar = cal

	b.buildDepartments(dims, batch, &stats)
	b.buildBeds(dims, batch, &stats)
	b.buildPhysicians(dims, batch, &stats)
	b.buildProcedureTypes(dims, batch, &stats)
	stats.Inserted["weather"] = dims.Weather.Upsert(WeatherConditions)
	b.buildPatients(dims, batch, &stats)

	if dims.Departments.Len() == 0 {
		return nil, stats, quality.Abort("dimensions", errors.New("no departments available"))
	}

	b.logger.Info().
		Int("dates", stats.Dates).
		Interface("inserted", stats.Inserted).
		Int("patient_versions", dims.Patients.Len()).
		Int("placeholders", stats.PlaceholderEntries).
		Msg("dimensions built")

	return dims, stats, nil
}

func (b *Builder) buildDepartments(dims *Dimensions, batch *raw.Batch, stats *BuildStats) {
	seen := make(map[string]bool, len(batch.Departments))
	for _, d := range batch.Departments {
		if seen[d.DepartmentID] {
			b.recorder.Skip(raw.StreamDepartments, d.DepartmentID, "duplicate department_id")
			continue
		}
		seen[d.DepartmentID] = true
		if _, ok := dims.Departments.Insert(Department{
			DepartmentID:   d.DepartmentID,
			Name:           d.Name,
			Head:           d.Head,
			Floor:          d.Floor,
			Specialization: d.Specialization,
			BedCapacity:    d.BedCapacity,
		}); ok {
			stats.Inserted["department"]++
		}
		b.recorder.Processed(raw.StreamDepartments)
	}

	// Departments referenced by admissions but absent from the roster get a
	// placeholder so the admission still joins.
	for _, a := range batch.Admissions {
		b.departmentPlaceholder(dims, a.DepartmentID, stats)
	}
}

func (b *Builder) departmentPlaceholder(dims *Dimensions, id string, stats *BuildStats) {
	if id == "" {
		id = PlaceholderName
	}
	if _, ok := dims.Departments.Lookup(id); ok {
		return
	}
	dims.Departments.Insert(Department{
		DepartmentID:  id,
		Name:          PlaceholderName,
		IsPlaceholder: true,
	})
	stats.Inserted["department"]++
	stats.PlaceholderEntries++
}

func (b *Builder) buildBeds(dims *Dimensions, batch *raw.Batch, stats *BuildStats) {
	seen := make(map[string]bool, len(batch.Beds))
	for _, bed := range batch.Beds {
		if seen[bed.BedID] {
			b.recorder.Skip(raw.StreamBeds, bed.BedID, "duplicate bed_id")
			continue
		}
		seen[bed.BedID] = true
		if _, ok := dims.Departments.Lookup(bed.DepartmentID); !ok {
			b.departmentPlaceholder(dims, bed.DepartmentID, stats)
			b.recorder.Warn(raw.StreamBeds, bed.BedID,
				quality.Unresolved("department", bed.DepartmentID, quality.ResolvedPlaceholder))
		}
		if _, ok := dims.Beds.Insert(Bed{
			BedID:        bed.BedID,
			DepartmentID: bed.DepartmentID,
			RoomNumber:   bed.RoomNumber,
			BedNumber:    bed.BedNumber,
			BedType:      bed.BedType,
			Equipment:    bed.Equipment,
			DailyRate:    bed.DailyRate,
			IsActive:     bed.IsActive,
		}); ok {
			stats.Inserted["bed"]++
		}
		b.recorder.Processed(raw.StreamBeds)
	}
}

// buildPhysicians seeds the roster from department heads, then adds
// placeholders for any attending or performing physician not on it.
func (b *Builder) buildPhysicians(dims *Dimensions, batch *raw.Batch, stats *BuildStats) {
	for _, d := range batch.Departments {
		if d.Head == "" {
			continue
		}
		if _, ok := dims.Physicians.Insert(Physician{Name: d.Head, DepartmentID: d.DepartmentID}); ok {
			stats.Inserted["physician"]++
		}
	}

	placeholder := func(name, dept string) {
		if strings.TrimSpace(name) == "" {
			name = PlaceholderName
		}
		if _, ok := dims.Physician(name); ok {
			return
		}
		dims.Physicians.Insert(Physician{Name: name, DepartmentID: dept, IsPlaceholder: true})
		stats.Inserted["physician"]++
		stats.PlaceholderEntries++
	}
	for _, a := range batch.Admissions {
		placeholder(a.AttendingPhysician, a.DepartmentID)
	}
	for _, p := range batch.Procedures {
		placeholder(p.PerformingPhysician, "")
	}
}

func (b *Builder) buildProcedureTypes(dims *Dimensions, batch *raw.Batch, stats *BuildStats) {
	for _, p := range batch.Procedures {
		if _, ok := dims.ProcedureTypes.Insert(ProcedureType{Code: p.ProcedureCode, Name: p.ProcedureName}); ok {
			stats.Inserted["procedure_type"]++
		}
	}
}

// buildPatients applies snapshots per patient in effective date order. Input
// order breaks ties, so a same-day conflict is decided by which row came last.
func (b *Builder) buildPatients(dims *Dimensions, batch *raw.Batch, stats *BuildStats) {
	snaps := make([]raw.PatientSnapshot, len(batch.Patients))
	copy(snaps, batch.Patients)
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].PatientID != snaps[j].PatientID {
			return snaps[i].PatientID < snaps[j].PatientID
		}
		return snaps[i].EffectiveDate.Before(snaps[j].EffectiveDate)
	})

	for _, s := range snaps {
		outcome, err := dims.Patients.Apply(s.PatientID, s.Demographics, s.EffectiveDate)
		if err != nil {
			stats.PatientRejected++
			b.recorder.Error(raw.StreamPatients, s.PatientID, err)
			continue
		}
		switch outcome {
		case OutcomeInserted:
			stats.PatientInserted++
		case OutcomeSuperseded:
			stats.PatientSuperseded++
		default:
			stats.PatientUnchanged++
		}
		b.recorder.Processed(raw.StreamPatients)
	}
	stats.Inserted["patient"] = stats.PatientInserted + stats.PatientSuperseded
}
