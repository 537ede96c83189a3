package rawstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

func writeFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// writeRequired writes the four files a load cannot do without.
func writeRequired(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, dir, PatientsFile,
		"\ufeffpatient_id,first_name,last_name,date_of_birth,gender,registration_date,last_visit_date",
		"PAT000001,Ana,Diaz,1980-02-03,F,2023-01-05,2024-01-10",
		"PAT000002,Ben,Ode,1975-07-21,M,2023-03-01,",
		",No,Id,1990-01-01,F,2023-01-01,",
	)
	writeFile(t, dir, DepartmentsFile,
		"department_id,department_name,department_head,floor_number,specialization,bed_capacity",
		"CARD,Cardiology,Dr. Sarah Chen,3,Heart,40",
		"EMER,Emergency,Dr. Michael Torres,1,Trauma,not-a-number",
	)
	writeFile(t, dir, BedsFile,
		"bed_id,department_id,room_number,bed_number,bed_type,equipment,is_active,daily_rate",
		"CARD-201-A,CARD,201,A,ICU,Monitor,True,1200.00",
	)
	writeFile(t, dir, AdmissionsFile,
		"admission_id,patient_id,admission_date,admission_time,discharge_date,discharge_time,department_id,admission_type,attending_physician,total_charges,weather_condition",
		`ADM0001,PAT000001,2024-01-01,08:30:00,2024-01-05,11:00:00,CARD,Emergency,"Dr. Sarah Chen",15000.50,Sunny`,
	)
}

func newSource(dir string) (*CSVSource, *quality.Recorder) {
	rec := quality.NewRecorder(zerolog.Nop(), nil)
	return NewCSVSource(dir, rec, zerolog.Nop()), rec
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeRequired(t, dir)
	writeFile(t, dir, AvailabilityFile,
		"availability_id,bed_id,date,status,last_updated",
		"AV1,CARD-201-A,2024-01-02,Out of Service,2024-01-02 07:00:00",
	)

	src, rec := newSource(dir)
	b, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(b.Patients) != 2 {
		t.Fatalf("expected 2 patients, got %d", len(b.Patients))
	}
	if got := b.Patients[0].EffectiveDate.Format(raw.DateLayout); got != "2024-01-10" {
		t.Errorf("expected last visit as effective date, got %s", got)
	}
	if b.Patients[0].Line != 2 {
		t.Errorf("expected data line 2, got %d", b.Patients[0].Line)
	}
	if c := rec.Counts(raw.StreamPatients); c.Read != 3 || c.Errored != 1 {
		t.Errorf("unexpected patient counts %+v", c)
	}

	if len(b.Departments) != 1 || b.Departments[0].BedCapacity != 40 {
		t.Errorf("unexpected departments %+v", b.Departments)
	}
	if c := rec.Counts(raw.StreamDepartments); c.Errored != 1 {
		t.Errorf("expected bad capacity recorded, got %+v", c)
	}

	if len(b.Admissions) != 1 || b.Admissions[0].AttendingPhysician != "Dr. Sarah Chen" {
		t.Errorf("unexpected admissions %+v", b.Admissions)
	}
	if b.Admissions[0].AdmittedAt.Hour() != 8 || b.Admissions[0].AdmittedAt.Minute() != 30 {
		t.Errorf("admission clock not applied: %s", b.Admissions[0].AdmittedAt)
	}

	if len(b.Availability) != 1 || b.Availability[0].Status != "Out of Service" {
		t.Errorf("unexpected availability %+v", b.Availability)
	}
	if b.Procedures != nil || b.Bookings != nil {
		t.Errorf("missing optional files must leave streams empty")
	}
}

func TestLoad_MissingRequiredFileAborts(t *testing.T) {
	dir := t.TempDir()
	writeRequired(t, dir)
	if err := os.Remove(filepath.Join(dir, BedsFile)); err != nil {
		t.Fatal(err)
	}

	src, _ := newSource(dir)
	_, err := src.Load(context.Background())
	if !quality.IsAbort(err) {
		t.Fatalf("expected PipelineAbort, got %v", err)
	}
}

func TestLoad_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeRequired(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src, _ := newSource(dir)
	if _, err := src.Load(ctx); !quality.IsAbort(err) {
		t.Fatalf("expected PipelineAbort on cancelled context, got %v", err)
	}
}

func TestReadRows_ShortRowsAndHeaderCase(t *testing.T) {
	in := " Bed_ID ,Status\nB1,Available\nB2\n"
	var rows []raw.Row
	err := readRows(context.Background(), strings.NewReader(in), func(r raw.Row) {
		cp := make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			cp[k] = v
		}
		rows = append(rows, raw.Row{Line: r.Line, Fields: cp})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Get("bed_id") != "B1" || rows[0].Get("status") != "Available" {
		t.Errorf("unexpected first row %+v", rows[0].Fields)
	}
	if rows[1].Get("status") != "" || rows[1].Line != 3 {
		t.Errorf("unexpected short row %+v", rows[1])
	}
}

func TestReadRows_Empty(t *testing.T) {
	called := false
	if err := readRows(context.Background(), strings.NewReader(""), func(raw.Row) { called = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("expected no rows")
	}
}
