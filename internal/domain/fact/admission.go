package fact

import (
	"context"
	"sort"
	"strings"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Admissions builds admission facts, then marks readmissions per patient.
func (t *Transformer) Admissions(ctx context.Context, rows []raw.Admission) ([]AdmissionFact, error) {
	rows = dedupe(rows, func(a raw.Admission) string { return a.AdmissionID }, func(a raw.Admission) {
		t.recorder.Skip(raw.StreamAdmissions, a.AdmissionID, "duplicate admission_id")
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].AdmissionID < rows[j].AdmissionID })

	facts := make([]AdmissionFact, 0, len(rows))
	for i, a := range rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		f, err := t.admission(a)
		if err != nil {
			t.recorder.Error(raw.StreamAdmissions, a.AdmissionID, err)
			continue
		}
		f.AdmissionKey = len(facts) + 1
		facts = append(facts, f)
	}

	if err := MarkReadmissions(ctx, facts, t.opts.ReadmissionWindowDays, t.opts.Workers); err != nil {
		return nil, err
	}
	for range facts {
		t.recorder.Processed(raw.StreamAdmissions)
	}
	return facts, nil
}

func (t *Transformer) admission(a raw.Admission) (AdmissionFact, error) {
	day := dimension.Day(a.AdmittedAt)
	if err := t.inCalendar(day); err != nil {
		return AdmissionFact{}, err
	}
	if a.DischargedAt != nil && a.DischargedAt.Before(a.AdmittedAt) {
		return AdmissionFact{}, quality.Invalid("discharge_date", "discharge %s precedes admission %s",
			a.DischargedAt.Format(raw.TimestampLayout), a.AdmittedAt.Format(raw.TimestampLayout))
	}

	patient, ok := t.resolvePatient(raw.StreamAdmissions, a.AdmissionID, a.PatientID, day)
	if !ok {
		return AdmissionFact{}, quality.Unresolved("patient", a.PatientID, quality.ResolvedSkipped)
	}

	deptID := a.DepartmentID
	if deptID == "" {
		deptID = dimension.PlaceholderName
	}
	dept, ok := t.dims.Department(deptID)
	if !ok {
		return AdmissionFact{}, quality.Unresolved("department", deptID, quality.ResolvedSkipped)
	}
	if dept.IsPlaceholder {
		t.recorder.Warn(raw.StreamAdmissions, a.AdmissionID, quality.Unresolved("department", deptID, quality.ResolvedPlaceholder))
	}

	phys, ok := t.dims.Physician(a.AttendingPhysician)
	if !ok {
		return AdmissionFact{}, quality.Unresolved("physician", a.AttendingPhysician, quality.ResolvedSkipped)
	}
	if phys.IsPlaceholder {
		t.recorder.Warn(raw.StreamAdmissions, a.AdmissionID, quality.Unresolved("physician", a.AttendingPhysician, quality.ResolvedPlaceholder))
	}

	f := AdmissionFact{
		AdmissionID:        a.AdmissionID,
		PatientKey:         patient.PatientKey,
		PatientID:          a.PatientID,
		DepartmentKey:      dept.DepartmentKey,
		PhysicianKey:       phys.PhysicianKey,
		AdmissionDateKey:   dimension.DateKey(a.AdmittedAt),
		AdmissionTimeKey:   dimension.TimeKey(a.AdmittedAt),
		AdmittedAt:         a.AdmittedAt,
		DischargedAt:       a.DischargedAt,
		AdmissionType:      a.AdmissionType,
		DiagnosisPrimary:   a.DiagnosisPrimary,
		DiagnosisSecondary: a.DiagnosisSecondary,
		TotalCharges:       a.TotalCharges,
		TemperatureF:       a.TemperatureF,
		IsEmergency:        strings.EqualFold(a.AdmissionType, "Emergency"),
	}
	if k, ok := t.dims.WeatherKey(a.WeatherCondition); ok {
		f.WeatherKey = intPtr(k)
	}

	end := t.opts.AsOf
	if a.DischargedAt != nil {
		end = *a.DischargedAt
		f.DischargeDateKey = intPtr(dimension.DateKey(end))
	} else {
		f.IsProvisional = true
	}
	f.LengthOfStayDays = max(0, dimension.DaysBetween(a.AdmittedAt, end))
	f.LengthOfStayHours = max(0, end.Sub(a.AdmittedAt).Hours())
	f.IsLongStay = f.LengthOfStayDays > t.opts.LongStayThresholdDays

	return f, nil
}

// dedupe keeps the first row for each natural key and reports the rest.
func dedupe[T any](rows []T, key func(T) string, dropped func(T)) []T {
	seen := make(map[string]bool, len(rows))
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		k := key(r)
		if seen[k] {
			dropped(r)
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
