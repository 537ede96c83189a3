package fact

import (
	"context"
	"sort"
	"strings"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Procedures builds procedure facts. Each procedure joins to an admission
// fact already produced in this run.
func (t *Transformer) Procedures(ctx context.Context, rows []raw.Procedure, admissions []AdmissionFact) ([]ProcedureFact, error) {
	byID := make(map[string]*AdmissionFact, len(admissions))
	for i := range admissions {
		byID[admissions[i].AdmissionID] = &admissions[i]
	}

	rows = dedupe(rows, func(p raw.Procedure) string { return p.ProcedureID }, func(p raw.Procedure) {
		t.recorder.Skip(raw.StreamProcedures, p.ProcedureID, "duplicate procedure_id")
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ProcedureID < rows[j].ProcedureID })

	facts := make([]ProcedureFact, 0, len(rows))
	for i, p := range rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		adm, ok := byID[p.AdmissionID]
		if !ok {
			t.recorder.Error(raw.StreamProcedures, p.ProcedureID,
				quality.Unresolved("admission", p.AdmissionID, quality.ResolvedSkipped))
			continue
		}
		f, err := t.procedure(p, adm)
		if err != nil {
			t.recorder.Error(raw.StreamProcedures, p.ProcedureID, err)
			continue
		}
		f.ProcedureKey = len(facts) + 1
		facts = append(facts, f)
		t.recorder.Processed(raw.StreamProcedures)
	}
	return facts, nil
}

func (t *Transformer) procedure(p raw.Procedure, adm *AdmissionFact) (ProcedureFact, error) {
	if err := t.inCalendar(p.PerformedAt); err != nil {
		return ProcedureFact{}, err
	}
	ptype, ok := t.dims.ProcedureType(p.ProcedureCode)
	if !ok {
		return ProcedureFact{}, quality.Unresolved("procedure_type", p.ProcedureCode, quality.ResolvedSkipped)
	}

	physicianKey := adm.PhysicianKey
	if p.PerformingPhysician != "" {
		phys, ok := t.dims.Physician(p.PerformingPhysician)
		if !ok {
			return ProcedureFact{}, quality.Unresolved("physician", p.PerformingPhysician, quality.ResolvedSkipped)
		}
		if phys.IsPlaceholder {
			t.recorder.Warn(raw.StreamProcedures, p.ProcedureID,
				quality.Unresolved("physician", p.PerformingPhysician, quality.ResolvedPlaceholder))
		}
		physicianKey = phys.PhysicianKey
	}

	complications := strings.TrimSpace(p.Complications)
	return ProcedureFact{
		ProcedureID:      p.ProcedureID,
		AdmissionKey:     adm.AdmissionKey,
		PatientKey:       adm.PatientKey,
		DepartmentKey:    adm.DepartmentKey,
		ProcedureTypeKey: ptype.ProcedureTypeKey,
		PhysicianKey:     physicianKey,
		ProcedureDateKey: dimension.DateKey(p.PerformedAt),
		ProcedureTimeKey: dimension.TimeKey(p.PerformedAt),
		PerformedAt:      p.PerformedAt,
		DurationMinutes:  p.DurationMinutes,
		Cost:             p.Cost,
		AnesthesiaType:   p.AnesthesiaType,
		Complications:    complications,
		IsSuccessful:     complications == "" || strings.EqualFold(complications, "None"),
	}, nil
}
