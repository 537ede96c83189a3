package dimension

import (
	"regexp"
	"time"

	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Conflict policies for two different snapshots with the same effective date.
const (
	ConflictReject     = "reject"
	ConflictLatestWins = "latest-wins"
)

// Outcome says what Apply did with a snapshot.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeInserted
	OutcomeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "unchanged"
	}
}

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// PatientVersion is one materialized row of the patient dimension.
type PatientVersion struct {
	PatientKey    int              `json:"patient_key"`
	PatientID     string           `json:"patient_id"`
	Demographics  raw.Demographics `json:"demographics"`
	EffectiveFrom time.Time        `json:"effective_from"`
	EffectiveTo   *time.Time       `json:"effective_to,omitempty"`
	IsCurrent     bool             `json:"is_current"`
}

// Contains reports whether day falls inside the version's validity interval.
// A version closed on the day it opened covers no day at all.
func (v PatientVersion) Contains(day time.Time) bool {
	day = Day(day)
	if day.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || !day.After(*v.EffectiveTo)
}

type patientEntry struct {
	key  int
	id   string
	demo raw.Demographics
	from time.Time
}

// PatientHistory is the append-only version log behind the patient
// dimension. The end of a version's interval and its current flag are never
// stored; both derive from the version appended after it.
type PatientHistory struct {
	policy    string
	entries   []patientEntry
	byPatient map[string][]int
}

// NewPatientHistory returns an empty history using the given conflict policy.
// An unknown policy behaves as ConflictReject.
func NewPatientHistory(policy string) *PatientHistory {
	if policy != ConflictLatestWins {
		policy = ConflictReject
	}
	return &PatientHistory{policy: policy, byPatient: make(map[string][]int)}
}

// Apply records a demographic snapshot observed on effectiveDate.
func (h *PatientHistory) Apply(naturalID string, snapshot raw.Demographics, effectiveDate time.Time) (Outcome, error) {
	if !patientIDPattern.MatchString(naturalID) {
		return OutcomeUnchanged, quality.Invalid("patient_id", "malformed natural key %q", naturalID)
	}
	eff := Day(effectiveDate)

	versions := h.byPatient[naturalID]
	if len(versions) == 0 {
		h.append(naturalID, snapshot, eff)
		return OutcomeInserted, nil
	}

	current := h.entries[versions[len(versions)-1]]
	if current.demo == snapshot {
		return OutcomeUnchanged, nil
	}
	// Replaying a snapshot that is already part of the history is a no-op.
	for _, idx := range versions {
		if e := h.entries[idx]; e.from.Equal(eff) && e.demo == snapshot {
			return OutcomeUnchanged, nil
		}
	}
	if eff.Before(current.from) {
		return OutcomeUnchanged, &quality.ConsistencyError{
			NaturalID:     naturalID,
			EffectiveDate: eff,
			Reason:        "snapshot predates current version effective " + current.from.Format(raw.DateLayout),
		}
	}
	if eff.Equal(current.from) && h.policy == ConflictReject {
		return OutcomeUnchanged, &quality.ConsistencyError{
			NaturalID:     naturalID,
			EffectiveDate: eff,
			Reason:        "conflicting snapshot for an existing effective date",
		}
	}

	h.append(naturalID, snapshot, eff)
	return OutcomeSuperseded, nil
}

func (h *PatientHistory) append(id string, demo raw.Demographics, from time.Time) {
	h.entries = append(h.entries, patientEntry{
		key:  len(h.entries) + 1,
		id:   id,
		demo: demo,
		from: from,
	})
	h.byPatient[id] = append(h.byPatient[id], len(h.entries)-1)
}

func (h *PatientHistory) materialize(versions []int, i int) PatientVersion {
	e := h.entries[versions[i]]
	v := PatientVersion{
		PatientKey:    e.key,
		PatientID:     e.id,
		Demographics:  e.demo,
		EffectiveFrom: e.from,
		IsCurrent:     i == len(versions)-1,
	}
	if !v.IsCurrent {
		to := h.entries[versions[i+1]].from.AddDate(0, 0, -1)
		v.EffectiveTo = &to
	}
	return v
}

// History returns every version of a patient in effective order.
func (h *PatientHistory) History(naturalID string) []PatientVersion {
	versions := h.byPatient[naturalID]
	out := make([]PatientVersion, 0, len(versions))
	for i := range versions {
		out = append(out, h.materialize(versions, i))
	}
	return out
}

// Current returns the current version of a patient.
func (h *PatientHistory) Current(naturalID string) (PatientVersion, bool) {
	versions := h.byPatient[naturalID]
	if len(versions) == 0 {
		return PatientVersion{}, false
	}
	return h.materialize(versions, len(versions)-1), true
}

// AsOf returns the version whose validity interval contains day.
func (h *PatientHistory) AsOf(naturalID string, day time.Time) (PatientVersion, bool) {
	versions := h.byPatient[naturalID]
	for i := len(versions) - 1; i >= 0; i-- {
		v := h.materialize(versions, i)
		if v.Contains(day) {
			return v, true
		}
	}
	return PatientVersion{}, false
}

// Earliest returns the first version of a patient still covering any day.
func (h *PatientHistory) Earliest(naturalID string) (PatientVersion, bool) {
	versions := h.byPatient[naturalID]
	for i := range versions {
		v := h.materialize(versions, i)
		if v.EffectiveTo == nil || !v.EffectiveTo.Before(v.EffectiveFrom) {
			return v, true
		}
	}
	return PatientVersion{}, false
}

// Known reports whether any version exists for a patient.
func (h *PatientHistory) Known(naturalID string) bool {
	return len(h.byPatient[naturalID]) > 0
}

// Len returns the total number of versions across all patients.
func (h *PatientHistory) Len() int { return len(h.entries) }

// Versions materializes the whole dimension in surrogate key order.
func (h *PatientHistory) Versions() []PatientVersion {
	pos := make(map[int]int, len(h.entries))
	for _, versions := range h.byPatient {
		for i, idx := range versions {
			pos[idx] = i
		}
	}
	out := make([]PatientVersion, len(h.entries))
	for idx, e := range h.entries {
		out[idx] = h.materialize(h.byPatient[e.id], pos[idx])
	}
	return out
}

// Clone returns an independent copy that can be appended to without
// affecting h.
func (h *PatientHistory) Clone() *PatientHistory {
	c := &PatientHistory{
		policy:    h.policy,
		entries:   make([]patientEntry, len(h.entries)),
		byPatient: make(map[string][]int, len(h.byPatient)),
	}
	copy(c.entries, h.entries)
	for k, v := range h.byPatient {
		c.byPatient[k] = append([]int(nil), v...)
	}
	return c
}

// WithPolicy returns a clone using policy for future conflicts.
func (h *PatientHistory) WithPolicy(policy string) *PatientHistory {
	c := h.Clone()
	if policy == ConflictLatestWins {
		c.policy = policy
	} else {
		c.policy = ConflictReject
	}
	return c
}
