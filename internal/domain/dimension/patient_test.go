package dimension

import (
	"errors"
	"testing"

	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

func demo(city string) raw.Demographics {
	return raw.Demographics{FirstName: "Ana", LastName: "Silva", City: city, InsuranceProvider: "Aetna"}
}

func TestPatientHistory_Lifecycle(t *testing.T) {
	h := NewPatientHistory(ConflictReject)

	out, err := h.Apply("PAT000001", demo("Boston"), date("2024-01-01"))
	if err != nil || out != OutcomeInserted {
		t.Fatalf("expected insert, got %v %v", out, err)
	}

	out, err = h.Apply("PAT000001", demo("Boston"), date("2024-02-01"))
	if err != nil || out != OutcomeUnchanged {
		t.Fatalf("identical snapshot must be a no-op, got %v %v", out, err)
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 version, got %d", h.Len())
	}

	out, err = h.Apply("PAT000001", demo("Cambridge"), date("2024-03-01"))
	if err != nil || out != OutcomeSuperseded {
		t.Fatalf("expected supersede, got %v %v", out, err)
	}

	versions := h.History("PAT000001")
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	first, second := versions[0], versions[1]
	if first.IsCurrent || first.EffectiveTo == nil || first.EffectiveTo.Format("2006-01-02") != "2024-02-29" {
		t.Errorf("previous version must close the day before: %+v", first)
	}
	if !second.IsCurrent || second.EffectiveTo != nil {
		t.Errorf("new version must be current and open: %+v", second)
	}
	if first.PatientKey == second.PatientKey {
		t.Error("versions need distinct surrogate keys")
	}

	v, ok := h.AsOf("PAT000001", date("2024-02-29"))
	if !ok || v.Demographics.City != "Boston" {
		t.Errorf("expected Boston version on Feb 29, got %+v", v)
	}
	v, ok = h.AsOf("PAT000001", date("2024-03-01"))
	if !ok || v.Demographics.City != "Cambridge" {
		t.Errorf("expected Cambridge version on Mar 1, got %+v", v)
	}
	if _, ok := h.AsOf("PAT000001", date("2023-12-31")); ok {
		t.Error("no version covers days before the first snapshot")
	}
	cur, _ := h.Current("PAT000001")
	if cur.Demographics.City != "Cambridge" {
		t.Errorf("unexpected current version %+v", cur)
	}
}

func TestPatientHistory_MalformedKey(t *testing.T) {
	h := NewPatientHistory(ConflictReject)
	for _, id := range []string{"", " PAT1", "PAT 1", "-PAT"} {
		_, err := h.Apply(id, demo("Boston"), date("2024-01-01"))
		var ve *quality.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError for %q, got %v", id, err)
		}
	}
	if h.Len() != 0 {
		t.Errorf("nothing may be appended for malformed keys, got %d", h.Len())
	}
}

func TestPatientHistory_SameDayConflict(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		h := NewPatientHistory(ConflictReject)
		h.Apply("PAT000002", demo("Boston"), date("2024-01-01"))
		_, err := h.Apply("PAT000002", demo("Salem"), date("2024-01-01"))

		var ce *quality.ConsistencyError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConsistencyError, got %v", err)
		}
		cur, _ := h.Current("PAT000002")
		if cur.Demographics.City != "Boston" || h.Len() != 1 {
			t.Errorf("existing version must be kept: %+v", cur)
		}
	})

	t.Run("latest wins", func(t *testing.T) {
		h := NewPatientHistory(ConflictLatestWins)
		h.Apply("PAT000002", demo("Boston"), date("2024-01-01"))
		out, err := h.Apply("PAT000002", demo("Salem"), date("2024-01-01"))
		if err != nil || out != OutcomeSuperseded {
			t.Fatalf("expected supersede, got %v %v", out, err)
		}

		v, ok := h.AsOf("PAT000002", date("2024-01-01"))
		if !ok || v.Demographics.City != "Salem" {
			t.Errorf("latest snapshot must answer as-of lookups, got %+v", v)
		}
		earliest, _ := h.Earliest("PAT000002")
		if earliest.Demographics.City != "Salem" {
			t.Errorf("empty interval version must be skipped, got %+v", earliest)
		}
		assertNoOverlap(t, h.History("PAT000002"))
	})
}

func TestPatientHistory_Backdated(t *testing.T) {
	h := NewPatientHistory(ConflictLatestWins)
	h.Apply("PAT000003", demo("Boston"), date("2024-05-01"))
	_, err := h.Apply("PAT000003", demo("Lowell"), date("2024-04-01"))
	var ce *quality.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConsistencyError for backdated snapshot, got %v", err)
	}
}

func TestPatientHistory_Invariants(t *testing.T) {
	h := NewPatientHistory(ConflictLatestWins)
	cities := []string{"Boston", "Boston", "Quincy", "Quincy", "Newton", "Boston", "Boston"}
	for i, c := range cities {
		h.Apply("PAT000004", demo(c), date("2024-01-01").AddDate(0, 0, i*7))
	}
	// A same-day correction.
	h.Apply("PAT000004", demo("Waltham"), date("2024-01-01").AddDate(0, 0, 35))

	versions := h.History("PAT000004")
	current := 0
	for _, v := range versions {
		if v.IsCurrent {
			current++
		}
	}
	if current != 1 {
		t.Errorf("expected exactly one current version, got %d", current)
	}
	assertNoOverlap(t, versions)

	all := h.Versions()
	if len(all) != h.Len() {
		t.Fatalf("expected %d materialized versions, got %d", h.Len(), len(all))
	}
	for i, v := range all {
		if v.PatientKey != i+1 {
			t.Errorf("versions must be in key order, position %d has key %d", i, v.PatientKey)
		}
	}
}

func TestPatientHistory_Clone(t *testing.T) {
	h := NewPatientHistory(ConflictReject)
	h.Apply("PAT000005", demo("Boston"), date("2024-01-01"))
	c := h.WithPolicy(ConflictLatestWins)
	c.Apply("PAT000005", demo("Salem"), date("2024-01-01"))

	if h.Len() != 1 {
		t.Errorf("clone must not write through, original has %d versions", h.Len())
	}
	if c.Len() != 2 {
		t.Errorf("clone should use latest-wins, has %d versions", c.Len())
	}
}

func assertNoOverlap(t *testing.T, versions []PatientVersion) {
	t.Helper()
	day := date("2023-12-01")
	for i := 0; i < 200; i++ {
		matches := 0
		for _, v := range versions {
			if v.Contains(day) {
				matches++
			}
		}
		if matches > 1 {
			t.Fatalf("%d versions cover %s", matches, day.Format("2006-01-02"))
		}
		day = day.AddDate(0, 0, 1)
	}
}
