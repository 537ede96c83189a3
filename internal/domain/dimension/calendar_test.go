package dimension

import (
	"reflect"
	"testing"
	"time"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBuildCalendar(t *testing.T) {
	cal, err := BuildCalendar(date("2024-02-27"), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cal.Dates) != 5 {
		t.Fatalf("expected 5 dates, got %d", len(cal.Dates))
	}

	leap := cal.Dates[2]
	if leap.DateKey != 20240229 {
		t.Errorf("expected leap day key 20240229, got %d", leap.DateKey)
	}
	if leap.Quarter != 1 || leap.MonthName != "February" || leap.DayName != "Thursday" {
		t.Errorf("unexpected leap day attributes: %+v", leap)
	}

	sat := cal.Dates[4]
	if sat.DateKey != 20240302 || !sat.IsWeekend {
		t.Errorf("expected 2024-03-02 to be a weekend, got %+v", sat)
	}
	if !cal.End().Equal(date("2024-03-02")) {
		t.Errorf("unexpected end %s", cal.End())
	}
	if !cal.Covers(date("2024-03-01").Add(13*time.Hour)) || cal.Covers(date("2024-03-03")) {
		t.Error("unexpected calendar coverage")
	}

	if len(cal.Times) != 1440 {
		t.Fatalf("expected 1440 time rows, got %d", len(cal.Times))
	}
	noon := cal.Times[12*60]
	if noon.TimeKey != 1200 || noon.Period != "PM" || noon.Shift != "Day" || !noon.IsBusinessHours {
		t.Errorf("unexpected noon row: %+v", noon)
	}
	late := cal.Times[23*60+30]
	if late.TimeKey != 2330 || late.Shift != "Night" || late.IsBusinessHours {
		t.Errorf("unexpected 23:30 row: %+v", late)
	}
}

func TestBuildCalendar_Deterministic(t *testing.T) {
	a, _ := BuildCalendar(date("2024-01-01").Add(15*time.Hour), 400)
	b, _ := BuildCalendar(date("2024-01-01"), 400)
	if !reflect.DeepEqual(a, b) {
		t.Error("calendar must depend only on the start day and horizon")
	}
}

func TestBuildCalendar_BadHorizon(t *testing.T) {
	if _, err := BuildCalendar(date("2024-01-01"), 0); err == nil {
		t.Error("expected error for zero horizon")
	}
}

func TestKeysAndDays(t *testing.T) {
	ts := time.Date(2024, 7, 4, 9, 5, 0, 0, time.UTC)
	if DateKey(ts) != 20240704 {
		t.Errorf("unexpected date key %d", DateKey(ts))
	}
	if TimeKey(ts) != 905 {
		t.Errorf("unexpected time key %d", TimeKey(ts))
	}
	if DaysBetween(date("2024-01-01"), date("2024-01-20").Add(3*time.Hour)) != 19 {
		t.Error("expected 19 days between Jan 1 and Jan 20")
	}
	if DaysBetween(date("2024-01-20"), date("2024-01-01")) != -19 {
		t.Error("expected negative distance for reversed days")
	}
}
