package fact

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/raw"
	"github.com/ehr/hospitalwh/internal/platform/quality"
)

// Booking statuses that end a stay without an actual checkout row.
var closedBookingStatuses = map[string]bool{
	"completed":   true,
	"cancelled":   true,
	"canceled":    true,
	"checked out": true,
}

// Occupancy builds bed occupancy facts from bookings.
func (t *Transformer) Occupancy(ctx context.Context, rows []raw.Booking) ([]BedOccupancyFact, error) {
	rows = dedupe(rows, func(b raw.Booking) string { return b.BookingID }, func(b raw.Booking) {
		t.recorder.Skip(raw.StreamBookings, b.BookingID, "duplicate booking_id")
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].BookingID < rows[j].BookingID })

	facts := make([]BedOccupancyFact, 0, len(rows))
	for i, b := range rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		f, err := t.booking(b)
		if err != nil {
			t.recorder.Error(raw.StreamBookings, b.BookingID, err)
			continue
		}
		f.BookingKey = len(facts) + 1
		facts = append(facts, f)
		t.recorder.Processed(raw.StreamBookings)
	}
	return facts, nil
}

func (t *Transformer) booking(b raw.Booking) (BedOccupancyFact, error) {
	if err := t.inCalendar(b.CheckIn); err != nil {
		return BedOccupancyFact{}, err
	}
	bed, ok := t.dims.Bed(b.BedID)
	if !ok {
		return BedOccupancyFact{}, quality.Unresolved("bed", b.BedID, quality.ResolvedSkipped)
	}
	dept, ok := t.dims.Department(bed.DepartmentID)
	if !ok {
		return BedOccupancyFact{}, quality.Unresolved("department", bed.DepartmentID, quality.ResolvedSkipped)
	}

	f := BedOccupancyFact{
		BookingID:               b.BookingID,
		BedKey:                  bed.BedKey,
		DepartmentKey:           dept.DepartmentKey,
		CheckInDateKey:          dimension.DateKey(b.CheckIn),
		ExpectedCheckoutDateKey: dimension.DateKey(b.ExpectedCheckout),
		CheckIn:                 b.CheckIn,
		ExpectedCheckout:        b.ExpectedCheckout,
		ActualCheckout:          b.ActualCheckout,
		NightlyRate:             b.NightlyRate,
		BookingStatus:           b.BookingStatus,
		SpecialRequirements:     b.SpecialRequirements,
	}

	if b.PatientID != "" {
		if v, ok := t.resolvePatient(raw.StreamBookings, b.BookingID, b.PatientID, b.CheckIn); ok {
			f.PatientKey = intPtr(v.PatientKey)
		} else {
			t.recorder.Warn(raw.StreamBookings, b.BookingID, quality.Unresolved("patient", b.PatientID, quality.ResolvedNull))
		}
	}

	checkout := b.ExpectedCheckout
	if b.ActualCheckout != nil {
		checkout = *b.ActualCheckout
		f.ActualCheckoutDateKey = intPtr(dimension.DateKey(checkout))
	}
	if b.TotalNights != nil {
		f.Nights = *b.TotalNights
	} else {
		f.Nights = max(0, dimension.DaysBetween(b.CheckIn, checkout))
	}
	if b.TotalCharges != nil {
		f.TotalCharges = *b.TotalCharges
	} else {
		f.TotalCharges = b.NightlyRate.Mul(decimal.NewFromInt(int64(f.Nights)))
	}

	f.IsOccupied = b.ActualCheckout == nil && !closedBookingStatuses[strings.ToLower(b.BookingStatus)]
	f.IsOverdue = b.ActualCheckout == nil && b.ExpectedCheckout.Before(t.opts.AsOf)
	return f, nil
}

type bedDay struct {
	bed string
	day int
}

// Availability builds one bed availability fact per bed per day. When a bed
// has several snapshots for a day the most recently updated one wins.
func (t *Transformer) Availability(ctx context.Context, rows []raw.Availability) ([]BedAvailabilityFact, error) {
	latest := make(map[bedDay]int, len(rows))
	kept := make([]raw.Availability, 0, len(rows))
	for i, a := range rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		k := bedDay{bed: a.BedID, day: dimension.DateKey(a.Date)}
		pos, seen := latest[k]
		if !seen {
			latest[k] = len(kept)
			kept = append(kept, a)
			continue
		}
		if a.LastUpdated.After(kept[pos].LastUpdated) {
			t.recorder.Skip(raw.StreamAvailability, availabilityID(kept[pos]), "superseded bed status")
			kept[pos] = a
		} else {
			t.recorder.Skip(raw.StreamAvailability, availabilityID(a), "superseded bed status")
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].Date.Equal(kept[j].Date) {
			return kept[i].Date.Before(kept[j].Date)
		}
		return kept[i].BedID < kept[j].BedID
	})

	facts := make([]BedAvailabilityFact, 0, len(kept))
	for i, a := range kept {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		f, err := t.availability(a)
		if err != nil {
			t.recorder.Error(raw.StreamAvailability, availabilityID(a), err)
			continue
		}
		f.AvailabilityKey = len(facts) + 1
		facts = append(facts, f)
		t.recorder.Processed(raw.StreamAvailability)
	}
	return facts, nil
}

func (t *Transformer) availability(a raw.Availability) (BedAvailabilityFact, error) {
	status, ok := ParseBedStatus(a.Status)
	if !ok {
		return BedAvailabilityFact{}, quality.Invalid("status", "unknown bed status %q", a.Status)
	}
	if err := t.inCalendar(a.Date); err != nil {
		return BedAvailabilityFact{}, err
	}
	bed, ok := t.dims.Bed(a.BedID)
	if !ok {
		return BedAvailabilityFact{}, quality.Unresolved("bed", a.BedID, quality.ResolvedSkipped)
	}
	dept, ok := t.dims.Department(bed.DepartmentID)
	if !ok {
		return BedAvailabilityFact{}, quality.Unresolved("department", bed.DepartmentID, quality.ResolvedSkipped)
	}

	f := BedAvailabilityFact{
		AvailabilityID:   a.AvailabilityID,
		BedKey:           bed.BedKey,
		DepartmentKey:    dept.DepartmentKey,
		DateKey:          dimension.DateKey(a.Date),
		Date:             dimension.Day(a.Date),
		Status:           status,
		RevenuePotential: decimal.Zero,
		LastUpdated:      a.LastUpdated,
	}
	if status == StatusOccupied {
		f.UtilizationRate = 1.0
	}
	if status == StatusAvailable {
		f.RevenuePotential = bed.DailyRate
	}
	return f, nil
}

func availabilityID(a raw.Availability) string {
	if a.AvailabilityID != "" {
		return a.AvailabilityID
	}
	return a.BedID + "@" + a.Date.Format(raw.DateLayout)
}
