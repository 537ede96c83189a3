package capacity

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/fact"
)

type patternKey struct {
	dept    string
	bedType string
}

type patternStats struct {
	stayStats
	rates    decimal.Decimal
	special  int
	patients map[string]bool
}

// BookingPatterns groups bookings by the department and type of the booked
// bed, highest revenue first. Bookings on beds missing from the dimension are
// ignored. Patients are counted by natural id, so two versions of one patient
// count once.
func BookingPatterns(dims *dimension.Dimensions, occupancy []fact.BedOccupancyFact) []BookingPattern {
	beds := make(map[int]dimension.Bed, dims.Beds.Len())
	for _, b := range dims.Beds.Rows() {
		beds[b.BedKey] = b
	}
	patientIDs := make(map[int]string)
	for _, v := range dims.Patients.Versions() {
		patientIDs[v.PatientKey] = v.PatientID
	}

	groups := make(map[patternKey]*patternStats)
	for _, o := range occupancy {
		bed, ok := beds[o.BedKey]
		if !ok {
			continue
		}
		k := patternKey{dept: bed.DepartmentID, bedType: bed.BedType}
		g, ok := groups[k]
		if !ok {
			g = &patternStats{
				stayStats: stayStats{revenue: decimal.Zero},
				rates:     decimal.Zero,
				patients:  make(map[string]bool),
			}
			groups[k] = g
		}
		g.add(o)
		g.rates = g.rates.Add(o.NightlyRate)
		if strings.TrimSpace(o.SpecialRequirements) != "" {
			g.special++
		}
		if o.PatientKey != nil {
			if id, ok := patientIDs[*o.PatientKey]; ok {
				g.patients[id] = true
			}
		}
	}

	out := make([]BookingPattern, 0, len(groups))
	for k, g := range groups {
		p := BookingPattern{
			DepartmentID:        k.dept,
			BedType:             k.bedType,
			TotalBookings:       g.count,
			AvgStayNights:       g.avgNights(),
			AvgNightlyRate:      g.rates.Div(decimal.NewFromInt(int64(g.count))).Round(2),
			TotalRevenue:        g.revenue,
			SpecialRequirements: g.special,
			UniquePatients:      len(g.patients),
		}
		if d, ok := dims.Department(k.dept); ok {
			p.DepartmentKey = d.DepartmentKey
			p.DepartmentName = d.Name
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalRevenue.Cmp(out[j].TotalRevenue); c != 0 {
			return c > 0
		}
		if out[i].DepartmentID != out[j].DepartmentID {
			return out[i].DepartmentID < out[j].DepartmentID
		}
		return out[i].BedType < out[j].BedType
	})
	return out
}
