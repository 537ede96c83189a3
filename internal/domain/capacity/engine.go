package capacity

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/fact"
)

const (
	DefaultSurgeWindowDays        = 3
	DefaultAllocationLookbackDays = 30
)

type Options struct {
	BandThresholds         Thresholds
	TierThresholds         Thresholds
	SurgeWindowDays        int
	AllocationLookbackDays int
}

// Engine derives occupancy metrics, surge alerts and allocation
// recommendations from a completed fact pass. It keeps no state between
// passes.
type Engine struct {
	opts   Options
	bands  Ladder[Band]
	tiers  Ladder[Tier]
	logger zerolog.Logger
}

func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.BandThresholds == (Thresholds{}) {
		opts.BandThresholds = DefaultBandThresholds
	}
	if opts.TierThresholds == (Thresholds{}) {
		opts.TierThresholds = DefaultTierThresholds
	}
	if opts.SurgeWindowDays <= 0 {
		opts.SurgeWindowDays = DefaultSurgeWindowDays
	}
	if opts.AllocationLookbackDays <= 0 {
		opts.AllocationLookbackDays = DefaultAllocationLookbackDays
	}
	return &Engine{
		opts:   opts,
		bands:  BandLadder(opts.BandThresholds),
		tiers:  TierLadder(opts.TierThresholds),
		logger: logger.With().Str("component", "capacity").Logger(),
	}
}

func (e *Engine) Band(rate float64) Band { return e.bands.Classify(rate) }

func (e *Engine) Tier(trailing float64) Tier { return e.tiers.Classify(trailing) }

// Analyze runs every capacity computation over one fact pass.
func (e *Engine) Analyze(ctx context.Context, dims *dimension.Dimensions, facts *fact.Facts) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	daily := e.DailyMetrics(dims, facts.Availability)
	res := &Result{
		Daily:           daily,
		Alerts:          e.Alerts(daily),
		Recommendations: e.Recommendations(dims, daily, facts.Occupancy),
		Turnover:        Turnovers(dims, facts.Occupancy),
		BookingPatterns: BookingPatterns(dims, facts.Occupancy),
	}
	e.logger.Info().
		Int("daily", len(res.Daily)).
		Int("alerts", len(res.Alerts)).
		Int("recommendations", len(res.Recommendations)).
		Msg("capacity analyzed")
	return res, nil
}

type deptDay struct {
	dept int
	day  int
}

// DailyMetrics aggregates bed availability per department and day. Days
// where every bed was out of service have no metric.
func (e *Engine) DailyMetrics(dims *dimension.Dimensions, rows []fact.BedAvailabilityFact) []DailyMetric {
	depts := departmentsByKey(dims)

	byKey := make(map[deptDay]*DailyMetric)
	var order []deptDay
	for _, r := range rows {
		k := deptDay{dept: r.DepartmentKey, day: r.DateKey}
		m, ok := byKey[k]
		if !ok {
			d := depts[r.DepartmentKey]
			m = &DailyMetric{
				DepartmentKey:  r.DepartmentKey,
				DepartmentID:   d.DepartmentID,
				DepartmentName: d.Name,
				DateKey:        r.DateKey,
				Date:           dimension.Day(r.Date),
			}
			byKey[k] = m
			order = append(order, k)
		}
		if r.Status == fact.StatusOccupied {
			m.OccupiedBedDays++
		}
		if r.Status != fact.StatusOutOfService {
			m.AvailableBedDays++
		}
	}

	out := make([]DailyMetric, 0, len(order))
	for _, k := range order {
		m := byKey[k]
		if m.AvailableBedDays == 0 {
			continue
		}
		m.OccupancyRate = float64(m.OccupiedBedDays) / float64(m.AvailableBedDays)
		m.OccupancyRatePct = round2(float64(m.OccupiedBedDays) * 100 / float64(m.AvailableBedDays))
		m.Band = e.Band(m.OccupancyRate)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartmentKey != out[j].DepartmentKey {
			return out[i].DepartmentKey < out[j].DepartmentKey
		}
		return out[i].DateKey < out[j].DateKey
	})

	e.trail(out)
	return out
}

// trail fills the trailing average and surge tier. The window covers the
// SurgeWindowDays calendar days ending on the metric's day; days without a
// metric do not count.
func (e *Engine) trail(metrics []DailyMetric) {
	start := 0
	for i := range metrics {
		if i > 0 && metrics[i].DepartmentKey != metrics[i-1].DepartmentKey {
			start = i
		}
		for dimension.DaysBetween(metrics[start].Date, metrics[i].Date) >= e.opts.SurgeWindowDays {
			start++
		}
		avg := meanRate(metrics[start : i+1])
		metrics[i].TrailingAverage = avg
		metrics[i].SurgeTier = e.Tier(avg)
	}
}

// meanRate averages the daily rates of window exactly from their bed-day
// counts, so a window classifies the same whatever days came before it.
func meanRate(window []DailyMetric) float64 {
	sum := new(big.Rat)
	for _, m := range window {
		sum.Add(sum, big.NewRat(int64(m.OccupiedBedDays), int64(m.AvailableBedDays)))
	}
	sum.Quo(sum, big.NewRat(int64(len(window)), 1))
	f, _ := sum.Float64()
	return f
}

// Alerts returns one alert per department day that is in surge or in the
// Orange or Red band.
func (e *Engine) Alerts(metrics []DailyMetric) []Alert {
	var out []Alert
	for _, m := range metrics {
		if m.SurgeTier == TierNone && m.Band != BandOrange && m.Band != BandRed {
			continue
		}
		msg := fmt.Sprintf("%s occupancy %.1f%% (%s), %d-day average %.1f%%",
			m.DepartmentName, m.OccupancyRatePct, m.Band, e.opts.SurgeWindowDays, m.TrailingAverage*100)
		if m.SurgeTier != TierNone {
			msg += ", surge " + m.SurgeTier.String()
		}
		out = append(out, Alert{
			DepartmentID:      m.DepartmentID,
			Day:               m.Date,
			Severity:          m.SurgeTier.Severity(),
			Band:              m.Band,
			SurgeTier:         m.SurgeTier,
			OccupancyRate:     m.OccupancyRate,
			TrailingAverage:   m.TrailingAverage,
			Message:           msg,
			RecommendedAction: m.SurgeTier.Action(),
		})
	}
	return out
}

// Recommendations applies the allocation heuristic over the lookback window
// ending on the latest metric day. Departments without bed days in the
// window get no recommendation.
func (e *Engine) Recommendations(dims *dimension.Dimensions, metrics []DailyMetric, occupancy []fact.BedOccupancyFact) []Recommendation {
	if len(metrics) == 0 {
		return nil
	}
	end := metrics[0].Date
	for _, m := range metrics {
		if m.Date.After(end) {
			end = m.Date
		}
	}
	start := end.AddDate(0, 0, -(e.opts.AllocationLookbackDays - 1))
	inWindow := func(t time.Time) bool {
		d := dimension.Day(t)
		return !d.Before(start) && !d.After(end)
	}

	type usage struct{ occupied, available int }
	used := make(map[int]*usage)
	for _, m := range metrics {
		if !inWindow(m.Date) {
			continue
		}
		u, ok := used[m.DepartmentKey]
		if !ok {
			u = &usage{}
			used[m.DepartmentKey] = u
		}
		u.occupied += m.OccupiedBedDays
		u.available += m.AvailableBedDays
	}

	stays := make(map[int]*stayStats)
	for _, o := range occupancy {
		if inWindow(o.CheckIn) {
			stayFor(stays, o.DepartmentKey).add(o)
		}
	}

	beds := activeBeds(dims)
	var out []Recommendation
	for _, d := range dims.Departments.Rows() {
		u, ok := used[d.DepartmentKey]
		if !ok || u.available == 0 {
			continue
		}
		current := beds[d.DepartmentID]
		if current == 0 {
			current = d.BedCapacity
		}
		util := float64(u.occupied) / float64(u.available)
		label := labelLadder.Classify(util)
		st := stayFor(stays, d.DepartmentKey)
		out = append(out, Recommendation{
			DepartmentKey:      d.DepartmentKey,
			DepartmentID:       d.DepartmentID,
			DepartmentName:     d.Name,
			CurrentBeds:        current,
			LookbackDays:       e.opts.AllocationLookbackDays,
			WindowStart:        start,
			WindowEnd:          end,
			AverageUtilization: util,
			UtilizationPct:     round2(float64(u.occupied) * 100 / float64(u.available)),
			TotalBookings:      st.count,
			AvgStayNights:      st.avgNights(),
			TotalRevenue:       st.revenue,
			BedDelta:           BedDelta(util, current),
			Label:              label,
			Priority:           Priority(label),
		})
	}
	return out
}

// Turnovers summarizes bookings per active bed for every department that has
// active beds. Bookings on inactive beds are ignored.
func Turnovers(dims *dimension.Dimensions, occupancy []fact.BedOccupancyFact) []Turnover {
	active := make(map[int]bool)
	for _, b := range dims.Beds.Rows() {
		if b.IsActive {
			active[b.BedKey] = true
		}
	}
	stays := make(map[int]*stayStats)
	for _, o := range occupancy {
		if active[o.BedKey] {
			stayFor(stays, o.DepartmentKey).add(o)
		}
	}

	beds := activeBeds(dims)
	var out []Turnover
	for _, d := range dims.Departments.Rows() {
		n := beds[d.DepartmentID]
		if n == 0 {
			continue
		}
		st := stayFor(stays, d.DepartmentKey)
		perBed := float64(st.count) / float64(n)
		t := Turnover{
			DepartmentKey:      d.DepartmentKey,
			DepartmentID:       d.DepartmentID,
			DepartmentName:     d.Name,
			ActiveBeds:         n,
			TotalBookings:      st.count,
			BookingsPerBed:     round2(perBed),
			AnnualTurnoverRate: round2(perBed * 12),
			AvgStayNights:      st.avgNights(),
			AvgRevenuePerStay:  decimal.Zero,
			Category:           turnoverLadder.Classify(perBed),
		}
		if st.count > 0 {
			t.AvgRevenuePerStay = st.revenue.Div(decimal.NewFromInt(int64(st.count))).Round(2)
		}
		out = append(out, t)
	}
	return out
}

type stayStats struct {
	count   int
	nights  int
	revenue decimal.Decimal
}

func stayFor(m map[int]*stayStats, dept int) *stayStats {
	s, ok := m[dept]
	if !ok {
		s = &stayStats{revenue: decimal.Zero}
		m[dept] = s
	}
	return s
}

func (s *stayStats) add(o fact.BedOccupancyFact) {
	s.count++
	s.nights += o.Nights
	s.revenue = s.revenue.Add(o.TotalCharges)
}

func (s *stayStats) avgNights() float64 {
	if s.count == 0 {
		return 0
	}
	return round2(float64(s.nights) / float64(s.count))
}

func departmentsByKey(dims *dimension.Dimensions) map[int]dimension.Department {
	out := make(map[int]dimension.Department, dims.Departments.Len())
	for _, d := range dims.Departments.Rows() {
		out[d.DepartmentKey] = d
	}
	return out
}

func activeBeds(dims *dimension.Dimensions) map[string]int {
	out := make(map[string]int)
	for _, b := range dims.Beds.Rows() {
		if b.IsActive {
			out[b.DepartmentID]++
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
