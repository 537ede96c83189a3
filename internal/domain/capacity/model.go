package capacity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Band is the discrete severity of a day's occupancy.
type Band string

const (
	BandGreen  Band = "Green"
	BandYellow Band = "Yellow"
	BandOrange Band = "Orange"
	BandRed    Band = "Red"
)

// Tier is a surge level derived from trailing occupancy. Zero means no surge.
type Tier int

const (
	TierNone Tier = iota
	TierLevel1
	TierLevel2
	TierLevel3
)

func (t Tier) String() string {
	switch t {
	case TierLevel1:
		return "Level 1"
	case TierLevel2:
		return "Level 2"
	case TierLevel3:
		return "Level 3"
	}
	return "None"
}

// Severity and recommended action per surge tier.
func (t Tier) Severity() string {
	switch t {
	case TierLevel1:
		return SeverityAdvisory
	case TierLevel2:
		return SeverityWarning
	case TierLevel3:
		return SeverityCritical
	}
	return SeverityWatch
}

func (t Tier) Action() string {
	switch t {
	case TierLevel1:
		return "Cancel non-urgent elective admissions and accelerate discharge workflow"
	case TierLevel2:
		return "Activate overflow capacity and evaluate external diversion"
	case TierLevel3:
		return "Notify administrator; temporary overflow placement may be authorized"
	}
	return "Review discharge planning and monitor bed flow"
}

const (
	SeverityWatch    = "watch"
	SeverityAdvisory = "advisory"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	LabelIncrease      = "Increase Capacity - High Demand"
	LabelMonitor       = "Monitor Closely - Near Capacity"
	LabelOptimal       = "Optimal Utilization"
	LabelReallocate    = "Consider Reallocation"
	LabelUnderUtilized = "Significant Under-Utilization"
)

const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityReview = "Review Required"
	PriorityNone   = "Optimal"
)

// Priority follows the recommendation label.
func Priority(label string) string {
	switch label {
	case LabelIncrease:
		return PriorityHigh
	case LabelMonitor:
		return PriorityMedium
	case LabelReallocate:
		return PriorityReview
	}
	return PriorityNone
}

const (
	TurnoverHigh   = "High Turnover"
	TurnoverMedium = "Medium Turnover"
	TurnoverLow    = "Low Turnover"
)

// DailyMetric is the occupancy of one department on one day.
type DailyMetric struct {
	DepartmentKey    int       `json:"department_key"`
	DepartmentID     string    `json:"department_id"`
	DepartmentName   string    `json:"department_name"`
	DateKey          int       `json:"date_key"`
	Date             time.Time `json:"date"`
	OccupiedBedDays  int       `json:"occupied_bed_days"`
	AvailableBedDays int       `json:"available_bed_days"`
	OccupancyRate    float64   `json:"occupancy_rate"`
	OccupancyRatePct float64   `json:"occupancy_rate_pct"`
	Band             Band      `json:"band"`
	TrailingAverage  float64   `json:"trailing_average"`
	SurgeTier        Tier      `json:"surge_tier"`
}

// AlertKey identifies the single alert a department may hold for a day.
type AlertKey struct {
	DepartmentID string
	Day          time.Time
}

func (k AlertKey) String() string {
	return k.DepartmentID + "|" + k.Day.Format("2006-01-02")
}

// Alert is one entry of the operational alert stream.
type Alert struct {
	DepartmentID      string    `json:"department_id"`
	Day               time.Time `json:"day"`
	Severity          string    `json:"severity"`
	Band              Band      `json:"band"`
	SurgeTier         Tier      `json:"surge_tier"`
	OccupancyRate     float64   `json:"occupancy_rate"`
	TrailingAverage   float64   `json:"trailing_average"`
	Message           string    `json:"message"`
	RecommendedAction string    `json:"recommended_action"`
}

func (a Alert) Key() AlertKey {
	return AlertKey{DepartmentID: a.DepartmentID, Day: a.Day}
}

// Recommendation is the allocation heuristic's output for one department.
type Recommendation struct {
	DepartmentKey      int             `json:"department_key"`
	DepartmentID       string          `json:"department_id"`
	DepartmentName     string          `json:"department_name"`
	CurrentBeds        int             `json:"current_beds"`
	LookbackDays       int             `json:"lookback_days"`
	WindowStart        time.Time       `json:"window_start"`
	WindowEnd          time.Time       `json:"window_end"`
	AverageUtilization float64         `json:"average_utilization"`
	UtilizationPct     float64         `json:"utilization_pct"`
	TotalBookings      int             `json:"total_bookings"`
	AvgStayNights      float64         `json:"avg_stay_nights"`
	TotalRevenue       decimal.Decimal `json:"total_revenue"`
	BedDelta           int             `json:"bed_delta"`
	Label              string          `json:"label"`
	Priority           string          `json:"priority"`
}

// Turnover summarizes booking throughput of a department's active beds.
type Turnover struct {
	DepartmentKey      int             `json:"department_key"`
	DepartmentID       string          `json:"department_id"`
	DepartmentName     string          `json:"department_name"`
	ActiveBeds         int             `json:"active_beds"`
	TotalBookings      int             `json:"total_bookings"`
	BookingsPerBed     float64         `json:"bookings_per_bed"`
	AnnualTurnoverRate float64         `json:"annual_turnover_rate"`
	AvgStayNights      float64         `json:"avg_stay_nights"`
	AvgRevenuePerStay  decimal.Decimal `json:"avg_revenue_per_stay"`
	Category           string          `json:"category"`
}

// BookingPattern summarizes the bookings of one department and bed type.
type BookingPattern struct {
	DepartmentKey       int             `json:"department_key"`
	DepartmentID        string          `json:"department_id"`
	DepartmentName      string          `json:"department_name"`
	BedType             string          `json:"bed_type"`
	TotalBookings       int             `json:"total_bookings"`
	AvgStayNights       float64         `json:"avg_stay_nights"`
	AvgNightlyRate      decimal.Decimal `json:"avg_nightly_rate"`
	TotalRevenue        decimal.Decimal `json:"total_revenue"`
	SpecialRequirements int             `json:"special_requirements"`
	UniquePatients      int             `json:"unique_patients"`
}

// Result is everything one analysis pass derives.
type Result struct {
	Daily           []DailyMetric    `json:"daily"`
	Alerts          []Alert          `json:"alerts"`
	Recommendations []Recommendation `json:"recommendations"`
	Turnover        []Turnover       `json:"turnover"`
	BookingPatterns []BookingPattern `json:"booking_patterns"`
}
