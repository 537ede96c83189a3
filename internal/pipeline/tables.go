package pipeline

import (
	"fmt"
	"time"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/domain/fact"
	"github.com/ehr/hospitalwh/internal/platform/publish"
)

// Published table names.
const (
	TableDate               = "dim_date"
	TableTime               = "dim_time"
	TableDepartment         = "dim_department"
	TablePhysician          = "dim_physician"
	TableProcedureType      = "dim_procedure_type"
	TableBed                = "dim_bed"
	TableWeather            = "dim_weather"
	TablePatient            = "dim_patient"
	TableAdmission          = "fact_admission"
	TableProcedure          = "fact_procedure"
	TableBedOccupancy       = "fact_bed_occupancy"
	TableBedAvailability    = "fact_bed_availability"
	TableCapacityDaily      = "capacity_daily"
	TableCapacityAllocation = "capacity_recommendation"
	TableCapacityTurnover   = "capacity_turnover"
	TableBookingPatterns    = "capacity_booking_patterns"
)

// Money columns are written as DOUBLE; the warehouse is analytical.

type dateRow struct {
	DateKey   int       `parquet:"date_key"`
	Date      time.Time `parquet:"date,date"`
	Year      int       `parquet:"year"`
	Quarter   int       `parquet:"quarter"`
	Month     int       `parquet:"month"`
	MonthName string    `parquet:"month_name"`
	Day       int       `parquet:"day"`
	ISOWeek   int       `parquet:"iso_week"`
	DayOfWeek int       `parquet:"day_of_week"`
	DayName   string    `parquet:"day_name"`
	IsWeekend bool      `parquet:"is_weekend"`
}

type timeRow struct {
	TimeKey         int    `parquet:"time_key"`
	Hour            int    `parquet:"hour"`
	Minute          int    `parquet:"minute"`
	Period          string `parquet:"period"`
	Shift           string `parquet:"shift"`
	IsBusinessHours bool   `parquet:"is_business_hours"`
}

type departmentRow struct {
	DepartmentKey  int    `parquet:"department_key"`
	DepartmentID   string `parquet:"department_id"`
	Name           string `parquet:"name"`
	Head           string `parquet:"head"`
	Floor          string `parquet:"floor"`
	Specialization string `parquet:"specialization"`
	BedCapacity    int    `parquet:"bed_capacity"`
	IsPlaceholder  bool   `parquet:"is_placeholder"`
}

type physicianRow struct {
	PhysicianKey  int    `parquet:"physician_key"`
	Name          string `parquet:"name"`
	DepartmentID  string `parquet:"department_id"`
	IsPlaceholder bool   `parquet:"is_placeholder"`
}

type procedureTypeRow struct {
	ProcedureTypeKey int    `parquet:"procedure_type_key"`
	Code             string `parquet:"code"`
	Name             string `parquet:"name"`
}

type bedRow struct {
	BedKey       int     `parquet:"bed_key"`
	BedID        string  `parquet:"bed_id"`
	DepartmentID string  `parquet:"department_id"`
	RoomNumber   string  `parquet:"room_number"`
	BedNumber    string  `parquet:"bed_number"`
	BedType      string  `parquet:"bed_type"`
	Equipment    string  `parquet:"equipment"`
	DailyRate    float64 `parquet:"daily_rate"`
	IsActive     bool    `parquet:"is_active"`
}

type weatherRow struct {
	WeatherKey int    `parquet:"weather_key"`
	Condition  string `parquet:"condition"`
	IsAdverse  bool   `parquet:"is_adverse"`
}

type patientRow struct {
	PatientKey        int        `parquet:"patient_key"`
	PatientID         string     `parquet:"patient_id"`
	FirstName         string     `parquet:"first_name"`
	LastName          string     `parquet:"last_name"`
	DateOfBirth       string     `parquet:"date_of_birth"`
	Gender            string     `parquet:"gender"`
	Address           string     `parquet:"address"`
	City              string     `parquet:"city"`
	State             string     `parquet:"state"`
	ZipCode           string     `parquet:"zip_code"`
	Phone             string     `parquet:"phone"`
	Email             string     `parquet:"email"`
	InsuranceProvider string     `parquet:"insurance_provider"`
	PatientStatus     string     `parquet:"patient_status"`
	EffectiveFrom     time.Time  `parquet:"effective_from,date"`
	EffectiveTo       *time.Time `parquet:"effective_to,optional,date"`
	IsCurrent         bool       `parquet:"is_current"`
}

type admissionRow struct {
	AdmissionKey       int        `parquet:"admission_key"`
	AdmissionID        string     `parquet:"admission_id"`
	PatientKey         int        `parquet:"patient_key"`
	DepartmentKey      int        `parquet:"department_key"`
	PhysicianKey       int        `parquet:"physician_key"`
	WeatherKey         *int       `parquet:"weather_key,optional"`
	AdmissionDateKey   int        `parquet:"admission_date_key"`
	AdmissionTimeKey   int        `parquet:"admission_time_key"`
	DischargeDateKey   *int       `parquet:"discharge_date_key,optional"`
	AdmittedAt         time.Time  `parquet:"admitted_at,timestamp(millisecond)"`
	DischargedAt       *time.Time `parquet:"discharged_at,optional,timestamp(millisecond)"`
	AdmissionType      string     `parquet:"admission_type"`
	DiagnosisPrimary   string     `parquet:"diagnosis_primary"`
	DiagnosisSecondary string     `parquet:"diagnosis_secondary"`
	LengthOfStayDays   int        `parquet:"length_of_stay_days"`
	LengthOfStayHours  float64    `parquet:"length_of_stay_hours"`
	TotalCharges       float64    `parquet:"total_charges"`
	TemperatureF       *float64   `parquet:"temperature_f,optional"`
	IsEmergency        bool       `parquet:"is_emergency"`
	IsReadmission      bool       `parquet:"is_readmission"`
	IsLongStay         bool       `parquet:"is_long_stay"`
	IsProvisional      bool       `parquet:"is_provisional"`
}

type procedureRow struct {
	ProcedureKey     int       `parquet:"procedure_key"`
	ProcedureID      string    `parquet:"procedure_id"`
	AdmissionKey     int       `parquet:"admission_key"`
	PatientKey       int       `parquet:"patient_key"`
	DepartmentKey    int       `parquet:"department_key"`
	ProcedureTypeKey int       `parquet:"procedure_type_key"`
	PhysicianKey     int       `parquet:"physician_key"`
	ProcedureDateKey int       `parquet:"procedure_date_key"`
	ProcedureTimeKey int       `parquet:"procedure_time_key"`
	PerformedAt      time.Time `parquet:"performed_at,timestamp(millisecond)"`
	DurationMinutes  int       `parquet:"duration_minutes"`
	Cost             float64   `parquet:"cost"`
	AnesthesiaType   string    `parquet:"anesthesia_type"`
	Complications    string    `parquet:"complications"`
	IsSuccessful     bool      `parquet:"is_successful"`
}

type occupancyRow struct {
	BookingKey              int        `parquet:"booking_key"`
	BookingID               string     `parquet:"booking_id"`
	BedKey                  int        `parquet:"bed_key"`
	PatientKey              *int       `parquet:"patient_key,optional"`
	DepartmentKey           int        `parquet:"department_key"`
	CheckInDateKey          int        `parquet:"check_in_date_key"`
	ExpectedCheckoutDateKey int        `parquet:"expected_checkout_date_key"`
	ActualCheckoutDateKey   *int       `parquet:"actual_checkout_date_key,optional"`
	CheckIn                 time.Time  `parquet:"check_in,timestamp(millisecond)"`
	ExpectedCheckout        time.Time  `parquet:"expected_checkout,timestamp(millisecond)"`
	ActualCheckout          *time.Time `parquet:"actual_checkout,optional,timestamp(millisecond)"`
	Nights                  int        `parquet:"nights"`
	NightlyRate             float64    `parquet:"nightly_rate"`
	TotalCharges            float64    `parquet:"total_charges"`
	BookingStatus           string     `parquet:"booking_status"`
	SpecialRequirements     string     `parquet:"special_requirements"`
	IsOccupied              bool       `parquet:"is_occupied"`
	IsOverdue               bool       `parquet:"is_overdue"`
}

type availabilityRow struct {
	AvailabilityKey  int       `parquet:"availability_key"`
	AvailabilityID   string    `parquet:"availability_id"`
	BedKey           int       `parquet:"bed_key"`
	DepartmentKey    int       `parquet:"department_key"`
	DateKey          int       `parquet:"date_key"`
	Date             time.Time `parquet:"date,date"`
	Status           string    `parquet:"status"`
	UtilizationRate  float64   `parquet:"utilization_rate"`
	RevenuePotential float64   `parquet:"revenue_potential"`
	LastUpdated      time.Time `parquet:"last_updated,timestamp(millisecond)"`
}

type capacityDailyRow struct {
	DepartmentKey    int       `parquet:"department_key"`
	DepartmentID     string    `parquet:"department_id"`
	DateKey          int       `parquet:"date_key"`
	Date             time.Time `parquet:"date,date"`
	OccupiedBedDays  int       `parquet:"occupied_bed_days"`
	AvailableBedDays int       `parquet:"available_bed_days"`
	OccupancyRate    float64   `parquet:"occupancy_rate"`
	OccupancyRatePct float64   `parquet:"occupancy_rate_pct"`
	Band             string    `parquet:"band"`
	TrailingAverage  float64   `parquet:"trailing_average"`
	SurgeTier        int       `parquet:"surge_tier"`
}

type recommendationRow struct {
	DepartmentKey      int       `parquet:"department_key"`
	DepartmentID       string    `parquet:"department_id"`
	CurrentBeds        int       `parquet:"current_beds"`
	LookbackDays       int       `parquet:"lookback_days"`
	WindowStart        time.Time `parquet:"window_start,date"`
	WindowEnd          time.Time `parquet:"window_end,date"`
	AverageUtilization float64   `parquet:"average_utilization"`
	TotalBookings      int       `parquet:"total_bookings"`
	AvgStayNights      float64   `parquet:"avg_stay_nights"`
	TotalRevenue       float64   `parquet:"total_revenue"`
	BedDelta           int       `parquet:"bed_delta"`
	Label              string    `parquet:"label"`
	Priority           string    `parquet:"priority"`
}

type turnoverRow struct {
	DepartmentKey      int     `parquet:"department_key"`
	DepartmentID       string  `parquet:"department_id"`
	ActiveBeds         int     `parquet:"active_beds"`
	TotalBookings      int     `parquet:"total_bookings"`
	BookingsPerBed     float64 `parquet:"bookings_per_bed"`
	AnnualTurnoverRate float64 `parquet:"annual_turnover_rate"`
	AvgStayNights      float64 `parquet:"avg_stay_nights"`
	AvgRevenuePerStay  float64 `parquet:"avg_revenue_per_stay"`
	Category           string  `parquet:"category"`
}

type bookingPatternRow struct {
	DepartmentKey       int     `parquet:"department_key"`
	DepartmentID        string  `parquet:"department_id"`
	DepartmentName      string  `parquet:"department_name"`
	BedType             string  `parquet:"bed_type"`
	TotalBookings       int     `parquet:"total_bookings"`
	AvgStayNights       float64 `parquet:"avg_stay_nights"`
	AvgNightlyRate      float64 `parquet:"avg_nightly_rate"`
	TotalRevenue        float64 `parquet:"total_revenue"`
	SpecialRequirements int     `parquet:"special_requirements_count"`
	UniquePatients      int     `parquet:"unique_patients"`
}

func mapRows[S, D any](src []S, fn func(S) D) []D {
	out := make([]D, len(src))
	for i, s := range src {
		out[i] = fn(s)
	}
	return out
}

// tableBuilder collects tables and keeps the first construction error.
type tableBuilder struct {
	tables []*publish.Table
	err    error
}

func add[T any](b *tableBuilder, name string, rows []T) {
	if b.err != nil {
		return
	}
	t, err := publish.NewTable(name, rows)
	if err != nil {
		b.err = fmt.Errorf("build table %s: %w", name, err)
		return
	}
	b.tables = append(b.tables, t)
}

// BuildTables flattens one run into its published tables, dimensions first.
func BuildTables(dims *dimension.Dimensions, facts *fact.Facts, res *capacity.Result) ([]*publish.Table, error) {
	b := &tableBuilder{}

	add(b, TableDate, mapRows(dims.Calendar.Dates, func(d dimension.Date) dateRow {
		return dateRow{
			DateKey: d.DateKey, Date: d.Date, Year: d.Year, Quarter: d.Quarter,
			Month: d.Month, MonthName: d.MonthName, Day: d.Day, ISOWeek: d.ISOWeek,
			DayOfWeek: d.DayOfWeek, DayName: d.DayName, IsWeekend: d.IsWeekend,
		}
	}))
	add(b, TableTime, mapRows(dims.Calendar.Times, func(t dimension.TimeOfDay) timeRow {
		return timeRow(t)
	}))
	add(b, TableDepartment, mapRows(dims.Departments.Rows(), func(d dimension.Department) departmentRow {
		return departmentRow(d)
	}))
	add(b, TablePhysician, mapRows(dims.Physicians.Rows(), func(p dimension.Physician) physicianRow {
		return physicianRow(p)
	}))
	add(b, TableProcedureType, mapRows(dims.ProcedureTypes.Rows(), func(p dimension.ProcedureType) procedureTypeRow {
		return procedureTypeRow(p)
	}))
	add(b, TableBed, mapRows(dims.Beds.Rows(), func(bd dimension.Bed) bedRow {
		return bedRow{
			BedKey: bd.BedKey, BedID: bd.BedID, DepartmentID: bd.DepartmentID,
			RoomNumber: bd.RoomNumber, BedNumber: bd.BedNumber, BedType: bd.BedType,
			Equipment: bd.Equipment, DailyRate: bd.DailyRate.InexactFloat64(), IsActive: bd.IsActive,
		}
	}))
	add(b, TableWeather, mapRows(dims.Weather.Rows(), func(w dimension.Weather) weatherRow {
		return weatherRow(w)
	}))
	add(b, TablePatient, mapRows(dims.Patients.Versions(), patientRowOf))

	add(b, TableAdmission, mapRows(facts.Admissions, admissionRowOf))
	add(b, TableProcedure, mapRows(facts.Procedures, func(p fact.ProcedureFact) procedureRow {
		return procedureRow{
			ProcedureKey: p.ProcedureKey, ProcedureID: p.ProcedureID, AdmissionKey: p.AdmissionKey,
			PatientKey: p.PatientKey, DepartmentKey: p.DepartmentKey, ProcedureTypeKey: p.ProcedureTypeKey,
			PhysicianKey: p.PhysicianKey, ProcedureDateKey: p.ProcedureDateKey, ProcedureTimeKey: p.ProcedureTimeKey,
			PerformedAt: p.PerformedAt, DurationMinutes: p.DurationMinutes, Cost: p.Cost.InexactFloat64(),
			AnesthesiaType: p.AnesthesiaType, Complications: p.Complications, IsSuccessful: p.IsSuccessful,
		}
	}))
	add(b, TableBedOccupancy, mapRows(facts.Occupancy, occupancyRowOf))
	add(b, TableBedAvailability, mapRows(facts.Availability, func(a fact.BedAvailabilityFact) availabilityRow {
		return availabilityRow{
			AvailabilityKey: a.AvailabilityKey, AvailabilityID: a.AvailabilityID, BedKey: a.BedKey,
			DepartmentKey: a.DepartmentKey, DateKey: a.DateKey, Date: a.Date, Status: string(a.Status),
			UtilizationRate: a.UtilizationRate, RevenuePotential: a.RevenuePotential.InexactFloat64(),
			LastUpdated: a.LastUpdated,
		}
	}))

	add(b, TableCapacityDaily, mapRows(res.Daily, func(m capacity.DailyMetric) capacityDailyRow {
		return capacityDailyRow{
			DepartmentKey: m.DepartmentKey, DepartmentID: m.DepartmentID, DateKey: m.DateKey, Date: m.Date,
			OccupiedBedDays: m.OccupiedBedDays, AvailableBedDays: m.AvailableBedDays,
			OccupancyRate: m.OccupancyRate, OccupancyRatePct: m.OccupancyRatePct, Band: string(m.Band),
			TrailingAverage: m.TrailingAverage, SurgeTier: int(m.SurgeTier),
		}
	}))
	add(b, TableCapacityAllocation, mapRows(res.Recommendations, func(r capacity.Recommendation) recommendationRow {
		return recommendationRow{
			DepartmentKey: r.DepartmentKey, DepartmentID: r.DepartmentID, CurrentBeds: r.CurrentBeds,
			LookbackDays: r.LookbackDays, WindowStart: r.WindowStart, WindowEnd: r.WindowEnd,
			AverageUtilization: r.AverageUtilization, TotalBookings: r.TotalBookings,
			AvgStayNights: r.AvgStayNights, TotalRevenue: r.TotalRevenue.InexactFloat64(),
			BedDelta: r.BedDelta, Label: r.Label, Priority: r.Priority,
		}
	}))
	add(b, TableCapacityTurnover, mapRows(res.Turnover, func(t capacity.Turnover) turnoverRow {
		return turnoverRow{
			DepartmentKey: t.DepartmentKey, DepartmentID: t.DepartmentID, ActiveBeds: t.ActiveBeds,
			TotalBookings: t.TotalBookings, BookingsPerBed: t.BookingsPerBed,
			AnnualTurnoverRate: t.AnnualTurnoverRate, AvgStayNights: t.AvgStayNights,
			AvgRevenuePerStay: t.AvgRevenuePerStay.InexactFloat64(), Category: t.Category,
		}
	}))
	add(b, TableBookingPatterns, mapRows(res.BookingPatterns, func(p capacity.BookingPattern) bookingPatternRow {
		return bookingPatternRow{
			DepartmentKey: p.DepartmentKey, DepartmentID: p.DepartmentID, DepartmentName: p.DepartmentName,
			BedType: p.BedType, TotalBookings: p.TotalBookings, AvgStayNights: p.AvgStayNights,
			AvgNightlyRate: p.AvgNightlyRate.InexactFloat64(), TotalRevenue: p.TotalRevenue.InexactFloat64(),
			SpecialRequirements: p.SpecialRequirements, UniquePatients: p.UniquePatients,
		}
	}))

	return b.tables, b.err
}

func patientRowOf(v dimension.PatientVersion) patientRow {
	d := v.Demographics
	return patientRow{
		PatientKey: v.PatientKey, PatientID: v.PatientID,
		FirstName: d.FirstName, LastName: d.LastName, DateOfBirth: d.DateOfBirth, Gender: d.Gender,
		Address: d.Address, City: d.City, State: d.State, ZipCode: d.ZipCode, Phone: d.Phone,
		Email: d.Email, InsuranceProvider: d.InsuranceProvider, PatientStatus: d.PatientStatus,
		EffectiveFrom: v.EffectiveFrom, EffectiveTo: v.EffectiveTo, IsCurrent: v.IsCurrent,
	}
}

func admissionRowOf(a fact.AdmissionFact) admissionRow {
	return admissionRow{
		AdmissionKey: a.AdmissionKey, AdmissionID: a.AdmissionID, PatientKey: a.PatientKey,
		DepartmentKey: a.DepartmentKey, PhysicianKey: a.PhysicianKey, WeatherKey: a.WeatherKey,
		AdmissionDateKey: a.AdmissionDateKey, AdmissionTimeKey: a.AdmissionTimeKey,
		DischargeDateKey: a.DischargeDateKey, AdmittedAt: a.AdmittedAt, DischargedAt: a.DischargedAt,
		AdmissionType: a.AdmissionType, DiagnosisPrimary: a.DiagnosisPrimary,
		DiagnosisSecondary: a.DiagnosisSecondary, LengthOfStayDays: a.LengthOfStayDays,
		LengthOfStayHours: a.LengthOfStayHours, TotalCharges: a.TotalCharges.InexactFloat64(),
		TemperatureF: a.TemperatureF, IsEmergency: a.IsEmergency, IsReadmission: a.IsReadmission,
		IsLongStay: a.IsLongStay, IsProvisional: a.IsProvisional,
	}
}

func occupancyRowOf(o fact.BedOccupancyFact) occupancyRow {
	return occupancyRow{
		BookingKey: o.BookingKey, BookingID: o.BookingID, BedKey: o.BedKey, PatientKey: o.PatientKey,
		DepartmentKey: o.DepartmentKey, CheckInDateKey: o.CheckInDateKey,
		ExpectedCheckoutDateKey: o.ExpectedCheckoutDateKey, ActualCheckoutDateKey: o.ActualCheckoutDateKey,
		CheckIn: o.CheckIn, ExpectedCheckout: o.ExpectedCheckout, ActualCheckout: o.ActualCheckout,
		Nights: o.Nights, NightlyRate: o.NightlyRate.InexactFloat64(),
		TotalCharges: o.TotalCharges.InexactFloat64(), BookingStatus: o.BookingStatus,
		SpecialRequirements: o.SpecialRequirements, IsOccupied: o.IsOccupied, IsOverdue: o.IsOverdue,
	}
}
