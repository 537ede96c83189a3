package fact

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AdmissionFact struct {
	AdmissionKey       int             `json:"admission_key"`
	AdmissionID        string          `json:"admission_id"`
	PatientKey         int             `json:"patient_key"`
	PatientID          string          `json:"patient_id"`
	DepartmentKey      int             `json:"department_key"`
	PhysicianKey       int             `json:"physician_key"`
	WeatherKey         *int            `json:"weather_key"`
	AdmissionDateKey   int             `json:"admission_date_key"`
	AdmissionTimeKey   int             `json:"admission_time_key"`
	DischargeDateKey   *int            `json:"discharge_date_key"`
	AdmittedAt         time.Time       `json:"admitted_at"`
	DischargedAt       *time.Time      `json:"discharged_at"`
	AdmissionType      string          `json:"admission_type"`
	DiagnosisPrimary   string          `json:"diagnosis_primary"`
	DiagnosisSecondary string          `json:"diagnosis_secondary"`
	LengthOfStayDays   int             `json:"length_of_stay_days"`
	LengthOfStayHours  float64         `json:"length_of_stay_hours"`
	TotalCharges       decimal.Decimal `json:"total_charges"`
	TemperatureF       *float64        `json:"temperature_f"`
	IsEmergency        bool            `json:"is_emergency"`
	IsReadmission      bool            `json:"is_readmission"`
	IsLongStay         bool            `json:"is_long_stay"`
	IsProvisional      bool            `json:"is_provisional"`
}

type ProcedureFact struct {
	ProcedureKey     int             `json:"procedure_key"`
	ProcedureID      string          `json:"procedure_id"`
	AdmissionKey     int             `json:"admission_key"`
	PatientKey       int             `json:"patient_key"`
	DepartmentKey    int             `json:"department_key"`
	ProcedureTypeKey int             `json:"procedure_type_key"`
	PhysicianKey     int             `json:"physician_key"`
	ProcedureDateKey int             `json:"procedure_date_key"`
	ProcedureTimeKey int             `json:"procedure_time_key"`
	PerformedAt      time.Time       `json:"performed_at"`
	DurationMinutes  int             `json:"duration_minutes"`
	Cost             decimal.Decimal `json:"cost"`
	AnesthesiaType   string          `json:"anesthesia_type"`
	Complications    string          `json:"complications"`
	IsSuccessful     bool            `json:"is_successful"`
}

type BedOccupancyFact struct {
	BookingKey              int             `json:"booking_key"`
	BookingID               string          `json:"booking_id"`
	BedKey                  int             `json:"bed_key"`
	PatientKey              *int            `json:"patient_key"`
	DepartmentKey           int             `json:"department_key"`
	CheckInDateKey          int             `json:"check_in_date_key"`
	ExpectedCheckoutDateKey int             `json:"expected_checkout_date_key"`
	ActualCheckoutDateKey   *int            `json:"actual_checkout_date_key"`
	CheckIn                 time.Time       `json:"check_in"`
	ExpectedCheckout        time.Time       `json:"expected_checkout"`
	ActualCheckout          *time.Time      `json:"actual_checkout"`
	Nights                  int             `json:"nights"`
	NightlyRate             decimal.Decimal `json:"nightly_rate"`
	TotalCharges            decimal.Decimal `json:"total_charges"`
	BookingStatus           string          `json:"booking_status"`
	SpecialRequirements     string          `json:"special_requirements"`
	IsOccupied              bool            `json:"is_occupied"`
	IsOverdue               bool            `json:"is_overdue"`
}

type BedAvailabilityFact struct {
	AvailabilityKey  int             `json:"availability_key"`
	AvailabilityID   string          `json:"availability_id"`
	BedKey           int             `json:"bed_key"`
	DepartmentKey    int             `json:"department_key"`
	DateKey          int             `json:"date_key"`
	Date             time.Time       `json:"date"`
	Status           BedStatus       `json:"status"`
	UtilizationRate  float64         `json:"utilization_rate"`
	RevenuePotential decimal.Decimal `json:"revenue_potential"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// BedStatus is the normalized status of a bed on one day.
type BedStatus string

const (
	StatusAvailable    BedStatus = "Available"
	StatusOccupied     BedStatus = "Occupied"
	StatusMaintenance  BedStatus = "Maintenance"
	StatusCleaning     BedStatus = "Cleaning"
	StatusOutOfService BedStatus = "OutOfService"
)

// ParseBedStatus accepts the raw spellings, including "Out of Service".
func ParseBedStatus(s string) (BedStatus, bool) {
	folded := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(s))
	switch folded {
	case "available":
		return StatusAvailable, true
	case "occupied":
		return StatusOccupied, true
	case "maintenance":
		return StatusMaintenance, true
	case "cleaning":
		return StatusCleaning, true
	case "outofservice":
		return StatusOutOfService, true
	}
	return "", false
}

// Facts is the output of one transformation run.
type Facts struct {
	Admissions   []AdmissionFact
	Procedures   []ProcedureFact
	Occupancy    []BedOccupancyFact
	Availability []BedAvailabilityFact
}
