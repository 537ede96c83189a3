package raw

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stream names, shared by the loader, the recorder and the run report.
const (
	StreamPatients     = "patients"
	StreamDepartments  = "departments"
	StreamBeds         = "beds"
	StreamAdmissions   = "admissions"
	StreamProcedures   = "procedures"
	StreamBookings     = "bookings"
	StreamAvailability = "availability"
)

// Demographics is the versioned part of a patient record. It is comparable so
// that an unchanged snapshot can be detected with ==.
type Demographics struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	DateOfBirth       string `json:"date_of_birth"`
	Gender            string `json:"gender"`
	Address           string `json:"address"`
	City              string `json:"city"`
	State             string `json:"state"`
	ZipCode           string `json:"zip_code"`
	Phone             string `json:"phone"`
	Email             string `json:"email"`
	InsuranceProvider string `json:"insurance_provider"`
	PatientStatus     string `json:"patient_status"`
}

// PatientSnapshot is one demographic observation of a patient.
type PatientSnapshot struct {
	PatientID     string
	Demographics  Demographics
	EffectiveDate time.Time
	Line          int
}

type Department struct {
	DepartmentID   string
	Name           string
	Head           string
	Floor          string
	Specialization string
	BedCapacity    int
	Line           int
}

type Bed struct {
	BedID        string
	DepartmentID string
	RoomNumber   string
	BedNumber    string
	BedType      string
	Equipment    string
	IsActive     bool
	DailyRate    decimal.Decimal
	Line         int
}

type Admission struct {
	AdmissionID        string
	PatientID          string
	AdmittedAt         time.Time
	DischargedAt       *time.Time
	DepartmentID       string
	AdmissionType      string
	ChiefComplaint     string
	DiagnosisPrimary   string
	DiagnosisSecondary string
	AttendingPhysician string
	RoomNumber         string
	BedNumber          string
	TotalCharges       decimal.Decimal
	WeatherCondition   string
	TemperatureF       *float64
	Line               int
}

type Procedure struct {
	ProcedureID         string
	AdmissionID         string
	ProcedureCode       string
	ProcedureName       string
	PerformedAt         time.Time
	PerformingPhysician string
	DurationMinutes     int
	Cost                decimal.Decimal
	AnesthesiaType      string
	Complications       string
	Line                int
}

type Booking struct {
	BookingID           string
	BedID               string
	PatientID           string
	CheckIn             time.Time
	ExpectedCheckout    time.Time
	ActualCheckout      *time.Time
	BookingStatus       string
	TotalNights         *int
	NightlyRate         decimal.Decimal
	TotalCharges        *decimal.Decimal
	SpecialRequirements string
	Line                int
}

type Availability struct {
	AvailabilityID string
	BedID          string
	Date           time.Time
	Status         string
	LastUpdated    time.Time
	Line           int
}

// Batch is one complete, typed raw input set.
type Batch struct {
	Patients     []PatientSnapshot
	Departments  []Department
	Beds         []Bed
	Admissions   []Admission
	Procedures   []Procedure
	Bookings     []Booking
	Availability []Availability
}
