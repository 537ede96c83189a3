package raw

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/hospitalwh/internal/platform/quality"
)

const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// Row is one untyped input line keyed by header column.
type Row struct {
	Line   int
	Fields map[string]string
}

// Get returns the trimmed value of col. Literal "None", "null" and "NaN"
// exports of missing values read as empty.
func (r Row) Get(col string) string {
	v := strings.TrimSpace(r.Fields[col])
	switch v {
	case "None", "null", "NULL", "NaN", "nan":
		return ""
	}
	return v
}

// ID returns the value of col for issue reporting, falling back to the line.
func (r Row) ID(col string) string {
	if v := r.Get(col); v != "" {
		return v
	}
	return "line " + strconv.Itoa(r.Line)
}

func (r Row) required(col string) (string, error) {
	v := r.Get(col)
	if v == "" {
		return "", quality.Missing(col)
	}
	return v, nil
}

func (r Row) date(col string) (time.Time, error) {
	v, err := r.required(col)
	if err != nil {
		return time.Time{}, err
	}
	return parseDate(col, v)
}

func (r Row) optionalDate(col string) (*time.Time, error) {
	v := r.Get(col)
	if v == "" {
		return nil, nil
	}
	t, err := parseDate(col, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDate(col, v string) (time.Time, error) {
	// Some exports carry a timestamp in a date column.
	if len(v) > len(DateLayout) {
		v = v[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, quality.Invalid(col, "not a date: %q", v)
	}
	return t, nil
}

// withClock adds the HH:MM[:SS] value of col to day. An empty clock keeps
// midnight.
func (r Row) withClock(day time.Time, col string) (time.Time, error) {
	v := r.Get(col)
	if v == "" {
		return day, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if c, err := time.Parse(layout, v); err == nil {
			return day.Add(time.Duration(c.Hour())*time.Hour +
				time.Duration(c.Minute())*time.Minute +
				time.Duration(c.Second())*time.Second), nil
		}
	}
	return time.Time{}, quality.Invalid(col, "not a time of day: %q", v)
}

func (r Row) timestamp(col string) (time.Time, error) {
	v := r.Get(col)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{TimestampLayout, time.RFC3339, "2006-01-02 15:04", DateLayout} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, quality.Invalid(col, "not a timestamp: %q", v)
}

func (r Row) integer(col string) (int, error) {
	v, err := r.required(col)
	if err != nil {
		return 0, err
	}
	return parseInt(col, v)
}

func (r Row) optionalInt(col string) (*int, error) {
	v := r.Get(col)
	if v == "" {
		return nil, nil
	}
	n, err := parseInt(col, v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseInt(col, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		// Pandas exports integer columns with NaN holes as floats.
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, quality.Invalid(col, "not an integer: %q", v)
		}
		n = int(f)
	}
	return n, nil
}

func (r Row) money(col string) (decimal.Decimal, error) {
	v := r.Get(col)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, quality.Invalid(col, "not an amount: %q", v)
	}
	if d.IsNegative() {
		return decimal.Zero, quality.Invalid(col, "negative amount %s", d)
	}
	return d, nil
}

func (r Row) optionalMoney(col string) (*decimal.Decimal, error) {
	if r.Get(col) == "" {
		return nil, nil
	}
	d, err := r.money(col)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r Row) boolean(col string, def bool) (bool, error) {
	v := r.Get(col)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, quality.Invalid(col, "not a boolean: %q", v)
	}
	return b, nil
}

// ParsePatient decodes a patient_demographics row. The snapshot takes effect
// on effective_date, falling back to last_visit_date and then registration_date.
func ParsePatient(r Row) (PatientSnapshot, error) {
	id, err := r.required("patient_id")
	if err != nil {
		return PatientSnapshot{}, err
	}
	col := "effective_date"
	for _, c := range []string{"effective_date", "last_visit_date", "registration_date"} {
		if r.Get(c) != "" {
			col = c
			break
		}
	}
	eff, err := r.date(col)
	if err != nil {
		return PatientSnapshot{}, err
	}
	return PatientSnapshot{
		PatientID: id,
		Demographics: Demographics{
			FirstName:         r.Get("first_name"),
			LastName:          r.Get("last_name"),
			DateOfBirth:       r.Get("date_of_birth"),
			Gender:            r.Get("gender"),
			Address:           r.Get("address"),
			City:              r.Get("city"),
			State:             r.Get("state"),
			ZipCode:           r.Get("zip_code"),
			Phone:             r.Get("phone"),
			Email:             r.Get("email"),
			InsuranceProvider: r.Get("insurance_provider"),
			PatientStatus:     r.Get("patient_status"),
		},
		EffectiveDate: eff,
		Line:          r.Line,
	}, nil
}

// ParseDepartment decodes a hospital_departments row.
func ParseDepartment(r Row) (Department, error) {
	id, err := r.required("department_id")
	if err != nil {
		return Department{}, err
	}
	name := r.Get("department_name")
	if name == "" {
		name = id
	}
	capacity := 0
	if r.Get("bed_capacity") != "" {
		if capacity, err = r.integer("bed_capacity"); err != nil {
			return Department{}, err
		}
		if capacity < 0 {
			return Department{}, quality.Invalid("bed_capacity", "negative capacity %d", capacity)
		}
	}
	return Department{
		DepartmentID:   id,
		Name:           name,
		Head:           r.Get("department_head"),
		Floor:          r.Get("floor_number"),
		Specialization: r.Get("specialization"),
		BedCapacity:    capacity,
		Line:           r.Line,
	}, nil
}

// ParseBed decodes a bed_inventory row.
func ParseBed(r Row) (Bed, error) {
	id, err := r.required("bed_id")
	if err != nil {
		return Bed{}, err
	}
	dept, err := r.required("department_id")
	if err != nil {
		return Bed{}, err
	}
	active, err := r.boolean("is_active", true)
	if err != nil {
		return Bed{}, err
	}
	rate, err := r.money("daily_rate")
	if err != nil {
		return Bed{}, err
	}
	return Bed{
		BedID:        id,
		DepartmentID: dept,
		RoomNumber:   r.Get("room_number"),
		BedNumber:    r.Get("bed_number"),
		BedType:      r.Get("bed_type"),
		Equipment:    r.Get("equipment"),
		IsActive:     active,
		DailyRate:    rate,
		Line:         r.Line,
	}, nil
}

// ParseAdmission decodes a patient_admissions row.
func ParseAdmission(r Row) (Admission, error) {
	id, err := r.required("admission_id")
	if err != nil {
		return Admission{}, err
	}
	patient, err := r.required("patient_id")
	if err != nil {
		return Admission{}, err
	}
	day, err := r.date("admission_date")
	if err != nil {
		return Admission{}, err
	}
	admitted, err := r.withClock(day, "admission_time")
	if err != nil {
		return Admission{}, err
	}

	var discharged *time.Time
	dday, err := r.optionalDate("discharge_date")
	if err != nil {
		return Admission{}, err
	}
	if dday != nil {
		d, err := r.withClock(*dday, "discharge_time")
		if err != nil {
			return Admission{}, err
		}
		discharged = &d
	}

	charges, err := r.money("total_charges")
	if err != nil {
		return Admission{}, err
	}

	var temp *float64
	if v := r.Get("temperature_f"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Admission{}, quality.Invalid("temperature_f", "not a number: %q", v)
		}
		temp = &f
	}

	return Admission{
		AdmissionID:        id,
		PatientID:          patient,
		AdmittedAt:         admitted,
		DischargedAt:       discharged,
		DepartmentID:       r.Get("department_id"),
		AdmissionType:      r.Get("admission_type"),
		ChiefComplaint:     r.Get("chief_complaint"),
		DiagnosisPrimary:   r.Get("diagnosis_primary"),
		DiagnosisSecondary: r.Get("diagnosis_secondary"),
		AttendingPhysician: r.Get("attending_physician"),
		RoomNumber:         r.Get("room_number"),
		BedNumber:          r.Get("bed_number"),
		TotalCharges:       charges,
		WeatherCondition:   r.Get("weather_condition"),
		TemperatureF:       temp,
		Line:               r.Line,
	}, nil
}

// ParseProcedure decodes a medical_procedures row.
func ParseProcedure(r Row) (Procedure, error) {
	id, err := r.required("procedure_id")
	if err != nil {
		return Procedure{}, err
	}
	adm, err := r.required("admission_id")
	if err != nil {
		return Procedure{}, err
	}
	code, err := r.required("procedure_code")
	if err != nil {
		return Procedure{}, err
	}
	day, err := r.date("procedure_date")
	if err != nil {
		return Procedure{}, err
	}
	at, err := r.withClock(day, "procedure_time")
	if err != nil {
		return Procedure{}, err
	}
	duration := 0
	if r.Get("procedure_duration_minutes") != "" {
		if duration, err = r.integer("procedure_duration_minutes"); err != nil {
			return Procedure{}, err
		}
		if duration < 0 {
			return Procedure{}, quality.Invalid("procedure_duration_minutes", "negative duration %d", duration)
		}
	}
	cost, err := r.money("procedure_cost")
	if err != nil {
		return Procedure{}, err
	}
	name := r.Get("procedure_name")
	if name == "" {
		name = code
	}
	return Procedure{
		ProcedureID:         id,
		AdmissionID:         adm,
		ProcedureCode:       code,
		ProcedureName:       name,
		PerformedAt:         at,
		PerformingPhysician: r.Get("performing_physician"),
		DurationMinutes:     duration,
		Cost:                cost,
		AnesthesiaType:      r.Get("anesthesia_type"),
		Complications:       r.Get("complications"),
		Line:                r.Line,
	}, nil
}

// ParseBooking decodes a bed_bookings row.
func ParseBooking(r Row) (Booking, error) {
	id, err := r.required("booking_id")
	if err != nil {
		return Booking{}, err
	}
	bed, err := r.required("bed_id")
	if err != nil {
		return Booking{}, err
	}
	inDay, err := r.date("check_in_date")
	if err != nil {
		return Booking{}, err
	}
	checkIn, err := r.withClock(inDay, "check_in_time")
	if err != nil {
		return Booking{}, err
	}
	outDay, err := r.date("expected_checkout_date")
	if err != nil {
		return Booking{}, err
	}
	expected, err := r.withClock(outDay, "expected_checkout_time")
	if err != nil {
		return Booking{}, err
	}
	if outDay.Before(inDay) {
		return Booking{}, quality.Invalid("expected_checkout_date", "before check-in %s", inDay.Format(DateLayout))
	}

	var actual *time.Time
	actDay, err := r.optionalDate("actual_checkout_date")
	if err != nil {
		return Booking{}, err
	}
	if actDay != nil {
		a, err := r.withClock(*actDay, "actual_checkout_time")
		if err != nil {
			return Booking{}, err
		}
		if actDay.Before(inDay) {
			return Booking{}, quality.Invalid("actual_checkout_date", "before check-in %s", inDay.Format(DateLayout))
		}
		actual = &a
	}

	nights, err := r.optionalInt("total_nights")
	if err != nil {
		return Booking{}, err
	}
	if nights != nil && *nights < 0 {
		return Booking{}, quality.Invalid("total_nights", "negative nights %d", *nights)
	}
	rate, err := r.money("nightly_rate")
	if err != nil {
		return Booking{}, err
	}
	charges, err := r.optionalMoney("total_charges")
	if err != nil {
		return Booking{}, err
	}

	return Booking{
		BookingID:           id,
		BedID:               bed,
		PatientID:           r.Get("patient_id"),
		CheckIn:             checkIn,
		ExpectedCheckout:    expected,
		ActualCheckout:      actual,
		BookingStatus:       r.Get("booking_status"),
		TotalNights:         nights,
		NightlyRate:         rate,
		TotalCharges:        charges,
		SpecialRequirements: r.Get("special_requirements"),
		Line:                r.Line,
	}, nil
}

// ParseAvailability decodes a bed_availability row.
func ParseAvailability(r Row) (Availability, error) {
	bed, err := r.required("bed_id")
	if err != nil {
		return Availability{}, err
	}
	day, err := r.date("date")
	if err != nil {
		return Availability{}, err
	}
	status, err := r.required("status")
	if err != nil {
		return Availability{}, err
	}
	updated, err := r.timestamp("last_updated")
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		AvailabilityID: r.Get("availability_id"),
		BedID:          bed,
		Date:           day,
		Status:         status,
		LastUpdated:    updated,
		Line:           r.Line,
	}, nil
}
