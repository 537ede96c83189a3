package dimension

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// PlaceholderName labels dimension rows created for unmatched references.
	PlaceholderName = "Unknown"
)

type Department struct {
	DepartmentKey  int    `json:"department_key"`
	DepartmentID   string `json:"department_id"`
	Name           string `json:"name"`
	Head           string `json:"head"`
	Floor          string `json:"floor"`
	Specialization string `json:"specialization"`
	BedCapacity    int    `json:"bed_capacity"`
	IsPlaceholder  bool   `json:"is_placeholder"`
}

type Physician struct {
	PhysicianKey  int    `json:"physician_key"`
	Name          string `json:"name"`
	DepartmentID  string `json:"department_id"`
	IsPlaceholder bool   `json:"is_placeholder"`
}

type ProcedureType struct {
	ProcedureTypeKey int    `json:"procedure_type_key"`
	Code             string `json:"code"`
	Name             string `json:"name"`
}

type Bed struct {
	BedKey       int             `json:"bed_key"`
	BedID        string          `json:"bed_id"`
	DepartmentID string          `json:"department_id"`
	RoomNumber   string          `json:"room_number"`
	BedNumber    string          `json:"bed_number"`
	BedType      string          `json:"bed_type"`
	Equipment    string          `json:"equipment"`
	DailyRate    decimal.Decimal `json:"daily_rate"`
	IsActive     bool            `json:"is_active"`
}

type Weather struct {
	WeatherKey int    `json:"weather_key"`
	Condition  string `json:"condition"`
	IsAdverse  bool   `json:"is_adverse"`
}

// WeatherConditions is the fixed weather vocabulary. Admissions reporting
// anything else keep a null weather reference.
var WeatherConditions = []Weather{
	{Condition: "Sunny"},
	{Condition: "Partly Cloudy"},
	{Condition: "Cloudy"},
	{Condition: "Rainy", IsAdverse: true},
	{Condition: "Snowy", IsAdverse: true},
}

// normalizeName folds case and inner whitespace so "dr.  sarah chen" and
// "Dr. Sarah Chen" match the same physician.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func newDepartmentTable() *ReferenceTable[Department] {
	return NewReferenceTable("department",
		func(d Department) string { return d.DepartmentID },
		func(d Department, k int) Department { d.DepartmentKey = k; return d })
}

func newPhysicianTable() *ReferenceTable[Physician] {
	return NewReferenceTable("physician",
		func(p Physician) string { return normalizeName(p.Name) },
		func(p Physician, k int) Physician { p.PhysicianKey = k; return p })
}

func newProcedureTypeTable() *ReferenceTable[ProcedureType] {
	return NewReferenceTable("procedure_type",
		func(p ProcedureType) string { return p.Code },
		func(p ProcedureType, k int) ProcedureType { p.ProcedureTypeKey = k; return p })
}

func newBedTable() *ReferenceTable[Bed] {
	return NewReferenceTable("bed",
		func(b Bed) string { return b.BedID },
		func(b Bed, k int) Bed { b.BedKey = k; return b })
}

func newWeatherTable() *ReferenceTable[Weather] {
	return NewReferenceTable("weather",
		func(w Weather) string { return strings.ToLower(w.Condition) },
		func(w Weather, k int) Weather { w.WeatherKey = k; return w })
}
