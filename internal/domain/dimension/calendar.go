package dimension

import (
	"fmt"
	"time"
)

// DateKey returns the YYYYMMDD surrogate key of t's calendar day.
func DateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// TimeKey returns the HHMM surrogate key of t's minute of day.
func TimeKey(t time.Time) int {
	return t.Hour()*100 + t.Minute()
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

type Date struct {
	DateKey   int       `json:"date_key"`
	Date      time.Time `json:"date"`
	Year      int       `json:"year"`
	Quarter   int       `json:"quarter"`
	Month     int       `json:"month"`
	MonthName string    `json:"month_name"`
	Day       int       `json:"day"`
	ISOWeek   int       `json:"iso_week"`
	DayOfWeek int       `json:"day_of_week"`
	DayName   string    `json:"day_name"`
	IsWeekend bool      `json:"is_weekend"`
}

type TimeOfDay struct {
	TimeKey         int    `json:"time_key"`
	Hour            int    `json:"hour"`
	Minute          int    `json:"minute"`
	Period          string `json:"period"`
	Shift           string `json:"shift"`
	IsBusinessHours bool   `json:"is_business_hours"`
}

// Calendar holds the Date and Time dimensions for one processing window.
type Calendar struct {
	Start time.Time
	Dates []Date
	Times []TimeOfDay
}

// BuildCalendar generates horizonDays consecutive dates from start and one
// time row per minute of the day. The result depends only on its arguments.
func BuildCalendar(start time.Time, horizonDays int) (*Calendar, error) {
	if horizonDays <= 0 {
		return nil, fmt.Errorf("calendar horizon must be positive, got %d", horizonDays)
	}
	start = Day(start)

	dates := make([]Date, 0, horizonDays)
	for i := 0; i < horizonDays; i++ {
		d := start.AddDate(0, 0, i)
		_, week := d.ISOWeek()
		wd := d.Weekday()
		dates = append(dates, Date{
			DateKey:   DateKey(d),
			Date:      d,
			Year:      d.Year(),
			Quarter:   (int(d.Month())-1)/3 + 1,
			Month:     int(d.Month()),
			MonthName: d.Month().String(),
			Day:       d.Day(),
			ISOWeek:   week,
			DayOfWeek: int(wd),
			DayName:   wd.String(),
			IsWeekend: wd == time.Saturday || wd == time.Sunday,
		})
	}

	times := make([]TimeOfDay, 0, 24*60)
	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			period := "AM"
			if h >= 12 {
				period = "PM"
			}
			times = append(times, TimeOfDay{
				TimeKey:         h*100 + m,
				Hour:            h,
				Minute:          m,
				Period:          period,
				Shift:           shiftOf(h),
				IsBusinessHours: h >= 8 && h < 18,
			})
		}
	}

	return &Calendar{Start: start, Dates: dates, Times: times}, nil
}

func shiftOf(hour int) string {
	switch {
	case hour >= 7 && hour < 15:
		return "Day"
	case hour >= 15 && hour < 23:
		return "Evening"
	default:
		return "Night"
	}
}

// End returns the last day covered by the calendar.
func (c *Calendar) End() time.Time {
	return c.Start.AddDate(0, 0, len(c.Dates)-1)
}

// Covers reports whether t's day falls inside the calendar window.
func (c *Calendar) Covers(t time.Time) bool {
	d := Day(t)
	return !d.Before(c.Start) && !d.After(c.End())
}
