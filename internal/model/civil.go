package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day with no time-of-day and no timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date, normalizing out-of-range values the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO "YYYY-MM-DD" date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns the date n calendar days after d.
func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.Compare(o) < 0
}

func (d Date) After(o Date) bool {
	return d.Compare(o) > 0
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Clock is a time of day with second precision.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// NewClock builds a Clock; values are not range-checked.
func NewClock(hour, minute int) Clock {
	return Clock{Hour: hour, Minute: minute}
}

// ParseClock accepts "19:30", "19:30:00", "7:30 PM", "7pm" and "7:30p.m.".
func ParseClock(s string) (Clock, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ".", "")
	if s == "" {
		return Clock{}, fmt.Errorf("parse time %q: empty", raw)
	}

	meridiem := ""
	switch {
	case strings.HasSuffix(s, "am"):
		meridiem = "am"
	case strings.HasSuffix(s, "pm"):
		meridiem = "pm"
	}
	if meridiem != "" {
		s = strings.TrimSpace(strings.TrimSuffix(s, meridiem))
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 || (meridiem == "" && len(parts) < 2) {
		return Clock{}, fmt.Errorf("parse time %q: expected HH:MM", raw)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Clock{}, fmt.Errorf("parse time %q: bad component %q", raw, p)
		}
		nums[i] = n
	}
	c := Clock{Hour: nums[0], Minute: nums[1], Second: nums[2]}

	if meridiem != "" {
		if c.Hour < 1 || c.Hour > 12 {
			return Clock{}, fmt.Errorf("parse time %q: hour out of range", raw)
		}
		if c.Hour == 12 {
			c.Hour = 0
		}
		if meridiem == "pm" {
			c.Hour += 12
		}
	}
	if c.Hour > 23 || c.Minute > 59 || c.Second > 59 {
		return Clock{}, fmt.Errorf("parse time %q: out of range", raw)
	}
	return c, nil
}

// String formats c as "HH:MM", or "HH:MM:SS" when seconds are set.
func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Kitchen formats c as "07:30 PM".
func (c Clock) Kitchen() string {
	return c.On(Date{Year: 2000, Month: time.January, Day: 1}, time.UTC).Format("03:04 PM")
}

// On combines c with a calendar day in loc.
func (c Clock) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
