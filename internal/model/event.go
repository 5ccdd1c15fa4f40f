package model

import (
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultDurationHours is used when an event has no end time and no explicit
// duration of its own.
const DefaultDurationHours = 3

// defaultStart is the assumed start when neither show nor doors time is known.
var defaultStart = Clock{Hour: 20}

// Event is a single concert/event at a venue. An Event with EndDate set spans
// every calendar day from Date to EndDate inclusive.
//
// Events are treated as values: derived timestamps and keys are computed from
// the fields on every call, and updates go through copy-returning helpers
// such as WithRange.
type Event struct {
	Title     string `json:"title"`
	Date      Date   `json:"date"`
	EndDate   *Date  `json:"end_date"`
	DoorsTime *Clock `json:"doors_time"`
	ShowTime  *Clock `json:"show_time"`
	EndTime   *Clock `json:"end_time"`

	Artists     []string `json:"artists"`
	Price       string   `json:"price,omitempty"`
	TicketURL   string   `json:"ticket_url,omitempty"`
	Description string   `json:"description,omitempty"`

	VenueName     string `json:"venue_name"`
	VenueLocation string `json:"venue_location,omitempty"`

	DefaultDurationHours int `json:"default_duration_hours"`
}

// StartClock is the best known start time: show time, then doors, then 20:00.
func (e Event) StartClock() Clock {
	switch {
	case e.ShowTime != nil:
		return *e.ShowTime
	case e.DoorsTime != nil:
		return *e.DoorsTime
	default:
		return defaultStart
	}
}

// LastDay is EndDate when set, Date otherwise.
func (e Event) LastDay() Date {
	if e.EndDate != nil {
		return *e.EndDate
	}
	return e.Date
}

// IsMultiDay reports whether the event spans more than one calendar day.
func (e Event) IsMultiDay() bool {
	return e.EndDate != nil && *e.EndDate != e.Date
}

// DurationHours is the fallback length used when EndTime is unknown.
func (e Event) DurationHours() int {
	if e.DefaultDurationHours <= 0 {
		return DefaultDurationHours
	}
	return e.DefaultDurationHours
}

// StartDateTime is the floating (zone-less, carried as UTC) start instant.
func (e Event) StartDateTime() time.Time {
	return e.StartIn(time.UTC)
}

// EndDateTime is the floating (zone-less, carried as UTC) end instant.
func (e Event) EndDateTime() time.Time {
	return e.EndIn(time.UTC)
}

// StartIn is the start wall-clock time interpreted in loc.
func (e Event) StartIn(loc *time.Location) time.Time {
	return e.StartClock().On(e.Date, loc)
}

// EndIn is the end wall-clock time interpreted in loc.
//
// With an EndTime the end lands on the last day; an end at or before the
// start time-of-day on that day is taken to be after midnight. Without an
// EndTime the end is the start time-of-day on the last day plus the
// default duration.
func (e Event) EndIn(loc *time.Location) time.Time {
	last := e.LastDay()
	lastStart := e.StartClock().On(last, loc)
	if e.EndTime == nil {
		return lastStart.Add(time.Duration(e.DurationHours()) * time.Hour)
	}
	end := e.EndTime.On(last, loc)
	if !end.After(lastStart) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// NormalizedKey is the identity of the event: "venue|date|normalized title",
// with "start..end" as the date part for multi-day events.
func (e Event) NormalizedKey() string {
	datePart := e.Date.String()
	if e.IsMultiDay() {
		datePart += ".." + e.EndDate.String()
	}
	return dayKey(e.VenueName, datePart, Normalize(e.Title))
}

// CoveredDays lists every calendar day from Date through LastDay.
func (e Event) CoveredDays() []Date {
	if !e.IsMultiDay() || e.EndDate.Before(e.Date) {
		return []Date{e.Date}
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: e.Date.In(time.UTC),
		Until:   e.EndDate.In(time.UTC),
	})
	if err != nil {
		return []Date{e.Date}
	}
	occ := r.All()
	days := make([]Date, 0, len(occ))
	for _, t := range occ {
		days = append(days, DateOf(t))
	}
	return days
}

// CoveredDayKeys returns a single-day style key for every covered day so a
// merged event can be checked against history recorded one day at a time.
func (e Event) CoveredDayKeys() []string {
	title := Normalize(e.Title)
	days := e.CoveredDays()
	keys := make([]string, 0, len(days))
	for _, d := range days {
		keys = append(keys, dayKey(e.VenueName, d.String(), title))
	}
	return keys
}

// SameOccurrence reports whether e and o share an identity key. Other fields
// such as price or description are ignored.
func (e Event) SameOccurrence(o Event) bool {
	return e.NormalizedKey() == o.NormalizedKey()
}

// WithRange returns a copy of e ending on endDate at endTime. The receiver
// is left untouched.
func (e Event) WithRange(endDate Date, endTime *Clock) Event {
	out := e.clone()
	d := endDate
	out.EndDate = &d
	if endTime != nil {
		t := *endTime
		out.EndTime = &t
	} else {
		out.EndTime = nil
	}
	return out
}

func (e Event) clone() Event {
	out := e
	if e.Artists != nil {
		out.Artists = append([]string(nil), e.Artists...)
	}
	out.EndDate = copyPtr(e.EndDate)
	out.DoorsTime = copyPtr(e.DoorsTime)
	out.ShowTime = copyPtr(e.ShowTime)
	out.EndTime = copyPtr(e.EndTime)
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func dayKey(venue, datePart, title string) string {
	return venue + "|" + datePart + "|" + title
}
