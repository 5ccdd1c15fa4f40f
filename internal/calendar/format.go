package calendar

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"concertcal/internal/model"
)

const (
	// ProdID identifies calendars written by this tool.
	ProdID = "-//ConcertScraper//EN"

	uidSuffix = "@concert-scraper"

	// icalLocal is the DATE-TIME form without a trailing Z, used for floating
	// and TZID-qualified times.
	icalLocal = "20060102T150405"
)

// UID is the stable iCalendar UID of an event.
func UID(e model.Event) string {
	return e.NormalizedKey() + uidSuffix
}

// VenueFromUID extracts the venue name from a UID written by UID. It returns
// false for UIDs this tool did not write.
func VenueFromUID(uid string) (string, bool) {
	if !strings.HasSuffix(uid, uidSuffix) {
		return "", false
	}
	venue, _, ok := strings.Cut(uid, "|")
	if !ok || venue == "" {
		return "", false
	}
	return venue, true
}

// Location is the venue name followed by the address when it is known.
func Location(e model.Event) string {
	if e.VenueLocation != "" {
		return e.VenueName + " — " + e.VenueLocation
	}
	return e.VenueName
}

// Description is the human-readable body shown in calendar apps.
func Description(e model.Event) string {
	var parts []string
	if e.DoorsTime != nil {
		parts = append(parts, "Doors: "+e.DoorsTime.Kitchen())
	}
	if e.Price != "" {
		parts = append(parts, "Price: "+e.Price)
	}
	if len(e.Artists) > 0 {
		parts = append(parts, "Artists: "+strings.Join(e.Artists, ", "))
	}
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	if e.TicketURL != "" {
		parts = append(parts, "Tickets: "+e.TicketURL)
	}
	return strings.Join(parts, "\n")
}

// NewCalendar returns an empty VCALENDAR carrying ProdID.
func NewCalendar(name string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetProductId(ProdID)
	if name != "" {
		cal.SetXWRCalName(name)
	}
	return cal
}

// VEvent builds the VEVENT for e. A nil loc writes floating times; otherwise
// times carry loc as TZID.
func VEvent(e model.Event, loc *time.Location) *ical.VEvent {
	ve := ical.NewEvent(UID(e))
	ve.SetDtStampTime(time.Now())
	ve.SetSummary(e.Title)

	if loc == nil {
		ve.SetProperty(ical.ComponentPropertyDtStart, e.StartDateTime().Format(icalLocal))
		ve.SetProperty(ical.ComponentPropertyDtEnd, e.EndDateTime().Format(icalLocal))
	} else {
		ve.SetProperty(ical.ComponentPropertyDtStart, e.StartIn(loc).Format(icalLocal), ical.WithTZID(loc.String()))
		ve.SetProperty(ical.ComponentPropertyDtEnd, e.EndIn(loc).Format(icalLocal), ical.WithTZID(loc.String()))
	}

	ve.SetLocation(Location(e))
	if desc := Description(e); desc != "" {
		ve.SetDescription(desc)
	}
	if e.TicketURL != "" {
		ve.SetURL(e.TicketURL)
	}
	return ve
}
