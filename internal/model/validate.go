package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("invalid event")

// ValidationError reports a single field of an untrusted record that could
// not be turned into an Event.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RawEvent is an extracted record before validation. All date and time
// values are kept as text exactly as received.
type RawEvent struct {
	Title       string   `json:"title" validate:"required"`
	Date        string   `json:"date" validate:"required"`
	EndDate     string   `json:"end_date"`
	DoorsTime   string   `json:"doors_time"`
	ShowTime    string   `json:"show_time"`
	EndTime     string   `json:"end_time"`
	Artists     []string `json:"artists"`
	Price       string   `json:"price"`
	TicketURL   string   `json:"ticket_url"`
	Description string   `json:"description"`

	VenueName     string `json:"venue_name" validate:"required"`
	VenueLocation string `json:"venue_location"`

	DefaultDurationHours int `json:"default_duration_hours" validate:"gte=0"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// NewEvent validates raw and converts it into an Event. Any failure is a
// *ValidationError.
func NewEvent(raw RawEvent) (Event, error) {
	raw.Title = strings.TrimSpace(raw.Title)
	raw.VenueName = strings.TrimSpace(raw.VenueName)
	raw.Date = strings.TrimSpace(raw.Date)

	if err := getValidator().Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return Event{}, &ValidationError{Field: fe.Field(), Reason: describeTag(fe), Err: err}
		}
		return Event{}, &ValidationError{Field: "event", Reason: err.Error(), Err: err}
	}

	date, err := ParseDate(raw.Date)
	if err != nil {
		return Event{}, &ValidationError{Field: "date", Reason: "not a YYYY-MM-DD date", Err: err}
	}

	ev := Event{
		Title:                raw.Title,
		Date:                 date,
		Artists:              cleanArtists(raw.Artists),
		Price:                strings.TrimSpace(raw.Price),
		TicketURL:            strings.TrimSpace(raw.TicketURL),
		Description:          strings.TrimSpace(raw.Description),
		VenueName:            raw.VenueName,
		VenueLocation:        strings.TrimSpace(raw.VenueLocation),
		DefaultDurationHours: raw.DefaultDurationHours,
	}
	if ev.DefaultDurationHours == 0 {
		ev.DefaultDurationHours = DefaultDurationHours
	}

	if s := strings.TrimSpace(raw.EndDate); s != "" {
		end, err := ParseDate(s)
		if err != nil {
			return Event{}, &ValidationError{Field: "end_date", Reason: "not a YYYY-MM-DD date", Err: err}
		}
		if end.Before(date) {
			return Event{}, &ValidationError{Field: "end_date", Reason: "end_date before date"}
		}
		if end != date {
			ev.EndDate = &end
		}
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  **Clock
	}{
		{"doors_time", raw.DoorsTime, &ev.DoorsTime},
		{"show_time", raw.ShowTime, &ev.ShowTime},
		{"end_time", raw.EndTime, &ev.EndTime},
	} {
		s := strings.TrimSpace(f.raw)
		if s == "" {
			continue
		}
		c, err := ParseClock(s)
		if err != nil {
			return Event{}, &ValidationError{Field: f.name, Reason: "not a time of day", Err: err}
		}
		*f.dst = &c
	}

	return ev, nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func cleanArtists(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
