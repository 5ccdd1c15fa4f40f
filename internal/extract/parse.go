package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"concertcal/internal/model"
)

// ErrNotJSON means a reply held no usable JSON array of events.
var ErrNotJSON = errors.New("extract: reply is not a JSON array of events")

var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?\\s*\\n?")
	fenceClose = regexp.MustCompile("\\n?```\\s*$")
	arrayRe    = regexp.MustCompile(`(?s)\[.*\]`)
	controlRe  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// StripFences removes a surrounding ```json ... ``` markdown fence.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ParseEventArray decodes a model reply into event objects. It accepts a bare
// array, an {"events": [...]} wrapper, or prose with an array embedded in it.
// Array elements that are not objects are dropped.
func ParseEventArray(reply string) ([]map[string]any, error) {
	content := StripFences(reply)

	items, err := decodeArray(content)
	if err == nil {
		return items, nil
	}
	if m := arrayRe.FindString(content); m != "" && m != content {
		if items, aerr := decodeArray(m); aerr == nil {
			return items, nil
		}
	}
	return nil, err
}

func decodeArray(content string) ([]map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if obj, ok := v.(map[string]any); ok {
		if events, ok := obj["events"]; ok {
			v = events
		}
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotJSON, v)
	}

	items := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if obj, ok := it.(map[string]any); ok {
			items = append(items, obj)
		}
	}
	return items, nil
}

// Sanitize strips ASCII control characters other than tab, newline and
// carriage return.
func Sanitize(s string) string {
	return controlRe.ReplaceAllString(s, "")
}

// toRaw converts one decoded object into a RawEvent. Venue fields from the
// reply are ignored; the caller sets them from configuration.
func toRaw(obj map[string]any) model.RawEvent {
	return model.RawEvent{
		Title:       str(obj["title"]),
		Date:        str(obj["date"]),
		EndDate:     str(obj["end_date"]),
		DoorsTime:   str(obj["doors_time"]),
		ShowTime:    str(obj["show_time"]),
		EndTime:     str(obj["end_time"]),
		Artists:     strs(obj["artists"]),
		Price:       str(obj["price"]),
		TicketURL:   str(obj["ticket_url"]),
		Description: str(obj["description"]),
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return Sanitize(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return Sanitize(fmt.Sprint(t))
	}
}

func strs(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{Sanitize(t)}
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if it == nil {
				continue
			}
			out = append(out, str(it))
		}
		return out
	default:
		return []string{str(t)}
	}
}
