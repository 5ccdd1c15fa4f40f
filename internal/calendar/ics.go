package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/spf13/afero"

	appLog "concertcal/internal/log"
	"concertcal/internal/model"
)

// ICS appends events to a running .ics file. Events already in the file are
// preserved; publishing an event whose UID is present replaces that entry.
type ICS struct {
	fs   afero.Fs
	path string
	name string
	loc  *time.Location

	mu sync.Mutex
}

var _ Publisher = (*ICS)(nil)

// NewICS returns an ICS publisher writing to path on fsys.
func NewICS(fsys afero.Fs, path, calendarName string, loc *time.Location) *ICS {
	return &ICS{fs: fsys, path: path, name: calendarName, loc: loc}
}

// Path is the calendar file location.
func (p *ICS) Path() string { return p.path }

// Ensure creates the output directory.
func (p *ICS) Ensure(_ context.Context) error {
	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("calendar: ics output dir: %w", err)
	}
	return nil
}

// Publish rewrites the calendar file with e added.
func (p *ICS) Publish(ctx context.Context, e model.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.Ensure(ctx); err != nil {
		return false, err
	}

	existing, err := readCalendar(p.fs, p.path)
	if err != nil {
		return false, err
	}

	uid := UID(e)
	cal := NewCalendar(p.name)
	if existing != nil {
		for _, ve := range existing.Events() {
			if prop := ve.GetProperty(ical.ComponentPropertyUniqueId); prop != nil && prop.Value == uid {
				continue
			}
			cal.AddVEvent(ve)
		}
	}
	cal.AddVEvent(VEvent(e, p.loc))

	if err := writeAtomic(p.fs, p.path, cal); err != nil {
		return false, err
	}
	appLog.Info("event written", "path", p.path, "uid", uid)
	return true, nil
}

// ExportICS writes events to a fresh calendar file at path, replacing any
// existing file.
func ExportICS(fsys afero.Fs, events []model.Event, path, calendarName string, loc *time.Location) error {
	cal := buildCalendar(events, calendarName, loc)
	if dir := filepath.Dir(path); dir != "" {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("calendar: export dir: %w", err)
		}
	}
	return writeAtomic(fsys, path, cal)
}

// WriteICS serializes events as one calendar to w.
func WriteICS(w io.Writer, events []model.Event, calendarName string, loc *time.Location) error {
	if err := buildCalendar(events, calendarName, loc).SerializeTo(w); err != nil {
		return fmt.Errorf("calendar: serialize: %w", err)
	}
	return nil
}

func buildCalendar(events []model.Event, calendarName string, loc *time.Location) *ical.Calendar {
	cal := NewCalendar(calendarName)
	for _, e := range events {
		cal.AddVEvent(VEvent(e, loc))
	}
	return cal
}

// Entry is the read-back form of a VEVENT in a calendar file.
type Entry struct {
	UID      string
	Summary  string
	Location string
	Start    time.Time
	End      time.Time
}

// ReadEntries parses every VEVENT in the file at path. A missing file yields
// no entries. VEVENTs without a UID are logged and skipped.
func ReadEntries(fsys afero.Fs, path string) ([]Entry, error) {
	cal, err := readCalendar(fsys, path)
	if err != nil || cal == nil {
		return nil, err
	}

	out := make([]Entry, 0)
	for _, ve := range cal.Events() {
		entry, perr := parseVEvent(ve)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "path", path, "err", perr.Error())
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// VenuesInFile returns the venues that have at least one event in the
// calendar file, judged by UIDs this tool wrote.
func VenuesInFile(fsys afero.Fs, path string) (map[string]struct{}, error) {
	entries, err := ReadEntries(fsys, path)
	if err != nil {
		return nil, err
	}
	venues := make(map[string]struct{})
	for _, entry := range entries {
		if venue, ok := VenueFromUID(entry.UID); ok {
			venues[venue] = struct{}{}
		}
	}
	return venues, nil
}

func parseVEvent(ve *ical.VEvent) (Entry, error) {
	var out Entry

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	// Unparseable times leave the zero value; UID is all callers rely on.
	out.Start, _ = ve.GetStartAt()
	out.End, _ = ve.GetEndAt()
	return out, nil
}

// readCalendar returns nil, nil when path does not exist.
func readCalendar(fsys afero.Fs, path string) (*ical.Calendar, error) {
	body, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("calendar: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("calendar: parse %s: %w", path, err)
	}
	return cal, nil
}

// writeAtomic serializes cal to a temp file beside path and renames it into
// place.
func writeAtomic(fsys afero.Fs, path string, cal *ical.Calendar) error {
	tmp, err := afero.TempFile(fsys, filepath.Dir(path), ".concertcal-*.ics.tmp")
	if err != nil {
		return fmt.Errorf("calendar: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := cal.SerializeTo(tmp); err != nil {
		tmp.Close()
		_ = fsys.Remove(tmpName)
		return fmt.Errorf("calendar: serialize: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fsys.Remove(tmpName)
		return err
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		_ = fsys.Remove(tmpName)
		return fmt.Errorf("calendar: rename: %w", err)
	}
	return nil
}
