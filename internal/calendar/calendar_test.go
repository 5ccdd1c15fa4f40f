package calendar

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concertcal/internal/config"
	"concertcal/internal/model"
)

func clock(h, m int) *model.Clock {
	c := model.NewClock(h, m)
	return &c
}

func sampleEvent() model.Event {
	return model.Event{
		Title:                "Jazz Night",
		Date:                 model.NewDate(2025, 6, 13),
		DoorsTime:            clock(19, 0),
		ShowTime:             clock(20, 0),
		Artists:              []string{"A", "B"},
		Price:                "$20",
		TicketURL:            "https://tickets.example.com/jazz",
		Description:          "An evening of jazz.",
		VenueName:            "The Venue",
		VenueLocation:        "123 Main St",
		DefaultDurationHours: 3,
	}
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "Jazz Night", "Jazz Night"},
		{"double quotes", `He said "hello"`, `He said \"hello\"`},
		{"backslashes", `path\to\file`, `path\\to\\file`},
		{"newlines", "line1\nline2\rline3\r\nline4", "line1 line2 line3 line4"},
		{"null bytes", "before\x00after", "beforeafter"},
		{"tabs", "col1\tcol2", "col1 col2"},
		{"backslash before quote", `test\"end`, `test\\\"end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeAppleScript(tt.in))
		})
	}
}

func TestEscapeAppleScriptAttackString(t *testing.T) {
	got := EscapeAppleScript("title\"\n-- evil code\r\x00")
	assert.NotContains(t, got, "\n")
	assert.NotContains(t, got, "\r")
	assert.NotContains(t, got, "\x00")
	assert.Equal(t, strings.Count(got, `"`), strings.Count(got, `\"`))
}

func TestLocation(t *testing.T) {
	e := sampleEvent()
	assert.Equal(t, "The Venue — 123 Main St", Location(e))

	e.VenueLocation = ""
	assert.Equal(t, "The Venue", Location(e))
}

func TestDescription(t *testing.T) {
	e := sampleEvent()
	assert.Equal(t,
		"Doors: 07:00 PM\nPrice: $20\nArtists: A, B\nAn evening of jazz.\nTickets: https://tickets.example.com/jazz",
		Description(e))

	assert.Empty(t, Description(model.Event{Title: "x", VenueName: "v"}))
}

func TestUIDRoundTrip(t *testing.T) {
	e := sampleEvent()
	assert.Equal(t, "The Venue|2025-06-13|jazz night@concert-scraper", UID(e))

	venue, ok := VenueFromUID(UID(e))
	assert.True(t, ok)
	assert.Equal(t, "The Venue", venue)

	_, ok = VenueFromUID("abc@google.com")
	assert.False(t, ok)
}

func TestVEventFloating(t *testing.T) {
	ve := VEvent(sampleEvent(), nil)

	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	require.NotNil(t, start)
	assert.Equal(t, "20250613T200000", start.Value)
	assert.NotContains(t, start.ICalParameters, "TZID")

	end := ve.GetProperty(ical.ComponentPropertyDtEnd)
	require.NotNil(t, end)
	assert.Equal(t, "20250613T230000", end.Value)

	assert.Equal(t, "Jazz Night", ve.GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "https://tickets.example.com/jazz", ve.GetProperty(ical.ComponentPropertyUrl).Value)
	assert.Equal(t, UID(sampleEvent()), ve.GetProperty(ical.ComponentPropertyUniqueId).Value)
}

func TestVEventZoned(t *testing.T) {
	e := sampleEvent()
	e.EndTime = clock(1, 0)
	loc := time.FixedZone("Test/Zone", -5*60*60)

	ve := VEvent(e, loc)
	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	require.NotNil(t, start)
	assert.Equal(t, "20250613T200000", start.Value)
	assert.Equal(t, []string{"Test/Zone"}, start.ICalParameters["TZID"])

	end := ve.GetProperty(ical.ComponentPropertyDtEnd)
	assert.Equal(t, "20250614T010000", end.Value)
}

func TestVEventOmitsEmptyOptionalFields(t *testing.T) {
	ve := VEvent(model.Event{Title: "Bare", Date: model.NewDate(2025, 1, 1), VenueName: "V"}, nil)
	assert.Nil(t, ve.GetProperty(ical.ComponentPropertyDescription))
	assert.Nil(t, ve.GetProperty(ical.ComponentPropertyUrl))
	assert.Equal(t, "V", ve.GetProperty(ical.ComponentPropertyLocation).Value)
}

func TestICSPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewICS(fs, "output/Local Concerts.ics", "Local Concerts", nil)
	ctx := context.Background()

	require.NoError(t, p.Ensure(ctx))

	a := sampleEvent()
	b := sampleEvent()
	b.Title = "Rock Night"
	b.Date = model.NewDate(2025, 6, 14)

	for _, e := range []model.Event{a, b, a} {
		ok, err := p.Publish(ctx, e)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	entries, err := ReadEntries(fs, p.Path())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	uids := []string{entries[0].UID, entries[1].UID}
	assert.ElementsMatch(t, []string{UID(a), UID(b)}, uids)

	body, err := afero.ReadFile(fs, p.Path())
	require.NoError(t, err)
	assert.Contains(t, string(body), "PRODID:"+ProdID)
	assert.Contains(t, string(body), "X-WR-CALNAME:Local Concerts")

	tmp, err := afero.Glob(fs, "output/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestICSPublishPreservesForeignEvents(t *testing.T) {
	fs := afero.NewMemMapFs()
	existing := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Other//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:other-1@example.com\r\nSUMMARY:Dentist\r\nDTSTART:20250601T090000\r\nDTEND:20250601T100000\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	require.NoError(t, afero.WriteFile(fs, "cal.ics", []byte(existing), 0o644))

	p := NewICS(fs, "cal.ics", "Concerts", nil)
	ok, err := p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := ReadEntries(fs, "cal.ics")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "other-1@example.com", entries[0].UID)
	assert.Equal(t, "Dentist", entries[0].Summary)
}

func TestICSPublishRejectsCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cal.ics", []byte("not a calendar"), 0o644))

	ok, err := NewICS(fs, "cal.ics", "Concerts", nil).Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestExportICS(t *testing.T) {
	fs := afero.NewMemMapFs()
	fest := sampleEvent().WithRange(model.NewDate(2025, 6, 15), nil)
	events := []model.Event{sampleEvent(), fest}

	require.NoError(t, ExportICS(fs, events, "export/events.ics", "Concerts", nil))

	body, err := afero.ReadFile(fs, "export/events.ics")
	require.NoError(t, err)
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 2)

	end := cal.Events()[1].GetProperty(ical.ComponentPropertyDtEnd)
	assert.Equal(t, "20250615T230000", end.Value)
}

func TestWriteICS(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteICS(&buf, []model.Event{sampleEvent()}, "Concerts", nil))

	out := buf.String()
	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "X-WR-CALNAME:Concerts")
	assert.Contains(t, out, "UID:The Venue|2025-06-13|jazz night@concert-scraper")
	assert.Equal(t, 1, strings.Count(out, "BEGIN:VEVENT"))
}

func TestVenuesInFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	venues, err := VenuesInFile(fs, "missing.ics")
	require.NoError(t, err)
	assert.Empty(t, venues)

	other := sampleEvent()
	other.VenueName = "Other Place"
	require.NoError(t, ExportICS(fs, []model.Event{sampleEvent(), other}, "cal.ics", "", nil))

	venues, err = VenuesInFile(fs, "cal.ics")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"The Venue": {}, "Other Place": {}}, venues)
}

type davRequest struct {
	method string
	path   string
	depth  string
	user   string
	pass   string
	body   string
}

type davServer struct {
	mu       sync.Mutex
	requests []davRequest
	handler  func(n int, r davRequest) int
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	user, pass, _ := r.BasicAuth()
	req := davRequest{method: r.Method, path: r.URL.Path, depth: r.Header.Get("Depth"), user: user, pass: pass, body: string(body)}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()

	w.WriteHeader(s.handler(n, req))
}

func newDAV(t *testing.T, handler func(n int, r davRequest) int) (*CalDAV, *davServer) {
	t.Helper()
	srv := &davServer{handler: handler}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c := NewCalDAV(ts.URL+"/cal/user/concerts", "user", "secret", "Concerts", nil, ts.Client())
	c.delay = time.Millisecond
	return c, srv
}

func TestCalDAVEnsureExisting(t *testing.T) {
	c, srv := newDAV(t, func(int, davRequest) int { return http.StatusMultiStatus })

	require.NoError(t, c.Ensure(context.Background()))
	require.Len(t, srv.requests, 1)
	assert.Equal(t, "PROPFIND", srv.requests[0].method)
	assert.Equal(t, "0", srv.requests[0].depth)
	assert.Equal(t, "/cal/user/concerts/", srv.requests[0].path)
}

func TestCalDAVEnsureCreatesMissing(t *testing.T) {
	c, srv := newDAV(t, func(_ int, r davRequest) int {
		if r.method == "PROPFIND" {
			return http.StatusNotFound
		}
		return http.StatusCreated
	})

	require.NoError(t, c.Ensure(context.Background()))
	require.Len(t, srv.requests, 2)
	assert.Equal(t, "MKCALENDAR", srv.requests[1].method)
	assert.Contains(t, srv.requests[1].body, "<d:displayname>Concerts</d:displayname>")
}

func TestCalDAVEnsureUnauthorized(t *testing.T) {
	c, srv := newDAV(t, func(int, davRequest) int { return http.StatusUnauthorized })
	assert.Error(t, c.Ensure(context.Background()))
	assert.Len(t, srv.requests, 1)
}

func TestCalDAVPublish(t *testing.T) {
	c, srv := newDAV(t, func(int, davRequest) int { return http.StatusCreated })
	e := sampleEvent()

	ok, err := c.Publish(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, srv.requests, 1)
	req := srv.requests[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.True(t, strings.HasPrefix(req.path, "/cal/user/concerts/"))
	assert.True(t, strings.HasSuffix(req.path, ".ics"))
	assert.Equal(t, "user", req.user)
	assert.Equal(t, "secret", req.pass)
	assert.Equal(t, c.ResourceURL(e), c.collection+strings.TrimPrefix(req.path, "/cal/user/concerts/"))

	cal, err := ical.ParseCalendar(strings.NewReader(req.body))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 1)
	assert.Equal(t, UID(e), cal.Events()[0].GetProperty(ical.ComponentPropertyUniqueId).Value)
}

func TestCalDAVPublishRetriesServerErrors(t *testing.T) {
	c, srv := newDAV(t, func(n int, _ davRequest) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusNoContent
	})

	ok, err := c.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, srv.requests, 3)
}

func TestCalDAVPublishGivesUp(t *testing.T) {
	c, srv := newDAV(t, func(int, davRequest) int { return http.StatusBadGateway })

	ok, err := c.Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Len(t, srv.requests, 3)
}

func TestCalDAVPublishClientErrorNotRetried(t *testing.T) {
	c, srv := newDAV(t, func(int, davRequest) int { return http.StatusForbidden })

	ok, err := c.Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Len(t, srv.requests, 1)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://dav.example.com/...(redacted)", redactURL("https://dav.example.com/cal/user/secret/"))
	assert.Equal(t, "caldav://...(redacted)", redactURL("not a url"))
}

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.err
}

func TestAppleScriptPublish(t *testing.T) {
	runner := &fakeRunner{}
	a := NewAppleScript(`My "Cal"`, runner)

	require.NoError(t, a.Ensure(context.Background()))
	ok, err := a.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"osascript", "-e"}, runner.calls[1][:2])

	script := runner.calls[1][2]
	assert.Contains(t, script, `tell calendar "My \"Cal\""`)
	assert.Contains(t, script, `start date:date "June 13, 2025 at 08:00:00 PM"`)
	assert.Contains(t, script, `end date:date "June 13, 2025 at 11:00:00 PM"`)
	assert.Contains(t, script, `location:"The Venue — 123 Main St"`)
	assert.NotContains(t, script, "Doors: 07:00 PM\n")
}

func TestAppleScriptPublishFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1: not authorized")}
	ok, err := NewAppleScript("Cal", runner).Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNew(t *testing.T) {
	cfg := config.DefaultConfig()

	p, err := New(config.BackendICS, cfg)
	require.NoError(t, err)
	assert.IsType(t, &ICS{}, p)

	_, err = New(config.BackendAuto, cfg)
	assert.Error(t, err)

	_, err = New(config.BackendCalDAV, cfg)
	assert.Error(t, err)

	cfg.CalDAV = &config.CalDAVConfig{URL: "https://dav.example.com/cal/"}
	p, err = New(config.BackendCalDAV, cfg)
	require.NoError(t, err)
	assert.IsType(t, &CalDAV{}, p)
}
