package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concertcal/internal/config"
	"concertcal/internal/model"
	"concertcal/internal/store"
)

type fakeScraper struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (f *fakeScraper) Scrape(_ context.Context, url string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	page, ok := f.pages[url]
	if !ok {
		return "", errors.New("connection refused")
	}
	return page, nil
}

type fakeExtractor struct {
	events map[string][]model.Event
}

func (f *fakeExtractor) Extract(_ context.Context, text string, _ config.VenueConfig) ([]model.Event, error) {
	evs, ok := f.events[text]
	if !ok {
		return nil, errors.New("not json")
	}
	return evs, nil
}

type fakeSeen struct {
	keys   map[string]bool
	marked []store.SeenRecord
}

func (f *fakeSeen) IsSeen(_ context.Context, key string) (bool, error) {
	return f.keys[key], nil
}

func (f *fakeSeen) MarkSeen(_ context.Context, rec store.SeenRecord) error {
	f.keys[rec.Key] = true
	f.marked = append(f.marked, rec)
	return nil
}

type fakePublisher struct {
	ensured   int
	ensureErr error
	published []model.Event
	fail      map[string]bool
}

func (f *fakePublisher) Ensure(context.Context) error {
	f.ensured++
	return f.ensureErr
}

func (f *fakePublisher) Publish(_ context.Context, e model.Event) (bool, error) {
	if f.fail[e.Title] {
		return false, errors.New("calendar rejected event")
	}
	f.published = append(f.published, e)
	return true, nil
}

func event(t *testing.T, venue, title, date string) model.Event {
	t.Helper()
	ev, err := model.NewEvent(model.RawEvent{Title: title, Date: date, ShowTime: "20:00", VenueName: venue, DefaultDurationHours: 3})
	require.NoError(t, err)
	return ev
}

type harness struct {
	runner    *Runner
	scraper   *fakeScraper
	seen      *fakeSeen
	publisher *fakePublisher
	out       *bytes.Buffer
	sleeps    int
}

func newHarness(t *testing.T, venues []config.VenueConfig, pages map[string]string, extracted map[string][]model.Event) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Venues = venues
	cfg.RequestDelay = 2

	h := &harness{
		scraper:   &fakeScraper{pages: pages},
		seen:      &fakeSeen{keys: map[string]bool{}},
		publisher: &fakePublisher{fail: map[string]bool{}},
		out:       &bytes.Buffer{},
	}
	h.runner = New(cfg, h.scraper, &fakeExtractor{events: extracted}, h.seen, h.publisher, nil, h.out)
	h.runner.sleep = func(context.Context, time.Duration) error {
		h.sleeps++
		return nil
	}
	return h
}

var (
	venueA = config.VenueConfig{Name: "Venue A", URL: "https://a.example.com/events"}
	venueB = config.VenueConfig{Name: "Venue B", URL: "https://b.example.com/events"}
)

func festHarness(t *testing.T) *harness {
	return newHarness(t,
		[]config.VenueConfig{venueA},
		map[string]string{venueA.URL: "page-a"},
		map[string][]model.Event{"page-a": {
			event(t, "Venue A", "Fest", "2025-06-13"),
			event(t, "Venue A", "Fest", "2025-06-14"),
			event(t, "Venue A", "Fest", "2025-06-15"),
			event(t, "Venue A", "OneOff", "2025-06-20"),
		}},
	)
}

func TestRunMergesAndPublishes(t *testing.T) {
	h := festHarness(t)

	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 0, sum.Failed)

	require.Len(t, h.publisher.published, 2)
	fest := h.publisher.published[0]
	assert.Equal(t, "Fest", fest.Title)
	require.NotNil(t, fest.EndDate)
	assert.Equal(t, "2025-06-15", fest.EndDate.String())
	assert.Equal(t, "OneOff", h.publisher.published[1].Title)

	require.Len(t, h.seen.marked, 2)
	assert.Equal(t, "Venue A|2025-06-13..2025-06-15|fest", h.seen.marked[0].Key)
	assert.Equal(t, "Venue A|2025-06-13..2025-06-15|fest@concert-scraper", h.seen.marked[0].CalendarEventID)
	assert.Equal(t, 1, h.publisher.ensured)

	assert.Contains(t, h.out.String(), "Scraping Venue A...")
	assert.Contains(t, h.out.String(), "  [ADDED] Fest on 2025-06-13 to 2025-06-15")
	assert.Contains(t, h.out.String(), "Done. Added 2 new events, skipped 0 duplicates.")
}

func TestRunSkipsSeenOnSecondPass(t *testing.T) {
	h := festHarness(t)
	_, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)

	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Added)
	assert.Equal(t, 2, sum.Skipped)
	assert.Len(t, h.publisher.published, 2)
	assert.Contains(t, h.out.String(), "[SKIP] OneOff on 2025-06-20 (already added)")
}

func TestRunSkipsMergedEventSeenAsSingleDay(t *testing.T) {
	h := festHarness(t)
	h.seen.keys[event(t, "Venue A", "Fest", "2025-06-14").NormalizedKey()] = true

	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, h.publisher.published, 1)
	assert.Equal(t, "OneOff", h.publisher.published[0].Title)
}

func TestRunDryRun(t *testing.T) {
	h := festHarness(t)

	sum, err := h.runner.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Added)
	assert.Len(t, sum.Events, 2)
	assert.Empty(t, h.publisher.published)
	assert.Empty(t, h.seen.marked)
	assert.Equal(t, 0, h.publisher.ensured)
	assert.Contains(t, h.out.String(), "[DRY RUN] Would add: OneOff on 2025-06-20 at 20:00")
	assert.Contains(t, h.out.String(), "Done. Would add 2 new events, skipped 0 duplicates.")
}

func TestRunVenueFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t,
		[]config.VenueConfig{venueA, venueB},
		map[string]string{venueB.URL: "page-b"},
		map[string][]model.Event{"page-b": {event(t, "Venue B", "Jazz Night", "2025-06-13")}},
	)

	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, h.sleeps)
	assert.Contains(t, h.out.String(), "[ERROR] Failed to scrape Venue A")
}

func TestRunExtractFailureCounted(t *testing.T) {
	h := newHarness(t,
		[]config.VenueConfig{venueA},
		map[string]string{venueA.URL: "garbage"},
		nil,
	)
	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Contains(t, h.out.String(), "[ERROR] Failed to extract events from Venue A")
}

func TestRunPublishFailureNotMarked(t *testing.T) {
	h := festHarness(t)
	h.publisher.fail["OneOff"] = true

	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, h.seen.marked, 1)
	assert.Equal(t, "Fest", h.seen.marked[0].Event.Title)
	assert.Contains(t, h.out.String(), "[ERROR] Failed to add OneOff to calendar")
}

func TestRunVenueFilter(t *testing.T) {
	h := newHarness(t,
		[]config.VenueConfig{venueA, venueB},
		map[string]string{venueA.URL: "page-a", venueB.URL: "page-b"},
		map[string][]model.Event{"page-a": {}, "page-b": {}},
	)

	_, err := h.runner.Run(context.Background(), Options{Venue: "venue b"})
	require.NoError(t, err)
	assert.Equal(t, []string{venueB.URL}, h.scraper.calls)
	assert.Equal(t, 0, h.sleeps)

	_, err = h.runner.Run(context.Background(), Options{Venue: "Nowhere"})
	assert.ErrorIs(t, err, ErrVenueNotFound)
}

func TestRunRetryEmpty(t *testing.T) {
	h := newHarness(t,
		[]config.VenueConfig{venueA, venueB},
		map[string]string{venueA.URL: "page-a", venueB.URL: "page-b"},
		map[string][]model.Event{"page-a": {}, "page-b": {}},
	)
	h.runner.hasEvents = func(context.Context) (map[string]struct{}, error) {
		return map[string]struct{}{"Venue A": {}}, nil
	}

	_, err := h.runner.Run(context.Background(), Options{RetryEmpty: true})
	require.NoError(t, err)
	assert.Equal(t, []string{venueB.URL}, h.scraper.calls)
	assert.Contains(t, h.out.String(), "Retrying 1 venues with no events.")

	h.runner.hasEvents = func(context.Context) (map[string]struct{}, error) {
		return map[string]struct{}{"Venue A": {}, "Venue B": {}}, nil
	}
	h.scraper.calls = nil
	_, err = h.runner.Run(context.Background(), Options{RetryEmpty: true})
	require.NoError(t, err)
	assert.Empty(t, h.scraper.calls)
	assert.Contains(t, h.out.String(), "All venues already have events.")
}

func TestRunSetupErrors(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	_, err := h.runner.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoVenues)

	h = festHarness(t)
	h.publisher.ensureErr = errors.New("permission denied")
	_, err = h.runner.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrCalendarSetup)
	assert.Empty(t, h.scraper.calls)
}

func TestRunConcurrentKeepsVenueOrder(t *testing.T) {
	h := newHarness(t,
		[]config.VenueConfig{venueA, venueB},
		map[string]string{venueA.URL: "page-a", venueB.URL: "page-b"},
		map[string][]model.Event{
			"page-a": {event(t, "Venue A", "Same Night", "2025-06-13")},
			"page-b": {event(t, "Venue B", "Same Night", "2025-06-13")},
		},
	)
	h.runner.concurrency = 2

	sum, err := h.runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Added)
	require.Len(t, h.publisher.published, 2)
	assert.Equal(t, "Venue A", h.publisher.published[0].VenueName)
	assert.Equal(t, "Venue B", h.publisher.published[1].VenueName)
}
