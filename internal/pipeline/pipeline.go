// Package pipeline runs one scrape pass: venue pages are scraped and
// extracted, the results merged, checked against the seen store and
// published.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"concertcal/internal/calendar"
	"concertcal/internal/config"
	appLog "concertcal/internal/log"
	"concertcal/internal/merge"
	"concertcal/internal/model"
	"concertcal/internal/store"
)

type Scraper interface {
	Scrape(ctx context.Context, url string, requiresBrowser bool) (string, error)
}

type Extractor interface {
	Extract(ctx context.Context, text string, venue config.VenueConfig) ([]model.Event, error)
}

// EmptyCheck returns the names of venues that already have events.
type EmptyCheck func(ctx context.Context) (map[string]struct{}, error)

var (
	ErrNoVenues      = errors.New("no venues configured")
	ErrVenueNotFound = errors.New("venue not found in config")
	ErrCalendarSetup = errors.New("failed to set up calendar")
)

const doneFormat = "Done. %s %d new events, skipped %d duplicates.\n"

// Options selects what a single Run does.
type Options struct {
	DryRun     bool
	Venue      string
	RetryEmpty bool
}

// Summary reports the outcome of a Run. Events holds what was added, or
// what would have been added in a dry run.
type Summary struct {
	RunID   string
	Added   int
	Skipped int
	Failed  int
	Events  []model.Event
}

// Runner wires the scrape pipeline together. Its fields are fixed after New.
type Runner struct {
	venues      []config.VenueConfig
	delay       time.Duration
	concurrency int

	scraper   Scraper
	extractor Extractor
	seen      store.SeenStore
	publisher calendar.Publisher
	hasEvents EmptyCheck

	mu  sync.Mutex
	out io.Writer

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Runner for cfg. Progress lines are written to out.
func New(cfg *config.Config, scraper Scraper, extractor Extractor, seen store.SeenStore, publisher calendar.Publisher, hasEvents EmptyCheck, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		venues:      cfg.Venues,
		delay:       time.Duration(cfg.RequestDelay) * time.Second,
		concurrency: max(cfg.ScrapeConcurrency, 1),
		scraper:     scraper,
		extractor:   extractor,
		seen:        seen,
		publisher:   publisher,
		hasEvents:   hasEvents,
		out:         out,
		sleep:       sleepCtx,
	}
}

func (r *Runner) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Run performs one pass. Per-venue failures are logged and counted; only
// setup problems return an error.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	if len(r.venues) == 0 {
		return sum, ErrNoVenues
	}

	venues, err := r.selectVenues(ctx, opts)
	if err != nil || len(venues) == 0 {
		return sum, err
	}

	if !opts.DryRun {
		if err := r.publisher.Ensure(ctx); err != nil {
			return sum, fmt.Errorf("%w: %v", ErrCalendarSetup, err)
		}
	}

	appLog.Info("run started", "run", sum.RunID, "venues", len(venues), "dry_run", opts.DryRun)

	extracted, failed := r.collect(ctx, sum.RunID, venues)
	sum.Failed += failed
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	events := merge.Dedup(merge.MultiDay(extracted))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		r.handle(ctx, sum.RunID, ev, opts.DryRun, &sum)
	}

	action := "Added"
	if opts.DryRun {
		action = "Would add"
	}
	r.printf(doneFormat, action, sum.Added, sum.Skipped)
	appLog.Info("run complete", "run", sum.RunID, "added", sum.Added, "skipped", sum.Skipped, "failed", sum.Failed, "dry_run", opts.DryRun)
	return sum, nil
}

func (r *Runner) selectVenues(ctx context.Context, opts Options) ([]config.VenueConfig, error) {
	venues := r.venues
	if opts.Venue != "" {
		var match []config.VenueConfig
		for _, v := range venues {
			if strings.EqualFold(v.Name, opts.Venue) {
				match = append(match, v)
			}
		}
		if len(match) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrVenueNotFound, opts.Venue)
		}
		venues = match
	}

	if opts.RetryEmpty && r.hasEvents != nil {
		have, err := r.hasEvents(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read existing venues: %w", err)
		}
		var empty []config.VenueConfig
		for _, v := range venues {
			if _, ok := have[v.Name]; !ok {
				empty = append(empty, v)
			}
		}
		r.printf("Retrying %d venues with no events.\n", len(empty))
		if len(empty) == 0 {
			r.printf("All venues already have events.\n")
		}
		venues = empty
	}
	return venues, nil
}

// collect scrapes and extracts every venue on a bounded pool. Results keep
// venue order.
func (r *Runner) collect(ctx context.Context, runID string, venues []config.VenueConfig) ([]model.Event, int) {
	results := make([][]model.Event, len(venues))
	errs := make([]error, len(venues))

	p := pool.New().WithMaxGoroutines(r.concurrency)
	for i, v := range venues {
		p.Go(func() {
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return
			}
			results[i], errs[i] = r.venue(ctx, runID, v)
			if i < len(venues)-1 && r.delay > 0 {
				_ = r.sleep(ctx, r.delay)
			}
		})
	}
	p.Wait()

	var (
		all    []model.Event
		failed int
	)
	for i := range venues {
		if errs[i] != nil {
			failed++
			continue
		}
		all = append(all, results[i]...)
	}
	return all, failed
}

func (r *Runner) venue(ctx context.Context, runID string, v config.VenueConfig) ([]model.Event, error) {
	r.printf("Scraping %s...\n", v.Name)
	appLog.Info("scraping venue", "run", runID, "venue", v.Name, "url", v.URL)

	text, err := r.scraper.Scrape(ctx, v.URL, v.RequiresBrowser)
	if err != nil {
		r.printf("  [ERROR] Failed to scrape %s: %v\n", v.Name, err)
		appLog.Error("scrape failed", err, "run", runID, "venue", v.Name, "url", v.URL)
		return nil, err
	}
	appLog.Debug("scraped venue", "run", runID, "venue", v.Name, "chars", len([]rune(text)))

	events, err := r.extractor.Extract(ctx, text, v)
	if err != nil {
		r.printf("  [ERROR] Failed to extract events from %s: %v\n", v.Name, err)
		appLog.Error("extract failed", err, "run", runID, "venue", v.Name)
		return nil, err
	}

	appLog.Info("extracted events", "run", runID, "venue", v.Name, "count", len(events))
	if len(events) == 0 {
		r.printf("  No upcoming events found at %s.\n", v.Name)
	}
	return events, nil
}

func (r *Runner) handle(ctx context.Context, runID string, ev model.Event, dryRun bool, sum *Summary) {
	seen, err := r.isSeen(ctx, ev)
	if err != nil {
		sum.Failed++
		r.printf("  [ERROR] Could not check %s on %s: %v\n", ev.Title, dateLabel(ev), err)
		appLog.Error("seen check failed", err, "run", runID, "key", ev.NormalizedKey())
		return
	}
	if seen {
		sum.Skipped++
		r.printf("  [SKIP] %s on %s (already added)\n", ev.Title, dateLabel(ev))
		return
	}

	if dryRun {
		sum.Added++
		sum.Events = append(sum.Events, ev)
		r.printf("  [DRY RUN] Would add: %s on %s at %s\n", ev.Title, dateLabel(ev), ev.StartClock().String())
		return
	}

	ok, err := r.publisher.Publish(ctx, ev)
	if !ok {
		sum.Failed++
		r.printf("  [ERROR] Failed to add %s to calendar\n", ev.Title)
		appLog.Error("publish failed", err, "run", runID, "venue", ev.VenueName, "title", ev.Title)
		return
	}

	if err := r.seen.MarkSeen(ctx, store.RecordFor(ev, calendar.UID(ev))); err != nil {
		appLog.Error("mark seen failed", err, "run", runID, "key", ev.NormalizedKey())
	}
	sum.Added++
	sum.Events = append(sum.Events, ev)
	r.printf("  [ADDED] %s on %s\n", ev.Title, dateLabel(ev))
}

// isSeen checks the event's key and, for history written before runs were
// merged, each of its per-day keys.
func (r *Runner) isSeen(ctx context.Context, ev model.Event) (bool, error) {
	key := ev.NormalizedKey()
	if ok, err := r.seen.IsSeen(ctx, key); err != nil || ok {
		return ok, err
	}
	for _, k := range ev.CoveredDayKeys() {
		if k == key {
			continue
		}
		if ok, err := r.seen.IsSeen(ctx, k); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func dateLabel(ev model.Event) string {
	if ev.IsMultiDay() {
		return ev.Date.String() + " to " + ev.EndDate.String()
	}
	return ev.Date.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExistingVenues returns the EmptyCheck for backend: the ics backend reads
// venue names back out of the running calendar file, other backends ask
// the seen store for venues with upcoming events.
func ExistingVenues(backend config.Backend, cfg *config.Config, st *store.Store) EmptyCheck {
	if backend == config.BackendICS {
		return func(context.Context) (map[string]struct{}, error) {
			return calendar.VenuesInFile(afero.NewOsFs(), cfg.ICSPath())
		}
	}
	loc := cfg.Location()
	if loc == nil {
		loc = time.Local
	}
	return func(ctx context.Context) (map[string]struct{}, error) {
		return st.VenuesWithEvents(ctx, model.DateOf(time.Now().In(loc)))
	}
}
