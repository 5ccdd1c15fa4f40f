package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"concertcal/internal/calendar"
	"concertcal/internal/extract"
	"concertcal/internal/pipeline"
	"concertcal/internal/scrape"
)

func cmdScrape(ctx context.Context, g globalFlags, args []string, stdout io.Writer) error {
	var opts pipeline.Options
	fset := flag.NewFlagSet("scrape", flag.ContinueOnError)
	fset.BoolVar(&opts.DryRun, "dry-run", false, "Preview events without adding to calendar")
	fset.StringVar(&opts.Venue, "venue", "", "Scrape only this venue (by name)")
	fset.BoolVar(&opts.RetryEmpty, "retry-empty", false, "Only scrape venues with no events yet")
	if err := fset.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner(stdout)
	if err != nil {
		return err
	}

	_, err = runner.Run(ctx, opts)
	if errors.Is(err, pipeline.ErrNoVenues) {
		fmt.Fprintln(stdout, "No venues configured. Edit venues.yaml to add venues.")
		return nil
	}
	return err
}

// runner builds the scrape pipeline for a's configuration.
func (a *app) runner(out io.Writer) (*pipeline.Runner, error) {
	pub, err := calendar.New(a.backend, a.cfg)
	if err != nil {
		return nil, err
	}
	ex, err := extract.New(a.cfg)
	if err != nil {
		return nil, err
	}
	sc := scrape.New(scrape.Options{
		FetchTimeout: scrape.DefaultFetchTimeout,
		Browser:      scrape.BrowserOptions{Timeout: scrape.DefaultBrowserTimeout},
	})
	return pipeline.New(a.cfg, sc, ex, a.store, pub, pipeline.ExistingVenues(a.backend, a.cfg, a.store), out), nil
}
