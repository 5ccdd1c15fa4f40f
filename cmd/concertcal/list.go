package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"concertcal/internal/calendar"
	"concertcal/internal/model"
)

func cmdList(ctx context.Context, g globalFlags, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("list", flag.ContinueOnError)
	if err := fset.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.store.Upcoming(ctx, a.today())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No upcoming events in database.")
		return nil
	}

	fmt.Fprintf(stdout, "%-12s %-25s %s\n", "Date", "Venue", "Event")
	fmt.Fprintln(stdout, strings.Repeat("-", 70))
	for _, row := range rows {
		fmt.Fprintf(stdout, "%-12s %-25s %s\n", row.Date.String(), row.VenueName, row.Title)
	}
	return nil
}

func cmdExport(ctx context.Context, g globalFlags, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("export", flag.ContinueOnError)
	output := fset.String("output", "events.ics", "Output .ics file path")
	if err := fset.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.store.Upcoming(ctx, a.today())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No upcoming events to export.")
		return nil
	}

	events := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.ToEvent(a.cfg.DefaultEventDurationHours))
	}
	if err := calendar.ExportICS(afero.NewOsFs(), events, *output, a.cfg.CalendarName, a.cfg.Location()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Exported %d events to %s\n", len(events), *output)
	return nil
}

func (a *app) today() model.Date {
	loc := a.cfg.Location()
	if loc == nil {
		loc = time.Local
	}
	return model.DateOf(time.Now().In(loc))
}
