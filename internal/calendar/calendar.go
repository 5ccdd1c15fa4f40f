// Package calendar publishes events to the configured calendar backend:
// Calendar.app via AppleScript, a CalDAV server, or a local .ics file.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/afero"

	"concertcal/internal/config"
	"concertcal/internal/model"
)

// Publisher writes events to a calendar.
//
// Publish reports (true, nil) when the event was stored. Failures come back
// as (false, err); implementations do not panic.
type Publisher interface {
	Ensure(ctx context.Context) error
	Publish(ctx context.Context, e model.Event) (bool, error)
}

// New returns the publisher for backend, which must already be resolved
// through config.ResolveBackend.
func New(backend config.Backend, cfg *config.Config) (Publisher, error) {
	switch backend {
	case config.BackendAppleScript:
		if runtime.GOOS != "darwin" {
			return nil, errors.New("calendar: applescript backend requires macOS")
		}
		return NewAppleScript(cfg.CalendarName, nil), nil
	case config.BackendCalDAV:
		if cfg.CalDAV == nil || cfg.CalDAV.URL == "" {
			return nil, errors.New("calendar: caldav backend requires caldav settings in venues.yaml")
		}
		return NewCalDAV(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.CalendarName, cfg.Location(), nil), nil
	case config.BackendICS:
		return NewICS(afero.NewOsFs(), cfg.ICSPath(), cfg.CalendarName, cfg.Location()), nil
	case config.BackendAuto:
		return nil, errors.New("calendar: backend \"auto\" must be resolved before use")
	default:
		return nil, fmt.Errorf("calendar: unknown backend %q", backend)
	}
}
