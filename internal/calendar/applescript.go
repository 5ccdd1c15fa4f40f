package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	appLog "concertcal/internal/log"
	"concertcal/internal/model"
)

// appleScriptDate is the date literal form Calendar.app accepts.
const appleScriptDate = "January 02, 2006 at 03:04:05 PM"

const osascriptTimeout = 30 * time.Second

// Runner executes an external command. It exists so tests can stand in for
// osascript.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec. A failing command's stderr is
// included in the error.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// AppleScript drives Calendar.app through osascript (macOS only).
type AppleScript struct {
	runner   Runner
	calendar string
}

var _ Publisher = (*AppleScript)(nil)

// NewAppleScript returns a publisher for the named Calendar.app calendar. A
// nil runner uses ExecRunner.
func NewAppleScript(calendarName string, runner Runner) *AppleScript {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &AppleScript{runner: runner, calendar: calendarName}
}

// Ensure creates the calendar when it does not exist.
func (a *AppleScript) Ensure(ctx context.Context) error {
	if err := a.run(ctx, EnsureScript(a.calendar)); err != nil {
		return fmt.Errorf("calendar: applescript ensure %q: %w", a.calendar, err)
	}
	return nil
}

// Publish adds e to the calendar.
func (a *AppleScript) Publish(ctx context.Context, e model.Event) (bool, error) {
	if err := a.run(ctx, EventScript(a.calendar, e)); err != nil {
		appLog.Error("applescript error", err, "title", e.Title)
		return false, fmt.Errorf("calendar: applescript add %q: %w", e.Title, err)
	}
	return true, nil
}

func (a *AppleScript) run(ctx context.Context, script string) error {
	ctx, cancel := context.WithTimeout(ctx, osascriptTimeout)
	defer cancel()
	err := a.runner.Run(ctx, "osascript", "-e", script)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("osascript timed out after %s: %w", osascriptTimeout, err)
	}
	return err
}

// EnsureScript is the AppleScript that creates calendarName if missing.
func EnsureScript(calendarName string) string {
	name := EscapeAppleScript(calendarName)
	return fmt.Sprintf(`
tell application "Calendar"
    if not (exists calendar "%s") then
        make new calendar with properties {name:"%s"}
    end if
end tell
`, name, name)
}

// EventScript is the AppleScript that adds e to calendarName. Times are
// passed as wall-clock values in the machine's local zone.
func EventScript(calendarName string, e model.Event) string {
	return fmt.Sprintf(`
tell application "Calendar"
    tell calendar "%s"
        make new event with properties {summary:"%s", start date:date "%s", end date:date "%s", location:"%s", description:"%s"}
    end tell
end tell
`,
		EscapeAppleScript(calendarName),
		EscapeAppleScript(e.Title),
		e.StartDateTime().Format(appleScriptDate),
		e.EndDateTime().Format(appleScriptDate),
		EscapeAppleScript(Location(e)),
		EscapeAppleScript(Description(e)),
	)
}

var appleScriptEscaper = strings.NewReplacer(
	"\x00", "",
	"\r\n", " ",
	"\r", " ",
	"\n", " ",
	"\t", " ",
)

// EscapeAppleScript makes s safe inside an AppleScript string literal.
// Control characters that could end the literal are removed or turned into
// spaces, then backslashes and double quotes are escaped, in that order.
func EscapeAppleScript(s string) string {
	s = appleScriptEscaper.Replace(s)
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
