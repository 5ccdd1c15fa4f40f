package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	appLog "concertcal/internal/log"
	"concertcal/internal/model"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:resourcetype/><d:displayname/></d:prop></d:propfind>`

// CalDAV stores each event as its own resource in a calendar collection.
type CalDAV struct {
	client     *http.Client
	collection string
	username   string
	password   string
	name       string
	loc        *time.Location

	attempts uint
	delay    time.Duration
}

var _ Publisher = (*CalDAV)(nil)

// NewCalDAV returns a publisher for the collection at collectionURL. A nil
// client gets a 30s-timeout default.
func NewCalDAV(collectionURL, username, password, calendarName string, loc *time.Location, client *http.Client) *CalDAV {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.HasSuffix(collectionURL, "/") {
		collectionURL += "/"
	}
	return &CalDAV{
		client:     client,
		collection: collectionURL,
		username:   username,
		password:   password,
		name:       calendarName,
		loc:        loc,
		attempts:   3,
		delay:      time.Second,
	}
}

// ResourceURL is where e is stored: the collection plus a hash of the
// event's identity key.
func (c *CalDAV) ResourceURL(e model.Event) string {
	sum := sha256.Sum256([]byte(e.NormalizedKey()))
	return c.collection + hex.EncodeToString(sum[:16]) + ".ics"
}

// Ensure checks that the collection exists and creates it with MKCALENDAR
// when the server reports it missing.
func (c *CalDAV) Ensure(ctx context.Context) error {
	status, err := c.do(ctx, "PROPFIND", c.collection, "application/xml; charset=utf-8", propfindBody, map[string]string{"Depth": "0"})
	if err != nil {
		return fmt.Errorf("calendar: caldav propfind: %w", err)
	}
	switch {
	case status == http.StatusMultiStatus || status == http.StatusOK:
		return nil
	case status != http.StatusNotFound:
		return fmt.Errorf("calendar: caldav propfind %s: unexpected status %d", redactURL(c.collection), status)
	}

	appLog.Info("caldav calendar missing, creating", "url", redactURL(c.collection), "name", c.name)
	status, err = c.do(ctx, "MKCALENDAR", c.collection, "application/xml; charset=utf-8", mkcalendarBody(c.name), nil)
	if err != nil {
		return fmt.Errorf("calendar: caldav mkcalendar: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("calendar: caldav mkcalendar %s: unexpected status %d", redactURL(c.collection), status)
	}
	return nil
}

// Publish PUTs a one-event VCALENDAR for e.
func (c *CalDAV) Publish(ctx context.Context, e model.Event) (bool, error) {
	cal := NewCalendar("")
	cal.AddVEvent(VEvent(e, c.loc))

	target := c.ResourceURL(e)
	status, err := c.do(ctx, http.MethodPut, target, "text/calendar; charset=utf-8", cal.Serialize(), nil)
	if err != nil {
		return false, fmt.Errorf("calendar: caldav put: %w", err)
	}
	switch status {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		appLog.Info("event stored via caldav", "url", redactURL(target), "uid", UID(e))
		return true, nil
	default:
		return false, fmt.Errorf("calendar: caldav put %s: unexpected status %d", redactURL(target), status)
	}
}

// statusError marks a response status worth retrying.
type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

// do sends one request, retrying network errors, 429 and 5xx responses. The
// final status is returned for every other response.
func (c *CalDAV) do(ctx context.Context, method, target, contentType, body string, headers map[string]string) (int, error) {
	return retry.DoWithData(
		func() (int, error) {
			req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
			if err != nil {
				return 0, retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", contentType)
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			if c.username != "" || c.password != "" {
				req.SetBasicAuth(c.username, c.password)
			}

			resp, err := c.client.Do(req)
			if err != nil {
				return 0, err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return resp.StatusCode, statusError{code: resp.StatusCode}
			}
			return resp.StatusCode, nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			appLog.Warn("caldav request retry", "method", method, "url", redactURL(target), "attempt", n+1, "err", err.Error())
		}),
	)
}

func mkcalendarBody(name string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<c:mkcalendar xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav"><d:set><d:prop>`)
	b.WriteString(`<d:displayname>`)
	b.WriteString(xmlEscaper.Replace(name))
	b.WriteString(`</d:displayname>`)
	b.WriteString(`</d:prop></d:set></c:mkcalendar>`)
	return b.String()
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")

// redactURL keeps scheme and host only, so paths with user names or tokens
// stay out of the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "caldav://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
