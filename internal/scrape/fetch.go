package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	// UserAgent identifies the scraper to venue sites.
	UserAgent = "ConcertScraper/0.1 (personal calendar tool)"

	DefaultFetchTimeout = 15 * time.Second
)

// Fast fetches url over plain HTTP and returns the raw HTML. Redirects are
// followed. It returns "" with a nil error when the page looks like an
// unrendered SPA shell, so the caller can retry in a browser.
func Fast(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	c := colly.NewCollector(
		colly.UserAgent(UserAgent),
		colly.StdlibContext(ctx),
		colly.MaxBodySize(10*1024*1024),
	)
	c.SetRequestTimeout(timeout)

	var body []byte
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})

	if err := c.Visit(url); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("scrape: fetch %s: %w", url, err)
	}
	if len(body) == 0 {
		return "", errors.New("scrape: empty response body")
	}

	page := string(body)
	if LooksLikeSPAShell(page) {
		return "", nil
	}
	return page, nil
}
