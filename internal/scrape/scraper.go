// Package scrape fetches venue listing pages and reduces them to plain text
// for extraction.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "concertcal/internal/log"
)

// Options configures a Scraper.
type Options struct {
	FetchTimeout time.Duration
	Browser      BrowserOptions

	// NoFallback disables the common-path retry after the venue URL fails.
	NoFallback bool
}

// Scraper turns a venue URL into cleaned page text, using plain HTTP when
// possible and headless Chromium otherwise.
type Scraper struct {
	opts Options

	fast    func(ctx context.Context, url string, timeout time.Duration) (string, error)
	browser func(ctx context.Context, url string, opts BrowserOptions) (string, error)

	validate func(string) error
}

// New returns a Scraper backed by colly and chromedp.
func New(opts Options) *Scraper {
	return &Scraper{
		opts:     opts,
		fast:     Fast,
		browser:  Browser,
		validate: ValidateURL,
	}
}

// Scrape returns the cleaned text of url. With requiresBrowser the page is
// always rendered in Chromium; otherwise plain HTTP is tried first and
// Chromium is used only for SPA shells. When url fails, same-origin listing
// pages from FallbackURLs are tried in order.
func (s *Scraper) Scrape(ctx context.Context, url string, requiresBrowser bool) (string, error) {
	if err := s.validate(url); err != nil {
		return "", err
	}

	text, err := s.scrapeOne(ctx, url, requiresBrowser)
	if err == nil {
		return text, nil
	}
	if s.opts.NoFallback || ctx.Err() != nil {
		return "", err
	}

	for _, alt := range FallbackURLs(url) {
		appLog.Debug("trying fallback url", "url", alt, "primary_err", err.Error())
		altText, altErr := s.scrapeOne(ctx, alt, requiresBrowser)
		if altErr == nil {
			appLog.Info("fallback url succeeded", "url", alt)
			return altText, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", err
}

func (s *Scraper) scrapeOne(ctx context.Context, url string, requiresBrowser bool) (string, error) {
	var page string
	if !requiresBrowser {
		p, err := s.fast(ctx, url, s.opts.FetchTimeout)
		switch {
		case err != nil && ctx.Err() != nil:
			return "", err
		case err != nil:
			appLog.Debug("fast fetch failed, switching to browser", "url", url, "err", err.Error())
		case p == "":
			appLog.Debug("spa shell detected, switching to browser", "url", url)
		default:
			page = p
		}
	}

	if page == "" {
		p, err := s.browser(ctx, url, s.opts.Browser)
		if err != nil {
			return "", fmt.Errorf("scrape %s: %w", url, err)
		}
		page = p
	}

	text := Clean(page)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("scrape %s: %w", url, ErrNoContent)
	}
	return text, nil
}

// ErrNoContent means the page loaded but had no visible text.
var ErrNoContent = errors.New("page has no text content")
