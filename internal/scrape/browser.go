package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	DefaultBrowserTimeout = 30 * time.Second

	// settleDelay gives client-side rendering a moment after the body is
	// ready before the DOM is captured.
	settleDelay = 1500 * time.Millisecond
)

// BrowserOptions tunes a headless Chromium page load.
type BrowserOptions struct {
	// Timeout bounds the entire load. Zero means DefaultBrowserTimeout.
	Timeout time.Duration

	// ExecPath overrides the Chromium binary chromedp looks for.
	ExecPath string
}

// Browser loads url in headless Chromium via chromedp and returns the
// rendered document's outer HTML.
func Browser(parentCtx context.Context, url string, opts BrowserOptions) (string, error) {
	if url == "" {
		return "", fmt.Errorf("scrape: URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBrowserTimeout
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.UserAgent(UserAgent))
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, allocOpts...)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var page string
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML("html", &page, chromedp.ByQuery),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", fmt.Errorf("scrape: chromedp run failed: %w", err)
	}
	return page, nil
}
