// Package browser implements the capabilities.Explorer boundary with
// chromedp: a same-host breadth-first crawl that harvests interactive
// elements from each page.
package browser

import (
	"context"
	"errors"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

// DefaultPageTimeout bounds navigation plus harvesting for one page.
const DefaultPageTimeout = 20 * time.Second

// Explorer crawls a web application with a headless browser.
type Explorer struct {
	logger      logging.Logger
	headless    bool
	pageTimeout time.Duration
}

var _ capabilities.Explorer = (*Explorer)(nil)

// Option adjusts explorer behavior.
type Option func(*Explorer)

// WithHeadless toggles headless mode; on by default.
func WithHeadless(headless bool) Option {
	return func(e *Explorer) { e.headless = headless }
}

// WithPageTimeout sets the per-page navigation deadline.
func WithPageTimeout(d time.Duration) Option {
	return func(e *Explorer) {
		if d > 0 {
			e.pageTimeout = d
		}
	}
}

// New creates an Explorer. A nil logger is replaced by a nop.
func New(logger logging.Logger, opts ...Option) *Explorer {
	e := &Explorer{
		logger:      logging.OrNop(logger),
		headless:    true,
		pageTimeout: DefaultPageTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type crawlItem struct {
	url   string
	depth int
}

// Discover crawls breadth-first from startURL, staying on the start host,
// visiting at most maxPages pages and following links at most maxDepth levels
// deep. A browser that cannot launch is a dependency error; an unreachable
// start page is a NavigationError. Later pages that fail to load are logged
// and skipped.
func (e *Explorer) Discover(ctx context.Context, startURL string, maxDepth, maxPages int) (*capabilities.DiscoveryResult, error) {
	start, err := url.Parse(startURL)
	if err != nil || start.Host == "" {
		return nil, &capabilities.NavigationError{URL: startURL, Err: errors.New("invalid URL")}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	e.logger.Info("exploration_started",
		"url", startURL,
		"max_depth", maxDepth,
		"max_pages", maxPages)

	began := time.Now()
	result := &capabilities.DiscoveryResult{StartURL: startURL}
	visited := make(map[string]bool, maxPages)
	queue := []crawlItem{{url: startURL, depth: 0}}

	for len(queue) > 0 && len(result.Pages) < maxPages {
		item := queue[0]
		queue = queue[1:]
		if visited[item.url] {
			continue
		}
		visited[item.url] = true

		page, err := e.explorePage(browserCtx, item.url)
		if err != nil {
			if isMissingBrowser(err) {
				return nil, tools.NewDependencyError("Chrome browser",
					"install Google Chrome or Chromium, or set a custom exec path",
					err)
			}
			if len(result.Pages) == 0 {
				return nil, &capabilities.NavigationError{URL: item.url, Err: err}
			}
			e.logger.Warn("page_navigation_failed", "url", item.url, "error", err.Error())
			continue
		}

		elements := convertElements(page.Elements, item.url)
		result.Elements = append(result.Elements, elements...)
		result.Pages = append(result.Pages, envelopePage(item.url, page.Title, len(elements)))

		e.logger.Debug("page_explored",
			"url", item.url,
			"depth", item.depth,
			"elements", len(elements),
			"links", len(page.Links))

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range page.Links {
			if sameHost(start.Host, link) && !visited[link] {
				queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
			}
		}
	}

	result.Duration = time.Since(began)
	e.logger.Info("exploration_completed",
		"pages", len(result.Pages),
		"elements", len(result.Elements),
		"elapsed_ms", result.Duration.Milliseconds())
	return result, nil
}

// explorePage navigates one page and harvests its elements and links.
func (e *Explorer) explorePage(browserCtx context.Context, pageURL string) (*harvestedPage, error) {
	pageCtx, cancel := context.WithTimeout(browserCtx, e.pageTimeout)
	defer cancel()

	var page harvestedPage
	err := chromedp.Run(pageCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(harvestJS, &page),
	)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// isMissingBrowser reports whether err means no Chrome binary could be
// launched, as opposed to a page-level failure.
func isMissingBrowser(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "chrome not found")
}

// sameHost reports whether link parses and lives on host.
func sameHost(host, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return u.Host == host
}
