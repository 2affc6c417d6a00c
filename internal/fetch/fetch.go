// Package fetch drives a headless browser to retrieve fully rendered pages.
//
// The crawler opens one session per sync so the authenticated cookies are
// injected once and reused across every page of that crawl. The Fetcher
// and Session interfaces keep the browser pluggable; tests substitute a
// deterministic fake.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/darenhua/coursesync/internal/store"
)

// Cookie is the fetcher's accepted cookie shape. SameSite is empty or one
// of "None", "Lax", "Strict".
type Cookie struct {
	Domain         string
	Path           string
	Name           string
	Value          string
	Secure         bool
	HTTPOnly       bool
	SameSite       string
	ExpirationDate float64
}

// Fetcher opens authenticated browser sessions.
type Fetcher interface {
	OpenSession(ctx context.Context, cookies []Cookie) (Session, error)
}

// Session is a live browser context. Fetch returns the final rendered HTML
// and the document title.
type Session interface {
	Fetch(ctx context.Context, url string) (html, title string, err error)
	Close() error
}

// Normalize translates browser-exported cookie records into the fetcher's
// accepted shape: the SameSite field is case-folded to None/Lax/Strict or
// dropped when unspecified or unknown, and export-only fields (hostOnly,
// storeId, session) are discarded.
func Normalize(raw []store.Cookie) []Cookie {
	cleaned := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out := Cookie{
			Domain:         c.Domain,
			Path:           c.Path,
			Name:           c.Name,
			Value:          c.Value,
			Secure:         c.Secure,
			HTTPOnly:       c.HTTPOnly,
			ExpirationDate: c.ExpirationDate,
		}
		switch strings.ToLower(c.SameSite) {
		case "none", "no_restriction":
			out.SameSite = "None"
		case "lax":
			out.SameSite = "Lax"
		case "strict":
			out.SameSite = "Strict"
		default:
			// "unspecified", "", or anything unknown: leave unset.
		}
		cleaned = append(cleaned, out)
	}
	return cleaned
}

// Options configure the Chrome-backed fetcher.
type Options struct {
	Headless    bool
	NoSandbox   bool
	UserAgent   string
	PageTimeout time.Duration // per-page load cap
	SettleTime  time.Duration // post-load wait for JavaScript rendering
}

// ChromeFetcher launches headless Chrome via chromedp.
type ChromeFetcher struct {
	opts Options
}

// NewChromeFetcher returns a fetcher with the given options.
func NewChromeFetcher(opts Options) *ChromeFetcher {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = 2 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "coursesync/1.0"
	}
	return &ChromeFetcher{opts: opts}
}

type chromeSession struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	pageTimeout   time.Duration
	settleTime    time.Duration
}

// OpenSession launches a browser, enables the network domain, and injects
// the cookie set. A launch failure here is fatal to the whole crawl stage.
func (f *ChromeFetcher) OpenSession(ctx context.Context, cookies []Cookie) (Session, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(f.opts.UserAgent),
	)
	if f.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.Flag("no-sandbox", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run starts the browser process; failing here means Chrome
	// itself couldn't launch.
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("fetch: launch browser: %w", err)
	}

	if len(cookies) > 0 {
		if err := chromedp.Run(browserCtx, setCookiesAction(cookies)); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("fetch: inject cookies: %w", err)
		}
	}

	return &chromeSession{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		pageTimeout:   f.opts.PageTimeout,
		settleTime:    f.opts.SettleTime,
	}, nil
}

// setCookiesAction injects every cookie. A single bad cookie is skipped
// rather than failing the whole session.
func setCookiesAction(cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			setter := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			switch c.SameSite {
			case "None":
				setter = setter.WithSameSite(network.CookieSameSiteNone)
			case "Lax":
				setter = setter.WithSameSite(network.CookieSameSiteLax)
			case "Strict":
				setter = setter.WithSameSite(network.CookieSameSiteStrict)
			}
			if c.ExpirationDate > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.ExpirationDate), 0))
				setter = setter.WithExpires(&expires)
			}
			if err := setter.Do(ctx); err != nil {
				continue
			}
		}
		return nil
	})
}

// Fetch navigates to url and returns the rendered document.
func (s *chromeSession) Fetch(ctx context.Context, url string) (string, string, error) {
	pageCtx, cancel := context.WithTimeout(s.browserCtx, s.pageTimeout)
	defer cancel()

	// Honor the caller's cancellation as well as the page cap.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-pageCtx.Done():
		}
	}()

	var html, title string
	err := chromedp.Run(pageCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.settleTime), // let client-side rendering settle
		chromedp.OuterHTML("html", &html),
		chromedp.Title(&title),
	)
	if err != nil {
		return "", "", fmt.Errorf("fetch: %s: %w", url, err)
	}
	if html == "" {
		return "", "", fmt.Errorf("fetch: %s: empty document", url)
	}
	return html, title, nil
}

// Close tears the browser down.
func (s *chromeSession) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}
