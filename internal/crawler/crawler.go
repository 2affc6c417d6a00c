// Package crawler walks a course site breadth-first behind an
// authenticated browser session and produces a page tree with content
// hashes and change flags.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/darenhua/coursesync/internal/blob"
	"github.com/darenhua/coursesync/internal/fetch"
	"github.com/darenhua/coursesync/internal/hash"
	"github.com/darenhua/coursesync/internal/oracle"
)

// DefaultMaxDepth bounds the crawl; the root sits at depth 0.
const DefaultMaxDepth = 3

// Crawler builds page trees. One Crawler is safe for concurrent syncs:
// each Crawl call opens its own browser session.
type Crawler struct {
	fetcher  fetch.Fetcher
	links    oracle.LinkOracle
	blobs    *blob.Store
	logger   *slog.Logger
	maxDepth int
}

// New returns a Crawler. maxDepth <= 0 selects DefaultMaxDepth.
func New(fetcher fetch.Fetcher, links oracle.LinkOracle, blobs *blob.Store, logger *slog.Logger, maxDepth int) *Crawler {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Crawler{fetcher: fetcher, links: links, blobs: blobs, logger: logger, maxDepth: maxDepth}
}

// Crawl walks the site at rootURL and returns the finished tree plus its
// stats. previousTree may be nil (first sync); when present its hashes
// drive the per-page change flags. HTML for every successfully fetched
// page is persisted under the JobSync's blob namespace.
//
// Per-page failures mark the node and continue. Only a browser-session
// failure or context cancellation aborts the crawl.
func (c *Crawler) Crawl(ctx context.Context, jobSyncID, rootURL string, cookies []fetch.Cookie, previousTree *PageNode) (*PageNode, Stats, error) {
	previousHashes := map[string]string{}
	if previousTree != nil {
		previousHashes = previousTree.HashMap()
		c.logger.Info("loaded previous tree", "job_sync", jobSyncID, "pages", len(previousHashes))
	}

	session, err := c.fetcher.OpenSession(ctx, cookies)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("crawler: open session: %w", err)
	}
	defer session.Close()

	root := &PageNode{URL: rootURL}
	visited := map[string]bool{rootURL: true}

	type queued struct {
		node  *PageNode
		depth int
	}
	queue := []queued{{root, 0}}

	// Level-synchronous BFS, serialized through the one browser session so
	// the authenticated cookies are reused on every page.
	for len(queue) > 0 {
		depth := queue[0].depth
		var level []*PageNode
		for len(queue) > 0 && queue[0].depth == depth {
			level = append(level, queue[0].node)
			queue = queue[1:]
		}

		for _, node := range level {
			if err := ctx.Err(); err != nil {
				return nil, Stats{}, fmt.Errorf("crawler: cancelled: %w", err)
			}

			links := c.visit(ctx, session, jobSyncID, node, previousHashes)

			if depth >= c.maxDepth {
				continue
			}
			for _, link := range links {
				resolved := ResolveURL(node.URL, link)
				if resolved == "" || visited[resolved] {
					continue
				}
				visited[resolved] = true
				queue = append(queue, queued{node.AddChild(resolved), depth + 1})
			}
		}
	}

	return root, Summarize(root), nil
}

// visit fetches, hashes, stores, and analyzes one page, returning the raw
// candidate links the link oracle surfaced.
func (c *Crawler) visit(ctx context.Context, session fetch.Session, jobSyncID string, node *PageNode, previousHashes map[string]string) []string {
	html, title, err := session.Fetch(ctx, node.URL)
	if err != nil {
		// The node keeps no html_path and stays content_changed so the next
		// sync retries it.
		node.Error = err.Error()
		node.ContentChanged = true
		c.logger.Warn("page fetch failed", "url", node.URL, "error", err)
		return nil
	}

	node.Title = title
	node.ContentHash = hash.Page(html, node.URL)
	node.LastScraped = time.Now().UTC()
	node.PreviousHash = previousHashes[node.URL]
	node.ContentChanged = hash.Changed(node.ContentHash, node.PreviousHash)

	path, err := c.blobs.Put(jobSyncID, node.URL, []byte(html), blob.PutOptions{CacheControl: "3600"})
	if err != nil {
		node.Error = fmt.Sprintf("store html: %v", err)
		c.logger.Warn("blob store failed", "url", node.URL, "error", err)
	} else {
		node.HTMLPath = path
	}

	analysis, err := c.links.Analyze(ctx, oracle.PageText(html, node.URL), node.URL)
	if err != nil {
		c.logger.Warn("link analysis failed", "url", node.URL, "error", err)
		return nil
	}
	node.AssignmentsFound = analysis.AssignmentDataFound
	return analysis.RelevantLinks
}

// ResolveURL turns a raw href into canonical absolute form: fragments
// stripped, non-http(s) schemes dropped, scheme-relative links given the
// base scheme, relative links joined against the base, trailing slash
// trimmed. Returns "" for links that cannot become a crawlable URL.
func ResolveURL(baseURL, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	link = strings.SplitN(link, "#", 2)[0]
	if link == "" {
		return ""
	}

	if strings.HasPrefix(link, "//") {
		base, err := url.Parse(baseURL)
		if err != nil || base.Scheme == "" {
			return ""
		}
		link = base.Scheme + ":" + link
	}

	var resolved *url.URL
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		u, err := url.Parse(link)
		if err != nil {
			return ""
		}
		resolved = u
	} else {
		base, err := url.Parse(baseURL)
		if err != nil {
			return ""
		}
		ref, err := url.Parse(link)
		if err != nil {
			return ""
		}
		resolved = base.ResolveReference(ref)
	}

	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return strings.TrimSuffix(resolved.String(), "/")
}
