// Package hash produces stable content digests for crawled pages.
//
// The digest is computed over the visible text of a page, not its markup,
// so cosmetic HTML churn (reordered attributes, injected script tags,
// tracking pixels, nav/footer chrome) does not register as a change. The
// page URL is mixed into the digest so identical text on two URLs still
// yields two distinct page identities.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// strippedSelector matches subtrees that never carry page content.
const strippedSelector = "script, style, meta, link, noscript, header, footer, nav"

// Page returns the hex SHA-256 digest of the page's normalized visible
// text, prefixed with its URL. Malformed HTML is parsed best-effort; the
// function never fails.
func Page(rawHTML, url string) string {
	normalized := NormalizeText(rawHTML)
	sum := sha256.Sum256([]byte(url + "|" + normalized))
	return hex.EncodeToString(sum[:])
}

// Changed reports whether a page's content differs from the previous sync.
// A page with no previous hash is always considered changed.
func Changed(current, previous string) bool {
	if previous == "" {
		return true
	}
	return current != previous
}

// NormalizeText extracts the visible text of an HTML document: chrome
// subtrees removed, text nodes joined with single spaces, whitespace
// collapsed, lowercased.
func NormalizeText(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		// Reader errors can't happen with a strings.Reader, but keep the
		// best-effort contract: treat the input as plain text.
		return collapse(rawHTML)
	}

	doc.Find(strippedSelector).Remove()

	var sb strings.Builder
	for _, root := range doc.Nodes {
		collectText(root, &sb)
	}
	return collapse(sb.String())
}

// collectText walks the node tree appending text-node data with a
// separating space, mirroring a text extraction with an explicit
// inter-node separator.
func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// collapse squeezes all whitespace runs to single spaces, trims, and
// lowercases.
func collapse(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
