// Package oracle defines the structured-output capabilities the sync
// pipeline consumes: link analysis during the crawl, assignment extraction,
// and due-date resolution.
//
// The interfaces are capability contracts: any backend satisfying the
// input/output schema plugs in. Production uses the Anthropic-backed
// implementation; tests substitute deterministic fakes.
package oracle

import (
	"context"
	"errors"
)

// ErrMalformed marks an oracle response that could not be parsed into its
// output schema. Callers treat it as an empty result for that page or
// assignment and continue.
var ErrMalformed = errors.New("oracle: malformed response")

// LinkAnalysis is the link oracle's verdict on one rendered page.
type LinkAnalysis struct {
	RelevantLinks       []string `json:"relevant_links"`
	AssignmentDataFound bool     `json:"assignment_data_found"`
	Reason              string   `json:"reason"`
}

// LinkOracle inspects page text for links worth crawling and flags pages
// carrying assignment data. Implementations must tolerate truncated input.
type LinkOracle interface {
	Analyze(ctx context.Context, pageText, currentURL string) (*LinkAnalysis, error)
}

// ExtractedAssignment is one assignment record found on a page. Repeated
// is the oracle's judgment that the assignment matches one in the prior
// canonical list it was shown.
type ExtractedAssignment struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Repeated    bool   `json:"repeated"`
}

// ExtractionOracle pulls assignment records out of a page, judging each
// against the pretty-printed prior canonical set.
type ExtractionOracle interface {
	Extract(ctx context.Context, pageText, priorPretty string) ([]ExtractedAssignment, error)
}

// AssignmentMeta identifies the assignment a due date is being resolved for.
type AssignmentMeta struct {
	ID          string
	Title       string
	Description string
}

// ResolvedDueDate is the resolver oracle's single result for one
// assignment. An empty Date means no due date was found; Reasoning then
// explains why.
type ResolvedDueDate struct {
	Date        string   `json:"date"`
	DateCertain bool     `json:"date_certain"`
	TimeCertain bool     `json:"time_certain"`
	Confidence  float64  `json:"confidence"`
	SourceURLs  []string `json:"source_urls"`
	Reasoning   string   `json:"reasoning"`
}

// ResolverOracle produces at most one due date per assignment from the
// concatenated text of its source pages. A nil result with nil error means
// the oracle explicitly found nothing.
type ResolverOracle interface {
	Resolve(ctx context.Context, meta AssignmentMeta, sourceText string) (*ResolvedDueDate, error)
}

// Truncate caps s at limit characters. Oracle inputs are always capped so
// one pathological page can't blow the context window.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
