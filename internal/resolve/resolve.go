// Package resolve pins exactly one due date on each assignment.
//
// Evidence comes from the assignment's own source pages, the blobs that
// ever mentioned it, so the oracle reads only relevant material. Every
// assignment that enters a run leaves it with a pinned DueDate row, even
// if that row is a placeholder with no date.
package resolve

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/darenhua/coursesync/internal/blob"
	"github.com/darenhua/coursesync/internal/oracle"
	"github.com/darenhua/coursesync/internal/store"
)

// Resolver runs the due-date stage for one JobSync at a time.
type Resolver struct {
	oracle       oracle.ResolverOracle
	blobs        *blob.Store
	store        *store.Store
	logger       *slog.Logger
	perPageLimit int
	totalLimit   int
}

// New returns a Resolver. Non-positive limits select the defaults
// (5k chars per page, 30k total).
func New(o oracle.ResolverOracle, blobs *blob.Store, st *store.Store, logger *slog.Logger, perPageLimit, totalLimit int) *Resolver {
	if perPageLimit <= 0 {
		perPageLimit = 5000
	}
	if totalLimit <= 0 {
		totalLimit = 30000
	}
	return &Resolver{oracle: o, blobs: blobs, store: st, logger: logger, perPageLimit: perPageLimit, totalLimit: totalLimit}
}

// Result summarises one resolution run.
type Result struct {
	DueDatesFound      int `json:"due_dates_found"`
	DueDatesCreated    int `json:"due_dates_created"`
	AssignmentsUpdated int `json:"assignments_updated"`
	Placeholders       int `json:"placeholders"`
	Errors             int `json:"errors"`
}

// Run resolves and pins one due date per assignment. Per-assignment
// failures produce a placeholder pin and do not block siblings.
func (r *Resolver) Run(ctx context.Context, assignments []store.Assignment) (*Result, error) {
	result := &Result{}

	for i := range assignments {
		a := &assignments[i]

		resolved, err := r.resolveOne(ctx, a)
		if err != nil {
			r.logger.Warn("due date resolution failed", "assignment", a.Title, "error", err)
			result.Errors++
			resolved = &oracle.ResolvedDueDate{Reasoning: fmt.Sprintf("resolution failed: %v", err)}
		}

		record := buildDueDate(a, resolved)
		created, err := r.store.CreateDueDate(ctx, record)
		if err != nil {
			return nil, err
		}
		result.DueDatesCreated++
		if created.Date.Valid {
			result.DueDatesFound++
		} else {
			result.Placeholders++
		}

		if err := r.store.SetChosenDueDate(ctx, a.ID, created.ID); err != nil {
			return nil, err
		}
		result.AssignmentsUpdated++
	}

	return result, nil
}

// resolveOne gathers the assignment's source-page text and asks the
// oracle for its single verdict.
func (r *Resolver) resolveOne(ctx context.Context, a *store.Assignment) (*oracle.ResolvedDueDate, error) {
	content, sources := r.collectSources(a)
	if content == "" {
		// No source pages or none readable: placeholder, no oracle call.
		return &oracle.ResolvedDueDate{Reasoning: "no sources"}, nil
	}

	resolved, err := r.oracle.Resolve(ctx, oracle.AssignmentMeta{
		ID:          a.ID,
		Title:       a.Title,
		Description: a.Description,
	}, oracle.Truncate(content, r.totalLimit))
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return &oracle.ResolvedDueDate{
			SourceURLs: sources,
			Reasoning:  "no due date found in any course materials",
		}, nil
	}

	// A date the oracle produced must parse; otherwise it is dropped and
	// the reasoning records why.
	if resolved.Date != "" {
		if normalized, ok := parseISODate(resolved.Date); ok {
			resolved.Date = normalized
		} else {
			r.logger.Warn("unparseable due date from oracle", "assignment", a.Title, "date", resolved.Date)
			resolved.Reasoning = fmt.Sprintf("discarded unparseable date %q; %s", resolved.Date, resolved.Reasoning)
			resolved.Date = ""
			resolved.DateCertain = false
			resolved.TimeCertain = false
		}
	}
	if len(resolved.SourceURLs) == 0 {
		resolved.SourceURLs = sources
	}
	return resolved, nil
}

// collectSources loads and formats the assignment's source pages, capping
// each page's text. Unreadable pages are skipped.
func (r *Resolver) collectSources(a *store.Assignment) (string, []string) {
	var (
		sb      strings.Builder
		sources []string
	)
	for i, path := range a.SourcePagePaths {
		payload, err := r.blobs.Get(path)
		if err != nil {
			r.logger.Warn("source page unreadable", "assignment", a.Title, "path", path, "error", err)
			continue
		}
		text := oracle.Truncate(oracle.PageText(string(payload), ""), r.perPageLimit)
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n============================================================\n")
		fmt.Fprintf(&sb, "SOURCE PAGE %d: %s\n", i+1, path)
		fmt.Fprintf(&sb, "============================================================\n")
		sb.WriteString(text)
		sources = append(sources, path)
	}
	return strings.TrimSpace(sb.String()), sources
}

// buildDueDate maps an oracle verdict onto a DueDate row for the
// assignment.
func buildDueDate(a *store.Assignment, resolved *oracle.ResolvedDueDate) *store.DueDate {
	d := &store.DueDate{
		AssignmentID: a.ID,
		DateCertain:  resolved.DateCertain,
		TimeCertain:  resolved.TimeCertain,
		Confidence:   resolved.Confidence,
		Title:        "Due: " + a.Title,
		Description:  resolved.Reasoning,
	}
	if resolved.Date != "" {
		d.Date = sql.NullString{String: resolved.Date, Valid: true}
	}
	if len(resolved.SourceURLs) > 0 {
		d.URL = resolved.SourceURLs[0]
	}
	return d
}

// parseISODate accepts ISO-8601 timestamps and plain dates, returning the
// value normalized to RFC 3339.
func parseISODate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.RFC3339), true
		}
	}
	return "", false
}

// Rank orders due-date candidates best-first for the legacy multi-candidate
// mode: explicit dates beat inferred ones, timed dates beat date-only,
// higher confidence wins, and the most recent date breaks remaining ties.
func Rank(candidates []oracle.ResolvedDueDate) []oracle.ResolvedDueDate {
	out := make([]oracle.ResolvedDueDate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DateCertain != b.DateCertain {
			return a.DateCertain
		}
		if a.TimeCertain != b.TimeCertain {
			return a.TimeCertain
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Date > b.Date
	})
	return out
}
