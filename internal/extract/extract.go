// Package extract maintains the course-wide canonical assignment set.
//
// Extraction is incremental: only pages whose content changed since the
// previous sync are processed, and every page is judged against the full
// prior canonical set of its course so the same homework mentioned on
// five pages stays one assignment with five evidence paths.
package extract

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/darenhua/coursesync/internal/blob"
	"github.com/darenhua/coursesync/internal/crawler"
	"github.com/darenhua/coursesync/internal/oracle"
	"github.com/darenhua/coursesync/internal/store"
)

// Extractor runs the assignment stage for one JobSync at a time.
type Extractor struct {
	oracle oracle.ExtractionOracle
	blobs  *blob.Store
	store  *store.Store
	logger *slog.Logger
}

// New returns an Extractor.
func New(o oracle.ExtractionOracle, blobs *blob.Store, st *store.Store, logger *slog.Logger) *Extractor {
	return &Extractor{oracle: o, blobs: blobs, store: st, logger: logger}
}

// Result summarises one extraction run.
type Result struct {
	Touched        []store.Assignment `json:"-"`
	TouchedIDs     []string           `json:"touched_ids"`
	Found          int                `json:"found"`
	Created        int                `json:"created"`
	PagesProcessed int                `json:"pages_processed"`
	PagesSkipped   int                `json:"pages_skipped"`
	PageErrors     int                `json:"page_errors"`
}

// Run processes the JobSync's changed pages in tree-traversal order and
// returns the assignments produced or touched by this sync. The canonical
// set grows in memory as pages are processed, so page N's oracle context
// reflects what pages 1..N-1 of this same sync found.
func (e *Extractor) Run(ctx context.Context, jobSyncID, courseID string, tree *crawler.PageNode) (*Result, error) {
	if tree == nil {
		return nil, fmt.Errorf("extract: job sync %s has no page tree", jobSyncID)
	}

	priors, err := e.store.AssignmentsForCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("extract: load prior assignments: %w", err)
	}

	canonical := make([]store.Assignment, len(priors))
	copy(canonical, priors)

	result := &Result{}
	touched := map[string]bool{}

	targets := tree.ChangedPages()
	e.logger.Info("extraction targets", "job_sync", jobSyncID, "changed_pages", len(targets), "priors", len(priors))

	for _, page := range targets {
		if page.HTMLPath == "" {
			// Fetch failed during the crawl; nothing to read. The page stays
			// flagged changed, so the next sync picks it up again.
			result.PagesSkipped++
			continue
		}

		payload, err := e.blobs.Get(page.HTMLPath)
		if err != nil {
			e.logger.Warn("page blob unreadable", "url", page.URL, "path", page.HTMLPath, "error", err)
			result.PageErrors++
			continue
		}

		records, err := e.oracle.Extract(ctx, oracle.PageText(string(payload), page.URL), Pretty(canonical))
		if err != nil {
			e.logger.Warn("extraction failed for page", "url", page.URL, "error", err)
			result.PageErrors++
			continue
		}
		result.PagesProcessed++
		result.Found += len(records)

		for _, rec := range records {
			if rec.Title == "" {
				continue
			}

			if rec.Repeated {
				existing, err := e.store.AssignmentByTitle(ctx, courseID, rec.Title)
				if err != nil {
					return nil, err
				}
				if existing != nil {
					if err := e.store.AppendSourcePath(ctx, existing.ID, page.HTMLPath); err != nil {
						return nil, err
					}
					if !touched[existing.ID] {
						touched[existing.ID] = true
						result.TouchedIDs = append(result.TouchedIDs, existing.ID)
					}
					canonical = upsertCanonical(canonical, *existing)
					continue
				}
				// The oracle judged it repeated but no row matches the title;
				// fall through and create it.
			}

			created, err := e.store.UpsertAssignment(ctx, &store.Assignment{
				CourseID:        courseID,
				Title:           rec.Title,
				Description:     rec.Description,
				ContentHash:     page.ContentHash,
				SourceURL:       page.URL,
				SourcePagePaths: []string{page.HTMLPath},
			})
			if err != nil {
				return nil, err
			}
			// Upsert may have returned a pre-existing row; make sure this
			// page's evidence is recorded either way.
			if err := e.store.AppendSourcePath(ctx, created.ID, page.HTMLPath); err != nil {
				return nil, err
			}
			if !touched[created.ID] {
				touched[created.ID] = true
				result.TouchedIDs = append(result.TouchedIDs, created.ID)
				result.Created++
			}
			canonical = upsertCanonical(canonical, *created)
		}
	}

	// Reload the touched rows so the returned snapshot carries the final
	// source path sets.
	result.Touched, err = e.store.AssignmentsByIDs(ctx, result.TouchedIDs)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// upsertCanonical replaces the in-memory entry matching a's title or
// appends it.
func upsertCanonical(canonical []store.Assignment, a store.Assignment) []store.Assignment {
	for i := range canonical {
		if canonical[i].Title == a.Title {
			canonical[i] = a
			return canonical
		}
	}
	return append(canonical, a)
}

// Pretty renders the canonical set the way the extraction oracle is
// prompted with it: one numbered "title: description" line per assignment.
func Pretty(assignments []store.Assignment) string {
	if len(assignments) == 0 {
		return ""
	}
	out := ""
	for i, a := range assignments {
		out += fmt.Sprintf("%d. %s: %s\n", i+1, a.Title, a.Description)
	}
	return out
}
