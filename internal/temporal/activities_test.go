package temporal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/darenhua/coursesync/internal/blob"
	"github.com/darenhua/coursesync/internal/crawler"
	"github.com/darenhua/coursesync/internal/extract"
	"github.com/darenhua/coursesync/internal/fetch"
	"github.com/darenhua/coursesync/internal/oracle"
	"github.com/darenhua/coursesync/internal/resolve"
	"github.com/darenhua/coursesync/internal/store"
)

// fakeBackend plays the course site, the browser, and all three oracles.
type fakeBackend struct {
	pages    map[string]sitePage
	cookies  []fetch.Cookie
	openErr  error
	fetchLog []string
}

type sitePage struct {
	html  string
	links []string
	flag  bool // carries assignment data
	// titles the extraction oracle reports for this page, matched by a
	// marker substring in the page text
	assignments []string
}

func (f *fakeBackend) OpenSession(ctx context.Context, cookies []fetch.Cookie) (fetch.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.cookies = cookies
	return &fakeBackendSession{f}, nil
}

type fakeBackendSession struct{ b *fakeBackend }

func (s *fakeBackendSession) Fetch(ctx context.Context, url string) (string, string, error) {
	s.b.fetchLog = append(s.b.fetchLog, url)
	p, ok := s.b.pages[url]
	if !ok {
		return "", "", fmt.Errorf("404: %s", url)
	}
	return p.html, url, nil
}

func (s *fakeBackendSession) Close() error { return nil }

func (f *fakeBackend) Analyze(ctx context.Context, pageText, currentURL string) (*oracle.LinkAnalysis, error) {
	p := f.pages[currentURL]
	return &oracle.LinkAnalysis{RelevantLinks: p.links, AssignmentDataFound: p.flag}, nil
}

func (f *fakeBackend) Extract(ctx context.Context, pageText, priorPretty string) ([]oracle.ExtractedAssignment, error) {
	for _, p := range f.pages {
		if p.html != "" && strings.Contains(pageText, textMarker(p.html)) {
			var out []oracle.ExtractedAssignment
			for _, title := range p.assignments {
				out = append(out, oracle.ExtractedAssignment{
					Title:       title,
					Description: "description of " + title,
					Repeated:    strings.Contains(priorPretty, title),
				})
			}
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) Resolve(ctx context.Context, meta oracle.AssignmentMeta, sourceText string) (*oracle.ResolvedDueDate, error) {
	if meta.Title == "HW2" {
		// S6: the oracle explicitly finds nothing for HW2.
		return nil, nil
	}
	return &oracle.ResolvedDueDate{
		Date:        "2026-09-18T23:59:00Z",
		DateCertain: true,
		TimeCertain: true,
		Confidence:  0.9,
		Reasoning:   "explicit deadline",
	}, nil
}

// textMarker extracts the inner text of the one-element test pages so
// markdown-converted page text can be matched back to its source page.
func textMarker(html string) string {
	s := strings.TrimPrefix(html, "<p>")
	return strings.TrimSuffix(s, "</p>")
}

type activityFixture struct {
	store   *store.Store
	blobs   *blob.Store
	backend *fakeBackend
	acts    *Activities
	userID  string
	course  string
	source  string
}

const (
	siteRoot = "https://cs.example.edu/6824/index.html"
	siteDir  = "https://cs.example.edu/6824"
)

func newActivityFixture(t *testing.T) *activityFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	backend := &fakeBackend{pages: map[string]sitePage{
		siteRoot: {html: "<p>course home</p>", links: []string{"schedule.html", "labs.html"}},
		siteDir + "/schedule.html": {
			html: "<p>schedule: hw one and hw two</p>", flag: true,
			links:       []string{"week5.html"},
			assignments: []string{"HW1", "HW2"},
		},
		siteDir + "/labs.html": {html: "<p>labs overview</p>"},
		siteDir + "/week5.html": {
			html: "<p>week five reminder about hw one</p>", flag: true,
			assignments: []string{"HW1"},
		},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	acts := &Activities{
		Store:     st,
		Crawler:   crawler.New(backend, backend, blobs, logger, 3),
		Extractor: extract.New(backend, blobs, st, logger),
		Resolver:  resolve.New(backend, blobs, st, logger, 0, 0),
	}

	u, err := st.CreateUser(ctx, "auth-"+t.Name(), "student@example.edu", "")
	require.NoError(t, err)
	c, err := st.CreateCourse(ctx, "Distributed Systems")
	require.NoError(t, err)
	src, err := st.CreateSource(ctx, c.ID, siteRoot, true)
	require.NoError(t, err)
	require.NoError(t, st.Enroll(ctx, u.ID, c.ID))
	_, err = st.SaveAuthBundle(ctx, u.ID, []store.Cookie{{
		Domain: ".example.edu", Path: "/", Name: "session", Value: "abc", SameSite: "lax", HostOnly: true,
	}})
	require.NoError(t, err)

	return &activityFixture{
		store:   st,
		blobs:   blobs,
		backend: backend,
		acts:    acts,
		userID:  u.ID,
		course:  c.ID,
		source:  src.ID,
	}
}

func activityEnv(t *testing.T, acts *Activities) *testsuite.TestActivityEnvironment {
	t.Helper()
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestActivityEnvironment()
	env.RegisterActivity(acts.CreateJobsActivity)
	env.RegisterActivity(acts.CrawlCourseActivity)
	env.RegisterActivity(acts.FindAssignmentsActivity)
	env.RegisterActivity(acts.FindDueDatesActivity)
	env.RegisterActivity(acts.CompleteGroupActivity)
	return env
}

// runPipeline drives one whole sync through the activity layer the way
// the workflow would, returning the per-stage results.
func runPipeline(t *testing.T, f *activityFixture, force bool) (*ScrapeResult, *AssignmentResult, *DueDateResult) {
	t.Helper()
	env := activityEnv(t, f.acts)

	val, err := env.ExecuteActivity(f.acts.CreateJobsActivity, SyncPipelineInput{UserID: f.userID, ForceRefresh: force})
	require.NoError(t, err)
	var created CreateJobsResult
	require.NoError(t, val.Get(&created))
	require.Len(t, created.JobSyncIDs, 1)
	id := created.JobSyncIDs[0]

	val, err = env.ExecuteActivity(f.acts.CrawlCourseActivity, CrawlRequest{JobSyncID: id, ForceRefresh: force})
	require.NoError(t, err)
	var scrape ScrapeResult
	require.NoError(t, val.Get(&scrape))

	val, err = env.ExecuteActivity(f.acts.FindAssignmentsActivity, AssignmentsRequest{JobSyncID: id})
	require.NoError(t, err)
	var assignRes AssignmentResult
	require.NoError(t, val.Get(&assignRes))

	val, err = env.ExecuteActivity(f.acts.FindDueDatesActivity, DueDatesRequest{JobSyncID: id, AssignmentIDs: assignRes.TouchedIDs})
	require.NoError(t, err)
	var dueRes DueDateResult
	require.NoError(t, val.Get(&dueRes))

	val, err = env.ExecuteActivity(f.acts.CompleteGroupActivity, created.GroupID)
	require.NoError(t, err)

	group, err := f.store.GetSyncGroup(context.Background(), created.GroupID)
	require.NoError(t, err)
	require.True(t, group.CompletedAt.Valid, "group is closed after the pipeline")

	return &scrape, &assignRes, &dueRes
}

// TestFirstSyncEndToEnd covers the first-ever sync: four pages crawled,
// two carrying assignments, HW1 evidenced on two pages, and every
// assignment pinned. HW2 gets a placeholder because the resolver found
// nothing for it.
func TestFirstSyncEndToEnd(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()

	scrape, assignRes, dueRes := runPipeline(t, f, false)

	require.Equal(t, 4, scrape.NodesScraped)
	require.Equal(t, 4, scrape.PagesNew)
	require.Equal(t, 2, scrape.AssignmentPagesFound)

	require.Equal(t, 2, assignRes.AssignmentsCreated)
	require.Equal(t, 3, assignRes.AssignmentsFound)

	hw1, err := f.store.AssignmentByTitle(ctx, f.course, "HW1")
	require.NoError(t, err)
	require.Len(t, hw1.SourcePagePaths, 2, "schedule page and week-5 page")
	hw2, err := f.store.AssignmentByTitle(ctx, f.course, "HW2")
	require.NoError(t, err)
	require.Len(t, hw2.SourcePagePaths, 1)

	require.Equal(t, 2, dueRes.AssignmentsUpdated)
	require.Equal(t, 1, dueRes.DueDatesFound, "only HW1 has a real date")

	// Both pinned; HW2's pin is the placeholder.
	require.True(t, hw1.ChosenDueDateID.Valid)
	require.True(t, hw2.ChosenDueDateID.Valid)
	dates, err := f.store.DueDatesForAssignment(ctx, hw2.ID)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	require.False(t, dates[0].Date.Valid)

	// The crawl used the normalized auth cookies.
	require.Len(t, f.backend.cookies, 1)
	require.Equal(t, "Lax", f.backend.cookies[0].SameSite)
}

// TestNoChangeResyncDoesNoExtractionWork covers the work-avoidance
// invariant: an immediate re-sync sees zero changed pages and the
// canonical set stays identical.
func TestNoChangeResyncDoesNoExtractionWork(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()

	runPipeline(t, f, false)
	before, err := f.store.AssignmentsForCourse(ctx, f.course)
	require.NoError(t, err)

	scrape, assignRes, _ := runPipeline(t, f, false)
	require.Equal(t, 4, scrape.PagesUnchanged)
	require.Zero(t, scrape.PagesNew)
	require.Zero(t, scrape.PagesChanged)
	require.Zero(t, assignRes.AssignmentsCreated)
	require.Zero(t, assignRes.AssignmentsFound, "no changed pages, no oracle calls")

	after, err := f.store.AssignmentsForCourse(ctx, f.course)
	require.NoError(t, err)
	for i := range before {
		require.Equal(t, before[i].SourcePagePaths, after[i].SourcePagePaths)
	}
}

// TestForceRefreshReprocessesEverything: with force_refresh the previous
// tree is ignored, so every page counts as new again, and the pipeline
// still creates no duplicate assignments.
func TestForceRefreshReprocessesEverything(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()

	runPipeline(t, f, false)
	scrape, assignRes, _ := runPipeline(t, f, true)

	require.Equal(t, 4, scrape.PagesNew, "previous tree ignored")
	require.Zero(t, assignRes.AssignmentsCreated, "existing rows are reused")

	all, err := f.store.AssignmentsForCourse(ctx, f.course)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCreateJobsRejectsMissingUser(t *testing.T) {
	f := newActivityFixture(t)
	env := activityEnv(t, f.acts)

	_, err := env.ExecuteActivity(f.acts.CreateJobsActivity, SyncPipelineInput{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "user_id")
}

func TestCrawlFailsWithoutAuthBundle(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()

	// A second user enrolled in the same auth-required course, but with no
	// exported session.
	u, err := f.store.CreateUser(ctx, "auth-no-cookies", "other@example.edu", "")
	require.NoError(t, err)
	require.NoError(t, f.store.Enroll(ctx, u.ID, f.course))

	_, jobs, err := f.store.CreateJobs(ctx, u.ID, nil)
	require.NoError(t, err)

	env := activityEnv(t, f.acts)
	_, err = env.ExecuteActivity(f.acts.CrawlCourseActivity, CrawlRequest{JobSyncID: jobs[0].ID})
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth")

	// The failure is on record for the status surface.
	results, err := f.store.StageResultsForGroup(ctx, jobs[0].GroupID)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.False(t, results[0].Success)
	require.Equal(t, StageCrawl, results[0].Stage)
}

func TestFindAssignmentsWithoutTreeShortCircuits(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()

	_, jobs, err := f.store.CreateJobs(ctx, f.userID, nil)
	require.NoError(t, err)

	env := activityEnv(t, f.acts)
	_, err = env.ExecuteActivity(f.acts.FindAssignmentsActivity, AssignmentsRequest{JobSyncID: jobs[0].ID})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no page tree")
}

func TestFindDueDatesShortCircuitsOnPriorFailure(t *testing.T) {
	f := newActivityFixture(t)
	env := activityEnv(t, f.acts)

	_, jobs, err := f.store.CreateJobs(context.Background(), f.userID, nil)
	require.NoError(t, err)

	_, err = env.ExecuteActivity(f.acts.FindDueDatesActivity, DueDatesRequest{
		JobSyncID:        jobs[0].ID,
		PriorStageFailed: true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "assignments stage")
}
