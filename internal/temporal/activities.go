package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/darenhua/coursesync/internal/crawler"
	"github.com/darenhua/coursesync/internal/extract"
	"github.com/darenhua/coursesync/internal/fetch"
	"github.com/darenhua/coursesync/internal/resolve"
	"github.com/darenhua/coursesync/internal/store"
)

// Activities holds dependencies for the sync pipeline's activity methods.
// Everything here is safe for concurrent use: parallel JobSyncs of one
// group run these methods simultaneously.
type Activities struct {
	Store     *store.Store
	Crawler   *crawler.Crawler
	Extractor *extract.Extractor
	Resolver  *resolve.Resolver
}

// CreateJobsActivity creates the JobSyncGroup and one JobSync per
// (course, source) the user is enrolled in, in a single transaction.
func (a *Activities) CreateJobsActivity(ctx context.Context, input SyncPipelineInput) (*CreateJobsResult, error) {
	logger := activity.GetLogger(ctx)

	if input.UserID == "" {
		return nil, temporal.NewNonRetryableApplicationError("user_id is required", ErrTypeMalformedInput, nil)
	}

	group, jobs, err := a.Store.CreateJobs(ctx, input.UserID, input.CourseIDs)
	if err != nil {
		return nil, fmt.Errorf("create jobs: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, js := range jobs {
		ids[i] = js.ID
	}
	logger.Info("created job syncs", "GroupID", group.ID, "Count", len(ids))

	return &CreateJobsResult{GroupID: group.ID, JobSyncIDs: ids, TotalCreated: len(ids)}, nil
}

// CrawlCourseActivity runs stage C for one JobSync: authenticated crawl,
// change detection, HTML persistence, tree save.
func (a *Activities) CrawlCourseActivity(ctx context.Context, req CrawlRequest) (*ScrapeResult, error) {
	logger := activity.GetLogger(ctx)

	js, err := a.Store.GetJobSync(ctx, req.JobSyncID)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl,
			temporal.NewNonRetryableApplicationError("job sync not found", ErrTypeDataInvariant, err))
	}
	if js.CourseID == "" || js.SourceID == "" {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl,
			temporal.NewNonRetryableApplicationError("job sync missing course or source", ErrTypeDataInvariant, nil))
	}

	source, err := a.Store.SourceByID(ctx, js.SourceID)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl, err)
	}
	group, err := a.Store.GetSyncGroup(ctx, js.GroupID)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl, err)
	}

	var cookies []fetch.Cookie
	if bundle, err := a.Store.LatestAuthBundle(ctx, group.UserID); err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl, err)
	} else if bundle != nil {
		cookies = fetch.Normalize(bundle.Cookies)
	} else if source.RequiresAuth {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl,
			temporal.NewNonRetryableApplicationError("source requires auth but user has no auth bundle", ErrTypeAuthentication, nil))
	}

	var previous *crawler.PageNode
	if !req.ForceRefresh {
		previous, err = a.Store.PreviousTree(ctx, js.CourseID, js.SourceID, js.ID)
		if err != nil {
			return nil, a.failStage(ctx, req.JobSyncID, StageCrawl, err)
		}
	}

	tree, stats, err := a.Crawler.Crawl(ctx, js.ID, source.URL, cookies, previous)
	if err != nil {
		// Browser/session failures are transient: surface retryable.
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl, fmt.Errorf("crawl %s: %w", source.URL, err))
	}

	if err := a.Store.SaveJobSyncTree(ctx, js.ID, tree, stats); err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageCrawl, err)
	}

	result := &ScrapeResult{
		JobSyncID:            js.ID,
		NodesScraped:         stats.PagesTotal,
		PagesNew:             stats.PagesNew,
		PagesChanged:         stats.PagesChanged,
		PagesUnchanged:       stats.PagesUnchanged,
		AssignmentPagesFound: stats.PagesWithAssignments,
		Success:              true,
	}
	logger.Info("crawl complete", "JobSyncID", js.ID,
		"Pages", stats.PagesTotal, "Changed", stats.PagesChanged, "Errors", stats.PageErrors)

	if err := a.Store.RecordStageResult(ctx, js.ID, StageCrawl, true, "", stats); err != nil {
		logger.Warn("failed to record stage result", "error", err)
	}
	return result, nil
}

// FindAssignmentsActivity runs stage A for one JobSync.
func (a *Activities) FindAssignmentsActivity(ctx context.Context, req AssignmentsRequest) (*AssignmentResult, error) {
	logger := activity.GetLogger(ctx)

	js, err := a.Store.GetJobSync(ctx, req.JobSyncID)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageAssignments,
			temporal.NewNonRetryableApplicationError("job sync not found", ErrTypeDataInvariant, err))
	}
	if js.CourseID == "" {
		return nil, a.failStage(ctx, req.JobSyncID, StageAssignments,
			temporal.NewNonRetryableApplicationError("job sync has no course", ErrTypeDataInvariant, nil))
	}
	if js.PageTree == nil {
		// Crawl never succeeded; this id still reports one failure per stage.
		return nil, a.failStage(ctx, req.JobSyncID, StageAssignments,
			temporal.NewNonRetryableApplicationError("no page tree: crawl stage did not succeed", ErrTypeDataInvariant, nil))
	}

	res, err := a.Extractor.Run(ctx, js.ID, js.CourseID, js.PageTree)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageAssignments, fmt.Errorf("extract: %w", err))
	}

	logger.Info("assignments complete", "JobSyncID", js.ID,
		"Found", res.Found, "Created", res.Created, "PageErrors", res.PageErrors)
	if err := a.Store.RecordStageResult(ctx, js.ID, StageAssignments, true, "", res); err != nil {
		logger.Warn("failed to record stage result", "error", err)
	}

	return &AssignmentResult{
		JobSyncID:          js.ID,
		AssignmentsFound:   res.Found,
		AssignmentsCreated: res.Created,
		TouchedIDs:         res.TouchedIDs,
		Success:            true,
	}, nil
}

// FindDueDatesActivity runs stage D for one JobSync over the assignments
// the extraction stage produced or touched.
func (a *Activities) FindDueDatesActivity(ctx context.Context, req DueDatesRequest) (*DueDateResult, error) {
	logger := activity.GetLogger(ctx)

	if req.PriorStageFailed {
		return nil, a.failStage(ctx, req.JobSyncID, StageDueDates,
			temporal.NewNonRetryableApplicationError("assignments stage did not succeed", ErrTypeDataInvariant, nil))
	}

	assignments, err := a.Store.AssignmentsByIDs(ctx, req.AssignmentIDs)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageDueDates, err)
	}

	res, err := a.Resolver.Run(ctx, assignments)
	if err != nil {
		return nil, a.failStage(ctx, req.JobSyncID, StageDueDates, fmt.Errorf("resolve: %w", err))
	}

	logger.Info("due dates complete", "JobSyncID", req.JobSyncID,
		"Found", res.DueDatesFound, "Placeholders", res.Placeholders)
	if err := a.Store.RecordStageResult(ctx, req.JobSyncID, StageDueDates, true, "", res); err != nil {
		logger.Warn("failed to record stage result", "error", err)
	}

	return &DueDateResult{
		JobSyncID:          req.JobSyncID,
		DueDatesFound:      res.DueDatesFound,
		DueDatesCreated:    res.DueDatesCreated,
		AssignmentsUpdated: res.AssignmentsUpdated,
		Success:            true,
	}, nil
}

// CompleteGroupActivity stamps the group's completed_at. Runs at pipeline
// end no matter what the stages did.
func (a *Activities) CompleteGroupActivity(ctx context.Context, groupID string) error {
	return a.Store.CompleteSyncGroup(ctx, groupID)
}

// failStage records a failed per-stage result before handing the error
// back to Temporal's retry machinery.
func (a *Activities) failStage(ctx context.Context, jobSyncID, stage string, cause error) error {
	if err := a.Store.RecordStageResult(ctx, jobSyncID, stage, false, cause.Error(), nil); err != nil {
		activity.GetLogger(ctx).Warn("failed to record stage failure", "Stage", stage, "error", err)
	}
	return cause
}
