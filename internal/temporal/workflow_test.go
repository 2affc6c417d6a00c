package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

// stubHappyPipeline mocks every activity for a clean two-JobSync run:
// create → crawl×2 → assignments×2 → due dates×2 → complete.
func stubHappyPipeline(env *testsuite.TestWorkflowEnvironment) {
	var a *Activities

	env.OnActivity(a.CreateJobsActivity, mock.Anything, mock.Anything).Return(&CreateJobsResult{
		GroupID:      "group-1",
		JobSyncIDs:   []string{"js-1", "js-2"},
		TotalCreated: 2,
	}, nil)

	env.OnActivity(a.CrawlCourseActivity, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, req CrawlRequest) (*ScrapeResult, error) {
			return &ScrapeResult{
				JobSyncID:            req.JobSyncID,
				NodesScraped:         5,
				PagesNew:             5,
				AssignmentPagesFound: 2,
				Success:              true,
			}, nil
		})

	env.OnActivity(a.FindAssignmentsActivity, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, req AssignmentsRequest) (*AssignmentResult, error) {
			return &AssignmentResult{
				JobSyncID:          req.JobSyncID,
				AssignmentsFound:   3,
				AssignmentsCreated: 2,
				TouchedIDs:         []string{"a-1", "a-2"},
				Success:            true,
			}, nil
		})

	env.OnActivity(a.FindDueDatesActivity, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, req DueDatesRequest) (*DueDateResult, error) {
			return &DueDateResult{
				JobSyncID:          req.JobSyncID,
				DueDatesFound:      2,
				DueDatesCreated:    2,
				AssignmentsUpdated: 2,
				Success:            true,
			}, nil
		})

	env.OnActivity(a.CompleteGroupActivity, mock.Anything, "group-1").Return(nil)
}

func TestSyncPipelineHappyPath(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	stubHappyPipeline(env)

	env.ExecuteWorkflow(SyncPipelineWorkflow, SyncPipelineInput{UserID: "user-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result SyncPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, "group-1", result.GroupID)
	require.Equal(t, []string{"js-1", "js-2"}, result.JobSyncIDs)
	require.Len(t, result.ScrapeResults, 2)
	require.Len(t, result.AssignmentResults, 2)
	require.Len(t, result.DueDateResults, 2)
	require.True(t, result.TotalSuccess)
	require.Zero(t, result.TotalErrors)
	env.AssertExpectations(t)
}

func TestSyncPipelineNoJobSyncs(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.CreateJobsActivity, mock.Anything, mock.Anything).Return(&CreateJobsResult{
		GroupID: "group-empty",
	}, nil)
	env.OnActivity(a.CompleteGroupActivity, mock.Anything, "group-empty").Return(nil)

	env.ExecuteWorkflow(SyncPipelineWorkflow, SyncPipelineInput{UserID: "user-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result SyncPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.True(t, result.TotalSuccess)
	require.Empty(t, result.ScrapeResults)

	// No per-JobSync stages for an empty group; the group is still closed.
	env.AssertActivityNotCalled(t, "CrawlCourseActivity", mock.Anything, mock.Anything)
	env.AssertActivityNotCalled(t, "FindAssignmentsActivity", mock.Anything, mock.Anything)
	env.AssertActivityNotCalled(t, "FindDueDatesActivity", mock.Anything, mock.Anything)
}

func TestSyncPipelineCreateJobsFailureFailsWorkflow(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.CreateJobsActivity, mock.Anything, mock.Anything).
		Return(nil, errors.New("store unreachable"))

	env.ExecuteWorkflow(SyncPipelineWorkflow, SyncPipelineInput{UserID: "user-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

// TestSyncPipelinePartialCrawlFailure verifies the isolation contract: one
// JobSync's crawl failure is captured as a failed result, its later stages
// report their own failures, the sibling completes end-to-end, and the
// group is still marked complete.
func TestSyncPipelinePartialCrawlFailure(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.CreateJobsActivity, mock.Anything, mock.Anything).Return(&CreateJobsResult{
		GroupID:      "group-1",
		JobSyncIDs:   []string{"js-ok", "js-bad"},
		TotalCreated: 2,
	}, nil)

	env.OnActivity(a.CrawlCourseActivity, mock.Anything, mock.MatchedBy(func(req CrawlRequest) bool {
		return req.JobSyncID == "js-ok"
	})).Return(&ScrapeResult{JobSyncID: "js-ok", NodesScraped: 4, Success: true}, nil)
	env.OnActivity(a.CrawlCourseActivity, mock.Anything, mock.MatchedBy(func(req CrawlRequest) bool {
		return req.JobSyncID == "js-bad"
	})).Return(nil, errors.New("browser launch failed"))

	env.OnActivity(a.FindAssignmentsActivity, mock.Anything, mock.MatchedBy(func(req AssignmentsRequest) bool {
		return req.JobSyncID == "js-ok"
	})).Return(&AssignmentResult{JobSyncID: "js-ok", TouchedIDs: []string{"a-1"}, Success: true}, nil)
	env.OnActivity(a.FindAssignmentsActivity, mock.Anything, mock.MatchedBy(func(req AssignmentsRequest) bool {
		return req.JobSyncID == "js-bad"
	})).Return(nil, errors.New("no page tree: crawl stage did not succeed"))

	var dueRequests []DueDatesRequest
	env.OnActivity(a.FindDueDatesActivity, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, req DueDatesRequest) (*DueDateResult, error) {
			dueRequests = append(dueRequests, req)
			if req.PriorStageFailed {
				return nil, errors.New("assignments stage did not succeed")
			}
			return &DueDateResult{JobSyncID: req.JobSyncID, AssignmentsUpdated: 1, Success: true}, nil
		})

	env.OnActivity(a.CompleteGroupActivity, mock.Anything, "group-1").Return(nil)

	env.ExecuteWorkflow(SyncPipelineWorkflow, SyncPipelineInput{UserID: "user-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError(), "per-JobSync failures never fail the pipeline")

	var result SyncPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))

	// One failure per stage for the broken id.
	require.Equal(t, 3, result.TotalErrors)
	require.False(t, result.TotalSuccess)

	require.True(t, result.ScrapeResults[0].Success)
	require.False(t, result.ScrapeResults[1].Success)
	require.Contains(t, result.ScrapeResults[1].ErrorMessage, "browser launch failed")
	require.False(t, result.AssignmentResults[1].Success)
	require.False(t, result.DueDateResults[1].Success)

	// The healthy sibling's due-date request carried its touched ids; the
	// broken one was flagged as prior-stage-failed.
	require.Len(t, dueRequests, 2)
	for _, req := range dueRequests {
		switch req.JobSyncID {
		case "js-ok":
			require.False(t, req.PriorStageFailed)
			require.Equal(t, []string{"a-1"}, req.AssignmentIDs)
		case "js-bad":
			require.True(t, req.PriorStageFailed)
			require.Empty(t, req.AssignmentIDs)
		}
	}

	// The group still closes.
	env.AssertCalled(t, "CompleteGroupActivity", mock.Anything, "group-1")
}

// TestSyncPipelineAllFailuresStillCompletesGroup covers the completion
// property: even when every stage of every JobSync fails, completed_at is
// stamped and the workflow returns a result instead of an error.
func TestSyncPipelineAllFailuresStillCompletesGroup(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.CreateJobsActivity, mock.Anything, mock.Anything).Return(&CreateJobsResult{
		GroupID:      "group-doomed",
		JobSyncIDs:   []string{"js-1"},
		TotalCreated: 1,
	}, nil)
	env.OnActivity(a.CrawlCourseActivity, mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	env.OnActivity(a.FindAssignmentsActivity, mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	env.OnActivity(a.FindDueDatesActivity, mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	completeCalled := false
	env.OnActivity(a.CompleteGroupActivity, mock.Anything, "group-doomed").Run(func(args mock.Arguments) {
		completeCalled = true
	}).Return(nil)

	env.ExecuteWorkflow(SyncPipelineWorkflow, SyncPipelineInput{UserID: "user-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.True(t, completeCalled)

	var result SyncPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, 3, result.TotalErrors)
}

func TestSyncPipelineForceRefreshReachesCrawl(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.CreateJobsActivity, mock.Anything, mock.Anything).Return(&CreateJobsResult{
		GroupID:      "group-1",
		JobSyncIDs:   []string{"js-1"},
		TotalCreated: 1,
	}, nil)

	var crawlReq CrawlRequest
	env.OnActivity(a.CrawlCourseActivity, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		if req, ok := args.Get(1).(CrawlRequest); ok {
			crawlReq = req
		}
	}).Return(&ScrapeResult{JobSyncID: "js-1", Success: true}, nil)

	env.OnActivity(a.FindAssignmentsActivity, mock.Anything, mock.Anything).
		Return(&AssignmentResult{JobSyncID: "js-1", Success: true}, nil)
	env.OnActivity(a.FindDueDatesActivity, mock.Anything, mock.Anything).
		Return(&DueDateResult{JobSyncID: "js-1", Success: true}, nil)
	env.OnActivity(a.CompleteGroupActivity, mock.Anything, "group-1").Return(nil)

	env.ExecuteWorkflow(SyncPipelineWorkflow, SyncPipelineInput{UserID: "user-1", ForceRefresh: true})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.True(t, crawlReq.ForceRefresh)
	require.Equal(t, "js-1", crawlReq.JobSyncID)
}
