package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Per-activity timeouts. The workflow-level deadline (2h by default) is
// applied by the caller through StartWorkflowOptions.
const (
	createJobsTimeout    = 30 * time.Second
	crawlTimeout         = 5 * time.Minute
	assignmentsTimeout   = 3 * time.Minute
	dueDatesTimeout      = 3 * time.Minute
	completeGroupTimeout = 30 * time.Second
)

// SyncPipelineWorkflow runs one user's full sync:
//
//  1. CREATE   — one JobSyncGroup, one JobSync per (course, source)
//  2. CRAWL    — fanned out across JobSyncs in parallel
//  3. EXTRACT  — fanned out across the same ids
//  4. RESOLVE  — fanned out across the same ids
//  5. COMPLETE — the group is marked complete regardless of outcomes
//
// Stages are strictly ordered per JobSync; JobSyncs are independent of
// each other. A stage failure on one id is captured as a typed result and
// never propagates to siblings or aborts the pipeline.
func SyncPipelineWorkflow(ctx workflow.Context, input SyncPipelineInput) (*SyncPipelineResult, error) {
	startTime := workflow.Now(ctx)
	logger := workflow.GetLogger(ctx)
	logger.Info("starting sync pipeline", "UserID", input.UserID, "ForceRefresh", input.ForceRefresh)

	retryPolicy := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    60 * time.Second,
		MaximumAttempts:    3,
		NonRetryableErrorTypes: []string{
			ErrTypeMalformedInput,
			ErrTypeAuthentication,
			ErrTypeDataInvariant,
		},
	}

	var a *Activities

	// ===== STEP 1: CREATE JOBS =====
	createCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: createJobsTimeout,
		RetryPolicy:         retryPolicy,
	})
	var created CreateJobsResult
	if err := workflow.ExecuteActivity(createCtx, a.CreateJobsActivity, input).Get(ctx, &created); err != nil {
		logger.Error("create jobs failed", "error", err)
		return nil, err
	}

	result := &SyncPipelineResult{
		GroupID:    created.GroupID,
		JobSyncIDs: created.JobSyncIDs,
	}

	completeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: completeGroupTimeout,
		RetryPolicy:         retryPolicy,
	})

	if len(created.JobSyncIDs) == 0 {
		logger.Info("no job syncs created, ending pipeline")
		_ = workflow.ExecuteActivity(completeCtx, a.CompleteGroupActivity, created.GroupID).Get(ctx, nil)
		result.TotalSuccess = true
		result.DurationSeconds = workflow.Now(ctx).Sub(startTime).Seconds()
		return result, nil
	}
	logger.Info("created job syncs", "Count", len(created.JobSyncIDs))

	// ===== STEP 2: CRAWL (fan-out) =====
	crawlCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: crawlTimeout,
		RetryPolicy:         retryPolicy,
	})
	crawlFutures := make([]workflow.Future, len(created.JobSyncIDs))
	for i, id := range created.JobSyncIDs {
		crawlFutures[i] = workflow.ExecuteActivity(crawlCtx, a.CrawlCourseActivity, CrawlRequest{
			JobSyncID:    id,
			ForceRefresh: input.ForceRefresh,
		})
	}
	for i, future := range crawlFutures {
		id := created.JobSyncIDs[i]
		var r ScrapeResult
		if err := future.Get(ctx, &r); err != nil {
			logger.Error("crawl failed", "JobSyncID", id, "error", err)
			r = ScrapeResult{JobSyncID: id, ErrorMessage: err.Error()}
		}
		result.ScrapeResults = append(result.ScrapeResults, r)
	}
	logger.Info("crawl stage complete", "Successful", countScrapeSuccesses(result.ScrapeResults), "Total", len(created.JobSyncIDs))

	// ===== STEP 3: ASSIGNMENTS (fan-out) =====
	assignCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: assignmentsTimeout,
		RetryPolicy:         retryPolicy,
	})
	assignFutures := make([]workflow.Future, len(created.JobSyncIDs))
	for i, id := range created.JobSyncIDs {
		assignFutures[i] = workflow.ExecuteActivity(assignCtx, a.FindAssignmentsActivity, AssignmentsRequest{JobSyncID: id})
	}
	for i, future := range assignFutures {
		id := created.JobSyncIDs[i]
		var r AssignmentResult
		if err := future.Get(ctx, &r); err != nil {
			logger.Error("assignment stage failed", "JobSyncID", id, "error", err)
			r = AssignmentResult{JobSyncID: id, ErrorMessage: err.Error()}
		}
		result.AssignmentResults = append(result.AssignmentResults, r)
	}

	// ===== STEP 4: DUE DATES (fan-out) =====
	dueCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: dueDatesTimeout,
		RetryPolicy:         retryPolicy,
	})
	dueFutures := make([]workflow.Future, len(created.JobSyncIDs))
	for i, id := range created.JobSyncIDs {
		assignResult := result.AssignmentResults[i]
		dueFutures[i] = workflow.ExecuteActivity(dueCtx, a.FindDueDatesActivity, DueDatesRequest{
			JobSyncID:        id,
			AssignmentIDs:    assignResult.TouchedIDs,
			PriorStageFailed: !assignResult.Success,
		})
	}
	for i, future := range dueFutures {
		id := created.JobSyncIDs[i]
		var r DueDateResult
		if err := future.Get(ctx, &r); err != nil {
			logger.Error("due date stage failed", "JobSyncID", id, "error", err)
			r = DueDateResult{JobSyncID: id, ErrorMessage: err.Error()}
		}
		result.DueDateResults = append(result.DueDateResults, r)
	}

	// ===== STEP 5: COMPLETE GROUP =====
	// Always runs, even when every stage failed, so the group is never
	// considered in-flight forever.
	if err := workflow.ExecuteActivity(completeCtx, a.CompleteGroupActivity, created.GroupID).Get(ctx, nil); err != nil {
		logger.Error("failed to mark group complete", "GroupID", created.GroupID, "error", err)
	}

	result.TotalErrors = countErrors(result)
	result.TotalSuccess = result.TotalErrors == 0
	result.DurationSeconds = workflow.Now(ctx).Sub(startTime).Seconds()
	logger.Info("pipeline complete",
		"GroupID", result.GroupID,
		"Success", result.TotalSuccess,
		"Errors", result.TotalErrors,
		"DurationSeconds", result.DurationSeconds,
	)
	return result, nil
}

func countScrapeSuccesses(results []ScrapeResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func countErrors(result *SyncPipelineResult) int {
	n := 0
	for _, r := range result.ScrapeResults {
		if !r.Success {
			n++
		}
	}
	for _, r := range result.AssignmentResults {
		if !r.Success {
			n++
		}
	}
	for _, r := range result.DueDateResults {
		if !r.Success {
			n++
		}
	}
	return n
}
