package temporal

// Error types carried on non-retryable application errors. The workflow's
// retry policy excludes these: retrying malformed input or rejected
// credentials only burns attempts.
const (
	ErrTypeMalformedInput = "MalformedInput"
	ErrTypeAuthentication = "AuthenticationError"
	ErrTypeDataInvariant  = "DataInvariant"
)

// Stage names as recorded in stage results.
const (
	StageCrawl       = "crawl"
	StageAssignments = "assignments"
	StageDueDates    = "due_dates"
)

// SyncPipelineInput starts a sync pipeline run for one user.
type SyncPipelineInput struct {
	UserID       string   `json:"user_id"`
	ForceRefresh bool     `json:"force_refresh"`        // treat every page as changed
	CourseIDs    []string `json:"course_ids,omitempty"` // restrict to these courses
}

// CreateJobsResult is returned by CreateJobsActivity.
type CreateJobsResult struct {
	GroupID      string   `json:"group_id"`
	JobSyncIDs   []string `json:"job_sync_ids"`
	TotalCreated int      `json:"total_created"`
}

// CrawlRequest drives one crawl-stage activity.
type CrawlRequest struct {
	JobSyncID    string `json:"job_sync_id"`
	ForceRefresh bool   `json:"force_refresh"`
}

// ScrapeResult is the crawl stage's per-JobSync outcome.
type ScrapeResult struct {
	JobSyncID            string `json:"job_sync_id"`
	NodesScraped         int    `json:"nodes_scraped"`
	PagesNew             int    `json:"pages_new"`
	PagesChanged         int    `json:"pages_changed"`
	PagesUnchanged       int    `json:"pages_unchanged"`
	AssignmentPagesFound int    `json:"assignment_pages_found"`
	Success              bool   `json:"success"`
	ErrorMessage         string `json:"error_message,omitempty"`
}

// AssignmentsRequest drives one assignment-stage activity.
type AssignmentsRequest struct {
	JobSyncID string `json:"job_sync_id"`
}

// AssignmentResult is the assignment stage's per-JobSync outcome.
// TouchedIDs feed the due-date stage.
type AssignmentResult struct {
	JobSyncID          string   `json:"job_sync_id"`
	AssignmentsFound   int      `json:"assignments_found"`
	AssignmentsCreated int      `json:"assignments_created"`
	TouchedIDs         []string `json:"touched_ids,omitempty"`
	Success            bool     `json:"success"`
	ErrorMessage       string   `json:"error_message,omitempty"`
}

// DueDatesRequest drives one due-date-stage activity. PriorStageFailed is
// set when the assignment stage for this JobSync did not succeed; the
// activity then short-circuits with its own failure so every stage reports
// one outcome per JobSync.
type DueDatesRequest struct {
	JobSyncID        string   `json:"job_sync_id"`
	AssignmentIDs    []string `json:"assignment_ids,omitempty"`
	PriorStageFailed bool     `json:"prior_stage_failed"`
}

// DueDateResult is the due-date stage's per-JobSync outcome.
type DueDateResult struct {
	JobSyncID          string `json:"job_sync_id"`
	DueDatesFound      int    `json:"due_dates_found"`
	DueDatesCreated    int    `json:"due_dates_created"`
	AssignmentsUpdated int    `json:"assignments_updated"`
	Success            bool   `json:"success"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

// SyncPipelineResult is the workflow's aggregate outcome. The group is
// always marked complete before this is returned, whatever the per-stage
// outcomes were.
type SyncPipelineResult struct {
	GroupID           string             `json:"group_id"`
	JobSyncIDs        []string           `json:"job_sync_ids"`
	ScrapeResults     []ScrapeResult     `json:"scrape_results"`
	AssignmentResults []AssignmentResult `json:"assignment_results"`
	DueDateResults    []DueDateResult    `json:"due_date_results"`
	TotalSuccess      bool               `json:"total_success"`
	TotalErrors       int                `json:"total_errors"`
	DurationSeconds   float64            `json:"duration_seconds"`
}
