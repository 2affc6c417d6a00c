package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darenhua/coursesync/internal/crawler"
)

// JobSyncGroup is the unit of one user's pipeline invocation.
type JobSyncGroup struct {
	ID          string
	UserID      string
	CreatedAt   time.Time
	CompletedAt sql.NullTime
}

// JobSync is one (course, source) sync within a group. PageTree is nil
// until the crawl stage has succeeded at least once, and is never mutated
// afterward.
type JobSync struct {
	ID         string
	GroupID    string
	CourseID   string
	SourceID   string
	CreatedAt  time.Time
	PageTree   *crawler.PageNode
	CrawlStats crawler.Stats
}

// StageResult is a per-stage per-JobSync outcome record. Every stage of
// every JobSync leaves exactly one of these per attempt, success or not.
type StageResult struct {
	ID         int64
	JobSyncID  string
	Stage      string
	Success    bool
	Error      string
	Detail     string
	RecordedAt time.Time
}

// CreateJobs creates one JobSyncGroup and one JobSync per enrolled
// (course, source) pair in a single transaction. A crash between the
// group insert and the job inserts therefore leaves nothing behind.
func (s *Store) CreateJobs(ctx context.Context, userID string, courseIDs []string) (*JobSyncGroup, []JobSync, error) {
	pairs, err := s.EnrolledCourseSources(ctx, userID, courseIDs)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	group := &JobSyncGroup{ID: uuid.NewString(), UserID: userID, CreatedAt: now}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin create jobs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_sync_groups (id, user_id, created_at) VALUES (?, ?, ?)`,
		group.ID, group.UserID, group.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("store: insert group: %w", err)
	}

	jobs := make([]JobSync, 0, len(pairs))
	for _, p := range pairs {
		js := JobSync{
			ID:        uuid.NewString(),
			GroupID:   group.ID,
			CourseID:  p.CourseID,
			SourceID:  p.SourceID,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_syncs (id, group_id, course_id, source_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			js.ID, js.GroupID, js.CourseID, js.SourceID, js.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("store: insert job sync: %w", err)
		}
		jobs = append(jobs, js)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("store: commit create jobs: %w", err)
	}
	return group, jobs, nil
}

// GetJobSync loads a JobSync including its page tree, if any.
func (s *Store) GetJobSync(ctx context.Context, id string) (*JobSync, error) {
	var (
		js       JobSync
		tree     sql.NullString
		statsRaw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, course_id, source_id, created_at, page_tree, crawl_stats
		 FROM job_syncs WHERE id = ?`, id).
		Scan(&js.ID, &js.GroupID, &js.CourseID, &js.SourceID, &js.CreatedAt, &tree, &statsRaw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: job sync %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job sync: %w", err)
	}
	if tree.Valid && tree.String != "" {
		js.PageTree = &crawler.PageNode{}
		if err := json.Unmarshal([]byte(tree.String), js.PageTree); err != nil {
			return nil, fmt.Errorf("store: decode page tree: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(statsRaw), &js.CrawlStats); err != nil {
		return nil, fmt.Errorf("store: decode crawl stats: %w", err)
	}
	return &js, nil
}

// SaveJobSyncTree persists a finished crawl on its JobSync.
func (s *Store) SaveJobSyncTree(ctx context.Context, id string, tree *crawler.PageNode, stats crawler.Stats) error {
	treeRaw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("store: marshal page tree: %w", err)
	}
	statsRaw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("store: marshal crawl stats: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_syncs SET page_tree = ?, crawl_stats = ? WHERE id = ?`,
		string(treeRaw), string(statsRaw), id)
	if err != nil {
		return fmt.Errorf("store: save page tree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: job sync %s not found", id)
	}
	return nil
}

// PreviousTree returns the most recent earlier page tree for the same
// (course, source), excluding the running JobSync itself. Used for change
// detection; nil when this is the first sync.
func (s *Store) PreviousTree(ctx context.Context, courseID, sourceID, excludeJobSyncID string) (*crawler.PageNode, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT page_tree FROM job_syncs
		 WHERE course_id = ? AND source_id = ? AND id <> ? AND page_tree IS NOT NULL
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		courseID, sourceID, excludeJobSyncID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: previous tree: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	tree := &crawler.PageNode{}
	if err := json.Unmarshal([]byte(raw.String), tree); err != nil {
		return nil, fmt.Errorf("store: decode previous tree: %w", err)
	}
	return tree, nil
}

// GetSyncGroup loads a group by id.
func (s *Store) GetSyncGroup(ctx context.Context, id string) (*JobSyncGroup, error) {
	var g JobSyncGroup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, completed_at FROM job_sync_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.UserID, &g.CreatedAt, &g.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: sync group %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sync group: %w", err)
	}
	return &g, nil
}

// CompleteSyncGroup stamps completed_at. Called exactly once per pipeline
// run, regardless of per-stage outcomes, so a group is never considered
// in-flight forever.
func (s *Store) CompleteSyncGroup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_sync_groups SET completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: complete sync group: %w", err)
	}
	return nil
}

// JobSyncsForGroup lists a group's JobSyncs without their page trees.
func (s *Store) JobSyncsForGroup(ctx context.Context, groupID string) ([]JobSync, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, course_id, source_id, created_at FROM job_syncs
		 WHERE group_id = ? ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: job syncs for group: %w", err)
	}
	defer rows.Close()

	var out []JobSync
	for rows.Next() {
		var js JobSync
		if err := rows.Scan(&js.ID, &js.GroupID, &js.CourseID, &js.SourceID, &js.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job sync: %w", err)
		}
		out = append(out, js)
	}
	return out, rows.Err()
}

// RecordStageResult appends a per-stage outcome for a JobSync.
func (s *Store) RecordStageResult(ctx context.Context, jobSyncID, stage string, success bool, errMsg string, detail any) error {
	detailRaw := "{}"
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("store: marshal stage detail: %w", err)
		}
		detailRaw = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (job_sync_id, stage, success, error, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		jobSyncID, stage, success, errMsg, detailRaw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record stage result: %w", err)
	}
	return nil
}

// StageResultsForGroup returns all stage results for a group's JobSyncs in
// recording order.
func (s *Store) StageResultsForGroup(ctx context.Context, groupID string) ([]StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.job_sync_id, r.stage, r.success, r.error, r.detail, r.recorded_at
		 FROM stage_results r JOIN job_syncs js ON js.id = r.job_sync_id
		 WHERE js.group_id = ? ORDER BY r.id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: stage results for group: %w", err)
	}
	defer rows.Close()

	var out []StageResult
	for rows.Next() {
		var r StageResult
		if err := rows.Scan(&r.ID, &r.JobSyncID, &r.Stage, &r.Success, &r.Error, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scan stage result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
