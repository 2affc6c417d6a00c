package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Assignment is a course-scoped, de-duplicated homework item. The
// canonical set for a course only ever grows: the sync pipeline never
// deletes assignments, and SourcePagePaths is append-only across syncs.
type Assignment struct {
	ID              string
	CourseID        string
	Title           string
	Description     string
	ContentHash     string
	SourceURL       string
	SourcePagePaths []string
	ChosenDueDateID sql.NullString
	CreatedAt       time.Time
}

// DueDate is one extracted due-date record owned by a single assignment.
// The assignment points back at its pinned choice via chosen_due_date_id;
// the cycle is broken by writing the DueDate row first and the pointer
// second.
type DueDate struct {
	ID           string
	AssignmentID string
	Date         sql.NullString
	DateCertain  bool
	TimeCertain  bool
	Confidence   float64
	Title        string
	Description  string
	URL          string
	CreatedAt    time.Time
}

// UserAssignment carries per-user overrides: a completed flag and an
// optional due-date choice that shadows the course-wide pin.
type UserAssignment struct {
	ID              string
	UserID          string
	AssignmentID    string
	ChosenDueDateID sql.NullString
	CompletedAt     sql.NullTime
}

// AssignmentsForCourse returns the course's canonical assignment set in
// creation order.
func (s *Store) AssignmentsForCourse(ctx context.Context, courseID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, title, description, content_hash, source_url, source_page_paths, chosen_due_date_id, created_at
		 FROM assignments WHERE course_id = ? ORDER BY created_at, id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("store: assignments for course: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// AssignmentsByIDs loads specific assignments, preserving input order.
func (s *Store) AssignmentsByIDs(ctx context.Context, ids []string) ([]Assignment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, course_id, title, description, content_hash, source_url, source_page_paths, chosen_due_date_id, created_at
		FROM assignments WHERE id IN (?` + repeatPlaceholder(len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: assignments by ids: %w", err)
	}
	defer rows.Close()

	fetched, err := scanAssignments(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Assignment, len(fetched))
	for _, a := range fetched {
		byID[a.ID] = a
	}
	out := make([]Assignment, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func scanAssignments(rows *sql.Rows) ([]Assignment, error) {
	var out []Assignment
	for rows.Next() {
		var (
			a     Assignment
			paths string
		)
		if err := rows.Scan(&a.ID, &a.CourseID, &a.Title, &a.Description, &a.ContentHash,
			&a.SourceURL, &paths, &a.ChosenDueDateID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan assignment: %w", err)
		}
		if err := json.Unmarshal([]byte(paths), &a.SourcePagePaths); err != nil {
			return nil, fmt.Errorf("store: decode source page paths: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAssignment inserts an assignment keyed by (course_id, title). When
// a row with that key already exists the insert is a no-op and the
// existing row is returned, which is what makes assignment creation safe
// to retry and safe under concurrent JobSyncs of the same course.
func (s *Store) UpsertAssignment(ctx context.Context, a *Assignment) (*Assignment, error) {
	if a.CourseID == "" || a.Title == "" {
		return nil, fmt.Errorf("store: assignment needs course_id and title")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.SourcePagePaths == nil {
		a.SourcePagePaths = []string{}
	}
	paths, err := json.Marshal(a.SourcePagePaths)
	if err != nil {
		return nil, fmt.Errorf("store: marshal source page paths: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assignments (id, course_id, title, description, content_hash, source_url, source_page_paths, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (course_id, title) DO NOTHING`,
		a.ID, a.CourseID, a.Title, a.Description, a.ContentHash, a.SourceURL, string(paths), a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: upsert assignment: %w", err)
	}
	return s.AssignmentByTitle(ctx, a.CourseID, a.Title)
}

// AssignmentByTitle looks an assignment up by its (course, title) key.
// Returns nil when no such assignment exists.
func (s *Store) AssignmentByTitle(ctx context.Context, courseID, title string) (*Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, title, description, content_hash, source_url, source_page_paths, chosen_due_date_id, created_at
		 FROM assignments WHERE course_id = ? AND title = ?`, courseID, title)
	if err != nil {
		return nil, fmt.Errorf("store: assignment by title: %w", err)
	}
	defer rows.Close()
	found, err := scanAssignments(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// AppendSourcePath adds a blob path to an assignment's evidence set.
// Paths form a set: appending a path that is already present is a no-op.
// The read-modify-write runs in a transaction so concurrent appends from
// parallel JobSyncs cannot lose entries.
func (s *Store) AppendSourcePath(ctx context.Context, assignmentID, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append source path: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT source_page_paths FROM assignments WHERE id = ?`, assignmentID).Scan(&raw); err != nil {
		return fmt.Errorf("store: load source page paths: %w", err)
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return fmt.Errorf("store: decode source page paths: %w", err)
	}
	for _, p := range paths {
		if p == path {
			return tx.Commit()
		}
	}
	paths = append(paths, path)
	updated, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("store: marshal source page paths: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET source_page_paths = ? WHERE id = ?`, string(updated), assignmentID); err != nil {
		return fmt.Errorf("store: append source path: %w", err)
	}
	return tx.Commit()
}

// CreateDueDate inserts a due-date record for an assignment.
func (s *Store) CreateDueDate(ctx context.Context, d *DueDate) (*DueDate, error) {
	if d.AssignmentID == "" {
		return nil, fmt.Errorf("store: due date needs assignment_id")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO due_dates (id, assignment_id, date, date_certain, time_certain, confidence, title, description, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AssignmentID, d.Date, d.DateCertain, d.TimeCertain, d.Confidence, d.Title, d.Description, d.URL, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create due date: %w", err)
	}
	return d, nil
}

// SetChosenDueDate pins a due date on its assignment. The due-date row
// must already exist and belong to the assignment.
func (s *Store) SetChosenDueDate(ctx context.Context, assignmentID, dueDateID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT assignment_id FROM due_dates WHERE id = ?`, dueDateID).Scan(&owner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: due date %s not found", dueDateID)
	}
	if err != nil {
		return fmt.Errorf("store: lookup due date: %w", err)
	}
	if owner != assignmentID {
		return fmt.Errorf("store: due date %s belongs to assignment %s, not %s", dueDateID, owner, assignmentID)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET chosen_due_date_id = ? WHERE id = ?`, dueDateID, assignmentID)
	if err != nil {
		return fmt.Errorf("store: set chosen due date: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: assignment %s not found", assignmentID)
	}
	return nil
}

// DueDatesForAssignment lists an assignment's due-date records, newest first.
func (s *Store) DueDatesForAssignment(ctx context.Context, assignmentID string) ([]DueDate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, assignment_id, date, date_certain, time_certain, confidence, title, description, url, created_at
		 FROM due_dates WHERE assignment_id = ? ORDER BY created_at DESC, id DESC`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("store: due dates for assignment: %w", err)
	}
	defer rows.Close()

	var out []DueDate
	for rows.Next() {
		var d DueDate
		if err := rows.Scan(&d.ID, &d.AssignmentID, &d.Date, &d.DateCertain, &d.TimeCertain,
			&d.Confidence, &d.Title, &d.Description, &d.URL, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan due date: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkAssignmentCompleted sets the per-user completed flag. The timestamp
// is monotonic: once set it is never cleared or moved by a later call, and
// the sync pipeline never touches it.
func (s *Store) MarkAssignmentCompleted(ctx context.Context, userID, assignmentID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_assignments (id, user_id, assignment_id, completed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, assignment_id)
		 DO UPDATE SET completed_at = COALESCE(user_assignments.completed_at, excluded.completed_at)`,
		uuid.NewString(), userID, assignmentID, now)
	if err != nil {
		return fmt.Errorf("store: mark assignment completed: %w", err)
	}
	return nil
}

// OverrideDueDate records a per-user due-date choice without touching the
// course-wide pin.
func (s *Store) OverrideDueDate(ctx context.Context, userID, assignmentID, dueDateID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_assignments (id, user_id, assignment_id, chosen_due_date_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, assignment_id)
		 DO UPDATE SET chosen_due_date_id = excluded.chosen_due_date_id`,
		uuid.NewString(), userID, assignmentID, dueDateID)
	if err != nil {
		return fmt.Errorf("store: override due date: %w", err)
	}
	return nil
}

// UserAssignmentFor returns the per-user override row, or nil when the
// user has none for this assignment.
func (s *Store) UserAssignmentFor(ctx context.Context, userID, assignmentID string) (*UserAssignment, error) {
	var ua UserAssignment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, assignment_id, chosen_due_date_id, completed_at
		 FROM user_assignments WHERE user_id = ? AND assignment_id = ?`, userID, assignmentID).
		Scan(&ua.ID, &ua.UserID, &ua.AssignmentID, &ua.ChosenDueDateID, &ua.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: user assignment: %w", err)
	}
	return &ua, nil
}
