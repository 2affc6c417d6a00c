// Package store provides SQLite-backed persistence for coursesync state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding all typed records.
type Store struct {
	db *sql.DB
}

// User is an account that owns enrollments and auth bundles.
type User struct {
	ID        string
	AuthID    string
	Email     string
	FullName  string
	CreatedAt time.Time
}

// Course groups sources and assignments.
type Course struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Source is one crawlable site belonging to a course.
type Source struct {
	ID           string
	CourseID     string
	URL          string
	RequiresAuth bool
}

// Cookie is a single browser-exported cookie record, stored as part of an
// auth bundle's cookie set.
type Cookie struct {
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	SameSite       string  `json:"sameSite,omitempty"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`

	// Browser-export noise; parsed so round-trips preserve them, dropped
	// before the cookies reach the fetcher.
	HostOnly bool   `json:"hostOnly,omitempty"`
	StoreID  string `json:"storeId,omitempty"`
	Session  bool   `json:"session,omitempty"`
}

// AuthBundle is a user's exported browser session.
type AuthBundle struct {
	ID        string
	UserID    string
	Cookies   []Cookie
	InSync    bool
	CreatedAt time.Time
}

// CourseSource is one (course, source) pair a user is enrolled in, the
// unit a JobSync is created for.
type CourseSource struct {
	CourseID     string
	CourseTitle  string
	SourceID     string
	SourceURL    string
	RequiresAuth bool
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	auth_id TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	full_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS courses (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	course_id TEXT NOT NULL REFERENCES courses(id),
	url TEXT NOT NULL CHECK (url <> ''),
	requires_auth BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS auth_bundles (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	cookie_set TEXT NOT NULL DEFAULT '[]',
	in_sync BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS enrollments (
	user_id TEXT NOT NULL REFERENCES users(id),
	course_id TEXT NOT NULL REFERENCES courses(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (user_id, course_id)
);

CREATE TABLE IF NOT EXISTS job_sync_groups (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS job_syncs (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL REFERENCES job_sync_groups(id),
	course_id TEXT NOT NULL REFERENCES courses(id),
	source_id TEXT NOT NULL REFERENCES sources(id),
	created_at DATETIME NOT NULL,
	page_tree TEXT,
	crawl_stats TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS assignments (
	id TEXT PRIMARY KEY,
	course_id TEXT NOT NULL REFERENCES courses(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	source_page_paths TEXT NOT NULL DEFAULT '[]',
	chosen_due_date_id TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE (course_id, title)
);

CREATE TABLE IF NOT EXISTS due_dates (
	id TEXT PRIMARY KEY,
	assignment_id TEXT NOT NULL REFERENCES assignments(id),
	date TEXT,
	date_certain BOOLEAN NOT NULL DEFAULT 0,
	time_certain BOOLEAN NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_assignments (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	assignment_id TEXT NOT NULL REFERENCES assignments(id),
	chosen_due_date_id TEXT,
	completed_at DATETIME,
	UNIQUE (user_id, assignment_id)
);

CREATE TABLE IF NOT EXISTS stage_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_sync_id TEXT NOT NULL REFERENCES job_syncs(id),
	stage TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}',
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_course ON sources(course_id);
CREATE INDEX IF NOT EXISTS idx_auth_bundles_user ON auth_bundles(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_syncs_group ON job_syncs(group_id);
CREATE INDEX IF NOT EXISTS idx_job_syncs_course_source ON job_syncs(course_id, source_id, created_at);
CREATE INDEX IF NOT EXISTS idx_assignments_course ON assignments(course_id);
CREATE INDEX IF NOT EXISTS idx_due_dates_assignment ON due_dates(assignment_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_job_sync ON stage_results(job_sync_id, stage);
`

// Open creates or opens a SQLite database at the given path and ensures
// the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a user and returns it with a generated id.
func (s *Store) CreateUser(ctx context.Context, authID, email, fullName string) (*User, error) {
	u := &User{ID: uuid.NewString(), AuthID: authID, Email: email, FullName: fullName, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, auth_id, email, full_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.AuthID, u.Email, u.FullName, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// UserByAuthID looks a user up by their external auth identity.
func (s *Store) UserByAuthID(ctx context.Context, authID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, auth_id, email, full_name, created_at FROM users WHERE auth_id = ?`, authID).
		Scan(&u.ID, &u.AuthID, &u.Email, &u.FullName, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: user by auth id: %w", err)
	}
	return &u, nil
}

// CreateCourse inserts a course.
func (s *Store) CreateCourse(ctx context.Context, title string) (*Course, error) {
	c := &Course{ID: uuid.NewString(), Title: title, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses (id, title, created_at) VALUES (?, ?, ?)`, c.ID, c.Title, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create course: %w", err)
	}
	return c, nil
}

// CreateSource attaches a crawlable URL to a course.
func (s *Store) CreateSource(ctx context.Context, courseID, url string, requiresAuth bool) (*Source, error) {
	if url == "" {
		return nil, fmt.Errorf("store: source url must not be empty")
	}
	src := &Source{ID: uuid.NewString(), CourseID: courseID, URL: url, RequiresAuth: requiresAuth}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, course_id, url, requires_auth) VALUES (?, ?, ?, ?)`,
		src.ID, src.CourseID, src.URL, src.RequiresAuth)
	if err != nil {
		return nil, fmt.Errorf("store: create source: %w", err)
	}
	return src, nil
}

// SourceByID loads one source.
func (s *Store) SourceByID(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, url, requires_auth FROM sources WHERE id = ?`, id).
		Scan(&src.ID, &src.CourseID, &src.URL, &src.RequiresAuth)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: source %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: source by id: %w", err)
	}
	return &src, nil
}

// Enroll records a user's membership in a course. Enrolling twice is a no-op.
func (s *Store) Enroll(ctx context.Context, userID, courseID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (user_id, course_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, course_id) DO NOTHING`,
		userID, courseID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: enroll: %w", err)
	}
	return nil
}

// SaveAuthBundle stores a user's exported cookie set.
func (s *Store) SaveAuthBundle(ctx context.Context, userID string, cookies []Cookie) (*AuthBundle, error) {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("store: marshal cookie set: %w", err)
	}
	b := &AuthBundle{ID: uuid.NewString(), UserID: userID, Cookies: cookies, InSync: true, CreatedAt: time.Now().UTC()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_bundles (id, user_id, cookie_set, in_sync, created_at) VALUES (?, ?, ?, 1, ?)`,
		b.ID, b.UserID, string(raw), b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: save auth bundle: %w", err)
	}
	return b, nil
}

// LatestAuthBundle returns the most recent auth bundle for a user, or nil
// when the user has none.
func (s *Store) LatestAuthBundle(ctx context.Context, userID string) (*AuthBundle, error) {
	var (
		b   AuthBundle
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, cookie_set, in_sync, created_at FROM auth_bundles
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID).
		Scan(&b.ID, &b.UserID, &raw, &b.InSync, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest auth bundle: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &b.Cookies); err != nil {
		return nil, fmt.Errorf("store: decode cookie set: %w", err)
	}
	return &b, nil
}

// MarkAuthBundleOutOfSync flags a bundle whose cookies were rejected by
// the course site, so the user is prompted to re-export their session.
func (s *Store) MarkAuthBundleOutOfSync(ctx context.Context, bundleID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE auth_bundles SET in_sync = 0 WHERE id = ?`, bundleID)
	if err != nil {
		return fmt.Errorf("store: mark auth bundle out of sync: %w", err)
	}
	return nil
}

// EnrolledCourseSources returns every (course, source) pair the user is
// enrolled in, joined in one round-trip. When courseIDs is non-empty the
// result is restricted to those courses.
func (s *Store) EnrolledCourseSources(ctx context.Context, userID string, courseIDs []string) ([]CourseSource, error) {
	query := `
		SELECT c.id, c.title, src.id, src.url, src.requires_auth
		FROM enrollments e
		JOIN courses c ON c.id = e.course_id
		JOIN sources src ON src.course_id = c.id
		WHERE e.user_id = ?`
	args := []any{userID}
	if len(courseIDs) > 0 {
		query += ` AND c.id IN (?` + repeatPlaceholder(len(courseIDs)-1) + `)`
		for _, id := range courseIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY e.created_at, c.id, src.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: enrolled course sources: %w", err)
	}
	defer rows.Close()

	var out []CourseSource
	for rows.Next() {
		var cs CourseSource
		if err := rows.Scan(&cs.CourseID, &cs.CourseTitle, &cs.SourceID, &cs.SourceURL, &cs.RequiresAuth); err != nil {
			return nil, fmt.Errorf("store: scan course source: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	return strings.Repeat(", ?", n)
}
