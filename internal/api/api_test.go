package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darenhua/coursesync/internal/config"
	"github.com/darenhua/coursesync/internal/store"
	"github.com/darenhua/coursesync/internal/temporal"
)

type fakeStarter struct {
	input temporal.SyncPipelineInput
	err   error
}

func (f *fakeStarter) StartSync(ctx context.Context, input temporal.SyncPipelineInput) (string, string, error) {
	f.input = input
	if f.err != nil {
		return "", "", f.err
	}
	return "course-sync-" + input.UserID, "run-1", nil
}

type fixture struct {
	store   *store.Store
	starter *fakeStarter
	server  *Server
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	starter := &fakeStarter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:   st,
		starter: starter,
		server:  NewServer(cfg, st, starter, logger),
		cfg:     cfg,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "healthy")
}

func TestCoursesGroupedWithColors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "auth-1", "s@example.edu", "")
	require.NoError(t, err)
	c1, err := f.store.CreateCourse(ctx, "Distributed Systems")
	require.NoError(t, err)
	c2, err := f.store.CreateCourse(ctx, "Operating Systems")
	require.NoError(t, err)
	_, err = f.store.CreateSource(ctx, c1.ID, "https://cs.example.edu/6824", true)
	require.NoError(t, err)
	_, err = f.store.CreateSource(ctx, c1.ID, "https://cs.example.edu/6824/labs", false)
	require.NoError(t, err)
	_, err = f.store.CreateSource(ctx, c2.ID, "https://cs.example.edu/6828", false)
	require.NoError(t, err)
	require.NoError(t, f.store.Enroll(ctx, u.ID, c1.ID))
	require.NoError(t, f.store.Enroll(ctx, u.ID, c2.ID))

	rec := f.do(t, "GET", "/courses?user_id="+u.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var courses []courseView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &courses))
	require.Len(t, courses, 2)
	require.Equal(t, "Distributed Systems", courses[0].Title)
	require.Equal(t, "purple", courses[0].Color, "oldest course gets the first color")
	require.Len(t, courses[0].Sources, 2)
	require.Equal(t, "pink", courses[1].Color)
}

func TestCoursesRequiresUserID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/courses", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignmentsWithPinnedDueDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateCourse(ctx, "Distributed Systems")
	require.NoError(t, err)
	a, err := f.store.UpsertAssignment(ctx, &store.Assignment{
		CourseID:        c.ID,
		Title:           "Lab 1",
		Description:     "MapReduce",
		SourcePagePaths: []string{"sync-1/p2.html"},
	})
	require.NoError(t, err)
	d, err := f.store.CreateDueDate(ctx, &store.DueDate{
		AssignmentID: a.ID,
		Date:         sql.NullString{String: "2026-09-18T23:59:00Z", Valid: true},
		DateCertain:  true,
		Confidence:   0.9,
		Description:  "explicit on schedule",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SetChosenDueDate(ctx, a.ID, d.ID))

	rec := f.do(t, "GET", "/assignments?course_id="+c.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []assignmentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "Lab 1", views[0].Title)
	require.NotNil(t, views[0].DueDate)
	require.Equal(t, "2026-09-18T23:59:00Z", views[0].DueDate.Date)
	require.True(t, views[0].DueDate.DateCertain)
}

func TestStartSync(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/sync", `{"user_id": "user-1", "force_refresh": true, "course_ids": ["c-1"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "course-sync-user-1")

	require.Equal(t, "user-1", f.starter.input.UserID)
	require.True(t, f.starter.input.ForceRefresh)
	require.Equal(t, []string{"c-1"}, f.starter.input.CourseIDs)
}

func TestStartSyncRequiresUserID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/sync", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "auth-1", "s@example.edu", "")
	require.NoError(t, err)
	c, err := f.store.CreateCourse(ctx, "Distributed Systems")
	require.NoError(t, err)
	_, err = f.store.CreateSource(ctx, c.ID, "https://cs.example.edu/6824", false)
	require.NoError(t, err)
	require.NoError(t, f.store.Enroll(ctx, u.ID, c.ID))

	group, jobs, err := f.store.CreateJobs(ctx, u.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordStageResult(ctx, jobs[0].ID, "crawl", true, "", nil))
	require.NoError(t, f.store.CompleteSyncGroup(ctx, group.ID))

	rec := f.do(t, "GET", "/sync/"+group.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view syncStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, group.ID, view.GroupID)
	require.NotNil(t, view.CompletedAt)
	require.Len(t, view.JobSyncs, 1)
	require.Len(t, view.StageResults, 1)
	require.Equal(t, "crawl", view.StageResults[0].Stage)
}

func TestSyncStatusNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/sync/no-such-group", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "auth-1", "s@example.edu", "")
	require.NoError(t, err)
	c, err := f.store.CreateCourse(ctx, "Distributed Systems")
	require.NoError(t, err)
	a, err := f.store.UpsertAssignment(ctx, &store.Assignment{CourseID: c.ID, Title: "Lab 1"})
	require.NoError(t, err)

	rec := f.do(t, "POST", "/assignments/"+a.ID+"/complete", `{"user_id": "`+u.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ua, err := f.store.UserAssignmentFor(ctx, u.ID, a.ID)
	require.NoError(t, err)
	require.True(t, ua.CompletedAt.Valid)
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t)
	f.cfg.API.AuthToken = "secret-token"

	// Health stays open.
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/health", "").Code)

	// Missing or wrong token is rejected.
	require.Equal(t, http.StatusUnauthorized, f.do(t, "POST", "/sync", `{"user_id":"u"}`).Code)

	req := httptest.NewRequest("POST", "/sync", strings.NewReader(`{"user_id":"u"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The right token passes.
	req = httptest.NewRequest("POST", "/sync", strings.NewReader(`{"user_id":"u"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}
