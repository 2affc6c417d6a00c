// Package api provides a lightweight HTTP API for triggering syncs and
// reading coursesync state.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/darenhua/coursesync/internal/config"
	"github.com/darenhua/coursesync/internal/store"
	"github.com/darenhua/coursesync/internal/temporal"
)

// SyncStarter launches the sync pipeline. Satisfied by a thin wrapper over
// the Temporal client; tests substitute a fake.
type SyncStarter interface {
	StartSync(ctx context.Context, input temporal.SyncPipelineInput) (workflowID, runID string, err error)
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	starter    SyncStarter
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, s *store.Store, starter SyncStarter, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     s,
		starter:   starter,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Handler builds the route table. Split from Start so tests can drive the
// mux without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /courses", s.requireAuth(s.handleCourses))
	mux.HandleFunc("GET /assignments", s.requireAuth(s.handleAssignments))
	mux.HandleFunc("POST /assignments/{id}/complete", s.requireAuth(s.handleComplete))
	mux.HandleFunc("POST /sync", s.requireAuth(s.handleStartSync))
	mux.HandleFunc("GET /sync/{group_id}", s.requireAuth(s.handleSyncStatus))

	return mux
}

// Start begins listening on the configured bind address. Blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// requireAuth enforces the shared bearer token. An empty configured token
// disables the check (local development).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.API.AuthToken
		if token == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// courseView is a course with its sources and a stable display color
// assigned by enrollment order.
type courseView struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Color   string       `json:"color"`
	Sources []sourceView `json:"sources"`
}

type sourceView struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	RequiresAuth bool   `json:"requires_auth"`
}

var courseColors = []string{"purple", "pink", "blue", "green", "yellow", "orange", "brown"}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	pairs, err := s.store.EnrolledCourseSources(r.Context(), userID, nil)
	if err != nil {
		s.logger.Error("list courses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list courses")
		return
	}

	// Group the flat join rows into courses, keeping enrollment order so
	// color assignment stays stable (oldest course gets the first color).
	var courses []courseView
	index := map[string]int{}
	for _, p := range pairs {
		i, ok := index[p.CourseID]
		if !ok {
			i = len(courses)
			index[p.CourseID] = i
			courses = append(courses, courseView{
				ID:    p.CourseID,
				Title: p.CourseTitle,
				Color: courseColors[i%len(courseColors)],
			})
		}
		courses[i].Sources = append(courses[i].Sources, sourceView{
			ID:           p.SourceID,
			URL:          p.SourceURL,
			RequiresAuth: p.RequiresAuth,
		})
	}
	if courses == nil {
		courses = []courseView{}
	}
	writeJSON(w, courses)
}

// assignmentView is an assignment with its pinned due date inlined.
type assignmentView struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	SourceURL       string       `json:"source_url,omitempty"`
	SourcePagePaths []string     `json:"source_page_paths"`
	DueDate         *dueDateView `json:"due_date,omitempty"`
}

type dueDateView struct {
	ID          string  `json:"id"`
	Date        string  `json:"date,omitempty"`
	DateCertain bool    `json:"date_certain"`
	TimeCertain bool    `json:"time_certain"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	courseID := r.URL.Query().Get("course_id")
	if courseID == "" {
		writeError(w, http.StatusBadRequest, "course_id query parameter is required")
		return
	}

	assignments, err := s.store.AssignmentsForCourse(r.Context(), courseID)
	if err != nil {
		s.logger.Error("list assignments failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list assignments")
		return
	}

	views := make([]assignmentView, 0, len(assignments))
	for _, a := range assignments {
		view := assignmentView{
			ID:              a.ID,
			Title:           a.Title,
			Description:     a.Description,
			SourceURL:       a.SourceURL,
			SourcePagePaths: a.SourcePagePaths,
		}
		if a.ChosenDueDateID.Valid {
			dates, err := s.store.DueDatesForAssignment(r.Context(), a.ID)
			if err == nil {
				for _, d := range dates {
					if d.ID == a.ChosenDueDateID.String {
						view.DueDate = &dueDateView{
							ID:          d.ID,
							Date:        d.Date.String,
							DateCertain: d.DateCertain,
							TimeCertain: d.TimeCertain,
							Confidence:  d.Confidence,
							Reasoning:   d.Description,
						}
						break
					}
				}
			}
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	assignmentID := r.PathValue("id")
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "body must carry user_id")
		return
	}

	if err := s.store.MarkAssignmentCompleted(r.Context(), body.UserID, assignmentID); err != nil {
		s.logger.Error("mark completed failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mark completed")
		return
	}
	writeJSON(w, map[string]string{"status": "completed"})
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var input temporal.SyncPipelineInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	workflowID, runID, err := s.starter.StartSync(r.Context(), input)
	if err != nil {
		s.logger.Error("start sync failed", "user", input.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to start sync workflow")
		return
	}

	s.logger.Info("sync started", "user", input.UserID, "workflow_id", workflowID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"workflow_id": workflowID,
		"run_id":      runID,
	})
}

// syncStatusView is the status surface for one group.
type syncStatusView struct {
	GroupID      string            `json:"group_id"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	JobSyncs     []jobSyncView     `json:"job_syncs"`
	StageResults []stageResultView `json:"stage_results"`
}

type jobSyncView struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	SourceID string `json:"source_id"`
}

type stageResultView struct {
	JobSyncID  string    `json:"job_sync_id"`
	Stage      string    `json:"stage"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("group_id")

	group, err := s.store.GetSyncGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, "sync group not found")
		return
	}
	jobs, err := s.store.JobSyncsForGroup(r.Context(), groupID)
	if err != nil {
		s.logger.Error("load job syncs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job syncs")
		return
	}
	results, err := s.store.StageResultsForGroup(r.Context(), groupID)
	if err != nil {
		s.logger.Error("load stage results failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stage results")
		return
	}

	view := syncStatusView{
		GroupID:   group.ID,
		CreatedAt: group.CreatedAt,
	}
	if group.CompletedAt.Valid {
		t := group.CompletedAt.Time
		view.CompletedAt = &t
	}
	for _, js := range jobs {
		view.JobSyncs = append(view.JobSyncs, jobSyncView{ID: js.ID, CourseID: js.CourseID, SourceID: js.SourceID})
	}
	for _, res := range results {
		view.StageResults = append(view.StageResults, stageResultView{
			JobSyncID:  res.JobSyncID,
			Stage:      res.Stage,
			Success:    res.Success,
			Error:      res.Error,
			RecordedAt: res.RecordedAt,
		})
	}
	writeJSON(w, view)
}
