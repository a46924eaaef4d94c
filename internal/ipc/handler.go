// Package ipc provides the HTTP API for the repair tracker.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/repairtrack/engine/internal/checklist"
	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/history"
	"github.com/repairtrack/engine/internal/notify"
	"github.com/repairtrack/engine/internal/store"
	"github.com/repairtrack/engine/internal/telemetry"
	"github.com/repairtrack/engine/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine         *workflow.Engine
	DB             *sql.DB
	Reconstructor  *history.Reconstructor
	Dispatcher     *notify.Dispatcher
	Checklists     *checklist.Registry
	Saver          *checklist.Saver
	TransitionRepo *store.TransitionRepo
	AnnotationRepo *store.AnnotationRepo
	TemplateRepo   *store.TemplateRepo
	Results        *store.ChecklistResultRepo
	Clock          elapsed.Clock
	Logger         zerolog.Logger
}

// NewHandler builds a Handler around an engine, dispatcher and saver that
// share eng.DB.
func NewHandler(eng *workflow.Engine, disp *notify.Dispatcher, saver *checklist.Saver) *Handler {
	return &Handler{
		Engine:         eng,
		DB:             eng.DB,
		Reconstructor:  history.NewReconstructor(eng.Catalog),
		Dispatcher:     disp,
		Checklists:     checklist.NewRegistry(),
		Saver:          saver,
		TransitionRepo: eng.TransitionRepo,
		AnnotationRepo: eng.AnnotationRepo,
		TemplateRepo:   &store.TemplateRepo{},
		Results:        store.NewChecklistResultRepo(eng.DB),
		Clock:          eng.Clock,
		Logger:         zerolog.Nop(),
	}
}

// ActiveTemplate reports the template loaded in a job's checklist session.
func (h *Handler) ActiveTemplate(jobID string) (string, bool) {
	s, ok := h.Checklists.Lookup(jobID)
	if !ok {
		return "", false
	}
	return s.ActiveTemplate()
}

// ObserveTransition feeds a committed transition to the dispatcher. Install it
// as the engine's OnTransition hook.
func (h *Handler) ObserveTransition(ctx context.Context, t domain.Transition) {
	telemetry.Transitions.WithLabelValues(string(t.ToState)).Inc()
	if t.FromState != "" {
		h.Dispatcher.PrimeIfUnseen(t.JobID, t.FromState)
	}
	if n, sent := h.Dispatcher.Observe(ctx, t.JobID, t.ToState, t.OccurredAt); sent {
		telemetry.Notifications.WithLabelValues(string(n.Severity)).Inc()
	}
	telemetry.UnreadGauge.Set(float64(h.Dispatcher.Unread()))
}

// CreateJobRequest is the body for POST /api/v1/jobs.
type CreateJobRequest struct {
	JobID    string `json:"job_id"`
	Assignee string `json:"assignee"`
}

// AnnotationRequest is the body for POST /api/v1/jobs/{jobID}/annotations.
type AnnotationRequest struct {
	Text      string `json:"text"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
}

// JobView is the response for GET /api/v1/jobs/{jobID}.
type JobView struct {
	Job         domain.Job             `json:"job"`
	Progress    workflow.Progress      `json:"progress"`
	TimeInState string                 `json:"time_in_state"`
	NextStates  []domain.WorkflowState `json:"next_states"`
}

// HistoryEntryView decorates a history entry with display strings.
type HistoryEntryView struct {
	domain.HistoryEntry
	Label    string `json:"label"`
	Duration string `json:"duration,omitempty"`
	When     string `json:"when"`
}

// HistoryView is the response for GET /api/v1/jobs/{jobID}/history.
type HistoryView struct {
	Entries     []HistoryEntryView `json:"entries"`
	Ambiguous   int                `json:"ambiguous"`
	TimeInState string             `json:"time_in_state,omitempty"`
}

// NotificationsView is the response for GET /api/v1/notifications.
type NotificationsView struct {
	Unread int                   `json:"unread"`
	Items  []domain.Notification `json:"items"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Catalog handles GET /api/v1/catalog.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Catalog.Steps())
}

// CreateJob handles POST /api/v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	job, err := h.Engine.StartJob(r.Context(), req.JobID, req.Assignee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Engine.JobRepo.List(r.Context(), h.DB)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Engine.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}

	view := JobView{
		Job:        *job,
		Progress:   h.Engine.Catalog.ProgressOf(job.CurrentState),
		NextStates: h.Engine.Catalog.NextStates(job.CurrentState),
	}
	if d, err := h.Engine.TimeInState(*job); err == nil {
		view.TimeInState = elapsed.Format(d)
	}
	if view.NextStates == nil {
		view.NextStates = []domain.WorkflowState{}
	}
	writeJSON(w, http.StatusOK, view)
}

// Transition handles POST /api/v1/jobs/{jobID}/transitions.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var req domain.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.NewState == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "new_state is required"})
		return
	}

	t, err := h.Engine.Transition(r.Context(), chi.URLParam(r, "jobID"), req)
	if err != nil {
		telemetry.TransitionRejects.Inc()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AddAnnotation handles POST /api/v1/jobs/{jobID}/annotations.
func (h *Handler) AddAnnotation(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req AnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "text is required"})
		return
	}
	if _, err := h.Engine.GetJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}

	a := domain.Annotation{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Text:       req.Text,
		ActorID:    req.ActorID,
		ActorName:  req.ActorName,
		OccurredAt: h.Clock.Now().UTC(),
	}
	if err := h.AnnotationRepo.Record(r.Context(), h.DB, a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// History handles GET /api/v1/jobs/{jobID}/history?state=&q=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.Engine.GetJob(ctx, jobID); err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.loadHistory(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.Clock.Now()
	view := HistoryView{Ambiguous: history.Ambiguous(entries)}
	if d, ok := history.TimeInState(entries, now); ok {
		view.TimeInState = elapsed.Format(d)
	}

	filter := history.Filter{Query: r.URL.Query().Get("q")}
	if s := r.URL.Query().Get("state"); s != "" {
		filter.State = domain.WorkflowState(s)
		if parsed, err := h.Engine.Catalog.ParseState(s); err == nil {
			filter.State = parsed
		}
	}

	view.Entries = make([]HistoryEntryView, 0, len(entries))
	for _, e := range filter.Apply(entries) {
		ev := HistoryEntryView{
			HistoryEntry: e,
			Label:        workflow.Label(e.State),
			When:         elapsed.Relative(e.OccurredAt, now),
		}
		if e.DurationSinceEntry != nil {
			ev.Duration = elapsed.Format(*e.DurationSinceEntry)
		}
		view.Entries = append(view.Entries, ev)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) loadHistory(ctx context.Context, jobID string) ([]domain.HistoryEntry, error) {
	transitions, err := h.TransitionRepo.ListByJob(ctx, h.DB, jobID)
	if err != nil {
		return nil, err
	}
	annotations, err := h.AnnotationRepo.ListByJob(ctx, h.DB, jobID)
	if err != nil {
		return nil, err
	}
	entries := h.Reconstructor.Merge(transitions, annotations)
	if n := history.Ambiguous(entries); n > 0 {
		telemetry.AmbiguousHistory.Add(float64(n))
	}
	return entries, nil
}

// ListNotifications handles GET /api/v1/notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NotificationsView{
		Unread: h.Dispatcher.Unread(),
		Items:  h.Dispatcher.Recent(),
	})
}

// AcknowledgeNotification handles POST /api/v1/notifications/{id}/ack.
func (h *Handler) AcknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.Dispatcher.Acknowledge(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	telemetry.UnreadGauge.Set(float64(h.Dispatcher.Unread()))
	w.WriteHeader(http.StatusNoContent)
}

// AcknowledgeAll handles POST /api/v1/notifications/ack-all.
func (h *Handler) AcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	h.Dispatcher.AcknowledgeAll()
	telemetry.UnreadGauge.Set(0)
	w.WriteHeader(http.StatusNoContent)
}

// ClearNotifications handles DELETE /api/v1/notifications.
func (h *Handler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	h.Dispatcher.Clear()
	telemetry.UnreadGauge.Set(0)
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplates handles GET /api/v1/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.TemplateRepo.List(r.Context(), h.DB)
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []domain.ProblemTemplate{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(engErr.Code), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func statusFor(code int) int {
	switch code {
	case domain.ErrJobNotFound.Code,
		domain.ErrTemplateNotFound.Code,
		domain.ErrNotificationNotFound.Code,
		domain.ErrUnknownItem.Code:
		return http.StatusNotFound
	case domain.ErrDuplicateJob.Code,
		domain.ErrOptimisticLock.Code,
		domain.ErrSameState.Code,
		domain.ErrNoActiveTemplate.Code,
		domain.ErrSaveInFlight.Code,
		domain.ErrStaleSave.Code:
		return http.StatusConflict
	case domain.ErrInvalidTransition.Code,
		domain.ErrGateBlocked.Code,
		domain.ErrNoteRequired.Code,
		domain.ErrChecklistIncomplete.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrUnknownState.Code,
		domain.ErrInvalidOutcome.Code,
		domain.ErrEmptyTemplate.Code,
		domain.ErrDuplicateItem.Code,
		domain.ErrItemIndexOutOfRange.Code,
		domain.ErrInvalidInterval.Code:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
