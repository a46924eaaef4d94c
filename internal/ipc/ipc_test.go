package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/repairtrack/engine/internal/checklist"
	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/notify"
	"github.com/repairtrack/engine/internal/store"
	"github.com/repairtrack/engine/internal/workflow"
)

var t0 = time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	h      *Handler
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewDB(dbPath)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := elapsed.FixedClock{T: t0}
	eng := workflow.NewEngine(db)
	eng.Clock = clock

	disp := notify.NewDispatcher(nil, 0)
	disp.Recorder = &store.NotificationRepo{DB: db}

	saver := checklist.NewSaver(store.NewChecklistResultRepo(db))
	saver.Clock = clock

	h := NewHandler(eng, disp, saver)
	eng.OnTransition = h.ObserveTransition

	tpl := domain.ProblemTemplate{
		ID:       "tpl-screen",
		Name:     "Cracked screen",
		Category: "display",
		Items: []domain.ChecklistItem{
			{ID: "item1", Title: "Inspect glass", Required: true, Order: 1},
			{ID: "item2", Title: "Test touch", Required: true, Order: 2},
			{ID: "item3", Title: "Photograph damage", Order: 3},
		},
	}
	if err := h.TemplateRepo.Upsert(context.Background(), db, tpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	return &testEnv{h: h, router: Routes(h)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) createJob(t *testing.T, id string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/jobs", `{"job_id":"`+id+`","assignee":"tech-7"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create job: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) transition(t *testing.T, id, to, note string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(domain.TransitionRequest{NewState: domain.WorkflowState(to), Note: note, ActorName: "Sam"})
	return e.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/transitions", string(body))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateJob_Success(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/jobs", `{"job_id":"job-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var job domain.Job
	decode(t, w, &job)
	if job.ID != "job-1" || job.CurrentState != domain.StateAssigned {
		t.Errorf("job = %+v", job)
	}
}

func TestCreateJob_InvalidBody(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/jobs", "not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateJob_Duplicate(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	w := e.do(t, http.MethodPost, "/api/v1/jobs", `{"job_id":"job-1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	if w := e.transition(t, "job-1", "diagnosis_started", ""); w.Code != http.StatusOK {
		t.Fatalf("transition: %d %s", w.Code, w.Body.String())
	}

	w := e.do(t, http.MethodGet, "/api/v1/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view JobView
	decode(t, w, &view)
	if view.Progress.Display != 22 {
		t.Errorf("Display = %d, want 22", view.Progress.Display)
	}
	if len(view.Progress.Completed) != 1 {
		t.Errorf("Completed = %v, want [assigned]", view.Progress.Completed)
	}
	if len(view.NextStates) != 3 {
		t.Errorf("NextStates = %v, want 3 options", view.NextStates)
	}
	if view.TimeInState != "0m" {
		t.Errorf("TimeInState = %q", view.TimeInState)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/v1/jobs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var apiErr APIError
	decode(t, w, &apiErr)
	if apiErr.Code != domain.ErrJobNotFound.Code {
		t.Errorf("code = %d", apiErr.Code)
	}
}

func TestTransition_Errors(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")

	tests := []struct {
		name string
		to   string
		note string
		want int
	}{
		{"skips ahead", "done", "", http.StatusUnprocessableEntity},
		{"same state", "assigned", "", http.StatusConflict},
		{"unknown state", "teleported", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.transition(t, "job-1", tt.to, tt.note); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/transitions", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing new_state: expected 400, got %d", w.Code)
	}
}

func TestTransition_FailedNeedsNote(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	e.transition(t, "job-1", "diagnosis_started", "")

	if w := e.transition(t, "job-1", "failed", ""); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if w := e.transition(t, "job-1", "failed", "board is water damaged"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTransition_EmitsNotification(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	e.transition(t, "job-1", "diagnosis_started", "")
	e.transition(t, "job-1", "failed", "no parts available")

	w := e.do(t, http.MethodGet, "/api/v1/notifications", "")
	var view NotificationsView
	decode(t, w, &view)
	if view.Unread != 2 || len(view.Items) != 2 {
		t.Fatalf("unread=%d items=%d, want 2/2", view.Unread, len(view.Items))
	}
	if view.Items[0].Severity != domain.SeverityError {
		t.Errorf("newest severity = %q, want error", view.Items[0].Severity)
	}

	saved, err := (&store.NotificationRepo{DB: e.h.DB}).ListByJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ListByJob: %v", err)
	}
	if len(saved) != 2 {
		t.Errorf("recorded %d notifications, want 2", len(saved))
	}
}

func TestNotifications_AckAndClear(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	e.transition(t, "job-1", "diagnosis_started", "")
	e.transition(t, "job-1", "in_repair", "")

	var view NotificationsView
	decode(t, e.do(t, http.MethodGet, "/api/v1/notifications", ""), &view)
	id := view.Items[0].ID

	if w := e.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/ack", ""); w.Code != http.StatusNoContent {
		t.Fatalf("ack: expected 204, got %d", w.Code)
	}
	if got := e.h.Dispatcher.Unread(); got != 1 {
		t.Errorf("Unread after ack = %d, want 1", got)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/notifications/missing/ack", ""); w.Code != http.StatusNotFound {
		t.Errorf("ack unknown: expected 404, got %d", w.Code)
	}

	e.do(t, http.MethodPost, "/api/v1/notifications/ack-all", "")
	if got := e.h.Dispatcher.Unread(); got != 0 {
		t.Errorf("Unread after ack-all = %d, want 0", got)
	}

	e.do(t, http.MethodDelete, "/api/v1/notifications", "")
	if got := len(e.h.Dispatcher.Recent()); got != 0 {
		t.Errorf("Recent after clear = %d, want 0", got)
	}
}

func TestHistory(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	e.transition(t, "job-1", "diagnosis_started", "checked the hinge")
	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/annotations", `{"text":"customer called","actor_name":"Ana"}`); w.Code != http.StatusCreated {
		t.Fatalf("annotate: expected 201, got %d", w.Code)
	}

	w := e.do(t, http.MethodGet, "/api/v1/jobs/job-1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view HistoryView
	decode(t, w, &view)
	if len(view.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(view.Entries))
	}
	if view.Ambiguous != 1 {
		t.Errorf("ambiguous = %d, want 1", view.Ambiguous)
	}
	if view.Entries[0].State != domain.StateDiagnosisStarted {
		t.Errorf("newest state = %q", view.Entries[0].State)
	}
	if view.Entries[0].Label != "Diagnosis Started" {
		t.Errorf("label = %q", view.Entries[0].Label)
	}

	w = e.do(t, http.MethodGet, "/api/v1/jobs/job-1/history?q=hinge", "")
	decode(t, w, &view)
	if len(view.Entries) != 1 {
		t.Errorf("filtered entries = %d, want 1", len(view.Entries))
	}

	w = e.do(t, http.MethodGet, "/api/v1/jobs/job-1/history?q=customer", "")
	decode(t, w, &view)
	if len(view.Entries) != 1 || view.Entries[0].Source != domain.SourceLegacyAnnotation || view.Entries[0].ActorName != "Ana" {
		t.Errorf("annotation search = %+v", view.Entries)
	}

	w = e.do(t, http.MethodGet, "/api/v1/jobs/job-1/history?state=Assigned", "")
	decode(t, w, &view)
	if len(view.Entries) != 1 || view.Entries[0].State != domain.StateAssigned {
		t.Errorf("state filter = %+v", view.Entries)
	}
}

func TestAddAnnotation_Validation(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/annotations", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty text: expected 400, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/jobs/nope/annotations", `{"text":"hi"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", w.Code)
	}
}

func TestCatalogAndTemplates(t *testing.T) {
	e := newTestEnv(t)

	var steps []domain.StatusStepDescriptor
	decode(t, e.do(t, http.MethodGet, "/api/v1/catalog", ""), &steps)
	if len(steps) != 9 {
		t.Errorf("catalog has %d steps, want 9", len(steps))
	}

	var templates []domain.ProblemTemplate
	decode(t, e.do(t, http.MethodGet, "/api/v1/templates", ""), &templates)
	if len(templates) != 1 || templates[0].ID != "tpl-screen" {
		t.Errorf("templates = %+v", templates)
	}
}

func TestChecklist_Flow(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")

	if w := e.do(t, http.MethodGet, "/api/v1/jobs/job-1/checklist", ""); w.Code != http.StatusConflict {
		t.Fatalf("before load: expected 409, got %d", w.Code)
	}

	w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"tpl-screen"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("load: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item1", `{"outcome":"passed"}`)
	var view ChecklistView
	decode(t, w, &view)
	if view.Progress.CompletedItems != 1 || view.Progress.CanProceed {
		t.Errorf("progress = %+v", view.Progress)
	}

	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/complete", ""); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("complete early: expected 422, got %d", w.Code)
	}

	w = e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item2", `{"outcome":"failed"}`)
	decode(t, w, &view)
	if !view.Progress.CanProceed {
		t.Errorf("progress = %+v, want can proceed", view.Progress)
	}
	if len(view.MissingNotes) != 1 || view.MissingNotes[0] != "item2" {
		t.Errorf("MissingNotes = %v", view.MissingNotes)
	}

	e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item3", `{"outcome":"skipped","note":"no camera"}`)

	w = e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/complete", "")
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	snap, err := e.h.Results.GetLatest(context.Background(), "job-1")
	if err != nil || snap == nil {
		t.Fatalf("GetLatest: %v, %v", snap, err)
	}
	if snap.OverallStatus != domain.ChecklistFailed {
		t.Errorf("OverallStatus = %q, want failed", snap.OverallStatus)
	}
}

func TestChecklist_ToggleNotesAndCursor(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"tpl-screen"}`)

	var view ChecklistView
	decode(t, e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item3", ""), &view)
	if !view.Outcomes["item3"].Completed {
		t.Errorf("toggle: item3 = %+v, want completed", view.Outcomes["item3"])
	}

	decode(t, e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/notes", `{"notes":"screen replaced"}`), &view)
	if view.TechnicianNotes != "screen replaced" {
		t.Errorf("notes = %q", view.TechnicianNotes)
	}

	decode(t, e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/cursor", `{"action":"goto","index":2}`), &view)
	if view.Cursor != 2 {
		t.Errorf("cursor = %d, want 2", view.Cursor)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/cursor", `{"action":"goto","index":9}`); w.Code != http.StatusBadRequest {
		t.Errorf("out of range: expected 400, got %d", w.Code)
	}

	decode(t, e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/reset", ""), &view)
	if view.Progress.CompletedItems != 0 || view.TechnicianNotes != "" {
		t.Errorf("after reset: %+v", view)
	}
}

func TestChecklist_UnknownTemplateAndItem(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")

	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"nope"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown template: expected 404, got %d", w.Code)
	}
	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"tpl-screen"}`)
	if w := e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item9", `{"outcome":"passed"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown item: expected 404, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item1", `{"outcome":"maybe"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome: expected 400, got %d", w.Code)
	}
}

func TestChecklist_RestoredAfterRestart(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "job-1")
	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"tpl-screen"}`)
	e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item1", `{"outcome":"passed"}`)
	if w := e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/save", ""); w.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// A fresh registry stands in for a restarted process.
	e.h.Checklists = checklist.NewRegistry()

	var view ChecklistView
	w := e.do(t, http.MethodGet, "/api/v1/jobs/job-1/checklist", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &view)
	if view.TemplateID != "tpl-screen" || view.Outcomes["item1"].Outcome != domain.OutcomePassed {
		t.Errorf("restored view = %+v", view)
	}
	if view.Cursor != 1 {
		t.Errorf("cursor = %d, want first open item", view.Cursor)
	}
}

func TestChecklistGate_ThroughAPI(t *testing.T) {
	e := newTestEnv(t)
	e.h.Engine.GateRegistry.Register(domain.StateDiagnosisStarted, &workflow.ChecklistGate{
		Results: e.h.Results,
		Active:  e.h.ActiveTemplate,
	})
	other := domain.ProblemTemplate{
		ID:    "tpl-battery",
		Name:  "Battery drain",
		Items: []domain.ChecklistItem{{ID: "cell", Title: "Measure cell health", Required: true, Order: 1}},
	}
	if err := e.h.TemplateRepo.Upsert(context.Background(), e.h.DB, other); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	e.createJob(t, "job-1")
	e.transition(t, "job-1", "diagnosis_started", "")

	if w := e.transition(t, "job-1", "in_repair", ""); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("gated: expected 422, got %d", w.Code)
	}

	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"tpl-screen"}`)
	e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item1", `{"outcome":"passed"}`)
	e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/item2", `{"outcome":"passed"}`)
	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/complete", "")

	// Switching templates invalidates the earlier result until the new one is saved.
	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist", `{"template_id":"tpl-battery"}`)
	if w := e.transition(t, "job-1", "in_repair", ""); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("replaced template: expected 422, got %d", w.Code)
	}
	e.do(t, http.MethodPut, "/api/v1/jobs/job-1/checklist/items/cell", `{"outcome":"passed"}`)
	e.do(t, http.MethodPost, "/api/v1/jobs/job-1/checklist/complete", "")

	if w := e.transition(t, "job-1", "in_repair", ""); w.Code != http.StatusOK {
		t.Fatalf("after checklist: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	corsMiddleware(e.router).ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestMetricsMounted(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestFormatListenURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":9800", "http://localhost:9800"},
		{"0.0.0.0:80", "http://localhost:80"},
		{"10.0.0.5:9800", "http://10.0.0.5:9800"},
		{"repair.local", "http://repair.local"},
	}
	for _, tt := range tests {
		if got := FormatListenURL(tt.addr); got != tt.want {
			t.Errorf("FormatListenURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
