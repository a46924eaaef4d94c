package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/repairtrack/engine/internal/checklist"
	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/telemetry"
)

// LoadChecklistRequest is the body for POST /api/v1/jobs/{jobID}/checklist.
type LoadChecklistRequest struct {
	TemplateID string `json:"template_id"`
}

// ItemRequest is the body for PUT .../checklist/items/{itemID}. An empty
// Outcome toggles the item as a simple check.
type ItemRequest struct {
	Outcome domain.Outcome `json:"outcome"`
	Note    string         `json:"note"`
}

// NotesRequest is the body for PUT .../checklist/notes.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// CursorRequest is the body for POST .../checklist/cursor.
type CursorRequest struct {
	Action string `json:"action"`
	Index  int    `json:"index"`
}

// ChecklistView is the response for every checklist endpoint.
type ChecklistView struct {
	JobID           string                             `json:"job_id"`
	TemplateID      string                             `json:"template_id"`
	Items           []domain.ChecklistItem             `json:"items"`
	Outcomes        map[string]domain.ChecklistOutcome `json:"outcomes"`
	Progress        domain.ChecklistProgress           `json:"progress"`
	OverallStatus   domain.ChecklistStatus             `json:"overall_status"`
	MissingNotes    []string                           `json:"missing_notes"`
	Cursor          int                                `json:"cursor"`
	TechnicianNotes string                             `json:"technician_notes,omitempty"`
}

func viewOf(e *checklist.Engine) ChecklistView {
	v := ChecklistView{
		JobID:           e.JobID(),
		TemplateID:      e.TemplateID(),
		Items:           e.Items(),
		Outcomes:        e.Outcomes(),
		Progress:        e.Progress(),
		OverallStatus:   e.OverallStatus(),
		MissingNotes:    e.MissingNotes(),
		TechnicianNotes: e.TechnicianNotes(),
	}
	if _, i, err := e.Current(); err == nil {
		v.Cursor = i
	}
	if v.MissingNotes == nil {
		v.MissingNotes = []string{}
	}
	return v
}

// session returns the job's checklist session, restoring the latest persisted
// snapshot the first time a job is touched.
func (h *Handler) session(ctx context.Context, jobID string) (*checklist.Session, error) {
	if s, ok := h.Checklists.Lookup(jobID); ok {
		return s, nil
	}
	if _, err := h.Engine.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	snap, err := h.Results.GetLatest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s := h.Checklists.Get(jobID)
	if snap == nil {
		return s, nil
	}
	err = s.Do(func(e *checklist.Engine) error {
		if e.Loaded() {
			return nil
		}
		return e.Restore(*snap)
	})
	return s, err
}

// mutate runs fn against the job's checklist and writes the resulting view.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn func(e *checklist.Engine) error) {
	s, err := h.session(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var view ChecklistView
	err = s.Do(func(e *checklist.Engine) error {
		if err := fn(e); err != nil {
			return err
		}
		view = viewOf(e)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetChecklist handles GET /api/v1/jobs/{jobID}/checklist.
func (h *Handler) GetChecklist(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(e *checklist.Engine) error {
		if !e.Loaded() {
			return domain.ErrNoActiveTemplate
		}
		return nil
	})
}

// LoadChecklist handles POST /api/v1/jobs/{jobID}/checklist.
func (h *Handler) LoadChecklist(w http.ResponseWriter, r *http.Request) {
	var req LoadChecklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemplateID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "template_id is required"})
		return
	}
	tpl, err := h.TemplateRepo.Get(r.Context(), h.DB, req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.mutate(w, r, func(e *checklist.Engine) error {
		return e.Load(*tpl)
	})
}

// SetItem handles PUT /api/v1/jobs/{jobID}/checklist/items/{itemID}.
func (h *Handler) SetItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
			return
		}
	}
	itemID := chi.URLParam(r, "itemID")
	h.mutate(w, r, func(e *checklist.Engine) error {
		if req.Outcome == "" {
			return e.ToggleSimpleCheck(itemID)
		}
		return e.SetOutcome(itemID, req.Outcome, req.Note)
	})
}

// SetNotes handles PUT /api/v1/jobs/{jobID}/checklist/notes.
func (h *Handler) SetNotes(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	h.mutate(w, r, func(e *checklist.Engine) error {
		return e.SetTechnicianNotes(req.Notes)
	})
}

// MoveCursor handles POST /api/v1/jobs/{jobID}/checklist/cursor.
func (h *Handler) MoveCursor(w http.ResponseWriter, r *http.Request) {
	var req CursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	h.mutate(w, r, func(e *checklist.Engine) error {
		switch req.Action {
		case "next":
			_, err := e.Next()
			return err
		case "previous":
			_, err := e.Previous()
			return err
		case "goto":
			return e.GoTo(req.Index)
		}
		return errBadCursorAction
	})
}

// ResetChecklist handles POST /api/v1/jobs/{jobID}/checklist/reset.
func (h *Handler) ResetChecklist(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(e *checklist.Engine) error {
		if !e.Loaded() {
			return domain.ErrNoActiveTemplate
		}
		e.Reset()
		return nil
	})
}

// SaveChecklist handles POST /api/v1/jobs/{jobID}/checklist/save.
func (h *Handler) SaveChecklist(w http.ResponseWriter, r *http.Request) {
	h.save(w, r, checklist.SaveProgress)
}

// CompleteChecklist handles POST /api/v1/jobs/{jobID}/checklist/complete.
func (h *Handler) CompleteChecklist(w http.ResponseWriter, r *http.Request) {
	h.save(w, r, checklist.SaveComplete)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, mode checklist.Mode) {
	s, err := h.session(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.Saver.Save(r.Context(), s, mode)
	if err != nil {
		if errors.Is(err, domain.ErrStaleSave) {
			telemetry.StaleSaves.Inc()
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var errBadCursorAction = domain.Detail(domain.ErrItemIndexOutOfRange, "action must be next, previous or goto")
