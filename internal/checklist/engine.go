// Package checklist tracks diagnostic checklist completion for a repair job.
package checklist

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/repairtrack/engine/internal/domain"
)

// Engine holds the outcomes of one job's active checklist.
//
// Engine is a single-writer structure and does no locking; see Session for a
// guarded wrapper. Gating is advisory: CanProceed reports whether completion is
// allowed but no mutation is ever refused because of it.
type Engine struct {
	jobID      string
	templateID string
	loaded     bool
	generation uint64

	items    []domain.ChecklistItem
	index    map[string]int
	outcomes map[string]domain.ChecklistOutcome
	cursor   int

	technicianNotes string
	completedAt     *time.Time
}

// New creates an empty Engine for jobID.
func New(jobID string) *Engine {
	return &Engine{jobID: jobID}
}

// JobID returns the job this checklist belongs to.
func (e *Engine) JobID() string { return e.jobID }

// TemplateID returns the identity of the loaded template, if any.
func (e *Engine) TemplateID() string { return e.templateID }

// Loaded reports whether a template is active.
func (e *Engine) Loaded() bool { return e.loaded }

// Generation changes every time the active template is replaced. Savers use it
// to detect that a result no longer matches the checklist on screen.
func (e *Engine) Generation() uint64 { return e.generation }

// Load activates a problem template.
func (e *Engine) Load(t domain.ProblemTemplate) error {
	if err := e.LoadTemplate(t.Items); err != nil {
		return err
	}
	e.templateID = t.ID
	return nil
}

// LoadTemplate replaces the active item set and resets every outcome to unset.
// Items are ordered by Order, keeping input order for ties; missing ids are
// filled as item_<n>.
func (e *Engine) LoadTemplate(items []domain.ChecklistItem) error {
	if len(items) == 0 {
		return domain.ErrEmptyTemplate
	}

	sorted := make([]domain.ChecklistItem, len(items))
	copy(sorted, items)
	for i := range sorted {
		if sorted[i].ID == "" {
			sorted[i].ID = fmt.Sprintf("item_%d", i)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	index := make(map[string]int, len(sorted))
	for i, it := range sorted {
		if _, dup := index[it.ID]; dup {
			return domain.Detail(domain.ErrDuplicateItem, "%q", it.ID)
		}
		index[it.ID] = i
	}

	e.items = sorted
	e.index = index
	e.templateID = ""
	e.loaded = true
	e.generation++
	e.resetOutcomes()
	return nil
}

func (e *Engine) resetOutcomes() {
	e.outcomes = make(map[string]domain.ChecklistOutcome, len(e.items))
	for _, it := range e.items {
		e.outcomes[it.ID] = domain.ChecklistOutcome{Outcome: domain.OutcomeUnset}
	}
	e.cursor = 0
	e.technicianNotes = ""
	e.completedAt = nil
}

func (e *Engine) lookup(itemID string) (int, error) {
	if !e.loaded {
		return 0, domain.ErrNoActiveTemplate
	}
	i, ok := e.index[itemID]
	if !ok {
		return 0, domain.Detail(domain.ErrUnknownItem, "%q", itemID)
	}
	return i, nil
}

// SetOutcome records the result of one item. Any outcome other than unset marks
// the item completed; unset clears it. A note is expected for failed and skipped
// items but its absence is not an error (see MissingNotes). Passing or skipping
// the item under the cursor advances the cursor.
func (e *Engine) SetOutcome(itemID string, outcome domain.Outcome, note string) error {
	i, err := e.lookup(itemID)
	if err != nil {
		return err
	}
	switch outcome {
	case domain.OutcomeUnset, domain.OutcomePassed, domain.OutcomeFailed, domain.OutcomeSkipped:
	default:
		return domain.Detail(domain.ErrInvalidOutcome, "%q", outcome)
	}

	e.outcomes[itemID] = domain.ChecklistOutcome{
		Outcome:   outcome,
		Note:      note,
		Completed: outcome != domain.OutcomeUnset,
	}

	if (outcome == domain.OutcomePassed || outcome == domain.OutcomeSkipped) && i == e.cursor && e.cursor < len(e.items)-1 {
		e.cursor++
	}
	e.settle()
	return nil
}

// ToggleSimpleCheck flips the completed flag of an item for templates that have
// no pass/fail granularity. Unchecking also clears any recorded outcome.
func (e *Engine) ToggleSimpleCheck(itemID string) error {
	if _, err := e.lookup(itemID); err != nil {
		return err
	}
	o := e.outcomes[itemID]
	o.Completed = !o.Completed
	if !o.Completed {
		o.Outcome = domain.OutcomeUnset
	}
	e.outcomes[itemID] = o
	e.settle()
	return nil
}

// settle drops a remembered completion time once the list is no longer complete.
func (e *Engine) settle() {
	if e.completedAt != nil && !e.Progress().IsComplete {
		e.completedAt = nil
	}
}

// Progress derives the completion counters. With no template loaded everything
// is zero and CanProceed is false. A template without required items can
// proceed as soon as it is loaded.
func (e *Engine) Progress() domain.ChecklistProgress {
	var p domain.ChecklistProgress
	if !e.loaded {
		return p
	}
	p.TotalItems = len(e.items)
	for _, it := range e.items {
		done := e.outcomes[it.ID].Completed
		if done {
			p.CompletedItems++
		}
		if it.Required {
			p.RequiredItems++
			if done {
				p.CompletedRequiredItems++
			}
		}
	}
	p.IsComplete = p.CompletedItems == p.TotalItems
	p.CanProceed = p.CompletedRequiredItems == p.RequiredItems
	p.Percent = int(math.Round(float64(p.CompletedItems) / float64(p.TotalItems) * 100))
	return p
}

// OverallStatus summarises the run: pending before a template is loaded,
// in_progress until every item is done, then failed if any required item
// failed and completed otherwise.
func (e *Engine) OverallStatus() domain.ChecklistStatus {
	if !e.loaded {
		return domain.ChecklistPending
	}
	if !e.Progress().IsComplete {
		return domain.ChecklistInProgress
	}
	for _, it := range e.items {
		if it.Required && e.outcomes[it.ID].Outcome == domain.OutcomeFailed {
			return domain.ChecklistFailed
		}
	}
	return domain.ChecklistCompleted
}

// MissingNotes lists failed or skipped items that carry no note.
func (e *Engine) MissingNotes() []string {
	var ids []string
	for _, it := range e.items {
		o := e.outcomes[it.ID]
		if (o.Outcome == domain.OutcomeFailed || o.Outcome == domain.OutcomeSkipped) && o.Note == "" {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// Reset returns every item to unset and clears notes. The template stays loaded.
func (e *Engine) Reset() {
	if !e.loaded {
		return
	}
	e.resetOutcomes()
}

// SetTechnicianNotes stores free-form notes for the whole run.
func (e *Engine) SetTechnicianNotes(notes string) error {
	if !e.loaded {
		return domain.ErrNoActiveTemplate
	}
	e.technicianNotes = notes
	return nil
}

// Items returns a copy of the active items in display order.
func (e *Engine) Items() []domain.ChecklistItem {
	out := make([]domain.ChecklistItem, len(e.items))
	copy(out, e.items)
	return out
}

// Outcome returns the recorded outcome of one item.
func (e *Engine) Outcome(itemID string) (domain.ChecklistOutcome, error) {
	if _, err := e.lookup(itemID); err != nil {
		return domain.ChecklistOutcome{}, err
	}
	return e.outcomes[itemID], nil
}

// Outcomes returns a copy of every recorded outcome keyed by item id.
func (e *Engine) Outcomes() map[string]domain.ChecklistOutcome {
	out := make(map[string]domain.ChecklistOutcome, len(e.outcomes))
	for k, v := range e.outcomes {
		out[k] = v
	}
	return out
}

// TechnicianNotes returns the free-text notes for the whole checklist.
func (e *Engine) TechnicianNotes() string { return e.technicianNotes }

// Snapshot captures the checklist for persistence. CompletedAt is set only
// while the list is complete; the first snapshot after completion fixes it and
// later snapshots repeat it until a change makes the list incomplete again.
func (e *Engine) Snapshot(now time.Time) domain.ChecklistSnapshot {
	snap := e.Capture(now)
	e.Commit(snap, e.generation)
	return snap
}

// Capture is Snapshot without side effects: a completed list that has no
// completion time yet reports now, but the engine does not remember it until
// Commit.
func (e *Engine) Capture(now time.Time) domain.ChecklistSnapshot {
	p := e.Progress()
	snap := domain.ChecklistSnapshot{
		JobID:           e.jobID,
		TemplateID:      e.templateID,
		Items:           e.Items(),
		Outcomes:        e.Outcomes(),
		Progress:        p,
		OverallStatus:   e.OverallStatus(),
		TechnicianNotes: e.technicianNotes,
		TakenAt:         now,
	}
	if p.IsComplete && e.loaded {
		t := now
		if e.completedAt != nil {
			t = *e.completedAt
		}
		snap.CompletedAt = &t
	}
	return snap
}

// Commit fixes the completion time carried by snap. It does nothing if the
// template was replaced since generation gen or the list is no longer complete.
func (e *Engine) Commit(snap domain.ChecklistSnapshot, gen uint64) {
	if gen != e.generation || snap.CompletedAt == nil || e.completedAt != nil {
		return
	}
	if !e.Progress().IsComplete {
		return
	}
	t := *snap.CompletedAt
	e.completedAt = &t
}

// Restore reloads a previously persisted snapshot. Outcomes for items no longer
// in the snapshot's item list are ignored.
func (e *Engine) Restore(snap domain.ChecklistSnapshot) error {
	if err := e.LoadTemplate(snap.Items); err != nil {
		return err
	}
	e.templateID = snap.TemplateID
	for id, o := range snap.Outcomes {
		if _, ok := e.index[id]; ok {
			e.outcomes[id] = o
		}
	}
	e.technicianNotes = snap.TechnicianNotes
	if snap.CompletedAt != nil && e.Progress().IsComplete {
		t := *snap.CompletedAt
		e.completedAt = &t
	}
	e.cursor = e.firstOpen()
	return nil
}

func (e *Engine) firstOpen() int {
	for i, it := range e.items {
		if !e.outcomes[it.ID].Completed {
			return i
		}
	}
	return 0
}
