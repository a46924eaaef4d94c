// Package domain defines the core types for repair job tracking.
package domain

import "time"

// WorkflowState is one node in the ranked repair-progress sequence.
type WorkflowState string

const (
	StateAssigned               WorkflowState = "assigned"
	StateDiagnosisStarted       WorkflowState = "diagnosis_started"
	StateAwaitingParts          WorkflowState = "awaiting_parts"
	StatePartsArrived           WorkflowState = "parts_arrived"
	StateInRepair               WorkflowState = "in_repair"
	StateReassembledTesting     WorkflowState = "reassembled_testing"
	StateRepairComplete         WorkflowState = "repair_complete"
	StateReturnedToCustomerCare WorkflowState = "returned_to_customer_care"
	StateDone                   WorkflowState = "done"
	StateFailed                 WorkflowState = "failed"

	// StateUnknown marks history entries whose annotation carried no
	// recognisable transition. It is never a valid job state.
	StateUnknown WorkflowState = "unknown"
)

// StatusStepDescriptor is an immutable catalog row.
type StatusStepDescriptor struct {
	State       WorkflowState `json:"state"`
	Rank        int           `json:"rank"`
	Label       string        `json:"label"`
	Description string        `json:"description"`
}

// Job is the slice of the repair job record the engine reads.
type Job struct {
	ID             string        `json:"id"`
	CurrentState   WorkflowState `json:"current_state"`
	StateEnteredAt time.Time     `json:"state_entered_at"`
	Assignee       string        `json:"assignee,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TransitionRequest asks the job store to move a job to a new state.
type TransitionRequest struct {
	NewState  WorkflowState `json:"new_state"`
	Note      string        `json:"note"`
	ActorID   string        `json:"actor_id"`
	ActorName string        `json:"actor_name"`
}

// Transition is one row of the append-only structured transition log.
type Transition struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	FromState  WorkflowState `json:"from_state,omitempty"`
	ToState    WorkflowState `json:"to_state"`
	ActorID    string        `json:"actor_id"`
	ActorName  string        `json:"actor_name"`
	Note       string        `json:"note"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Annotation is a free-text note attached to a job by the hosting application.
type Annotation struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	OccurredAt time.Time `json:"occurred_at"`
}

// HistorySource records where a history entry was derived from.
type HistorySource string

const (
	SourceTransitionLog    HistorySource = "transition_log"
	SourceLegacyAnnotation HistorySource = "legacy_annotation"
)

// HistoryEntry is a derived, never-persisted row of a job's timeline.
type HistoryEntry struct {
	ID                 string         `json:"id"`
	State              WorkflowState  `json:"state"`
	PreviousState      WorkflowState  `json:"previous_state,omitempty"`
	Note               string         `json:"note"`
	ActorID            string         `json:"actor_id"`
	ActorName          string         `json:"actor_name"`
	OccurredAt         time.Time      `json:"occurred_at"`
	DurationSinceEntry *time.Duration `json:"duration_since_entry,omitempty"`
	Source             HistorySource  `json:"source"`
}

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Notification is a synthesized record of an observed state change.
type Notification struct {
	ID        string        `json:"id"`
	Severity  Severity      `json:"severity"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
	JobID     string        `json:"job_id"`
	State     WorkflowState `json:"state"`
	Read      bool          `json:"read"`
}

// ChecklistItem is one diagnostic step of a problem template.
type ChecklistItem struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
	Order       int    `json:"order" yaml:"order"`
}

// ProblemTemplate groups the checklist items for one kind of fault.
type ProblemTemplate struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Category    string          `json:"category" yaml:"category"`
	Items       []ChecklistItem `json:"items" yaml:"items"`
}

// Outcome is the recorded result of a checklist item.
type Outcome string

const (
	OutcomeUnset   Outcome = "unset"
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// ChecklistOutcome is the per-item state held by the checklist engine.
type ChecklistOutcome struct {
	Outcome   Outcome `json:"outcome"`
	Note      string  `json:"note"`
	Completed bool    `json:"completed"`
}

// ChecklistProgress is recomputed on every change to the outcome map.
type ChecklistProgress struct {
	TotalItems             int  `json:"total_items"`
	CompletedItems         int  `json:"completed_items"`
	RequiredItems          int  `json:"required_items"`
	CompletedRequiredItems int  `json:"completed_required_items"`
	IsComplete             bool `json:"is_complete"`
	CanProceed             bool `json:"can_proceed"`
	Percent                int  `json:"percent"`
}

// ChecklistStatus is the overall status of a checklist run.
type ChecklistStatus string

const (
	ChecklistPending    ChecklistStatus = "pending"
	ChecklistInProgress ChecklistStatus = "in_progress"
	ChecklistCompleted  ChecklistStatus = "completed"
	ChecklistFailed     ChecklistStatus = "failed"
)

// ChecklistSnapshot is the unit handed to the checklist results store.
type ChecklistSnapshot struct {
	JobID           string                      `json:"job_id"`
	TemplateID      string                      `json:"template_id"`
	Items           []ChecklistItem             `json:"items"`
	Outcomes        map[string]ChecklistOutcome `json:"outcomes"`
	Progress        ChecklistProgress           `json:"progress"`
	OverallStatus   ChecklistStatus             `json:"overall_status"`
	TechnicianNotes string                      `json:"technician_notes,omitempty"`
	CompletedAt     *time.Time                  `json:"completed_at,omitempty"`
	TakenAt         time.Time                   `json:"taken_at"`
}

// GateDecision is the verdict of a status gate on a requested transition.
type GateDecision struct {
	Allow    bool     `json:"allow"`
	Blockers []string `json:"blockers,omitempty"`
}
