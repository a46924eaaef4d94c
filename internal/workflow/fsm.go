package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/store"
)

// validTransitions defines the legal status transitions.
// Each key is a source state, and the value is the set of valid target states.
var validTransitions = map[domain.WorkflowState]map[domain.WorkflowState]bool{
	domain.StateAssigned:               {domain.StateDiagnosisStarted: true},
	domain.StateDiagnosisStarted:       {domain.StateAwaitingParts: true, domain.StateInRepair: true, domain.StateFailed: true},
	domain.StateAwaitingParts:          {domain.StatePartsArrived: true},
	domain.StatePartsArrived:           {domain.StateInRepair: true},
	domain.StateInRepair:               {domain.StateReassembledTesting: true, domain.StateFailed: true},
	domain.StateReassembledTesting:     {domain.StateRepairComplete: true, domain.StateInRepair: true, domain.StateFailed: true}, // ->in_repair is rework
	domain.StateRepairComplete:         {domain.StateReturnedToCustomerCare: true},
	domain.StateReturnedToCustomerCare: {domain.StateDone: true},
	domain.StateFailed:                 {domain.StateReturnedToCustomerCare: true},
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to domain.WorkflowState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// NextStates returns the legal targets from a state in catalog order, with
// failed last.
func (c *Catalog) NextStates(from domain.WorkflowState) []domain.WorkflowState {
	var out []domain.WorkflowState
	for _, step := range c.steps {
		if IsValidTransition(from, step.State) {
			out = append(out, step.State)
		}
	}
	if IsValidTransition(from, domain.StateFailed) {
		out = append(out, domain.StateFailed)
	}
	return out
}

// requiresNote reports whether a transition must carry an explanation.
func requiresNote(from, to domain.WorkflowState) bool {
	return to == domain.StateFailed ||
		(from == domain.StateReassembledTesting && to == domain.StateInRepair)
}

// Engine is the FSM that manages repair job status transitions.
type Engine struct {
	DB             *sql.DB
	Catalog        *Catalog
	JobRepo        *store.JobRepo
	TransitionRepo *store.TransitionRepo
	AnnotationRepo *store.AnnotationRepo
	GateRegistry   *GateRegistry
	Clock          elapsed.Clock
	Logger         zerolog.Logger

	// OnTransition runs after a transition commits.
	OnTransition func(ctx context.Context, t domain.Transition)
}

// NewEngine creates a new FSM engine with all dependencies.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		DB:             db,
		Catalog:        DefaultCatalog(),
		JobRepo:        &store.JobRepo{},
		TransitionRepo: &store.TransitionRepo{},
		AnnotationRepo: &store.AnnotationRepo{},
		GateRegistry:   NewGateRegistry(),
		Clock:          elapsed.SystemClock{},
		Logger:         zerolog.Nop(),
	}
}

// StartJob creates a job in the first catalog state and logs its creation as
// the first transition.
func (e *Engine) StartJob(ctx context.Context, jobID, assignee string) (*domain.Job, error) {
	now := e.Clock.Now().UTC()
	job := domain.Job{
		ID:             jobID,
		CurrentState:   e.Catalog.First(),
		StateEnteredAt: now,
		Assignee:       assignee,
		Version:        1,
		CreatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := e.JobRepo.CreateTx(ctx, tx, job); err != nil {
		return nil, err
	}

	initial := domain.Transition{
		ID:         uuid.NewString(),
		JobID:      jobID,
		ToState:    job.CurrentState,
		ActorName:  assignee,
		OccurredAt: now,
	}
	if err := e.TransitionRepo.AppendTx(ctx, tx, initial); err != nil {
		return nil, fmt.Errorf("append start transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.Logger.Debug().Str("job_id", jobID).Str("state", string(job.CurrentState)).Msg("job started")
	if e.OnTransition != nil {
		e.OnTransition(ctx, initial)
	}
	return &job, nil
}

// Transition moves a job to req.NewState. The structured log row, the legacy
// annotation and the job update are written in a single transaction with
// optimistic locking.
func (e *Engine) Transition(ctx context.Context, jobID string, req domain.TransitionRequest) (*domain.Transition, error) {
	to, err := e.Catalog.ParseState(string(req.NewState))
	if err != nil {
		return nil, err
	}

	job, err := e.JobRepo.GetByID(ctx, e.DB, jobID)
	if err != nil {
		return nil, err
	}
	from := job.CurrentState

	if from == to {
		return nil, domain.Detail(domain.ErrSameState, "%s", to)
	}
	if !IsValidTransition(from, to) {
		return nil, domain.Detail(domain.ErrInvalidTransition, "illegal transition %s -> %s", from, to)
	}
	if requiresNote(from, to) && req.Note == "" {
		return nil, domain.Detail(domain.ErrNoteRequired, "%s -> %s", from, to)
	}

	// Evaluate the gate for the current state.
	gate, err := e.GateRegistry.Get(from)
	if err != nil {
		return nil, err
	}
	decision, err := gate.Evaluate(ctx, *job, to)
	if err != nil {
		return nil, fmt.Errorf("evaluate gate %s: %w", gate.Name(), err)
	}
	if !decision.Allow {
		return nil, domain.Detail(domain.ErrGateBlocked, "%s: %v", gate.Name(), decision.Blockers)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := e.Clock.Now().UTC()
	t := domain.Transition{
		ID:         uuid.NewString(),
		JobID:      jobID,
		FromState:  from,
		ToState:    to,
		ActorID:    req.ActorID,
		ActorName:  req.ActorName,
		Note:       req.Note,
		OccurredAt: now,
	}
	if err := e.TransitionRepo.AppendTx(ctx, tx, t); err != nil {
		return nil, err
	}

	// Hosts that still read annotations see the same change in legacy form.
	note := domain.Annotation{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Text:       LegacyAnnotation(from, to, req.Note),
		ActorID:    req.ActorID,
		ActorName:  req.ActorName,
		OccurredAt: now,
	}
	if err := e.AnnotationRepo.AppendTx(ctx, tx, note); err != nil {
		return nil, err
	}

	updated := *job
	updated.CurrentState = to
	updated.StateEnteredAt = now
	if err := e.JobRepo.UpdateStateTx(ctx, tx, updated); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.Logger.Debug().
		Str("job_id", jobID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", req.ActorID).
		Msg("status transition")
	if e.OnTransition != nil {
		e.OnTransition(ctx, t)
	}
	return &t, nil
}

// LegacyAnnotation renders a transition in the free-text form older hosts
// wrote: "Status changed to: X from Y", followed by the note if any.
func LegacyAnnotation(from, to domain.WorkflowState, note string) string {
	text := fmt.Sprintf("Status changed to: %s from %s", to, from)
	if note != "" {
		text += ". " + note
	}
	return text
}

// GetJob returns the current record of a job.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return e.JobRepo.GetByID(ctx, e.DB, jobID)
}

// TimeInState returns how long the job has been in its current state.
func (e *Engine) TimeInState(job domain.Job) (time.Duration, error) {
	return elapsed.Since(job.StateEnteredAt, e.Clock)
}
