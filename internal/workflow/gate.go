// Package workflow implements the repair job status catalog, progress
// calculation and the transition state machine.
package workflow

import (
	"context"
	"fmt"

	"github.com/repairtrack/engine/internal/domain"
)

// Gate evaluates whether a job may leave its current state for a target state.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, job domain.Job, to domain.WorkflowState) (domain.GateDecision, error)
}

// DefaultGate blocks only jobs that have already reached a terminal state.
type DefaultGate struct{}

// Name returns the gate name.
func (g *DefaultGate) Name() string {
	return "default"
}

// Evaluate allows every transition out of a non-terminal state.
func (g *DefaultGate) Evaluate(_ context.Context, job domain.Job, _ domain.WorkflowState) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}
	if job.CurrentState == domain.StateDone {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "job is done")
	}
	return decision, nil
}

// ChecklistLookup returns the most recently saved checklist for a job, or nil.
type ChecklistLookup interface {
	GetLatest(ctx context.Context, jobID string) (*domain.ChecklistSnapshot, error)
}

// ChecklistGate keeps a job in diagnosis until every required checklist item is
// complete. Moving to failed is always allowed.
type ChecklistGate struct {
	Results ChecklistLookup

	// Active reports the template currently loaded for a job, if any. When
	// set, a saved result only counts if it belongs to that template.
	Active func(jobID string) (templateID string, ok bool)
}

// Name returns the gate name.
func (g *ChecklistGate) Name() string {
	return "checklist"
}

// Evaluate checks the job's last saved checklist.
func (g *ChecklistGate) Evaluate(ctx context.Context, job domain.Job, to domain.WorkflowState) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}
	if to == domain.StateFailed {
		return decision, nil
	}

	snap, err := g.Results.GetLatest(ctx, job.ID)
	if err != nil {
		return decision, err
	}
	active, hasActive := "", false
	if g.Active != nil {
		active, hasActive = g.Active(job.ID)
	}
	switch {
	case snap == nil:
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "no diagnostic checklist saved")
	case hasActive && snap.TemplateID != active:
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, fmt.Sprintf("checklist %q has not been saved", active))
	case !snap.Progress.CanProceed:
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, fmt.Sprintf("%d of %d required checklist items complete",
			snap.Progress.CompletedRequiredItems, snap.Progress.RequiredItems))
	}
	return decision, nil
}

// GateRegistry maps each state to the gate guarding exits from it.
type GateRegistry struct {
	gates map[domain.WorkflowState]Gate
}

// NewGateRegistry creates a registry with a default gate for every known state.
func NewGateRegistry() *GateRegistry {
	defaultGate := &DefaultGate{}
	gates := make(map[domain.WorkflowState]Gate, len(rankedStates)+1)
	for _, s := range rankedStates {
		gates[s] = defaultGate
	}
	gates[domain.StateFailed] = defaultGate
	return &GateRegistry{gates: gates}
}

// Register sets a custom gate for a state.
func (r *GateRegistry) Register(state domain.WorkflowState, gate Gate) {
	r.gates[state] = gate
}

// Get returns the gate for a state, or an error if none is registered.
func (r *GateRegistry) Get(state domain.WorkflowState) (Gate, error) {
	g, ok := r.gates[state]
	if !ok {
		return nil, domain.Detail(domain.ErrUnknownState, "no gate for %q", state)
	}
	return g, nil
}
