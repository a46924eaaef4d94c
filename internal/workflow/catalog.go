package workflow

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/repairtrack/engine/internal/domain"
)

// rankedStates is the canonical ordering of the repair workflow.
// failed is deliberately absent: it is terminal and unranked.
var rankedStates = []domain.WorkflowState{
	domain.StateAssigned,
	domain.StateDiagnosisStarted,
	domain.StateAwaitingParts,
	domain.StatePartsArrived,
	domain.StateInRepair,
	domain.StateReassembledTesting,
	domain.StateRepairComplete,
	domain.StateReturnedToCustomerCare,
	domain.StateDone,
}

// Catalog is the static, rank-ordered table of workflow states.
// It is immutable after construction and safe for concurrent reads.
type Catalog struct {
	steps   []domain.StatusStepDescriptor
	byState map[domain.WorkflowState]domain.StatusStepDescriptor
}

// NewCatalog validates steps and builds a Catalog ordered by rank.
// Ranks must be unique and form the contiguous range 1..N; failed and unknown
// may not be ranked. Any violation returns ErrCatalogIntegrity.
func NewCatalog(steps []domain.StatusStepDescriptor) (*Catalog, error) {
	if len(steps) == 0 {
		return nil, domain.Detail(domain.ErrCatalogIntegrity, "catalog has no steps")
	}

	sorted := make([]domain.StatusStepDescriptor, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	byState := make(map[domain.WorkflowState]domain.StatusStepDescriptor, len(sorted))
	seenRank := make(map[int]domain.WorkflowState, len(sorted))
	for i, step := range sorted {
		if step.State == domain.StateFailed || step.State == domain.StateUnknown {
			return nil, domain.Detail(domain.ErrCatalogIntegrity, "state %q cannot be ranked", step.State)
		}
		if other, dup := seenRank[step.Rank]; dup {
			return nil, domain.Detail(domain.ErrCatalogIntegrity, "duplicate rank %d for %q and %q", step.Rank, other, step.State)
		}
		if _, dup := byState[step.State]; dup {
			return nil, domain.Detail(domain.ErrCatalogIntegrity, "duplicate state %q", step.State)
		}
		if step.Rank != i+1 {
			return nil, domain.Detail(domain.ErrCatalogIntegrity, "rank %d of %q breaks the 1..%d sequence", step.Rank, step.State, len(sorted))
		}
		seenRank[step.Rank] = step.State
		byState[step.State] = step
	}

	return &Catalog{steps: sorted, byState: byState}, nil
}

// DefaultSteps returns the descriptor table for the standard repair workflow.
func DefaultSteps() []domain.StatusStepDescriptor {
	steps := make([]domain.StatusStepDescriptor, 0, len(rankedStates))
	for i, s := range rankedStates {
		label, desc := describe(s)
		steps = append(steps, domain.StatusStepDescriptor{
			State:       s,
			Rank:        i + 1,
			Label:       label,
			Description: desc,
		})
	}
	return steps
}

// DefaultCatalog builds the standard catalog. It panics if the static table is
// corrupt, since nothing downstream can run without it.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultSteps())
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of ranked states (N).
func (c *Catalog) Len() int {
	return len(c.steps)
}

// Steps returns a copy of the descriptors in rank order.
func (c *Catalog) Steps() []domain.StatusStepDescriptor {
	out := make([]domain.StatusStepDescriptor, len(c.steps))
	copy(out, c.steps)
	return out
}

// First returns the lowest-ranked state.
func (c *Catalog) First() domain.WorkflowState {
	return c.steps[0].State
}

// Last returns the highest-ranked (terminal successful) state.
func (c *Catalog) Last() domain.WorkflowState {
	return c.steps[len(c.steps)-1].State
}

// Describe returns the descriptor for a ranked state.
func (c *Catalog) Describe(state domain.WorkflowState) (domain.StatusStepDescriptor, error) {
	step, ok := c.byState[state]
	if !ok {
		return domain.StatusStepDescriptor{}, domain.Detail(domain.ErrUnknownState, "%q", state)
	}
	return step, nil
}

// IsKnown reports whether state is a ranked state or failed.
func (c *Catalog) IsKnown(state domain.WorkflowState) bool {
	if state == domain.StateFailed {
		return true
	}
	_, ok := c.byState[state]
	return ok
}

// ParseState normalises free-form input ("In Repair", "in-repair") into a
// WorkflowState known to c.
func (c *Catalog) ParseState(raw string) (domain.WorkflowState, error) {
	s := domain.WorkflowState(normalizeState(raw))
	if !c.IsKnown(s) {
		return "", domain.Detail(domain.ErrUnknownState, "%q", raw)
	}
	return s, nil
}

func normalizeState(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return strings.Trim(s, "_.,;:")
}

// Label returns the display label of any state, including failed and unknown.
func Label(state domain.WorkflowState) string {
	label, _ := describe(state)
	return label
}

// Humanize turns a state identifier into title-cased words.
func Humanize(state domain.WorkflowState) string {
	// Casers are stateful; build one per call.
	return cases.Title(language.English).String(strings.ReplaceAll(string(state), "_", " "))
}

// describe is an exhaustive match over the closed state set. States outside the
// set fall back to a humanized identifier.
func describe(state domain.WorkflowState) (label, description string) {
	switch state {
	case domain.StateAssigned:
		return "Assigned", "Device assigned to a technician"
	case domain.StateDiagnosisStarted:
		return "Diagnosis Started", "Technician is running the diagnostic checklist"
	case domain.StateAwaitingParts:
		return "Awaiting Parts", "Spare parts requested and not yet received"
	case domain.StatePartsArrived:
		return "Parts Arrived", "All requested parts received, ready to repair"
	case domain.StateInRepair:
		return "In Repair", "Repair work in progress"
	case domain.StateReassembledTesting:
		return "Reassembled & Testing", "Device reassembled and under test"
	case domain.StateRepairComplete:
		return "Repair Complete", "Testing passed, repair finished"
	case domain.StateReturnedToCustomerCare:
		return "Returned to Customer Care", "Handed back to customer care for pickup"
	case domain.StateDone:
		return "Done", "Device returned to the customer"
	case domain.StateFailed:
		return "Failed", "Repair could not be completed"
	case domain.StateUnknown:
		return "Unknown", "Annotation did not describe a status change"
	default:
		return Humanize(state), ""
	}
}
