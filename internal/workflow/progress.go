package workflow

import (
	"math"

	"github.com/repairtrack/engine/internal/domain"
)

// RankOf returns the 1-based rank of state. failed and any state outside the
// catalog return ErrUnknownState.
func (c *Catalog) RankOf(state domain.WorkflowState) (int, error) {
	step, ok := c.byState[state]
	if !ok {
		return 0, domain.Detail(domain.ErrUnknownState, "%q has no rank", state)
	}
	return step.Rank, nil
}

// ProgressPercent returns rank/N*100 at full precision. failed and unknown
// states report 0 regardless of how far the job had advanced.
func (c *Catalog) ProgressPercent(state domain.WorkflowState) float64 {
	rank, err := c.RankOf(state)
	if err != nil {
		return 0
	}
	return float64(rank) / float64(len(c.steps)) * 100
}

// DisplayPercent is ProgressPercent rounded to the nearest whole percent.
func (c *Catalog) DisplayPercent(state domain.WorkflowState) int {
	return int(math.Round(c.ProgressPercent(state)))
}

// CompletedStates returns every state ranked strictly below state, in rank order.
func (c *Catalog) CompletedStates(state domain.WorkflowState) []domain.WorkflowState {
	rank, err := c.RankOf(state)
	if err != nil {
		return nil
	}
	out := make([]domain.WorkflowState, 0, rank-1)
	for _, step := range c.steps[:rank-1] {
		out = append(out, step.State)
	}
	return out
}

// UpcomingStates returns every state ranked strictly above state, in rank order.
func (c *Catalog) UpcomingStates(state domain.WorkflowState) []domain.WorkflowState {
	rank, err := c.RankOf(state)
	if err != nil {
		return nil
	}
	out := make([]domain.WorkflowState, 0, len(c.steps)-rank)
	for _, step := range c.steps[rank:] {
		out = append(out, step.State)
	}
	return out
}

// Progress bundles the derived progress facts for one job state.
type Progress struct {
	State     domain.WorkflowState   `json:"state"`
	Label     string                 `json:"label"`
	Percent   float64                `json:"percent"`
	Display   int                    `json:"display_percent"`
	Completed []domain.WorkflowState `json:"completed"`
	Upcoming  []domain.WorkflowState `json:"upcoming"`
}

// ProgressOf computes every progress fact for state in one call.
func (c *Catalog) ProgressOf(state domain.WorkflowState) Progress {
	return Progress{
		State:     state,
		Label:     Label(state),
		Percent:   c.ProgressPercent(state),
		Display:   c.DisplayPercent(state),
		Completed: c.CompletedStates(state),
		Upcoming:  c.UpcomingStates(state),
	}
}
