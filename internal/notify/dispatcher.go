// Package notify turns observed job state changes into notifications.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/toast"
	"github.com/repairtrack/engine/internal/workflow"
)

// DefaultCapacity is the number of recent notifications kept for display. It
// is also the upper bound; larger capacities are clamped to it.
const DefaultCapacity = 10

// Recorder persists dispatched notifications. Optional.
type Recorder interface {
	SaveNotification(ctx context.Context, n domain.Notification) error
}

// Dispatcher watches per-job state and emits a notification on every change.
//
// Each job has its own previous-state cell, so any number of jobs can be
// observed through one Dispatcher without cross-talk. The recent buffer and
// unread counter are shared across jobs, newest first.
type Dispatcher struct {
	Toast    toast.Surface
	Recorder Recorder
	Logger   zerolog.Logger

	mu       sync.Mutex
	capacity int
	previous map[string]domain.WorkflowState
	recent   []domain.Notification
	unread   int
	newID    func() string
}

// NewDispatcher creates a Dispatcher that forwards to surface. A capacity of
// zero or less, or above DefaultCapacity, uses DefaultCapacity.
func NewDispatcher(surface toast.Surface, capacity int) *Dispatcher {
	if capacity <= 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	if surface == nil {
		surface = toast.Nop{}
	}
	return &Dispatcher{
		Toast:    surface,
		Logger:   zerolog.Nop(),
		capacity: capacity,
		previous: make(map[string]domain.WorkflowState),
		newID:    func() string { return uuid.NewString() },
	}
}

// Observe records the current state of jobID. The first observation of a job
// only primes its tracker. Later observations that carry a different state
// synthesize, buffer and emit exactly one notification; repeating the same
// state is a no-op.
func (d *Dispatcher) Observe(ctx context.Context, jobID string, state domain.WorkflowState, now time.Time) (domain.Notification, bool) {
	d.mu.Lock()
	prev, seen := d.previous[jobID]
	d.previous[jobID] = state
	if !seen || prev == state {
		d.mu.Unlock()
		return domain.Notification{}, false
	}

	n := d.synthesize(jobID, prev, state, now)
	d.recent = append([]domain.Notification{n}, d.recent...)
	if len(d.recent) > d.capacity {
		d.recent = d.recent[:d.capacity]
	}
	d.unread++
	d.mu.Unlock()

	d.emit(ctx, n)
	return n, true
}

// Prime sets the previous state of jobID without emitting anything, e.g. when
// a job is loaded from storage.
func (d *Dispatcher) Prime(jobID string, state domain.WorkflowState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previous[jobID] = state
}

// PrimeIfUnseen primes jobID only when it has no tracker yet. Hosts call it
// with a transition's source state so the first change observed after a
// restart still produces a notification.
func (d *Dispatcher) PrimeIfUnseen(jobID string, state domain.WorkflowState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.previous[jobID]; !seen {
		d.previous[jobID] = state
	}
}

// Forget drops the tracker for jobID.
func (d *Dispatcher) Forget(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.previous, jobID)
}

func (d *Dispatcher) synthesize(jobID string, from, to domain.WorkflowState, now time.Time) domain.Notification {
	sev, title := Classify(to)
	return domain.Notification{
		ID:        d.newID(),
		Severity:  sev,
		Title:     title,
		Message:   fmt.Sprintf("Job %s moved from %s to %s", jobID, workflow.Label(from), workflow.Label(to)),
		CreatedAt: now,
		JobID:     jobID,
		State:     to,
	}
}

// emit forwards n outside the lock. Failures are logged and swallowed.
func (d *Dispatcher) emit(ctx context.Context, n domain.Notification) {
	if err := d.Toast.Show(ctx, toast.Message{
		Severity: n.Severity,
		Title:    n.Title,
		Message:  n.Message,
		JobID:    n.JobID,
		State:    n.State,
	}); err != nil {
		d.Logger.Warn().Err(err).Str("job_id", n.JobID).Msg("toast delivery failed")
	}
	if d.Recorder != nil {
		if err := d.Recorder.SaveNotification(ctx, n); err != nil {
			d.Logger.Warn().Err(err).Str("notification_id", n.ID).Msg("persist notification failed")
		}
	}
}

// Classify maps a destination state to its severity and title.
func Classify(state domain.WorkflowState) (domain.Severity, string) {
	switch state {
	case domain.StateDone:
		return domain.SeveritySuccess, "Repair done"
	case domain.StateRepairComplete:
		return domain.SeveritySuccess, "Repair complete"
	case domain.StateFailed:
		return domain.SeverityError, "Repair failed"
	case domain.StateAwaitingParts:
		return domain.SeverityWarning, "Waiting for parts"
	case domain.StateAssigned,
		domain.StateDiagnosisStarted,
		domain.StatePartsArrived,
		domain.StateInRepair,
		domain.StateReassembledTesting,
		domain.StateReturnedToCustomerCare:
		return domain.SeverityInfo, "Status updated"
	default:
		// TODO: decide with product whether unmapped states should surface
		// as warnings instead of blending in as info.
		return domain.SeverityInfo, "Status updated"
	}
}

// Acknowledge marks one notification read. The unread counter drops by one
// only when the entry was unread, and never below zero.
func (d *Dispatcher) Acknowledge(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.recent {
		if d.recent[i].ID != id {
			continue
		}
		if !d.recent[i].Read {
			d.recent[i].Read = true
			if d.unread > 0 {
				d.unread--
			}
		}
		return nil
	}
	return domain.Detail(domain.ErrNotificationNotFound, "%s", id)
}

// AcknowledgeAll marks every buffered notification read and zeroes the counter.
func (d *Dispatcher) AcknowledgeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.recent {
		d.recent[i].Read = true
	}
	d.unread = 0
}

// Clear empties the buffer and zeroes the counter. Job trackers are kept.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = nil
	d.unread = 0
}

// Recent returns a copy of the buffer, newest first.
func (d *Dispatcher) Recent() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Notification, len(d.recent))
	copy(out, d.recent)
	return out
}

// Unread returns the unread counter. It can exceed len(Recent()) once unread
// entries have been evicted.
func (d *Dispatcher) Unread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread
}
