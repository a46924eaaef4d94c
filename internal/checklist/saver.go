package checklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/savelock"
)

// Source is anything that can be snapshotted for saving. Both *Engine and
// *Session satisfy it.
type Source interface {
	Capture(now time.Time) domain.ChecklistSnapshot
	Commit(snap domain.ChecklistSnapshot, gen uint64)
	Generation() uint64
}

// ResultStore persists snapshots with upsert semantics keyed by job and
// template, and updates the job's last-known checklist in the same write.
// When current is non-nil it is checked before the write commits; if it
// reports false nothing is written and ErrStaleSave is returned.
type ResultStore interface {
	UpsertChecklistResult(ctx context.Context, snap domain.ChecklistSnapshot, current func() bool) error
}

// Archiver keeps a durable copy of completed snapshots. Optional.
type Archiver interface {
	Archive(ctx context.Context, snap domain.ChecklistSnapshot) error
}

// Mode selects between a partial save and a gated completion.
type Mode int

const (
	// SaveProgress persists whatever is recorded so far; it never gates.
	SaveProgress Mode = iota
	// SaveComplete refuses unless every required item is complete.
	SaveComplete
)

func (m Mode) String() string {
	if m == SaveComplete {
		return "complete"
	}
	return "progress"
}

// Saver hands checklist snapshots to the results store.
//
// Saves for one job and template are serialised through Locks. A save whose
// template was replaced before it committed writes nothing and reports
// ErrStaleSave. A failed save leaves the source untouched, including its
// completion time, so it can simply be retried.
type Saver struct {
	Store   ResultStore
	Locks   savelock.Locker
	Archive Archiver
	Clock   elapsed.Clock
	Logger  zerolog.Logger
	OnSaved func(snap domain.ChecklistSnapshot, mode Mode)
}

// NewSaver creates a Saver with an in-process locker and the system clock.
func NewSaver(store ResultStore) *Saver {
	return &Saver{
		Store:  store,
		Locks:  savelock.NewLocalLocker(),
		Clock:  elapsed.SystemClock{},
		Logger: zerolog.Nop(),
	}
}

// Save snapshots src and persists it.
func (s *Saver) Save(ctx context.Context, src Source, mode Mode) (domain.ChecklistSnapshot, error) {
	gen := src.Generation()
	snap := src.Capture(s.Clock.Now())

	if snap.Progress.TotalItems == 0 {
		return snap, domain.ErrNoActiveTemplate
	}
	if mode == SaveComplete && !snap.Progress.CanProceed {
		return snap, domain.Detail(domain.ErrChecklistIncomplete, "%d of %d required items done",
			snap.Progress.CompletedRequiredItems, snap.Progress.RequiredItems)
	}

	unlock, err := s.Locks.TryLock(ctx, savelock.Key(snap.JobID, snap.TemplateID))
	if err != nil {
		return snap, err
	}
	defer unlock()

	current := func() bool { return src.Generation() == gen }
	if !current() {
		return snap, s.stale(snap)
	}
	if err := s.Store.UpsertChecklistResult(ctx, snap, current); err != nil {
		if errors.Is(err, domain.ErrStaleSave) {
			return snap, s.stale(snap)
		}
		return snap, fmt.Errorf("save checklist result: %w", err)
	}
	src.Commit(snap, gen)

	if s.Archive != nil && snap.CompletedAt != nil {
		if err := s.Archive.Archive(ctx, snap); err != nil {
			s.Logger.Warn().Err(err).Str("job_id", snap.JobID).Msg("archive checklist snapshot failed")
		}
	}
	if s.OnSaved != nil {
		s.OnSaved(snap, mode)
	}

	s.Logger.Debug().
		Str("job_id", snap.JobID).
		Str("template_id", snap.TemplateID).
		Int("completed", snap.Progress.CompletedItems).
		Int("total", snap.Progress.TotalItems).
		Bool("complete", mode == SaveComplete).
		Msg("checklist saved")
	return snap, nil
}

func (s *Saver) stale(snap domain.ChecklistSnapshot) error {
	s.Logger.Warn().
		Str("job_id", snap.JobID).
		Str("template_id", snap.TemplateID).
		Msg("checklist template replaced during save; discarding result")
	return domain.ErrStaleSave
}
