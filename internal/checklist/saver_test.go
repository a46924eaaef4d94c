package checklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/savelock"
)

type memStore struct {
	mu      sync.Mutex
	saved   []domain.ChecklistSnapshot
	err     error
	onWrite func()
}

func (m *memStore) UpsertChecklistResult(_ context.Context, snap domain.ChecklistSnapshot, current func() bool) error {
	if m.onWrite != nil {
		m.onWrite()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if current != nil && !current() {
		return domain.ErrStaleSave
	}
	m.saved = append(m.saved, snap)
	return nil
}

type memArchive struct {
	archived []domain.ChecklistSnapshot
}

func (m *memArchive) Archive(_ context.Context, snap domain.ChecklistSnapshot) error {
	m.archived = append(m.archived, snap)
	return nil
}

// reloadingLocker replaces the template once the save lock is taken.
type reloadingLocker struct {
	savelock.Locker
	reload func()
}

func (l *reloadingLocker) TryLock(ctx context.Context, key string) (func(), error) {
	unlock, err := l.Locker.TryLock(ctx, key)
	if err == nil {
		l.reload()
	}
	return unlock, err
}

func newTestSaver(store ResultStore) *Saver {
	s := NewSaver(store)
	s.Clock = elapsed.FixedClock{T: t0}
	return s
}

func TestSave_Progress(t *testing.T) {
	store := &memStore{}
	s := newTestSaver(store)
	sess := NewSession("job-1")
	sess.Do(func(e *Engine) error { return e.Load(screenTemplate()) })
	sess.Do(func(e *Engine) error { return e.SetOutcome("item1", domain.OutcomePassed, "") })

	snap, err := s.Save(context.Background(), sess, SaveProgress)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d snapshots, want 1", len(store.saved))
	}
	if snap.TemplateID != "tpl-screen" || snap.Progress.CompletedItems != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.TakenAt.Equal(t0) {
		t.Errorf("TakenAt = %v, want %v", snap.TakenAt, t0)
	}
}

func TestSave_NoTemplate(t *testing.T) {
	store := &memStore{}
	s := newTestSaver(store)

	_, err := s.Save(context.Background(), New("job-1"), SaveProgress)
	if !errors.Is(err, domain.ErrNoActiveTemplate) {
		t.Fatalf("expected ErrNoActiveTemplate, got %v", err)
	}
	if len(store.saved) != 0 {
		t.Error("nothing should be written")
	}
}

func TestSave_CompleteRequiresRequiredItems(t *testing.T) {
	store := &memStore{}
	s := newTestSaver(store)
	e := loaded(t)
	e.SetOutcome("item1", domain.OutcomePassed, "")

	_, err := s.Save(context.Background(), e, SaveComplete)
	if !errors.Is(err, domain.ErrChecklistIncomplete) {
		t.Fatalf("expected ErrChecklistIncomplete, got %v", err)
	}
	if len(store.saved) != 0 {
		t.Error("incomplete checklist must not be written")
	}

	// Partial saves are never gated.
	if _, err := s.Save(context.Background(), e, SaveProgress); err != nil {
		t.Fatalf("progress save: %v", err)
	}

	e.SetOutcome("item2", domain.OutcomeSkipped, "no tool")
	if _, err := s.Save(context.Background(), e, SaveComplete); err != nil {
		t.Fatalf("complete save: %v", err)
	}
	if len(store.saved) != 2 {
		t.Errorf("saved %d snapshots, want 2", len(store.saved))
	}
}

func TestSave_StoreFailureKeepsOutcomes(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	s := newTestSaver(store)
	e := loaded(t)
	e.SetOutcome("item1", domain.OutcomePassed, "")

	if _, err := s.Save(context.Background(), e, SaveProgress); err == nil {
		t.Fatal("expected error")
	}
	if e.Progress().CompletedItems != 1 {
		t.Error("failed save must not change recorded outcomes")
	}

	store.err = nil
	if _, err := s.Save(context.Background(), e, SaveProgress); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSave_FailedSaveLeavesCompletionUnset(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	s := newTestSaver(store)
	e := loaded(t)
	for _, id := range []string{"item1", "item2", "item3"} {
		e.SetOutcome(id, domain.OutcomePassed, "")
	}

	if _, err := s.Save(context.Background(), e, SaveComplete); err == nil {
		t.Fatal("expected error")
	}
	if snap := e.Capture(t0.Add(time.Hour)); snap.CompletedAt == nil || !snap.CompletedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("failed save fixed CompletedAt: %v", snap.CompletedAt)
	}

	store.err = nil
	s.Clock = elapsed.FixedClock{T: t0.Add(2 * time.Hour)}
	saved, err := s.Save(context.Background(), e, SaveComplete)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if saved.CompletedAt == nil || !saved.CompletedAt.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("CompletedAt = %v, want retry time", saved.CompletedAt)
	}
	if snap := e.Capture(t0.Add(3 * time.Hour)); snap.CompletedAt == nil || !snap.CompletedAt.Equal(*saved.CompletedAt) {
		t.Errorf("CompletedAt not kept after successful save: %v", snap.CompletedAt)
	}
}

func TestSave_StaleBeforeWriteSkipsStore(t *testing.T) {
	sess := NewSession("job-1")
	sess.Do(func(e *Engine) error { return e.Load(screenTemplate()) })

	store := &memStore{}
	s := newTestSaver(store)
	s.Locks = &reloadingLocker{Locker: s.Locks, reload: func() {
		sess.Do(func(e *Engine) error {
			return e.LoadTemplate([]domain.ChecklistItem{{ID: "other", Required: true}})
		})
	}}

	if _, err := s.Save(context.Background(), sess, SaveProgress); !errors.Is(err, domain.ErrStaleSave) {
		t.Fatalf("expected ErrStaleSave, got %v", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("stale save reached the store: %d snapshots", len(store.saved))
	}
}

func TestSave_StaleWhenTemplateReplaced(t *testing.T) {
	sess := NewSession("job-1")
	sess.Do(func(e *Engine) error { return e.Load(screenTemplate()) })

	store := &memStore{}
	store.onWrite = func() {
		sess.Do(func(e *Engine) error {
			return e.LoadTemplate([]domain.ChecklistItem{{ID: "other", Required: true}})
		})
	}
	s := newTestSaver(store)

	var called bool
	s.OnSaved = func(domain.ChecklistSnapshot, Mode) { called = true }

	snap, err := s.Save(context.Background(), sess, SaveProgress)
	if !errors.Is(err, domain.ErrStaleSave) {
		t.Fatalf("expected ErrStaleSave, got %v", err)
	}
	if snap.TemplateID != "tpl-screen" {
		t.Errorf("snapshot template = %q, want tpl-screen", snap.TemplateID)
	}
	if called {
		t.Error("OnSaved must not fire for a stale save")
	}
	if len(store.saved) != 0 {
		t.Errorf("stale save persisted %d snapshots, want 0", len(store.saved))
	}
	var current []domain.ChecklistItem
	sess.Do(func(e *Engine) error { current = e.Items(); return nil })
	if len(current) != 1 || current[0].ID != "other" {
		t.Errorf("new template was overwritten: %+v", current)
	}
}

func TestSave_InFlight(t *testing.T) {
	e := loaded(t)
	store := &memStore{}
	s := newTestSaver(store)

	unlock, err := s.Locks.TryLock(context.Background(), "checklist-save:job-1:tpl-screen")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer unlock()

	if _, err := s.Save(context.Background(), e, SaveProgress); !errors.Is(err, domain.ErrSaveInFlight) {
		t.Fatalf("expected ErrSaveInFlight, got %v", err)
	}
}

func TestSave_ArchivesCompletedSnapshots(t *testing.T) {
	e := loaded(t)
	arch := &memArchive{}
	s := newTestSaver(&memStore{})
	s.Archive = arch

	e.SetOutcome("item1", domain.OutcomePassed, "")
	s.Save(context.Background(), e, SaveProgress)
	if len(arch.archived) != 0 {
		t.Fatal("incomplete snapshot should not be archived")
	}

	e.SetOutcome("item2", domain.OutcomePassed, "")
	e.SetOutcome("item3", domain.OutcomePassed, "")
	if _, err := s.Save(context.Background(), e, SaveComplete); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(arch.archived) != 1 {
		t.Fatalf("archived %d, want 1", len(arch.archived))
	}
	if arch.archived[0].CompletedAt == nil || !arch.archived[0].CompletedAt.Equal(t0) {
		t.Errorf("CompletedAt = %v, want %v", arch.archived[0].CompletedAt, t0)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := r.Get("job-1")
	if r.Get("job-1") != a {
		t.Error("Get should return the same session")
	}
	if r.Get("job-2") == a {
		t.Error("jobs must not share sessions")
	}
	r.Drop("job-1")
	if _, ok := r.Lookup("job-1"); ok {
		t.Error("session should be gone after Drop")
	}
}
