package checklist

import (
	"sync"
	"time"

	"github.com/repairtrack/engine/internal/domain"
)

// Session guards one job's Engine for hosts that serve requests concurrently.
// All access to the engine goes through Do, so a mutation and the progress it
// produces are never interleaved with another request for the same job.
type Session struct {
	mu     sync.Mutex
	engine *Engine
}

// NewSession wraps a fresh Engine for jobID.
func NewSession(jobID string) *Session {
	return &Session{engine: New(jobID)}
}

// Do runs fn with exclusive access to the engine.
func (s *Session) Do(fn func(e *Engine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.engine)
}

// Capture implements Source.
func (s *Session) Capture(now time.Time) domain.ChecklistSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Capture(now)
}

// Commit implements Source.
func (s *Session) Commit(snap domain.ChecklistSnapshot, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Commit(snap, gen)
}

// ActiveTemplate reports the template currently loaded, if any.
func (s *Session) ActiveTemplate() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.TemplateID(), s.engine.Loaded()
}

// Generation implements Source.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Generation()
}

// Registry holds one Session per job. Jobs never share state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for jobID, creating it on first use.
func (r *Registry) Get(jobID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[jobID]
	if !ok {
		s = NewSession(jobID)
		r.sessions[jobID] = s
	}
	return s
}

// Lookup returns the session for jobID if one exists.
func (r *Registry) Lookup(jobID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[jobID]
	return s, ok
}

// Drop discards the session for jobID, e.g. when its view is dismissed.
func (r *Registry) Drop(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, jobID)
}
