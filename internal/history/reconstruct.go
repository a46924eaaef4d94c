// Package history assembles a job's status timeline.
//
// The structured transition log is the primary source for status changes.
// Free-text annotations are always kept; those describing a status change
// are parsed best-effort, which covers jobs whose early history predates the
// transition log.
package history

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/workflow"
)

// legacyPattern matches "Status changed to: X" and captures the remainder of
// the line, which may carry a "from Y" clause.
var legacyPattern = regexp.MustCompile(`(?i)status\s+changed\s+to\b\s*:?\s*([^\n]*)`)

var fromClause = regexp.MustCompile(`(?i)\s+from\s*:?\s*`)

// Parsed is the transition fact recovered from one annotation.
type Parsed struct {
	To   domain.WorkflowState
	From domain.WorkflowState
}

// Reconstructor turns transition logs and annotation logs into timelines.
type Reconstructor struct {
	Catalog *workflow.Catalog
	Logger  zerolog.Logger
}

// NewReconstructor creates a Reconstructor over the given catalog.
func NewReconstructor(c *workflow.Catalog) *Reconstructor {
	return &Reconstructor{Catalog: c, Logger: zerolog.Nop()}
}

// ParseAnnotation extracts a destination and optional source state from text.
// It returns ErrReconstructionAmbiguity when no transition can be recovered.
func (r *Reconstructor) ParseAnnotation(text string) (Parsed, error) {
	m := legacyPattern.FindStringSubmatch(text)
	if m == nil {
		return Parsed{}, domain.ErrReconstructionAmbiguity
	}

	rest := m[1]
	if i := strings.IndexAny(rest, ".;,("); i >= 0 {
		rest = rest[:i]
	}

	toRaw, fromRaw := rest, ""
	if loc := fromClause.FindStringIndex(rest); loc != nil {
		toRaw, fromRaw = rest[:loc[0]], rest[loc[1]:]
	}

	to, ok := r.parseLoose(toRaw)
	if !ok {
		return Parsed{}, domain.Detail(domain.ErrReconstructionAmbiguity, "unrecognised state %q", strings.TrimSpace(toRaw))
	}
	p := Parsed{To: to}
	if from, ok := r.parseLoose(fromRaw); ok {
		p.From = from
	}
	return p, nil
}

// parseLoose accepts the whole phrase or, failing that, its first word.
func (r *Reconstructor) parseLoose(raw string) (domain.WorkflowState, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if s, err := r.Catalog.ParseState(raw); err == nil {
		return s, true
	}
	if fields := strings.Fields(raw); len(fields) > 1 {
		if s, err := r.Catalog.ParseState(fields[0]); err == nil {
			return s, true
		}
	}
	return "", false
}

// Reconstruct projects an annotation log, supplied newest-first, onto history
// entries. The output has the same length and order as the input: annotations
// that do not describe a transition become StateUnknown entries.
func (r *Reconstructor) Reconstruct(annotations []domain.Annotation) []domain.HistoryEntry {
	entries := make([]domain.HistoryEntry, 0, len(annotations))
	ambiguous := 0
	for _, a := range annotations {
		e := domain.HistoryEntry{
			ID:         a.ID,
			State:      domain.StateUnknown,
			Note:       a.Text,
			ActorID:    a.ActorID,
			ActorName:  a.ActorName,
			OccurredAt: a.OccurredAt,
			Source:     domain.SourceLegacyAnnotation,
		}
		if p, err := r.ParseAnnotation(a.Text); err == nil {
			e.State = p.To
			e.PreviousState = p.From
		} else {
			ambiguous++
		}
		entries = append(entries, e)
	}
	annotateDurations(entries)

	if ambiguous > 0 {
		r.Logger.Debug().
			Int("annotations", len(annotations)).
			Int("ambiguous", ambiguous).
			Msg("annotations without a recognisable transition kept as unknown")
	}
	return entries
}

// FromTransitions builds history from the structured transition log, supplied
// oldest-first as stored. The result is newest-first.
func FromTransitions(transitions []domain.Transition) []domain.HistoryEntry {
	entries := make([]domain.HistoryEntry, len(transitions))
	for i, t := range transitions {
		entries[len(transitions)-1-i] = domain.HistoryEntry{
			ID:            t.ID,
			State:         t.ToState,
			PreviousState: t.FromState,
			Note:          t.Note,
			ActorID:       t.ActorID,
			ActorName:     t.ActorName,
			OccurredAt:    t.OccurredAt,
			Source:        domain.SourceTransitionLog,
		}
	}
	annotateDurations(entries)
	return entries
}

// Merge combines the transition log with the annotation log. Annotations that
// mirror a logged transition (same destination at the same instant) are
// dropped; every other annotation is kept as a legacy entry. Output is
// newest-first; on equal timestamps logged transitions come first.
func (r *Reconstructor) Merge(transitions []domain.Transition, annotations []domain.Annotation) []domain.HistoryEntry {
	logged := FromTransitions(transitions)
	if len(transitions) == 0 {
		return r.Reconstruct(annotations)
	}

	type mirrorKey struct {
		at int64
		to domain.WorkflowState
	}
	mirrored := make(map[mirrorKey]domain.WorkflowState, len(transitions))
	for _, t := range transitions {
		mirrored[mirrorKey{t.OccurredAt.UnixNano(), t.ToState}] = t.FromState
	}

	var legacy []domain.Annotation
	for _, a := range annotations {
		if p, err := r.ParseAnnotation(a.Text); err == nil {
			k := mirrorKey{a.OccurredAt.UnixNano(), p.To}
			if from, ok := mirrored[k]; ok && (p.From == "" || p.From == from) {
				delete(mirrored, k)
				continue
			}
		}
		legacy = append(legacy, a)
	}
	if len(legacy) == 0 {
		return logged
	}

	merged := mergeNewestFirst(logged, r.Reconstruct(legacy))
	annotateDurations(merged)
	return merged
}

// mergeNewestFirst interleaves two newest-first slices, preferring a on ties.
func mergeNewestFirst(a, b []domain.HistoryEntry) []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].OccurredAt.After(a[i].OccurredAt) {
			out = append(out, b[j])
			j++
			continue
		}
		out = append(out, a[i])
		i++
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// annotateDurations fills DurationSinceEntry on newest-first entries: each entry
// gets the time until the next newer one; the newest entry has none. Pairs
// whose timestamps run backwards are left empty rather than failing.
func annotateDurations(entries []domain.HistoryEntry) {
	for i := range entries {
		entries[i].DurationSinceEntry = nil
		if i == 0 {
			continue
		}
		d, err := elapsed.Elapsed(entries[i].OccurredAt, entries[i-1].OccurredAt)
		if err != nil {
			continue
		}
		entries[i].DurationSinceEntry = &d
	}
}

// Ambiguous counts entries whose state could not be recovered.
func Ambiguous(entries []domain.HistoryEntry) int {
	n := 0
	for _, e := range entries {
		if e.State == domain.StateUnknown {
			n++
		}
	}
	return n
}

// Filter selects history entries for display.
type Filter struct {
	State domain.WorkflowState
	Query string
}

// Apply returns the entries matching f without modifying the input.
// Query is a case-insensitive substring over note, actor name and actor id.
func (f Filter) Apply(entries []domain.HistoryEntry) []domain.HistoryEntry {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]domain.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if f.State != "" && e.State != f.State {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(e.Note), q) &&
			!strings.Contains(strings.ToLower(e.ActorName), q) &&
			!strings.Contains(strings.ToLower(e.ActorID), q) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// TimeInState returns how long the job has been in its newest history state.
// Entries whose state could not be recovered are skipped.
func TimeInState(entries []domain.HistoryEntry, now time.Time) (time.Duration, bool) {
	for _, e := range entries {
		if e.State == domain.StateUnknown {
			continue
		}
		d, err := elapsed.Elapsed(e.OccurredAt, now)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	return 0, false
}
