// Package lifecycle derives a fact's lifecycle state and the events and
// snapshot a reduction pass records for it. It performs no I/O; the engine
// feeds it stored facts and persists what it returns.
package lifecycle

import (
	"regexp"
	"time"

	"github.com/lazypower/factlog/internal/store"
)

// Source tags events written by the reducer.
const Source = "reducer"

// PromoteConfidence is the confidence at which an unowned fact counts as in progress.
const PromoteConfidence = 0.75

// Auto-close reasons.
const (
	ReasonStatusClosed = "status_closed"
	ReasonDoneMarker   = "done_marker"
)

var doneMarker = regexp.MustCompile(`(?i)\[(done|closed)\]`)

// DoneSignal reports whether the fact carries a [done] or [closed] marker in
// its topic or canonical text. It stands in for external tracker signals.
func DoneSignal(f store.Fact) bool {
	return doneMarker.MatchString(f.Topic + " " + f.CanonicalText)
}

// Derive computes the lifecycle state for f at now. Rules in order:
//
//  1. closed status (or an already closed state) stays closed
//  2. a done marker closes
//  3. open or stale with an owner or confidence >= 0.75 becomes in_progress
//  4. open or in_progress unseen for longer than staleAfter becomes stale
//
// Rule 4 applies to the result of rule 3, so a long-unseen owned fact stays
// stale instead of flapping. Nothing leaves closed.
func Derive(f store.Fact, now time.Time, staleAfter time.Duration) string {
	if f.Status == store.StatusClosed || f.LifecycleState == store.StateClosed {
		return store.StateClosed
	}
	if DoneSignal(f) {
		return store.StateClosed
	}

	state := f.LifecycleState
	if state == "" {
		state = store.StateOpen
	}
	if (state == store.StateOpen || state == store.StateStale) &&
		(f.OwnerID != "" || f.Confidence >= PromoteConfidence) {
		state = store.StateInProgress
	}
	if state == store.StateOpen || state == store.StateInProgress {
		if now.Sub(f.LastSeenAt) > staleAfter {
			state = store.StateStale
		}
	}
	return state
}

// Transition is the planned outcome of one reduction pass over a fact.
type Transition struct {
	State  string
	Status string
	After  Snapshot
	Events []store.EventInput
}

// Changed reports whether the lifecycle state moved relative to prev.
func (t Transition) Changed(prev *Snapshot) bool {
	return prev == nil || prev.LifecycleState != t.State
}

// Plan derives the new state of f, the snapshot it will have once the
// reduction is applied, and the events to record. prev is the newest stored
// snapshot, or nil on first materialization, which diffs against an empty
// snapshot.
func Plan(prev *Snapshot, f store.Fact, now time.Time, staleAfter time.Duration) Transition {
	state := Derive(f, now, staleAfter)
	status := store.StatusOpen
	if state == store.StateClosed {
		status = store.StatusClosed
	}

	applied := f
	applied.LifecycleState = state
	applied.Status = status
	if applied.FirstOpenedAt == nil {
		applied.FirstOpenedAt = &now
	}
	applied.LastTransitionAt = &now
	if state == store.StateClosed && applied.AutoClosedAt == nil {
		applied.AutoClosedAt = &now
	}
	after := SnapshotOf(applied)

	var events []store.EventInput
	emit := func(typ string, payload map[string]any) {
		events = append(events, store.EventInput{
			Type: typ, Payload: payload, Source: Source, OccurredAt: now,
		})
	}

	// A missing prior snapshot diffs as empty, so set fields report a null before.
	var base Snapshot
	var baseText any
	if prev != nil {
		base = *prev
		baseText = prev.CanonicalText
	}

	if prev == nil {
		emit(store.EventSighted, map[string]any{"first_seen_at": after.FirstSeenAt})
	} else if prev.LastSeenAt != after.LastSeenAt {
		emit(store.EventSighted, change(prev.LastSeenAt, after.LastSeenAt))
	}
	if !sameString(base.OwnerID, after.OwnerID) {
		emit(store.EventOwnerChanged, change(base.OwnerID, after.OwnerID))
	}
	if !sameString(base.DueAt, after.DueAt) {
		emit(store.EventDueChanged, change(base.DueAt, after.DueAt))
	}
	if prev == nil || prev.CanonicalText != after.CanonicalText {
		emit(store.EventTextChanged, change(baseText, after.CanonicalText))
	}

	if state == store.StateClosed && f.LifecycleState != store.StateClosed {
		reason := ReasonDoneMarker
		if f.Status == store.StatusClosed {
			reason = ReasonStatusClosed
		}
		emit(store.EventAutoClosed, map[string]any{"reason": reason})
	}

	t := Transition{State: state, Status: status, After: after}
	if t.Changed(prev) {
		var before any
		if prev != nil {
			before = prev.LifecycleState
		}
		emit(store.EventStateChanged, change(before, state))
	}
	t.Events = events
	return t
}

func change(before, after any) map[string]any {
	return map[string]any{"before": before, "after": after}
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
