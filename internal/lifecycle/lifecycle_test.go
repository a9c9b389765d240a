package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/factlog/internal/store"
)

const week = 7 * 24 * time.Hour

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func fact(mod func(*store.Fact)) store.Fact {
	f := store.Fact{
		ID:             "f-1",
		ScopeID:        "pulse-1",
		Type:           "action",
		CanonicalText:  "[action] Billing — Migrate invoices",
		Topic:          "Billing",
		Status:         store.StatusOpen,
		LifecycleState: store.StateOpen,
		Confidence:     0.6,
		FirstSeenAt:    now.Add(-time.Hour),
		LastSeenAt:     now.Add(-time.Hour),
	}
	if mod != nil {
		mod(&f)
	}
	return f
}

func eventTypes(t Transition) []string {
	var out []string
	for _, e := range t.Events {
		out = append(out, e.Type)
	}
	return out
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*store.Fact)
		want string
	}{
		{"open stays open", nil, store.StateOpen},
		{"status closed wins", func(f *store.Fact) {
			f.Status = store.StatusClosed
			f.OwnerID = "u-1"
		}, store.StateClosed},
		{"done marker in topic", func(f *store.Fact) { f.Topic = "Billing [DONE]" }, store.StateClosed},
		{"closed marker in text", func(f *store.Fact) { f.CanonicalText += " [closed]" }, store.StateClosed},
		{"owner promotes", func(f *store.Fact) { f.OwnerID = "u-1" }, store.StateInProgress},
		{"confidence promotes at threshold", func(f *store.Fact) { f.Confidence = 0.75 }, store.StateInProgress},
		{"confidence below threshold", func(f *store.Fact) { f.Confidence = 0.7499 }, store.StateOpen},
		{"stale promotes back", func(f *store.Fact) {
			f.LifecycleState = store.StateStale
			f.OwnerID = "u-1"
		}, store.StateInProgress},
		{"unseen open goes stale", func(f *store.Fact) { f.LastSeenAt = now.Add(-week - time.Second) }, store.StateStale},
		{"exactly at window is not stale", func(f *store.Fact) { f.LastSeenAt = now.Add(-week) }, store.StateOpen},
		{"unseen owned fact stays stale", func(f *store.Fact) {
			f.LifecycleState = store.StateStale
			f.OwnerID = "u-1"
			f.LastSeenAt = now.Add(-30 * 24 * time.Hour)
		}, store.StateStale},
		{"unseen in_progress goes stale", func(f *store.Fact) {
			f.LifecycleState = store.StateInProgress
			f.LastSeenAt = now.Add(-2 * week)
		}, store.StateStale},
		{"closed never reopens", func(f *store.Fact) {
			f.LifecycleState = store.StateClosed
			f.OwnerID = "u-1"
		}, store.StateClosed},
		{"empty state treated as open", func(f *store.Fact) { f.LifecycleState = "" }, store.StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(fact(tt.mod), now, week))
		})
	}
}

func TestPlanFirstMaterialization(t *testing.T) {
	tr := Plan(nil, fact(nil), now, week)

	assert.Equal(t, store.StateOpen, tr.State)
	assert.Equal(t, store.StatusOpen, tr.Status)
	assert.Equal(t, []string{store.EventSighted, store.EventTextChanged, store.EventStateChanged}, eventTypes(tr))

	sighted := tr.Events[0].Payload.(map[string]any)
	assert.Equal(t, tr.After.FirstSeenAt, sighted["first_seen_at"])
	text := tr.Events[1].Payload.(map[string]any)
	assert.Nil(t, text["before"])
	assert.Equal(t, tr.After.CanonicalText, text["after"])
	state := tr.Events[2].Payload.(map[string]any)
	assert.Nil(t, state["before"])
	assert.Equal(t, store.StateOpen, state["after"])

	require.NotNil(t, tr.After.FirstOpenedAt)
	require.NotNil(t, tr.After.LastTransitionAt)
	assert.Nil(t, tr.After.AutoClosedAt)
	for _, e := range tr.Events {
		assert.Equal(t, Source, e.Source)
		assert.True(t, e.OccurredAt.Equal(now))
	}
}

func TestPlanFirstMaterializationReportsSetFields(t *testing.T) {
	due := now.Add(48 * time.Hour)
	f := fact(func(f *store.Fact) {
		f.OwnerID = "u-1"
		f.DueAt = &due
	})
	tr := Plan(nil, f, now, week)

	assert.Equal(t, []string{
		store.EventSighted, store.EventOwnerChanged, store.EventDueChanged,
		store.EventTextChanged, store.EventStateChanged,
	}, eventTypes(tr))
	owner := tr.Events[1].Payload.(map[string]any)
	assert.Nil(t, owner["before"])
	assert.Equal(t, "u-1", *owner["after"].(*string))
	dueEv := tr.Events[2].Payload.(map[string]any)
	assert.Nil(t, dueEv["before"])
	assert.Equal(t, "2025-03-12T12:00:00Z", *dueEv["after"].(*string))
}

func TestPlanNoChangesStillPlansVersionWithoutDeltas(t *testing.T) {
	f := fact(nil)
	prev := Plan(nil, f, now.Add(-time.Hour), week).After

	tr := Plan(&prev, f, now, week)
	assert.Empty(t, tr.Events, "no field moved, no sighting: no events")
	assert.False(t, tr.Changed(&prev))
}

func TestPlanSightedOnAdvance(t *testing.T) {
	f := fact(nil)
	prev := Plan(nil, f, now.Add(-time.Hour), week).After

	f.LastSeenAt = now
	tr := Plan(&prev, f, now, week)
	assert.Equal(t, []string{store.EventSighted}, eventTypes(tr))
	payload := tr.Events[0].Payload.(map[string]any)
	assert.Equal(t, prev.LastSeenAt, payload["before"])
}

func TestPlanFieldDeltas(t *testing.T) {
	f := fact(nil)
	prev := Plan(nil, f, now.Add(-time.Hour), week).After

	due := now.Add(72 * time.Hour)
	f.DueAt = &due
	f.CanonicalText = "[action] Billing — Migrate all invoices"
	tr := Plan(&prev, f, now, week)

	assert.Equal(t, []string{store.EventDueChanged, store.EventTextChanged}, eventTypes(tr))
	text := tr.Events[1].Payload.(map[string]any)
	assert.Equal(t, prev.CanonicalText, text["before"])
	assert.Equal(t, f.CanonicalText, text["after"])
}

func TestPlanAutoClose(t *testing.T) {
	f := fact(func(f *store.Fact) { f.Topic = "Billing [done]" })
	prev := Plan(nil, fact(nil), now.Add(-time.Hour), week).After

	tr := Plan(&prev, f, now, week)
	assert.Equal(t, store.StateClosed, tr.State)
	assert.Equal(t, store.StatusClosed, tr.Status)
	assert.Equal(t, []string{store.EventAutoClosed, store.EventStateChanged}, eventTypes(tr))
	assert.Equal(t, map[string]any{"reason": ReasonDoneMarker}, tr.Events[0].Payload)
	require.NotNil(t, tr.After.AutoClosedAt)

	// The next pass over the closed row stays closed and does not re-announce.
	closedAt := now
	f.LifecycleState = store.StateClosed
	f.Status = store.StatusClosed
	f.AutoClosedAt = &closedAt
	again := Plan(&tr.After, f, now.Add(time.Hour), week)
	assert.Equal(t, store.StateClosed, again.State)
	assert.Empty(t, eventTypes(again))
	assert.Equal(t, tr.After.AutoClosedAt, again.After.AutoClosedAt)
}

func TestPlanStatusClosedReason(t *testing.T) {
	f := fact(func(f *store.Fact) { f.Status = store.StatusClosed })
	tr := Plan(nil, f, now, week)
	assert.Contains(t, tr.Events, store.EventInput{
		Type: store.EventAutoClosed, Payload: map[string]any{"reason": ReasonStatusClosed},
		Source: Source, OccurredAt: now,
	})
}

func TestPlanOwnerAssignedScenario(t *testing.T) {
	// First pass: unowned, confidence 0.6, stays open.
	f := fact(nil)
	first := Plan(nil, f, now.Add(-time.Hour), week)
	require.Equal(t, store.StateOpen, first.State)

	// Re-sighted with an owner and confidence 0.8.
	f.LastSeenAt = now
	f.OwnerID = "u-1"
	f.Confidence = 0.8
	f.LifecycleState = first.State
	second := Plan(&first.After, f, now, week)

	assert.Equal(t, store.StateInProgress, second.State)
	assert.Equal(t, []string{store.EventSighted, store.EventOwnerChanged, store.EventStateChanged}, eventTypes(second))
	owner := second.Events[1].Payload.(map[string]any)
	assert.Nil(t, owner["before"])
	assert.Equal(t, "u-1", *owner["after"].(*string))
}

func TestSnapshotRoundTrip(t *testing.T) {
	due := now.Add(time.Hour)
	f := fact(func(f *store.Fact) {
		f.DueAt = &due
		f.OwnerID = "u-1"
	})
	snap := SnapshotOf(f)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, *got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "source_ref")
	assert.Nil(t, raw["source_ref"])
	assert.Equal(t, "2025-03-10T13:00:00Z", raw["due_at"])
}
