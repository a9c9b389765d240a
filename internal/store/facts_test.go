package store

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/factlog/internal/canon"
)

func TestUpsertFactCreates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	text, hash := canon.Canonical(canon.Item{Type: "action", Topic: "Billing", Description: "Migrate invoices"})
	f, created, err := db.UpsertFact(ctx, FactInput{
		ScopeID:       "pulse-1",
		Type:          "action",
		CanonicalText: text,
		CanonicalHash: hash,
		Topic:         "Billing",
		Description:   "Migrate invoices",
		Confidence:    0.6,
		Spans:         []canon.Span{{SourceID: "c1", Start: 1, End: 2}},
	}, t0)
	if err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}
	if !created {
		t.Error("expected created = true")
	}
	if f.ID == "" {
		t.Fatal("expected fact id")
	}

	got, err := db.GetFact(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if got == nil {
		t.Fatal("expected fact, got nil")
	}
	if got.LifecycleState != StateOpen || got.Status != StatusOpen {
		t.Errorf("state = %s/%s, want open/open", got.Status, got.LifecycleState)
	}
	if !got.FirstSeenAt.Equal(t0) || !got.LastSeenAt.Equal(t0) {
		t.Errorf("seen = %v..%v, want %v", got.FirstSeenAt, got.LastSeenAt, t0)
	}
	if len(got.SourceSpans) != 1 || got.SourceSpans[0].SourceID != "c1" {
		t.Errorf("spans = %+v", got.SourceSpans)
	}
	if got.FirstOpenedAt != nil || got.AutoClosedAt != nil {
		t.Error("lifecycle timestamps must be unset before the first reduction")
	}
}

func TestUpsertFactMerges(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := testFact(t, db, "action", "Billing", "Migrate invoices", 0.6, t0)

	text, hash := canon.Canonical(canon.Item{Type: "ACTION", Topic: "billing", Description: "migrate   invoices"})
	later := t0.Add(2 * time.Hour)
	due := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	merged, created, err := db.UpsertFact(ctx, FactInput{
		ScopeID:       "pulse-2",
		SourceRef:     "meeting-2",
		Type:          "action",
		CanonicalText: text,
		CanonicalHash: hash,
		Topic:         "billing",
		OwnerID:       "u-1",
		DueAt:         &due,
		Confidence:    0.8,
	}, later)
	if err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}
	if created {
		t.Error("expected merge, got create")
	}
	if merged.ID != first.ID {
		t.Fatalf("id = %s, want %s", merged.ID, first.ID)
	}

	got, _ := db.GetFact(ctx, first.ID)
	if got.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", got.Confidence)
	}
	if got.Topic != "Billing" {
		t.Errorf("topic = %q, want first-write %q", got.Topic, "Billing")
	}
	if got.OwnerID != "u-1" {
		t.Errorf("owner = %q, want u-1 filled in", got.OwnerID)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Errorf("due = %v, want %v", got.DueAt, due)
	}
	if got.ScopeID != "pulse-2" || got.SourceRef != "meeting-2" {
		t.Errorf("scope/source = %s/%s, want latest write", got.ScopeID, got.SourceRef)
	}
	if !got.LastSeenAt.Equal(later) || !got.FirstSeenAt.Equal(t0) {
		t.Errorf("seen = %v..%v", got.FirstSeenAt, got.LastSeenAt)
	}
}

func TestUpsertFactConfidenceNeverDecreases(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := testFact(t, db, "risk", "Churn", "Q3 spike", 0.9, t0)
	testFact(t, db, "risk", "Churn", "Q3 spike", 0.55, t0.Add(time.Minute))

	got, _ := db.GetFact(ctx, f.ID)
	if got.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", got.Confidence)
	}
}

func TestMergeFactKeepsExistingOwner(t *testing.T) {
	existing := Fact{OwnerID: "u-1", Topic: "A", Confidence: 0.7, ScopeID: "p1"}
	m := MergeFact(existing, FactInput{OwnerID: "u-2", Topic: "B", Confidence: 0.6}, t0)
	if m.OwnerID != "u-1" || m.Topic != "A" {
		t.Errorf("merge overwrote first-write fields: %+v", m)
	}
	if m.ScopeID != "p1" {
		t.Errorf("empty incoming scope must not clear scope, got %q", m.ScopeID)
	}
	if m.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", m.Confidence)
	}
}

func TestGetFactNotFound(t *testing.T) {
	db := testDB(t)
	f, err := db.GetFact(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if f != nil {
		t.Error("expected nil for missing fact")
	}
	f, err = db.GetFactByHash(context.Background(), "missing")
	if err != nil || f != nil {
		t.Errorf("GetFactByHash = %v, %v; want nil, nil", f, err)
	}
}

func TestListFacts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	testFact(t, db, "action", "A", "one", 0.7, t0)
	testFact(t, db, "risk", "B", "two", 0.7, t0.Add(time.Minute))
	testFact(t, db, "action", "C", "three", 0.7, t0.Add(2*time.Minute))

	all, err := db.ListFacts(ctx, FactFilter{})
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Topic != "C" {
		t.Errorf("first = %q, want most recently seen C", all[0].Topic)
	}

	actions, _ := db.ListFacts(ctx, FactFilter{Type: "action", Limit: 1})
	if len(actions) != 1 || actions[0].Topic != "C" {
		t.Errorf("filtered = %+v", actions)
	}
}

func TestListReductionCandidates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := testFact(t, db, "action", "Old", "x", 0.7, t0)
	recent := testFact(t, db, "action", "New", "y", 0.7, t0.Add(48*time.Hour))

	got, err := db.ListReductionCandidates(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListReductionCandidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != recent.ID {
		t.Fatalf("candidates = %d, want only the recent fact", len(got))
	}

	got, _ = db.ListReductionCandidates(ctx, t0)
	if len(got) != 2 || got[0].ID != old.ID {
		t.Errorf("expected both facts ordered by updated_at, got %d", len(got))
	}
}

func TestEmbeddingFirstWriteWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	text, hash := canon.Canonical(canon.Item{Type: "decision", Topic: "Pricing", Description: "Raise tier"})
	in := FactInput{
		ScopeID: "p", Type: "decision", CanonicalText: text, CanonicalHash: hash,
		Embedding: []float64{0.1, 0.2, 0.3}, EmbeddingModel: "m1",
	}
	f, _, err := db.UpsertFact(ctx, in, t0)
	if err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}

	in.Embedding = []float64{9, 9}
	in.EmbeddingModel = "m2"
	if _, _, err := db.UpsertFact(ctx, in, t0.Add(time.Hour)); err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}

	v, err := db.GetVector(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if v == nil {
		t.Fatal("expected vector")
	}
	if v.Model != "m1" || v.Dimensions != 3 {
		t.Errorf("vector = %s/%d, want first write m1/3", v.Model, v.Dimensions)
	}
}

func TestLinkRecipients(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	f := testFact(t, db, "action", "Billing", "x", 0.7, t0)

	n, failed, err := db.LinkRecipients(ctx, f.ID, "u-1", []string{"u-1", "u-2", "u-3"}, 0.7, t0)
	if err != nil {
		t.Fatalf("LinkRecipients: %v", err)
	}
	if n != 3 || len(failed) != 0 {
		t.Errorf("inserted = %d, failed = %v", n, failed)
	}

	links, _ := db.ListLinks(ctx, f.ID)
	rel := map[string]string{}
	for _, l := range links {
		rel[l.ToID] = l.Relation
	}
	if rel["u-1"] != RelAssignedTo || rel["u-2"] != RelAffects || rel["u-3"] != RelAffects {
		t.Errorf("relations = %v", rel)
	}

	// Replays are absorbed by the primary key.
	if _, failed, err := db.LinkRecipients(ctx, f.ID, "u-1", []string{"u-2"}, 0.7, t0); err != nil || len(failed) != 0 {
		t.Errorf("replay: failed=%v err=%v", failed, err)
	}
	links, _ = db.ListLinks(ctx, f.ID)
	if len(links) != 3 {
		t.Errorf("links = %d, want 3", len(links))
	}
}

func TestLinkRecipientsIsolatesFailures(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Unknown fact: every link violates the foreign key and is rolled back.
	n, failed, err := db.LinkRecipients(ctx, "no-such-fact", "u-1", []string{"u-2"}, 0.5, t0)
	if err != nil {
		t.Fatalf("LinkRecipients: %v", err)
	}
	if n != 0 || len(failed) != 2 {
		t.Errorf("inserted = %d, failed = %d; want 0, 2", n, len(failed))
	}
}
