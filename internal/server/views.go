package server

import (
	"encoding/json"
	"time"

	"github.com/lazypower/factlog/internal/canon"
	"github.com/lazypower/factlog/internal/store"
)

// JSON shapes of store rows as the API returns them.

type factView struct {
	ID                 string       `json:"id"`
	ScopeID            string       `json:"scope_id,omitempty"`
	SourceRef          string       `json:"source_ref,omitempty"`
	Type               string       `json:"type"`
	CanonicalText      string       `json:"canonical_text"`
	CanonicalHash      string       `json:"canonical_hash"`
	Topic              string       `json:"topic,omitempty"`
	Description        string       `json:"description,omitempty"`
	Status             string       `json:"status"`
	LifecycleState     string       `json:"lifecycle_state"`
	OwnerID            string       `json:"owner_id,omitempty"`
	CandidateAssignees []string     `json:"candidate_assignees,omitempty"`
	DueAt              *time.Time   `json:"due_at,omitempty"`
	Confidence         float64      `json:"confidence"`
	SourceSpans        []canon.Span `json:"source_spans,omitempty"`
	FirstSeenAt        time.Time    `json:"first_seen_at"`
	LastSeenAt         time.Time    `json:"last_seen_at"`
	FirstOpenedAt      *time.Time   `json:"first_opened_at,omitempty"`
	LastTransitionAt   *time.Time   `json:"last_transition_at,omitempty"`
	AutoClosedAt       *time.Time   `json:"auto_closed_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func viewFact(f store.Fact) factView {
	return factView{
		ID:                 f.ID,
		ScopeID:            f.ScopeID,
		SourceRef:          f.SourceRef,
		Type:               f.Type,
		CanonicalText:      f.CanonicalText,
		CanonicalHash:      f.CanonicalHash,
		Topic:              f.Topic,
		Description:        f.Description,
		Status:             f.Status,
		LifecycleState:     f.LifecycleState,
		OwnerID:            f.OwnerID,
		CandidateAssignees: f.CandidateAssignees,
		DueAt:              f.DueAt,
		Confidence:         f.Confidence,
		SourceSpans:        f.SourceSpans,
		FirstSeenAt:        f.FirstSeenAt,
		LastSeenAt:         f.LastSeenAt,
		FirstOpenedAt:      f.FirstOpenedAt,
		LastTransitionAt:   f.LastTransitionAt,
		AutoClosedAt:       f.AutoClosedAt,
		CreatedAt:          f.CreatedAt,
		UpdatedAt:          f.UpdatedAt,
	}
}

type eventView struct {
	ID         string          `json:"id"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Source     string          `json:"source"`
	ActorType  string          `json:"actor_type"`
	ActorID    string          `json:"actor_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type versionView struct {
	VersionNo int             `json:"version_no"`
	AsOf      time.Time       `json:"as_of"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

type deliveryView struct {
	ID          int64           `json:"id"`
	ItemHash    string          `json:"item_hash"`
	RecipientID string          `json:"recipient_id"`
	FactID      string          `json:"fact_id,omitempty"`
	ScopeID     string          `json:"scope_id,omitempty"`
	Type        string          `json:"type,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Description string          `json:"description,omitempty"`
	Confidence  float64         `json:"confidence"`
	Evidence    []canon.Span    `json:"evidence,omitempty"`
	Status      string          `json:"delivery_status"`
	Score       *float64        `json:"score,omitempty"`
	Rank        *int            `json:"rank,omitempty"`
	ScoreReason json.RawMessage `json:"score_reason,omitempty"`
	Suppressed  bool            `json:"suppressed"`
	ScoredAt    *time.Time      `json:"scored_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func viewDelivery(d store.Delivery) deliveryView {
	return deliveryView{
		ID:          d.ID,
		ItemHash:    d.ItemHash,
		RecipientID: d.RecipientID,
		FactID:      d.FactID,
		ScopeID:     d.ScopeID,
		Type:        d.Type,
		Topic:       d.Topic,
		Description: d.Description,
		Confidence:  d.Confidence,
		Evidence:    d.Evidence,
		Status:      d.Status,
		Score:       d.Score,
		Rank:        d.Rank,
		ScoreReason: d.ScoreReason,
		Suppressed:  d.Suppressed,
		ScoredAt:    d.ScoredAt,
		CreatedAt:   d.CreatedAt,
	}
}
