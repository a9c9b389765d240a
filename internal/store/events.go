package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fact event types.
const (
	EventSighted      = "sighted"
	EventOwnerChanged = "owner_changed"
	EventDueChanged   = "due_changed"
	EventTextChanged  = "text_changed"
	EventAutoClosed   = "auto_closed"
	EventStateChanged = "state_changed"
)

// FactEvent is a write-once record of a detected change.
type FactEvent struct {
	ID         string
	FactID     string
	Type       string
	Payload    json.RawMessage
	Source     string
	ActorType  string
	ActorID    string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// EventInput describes an event to append. Payload is marshaled to JSON.
type EventInput struct {
	Type       string
	Payload    any
	Source     string
	ActorType  string
	ActorID    string
	OccurredAt time.Time
}

func insertEvent(ctx context.Context, q querier, factID string, e EventInput, now time.Time) error {
	payload := []byte("{}")
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", e.Type, err)
		}
		payload = data
	}
	actorType := e.ActorType
	if actorType == "" {
		actorType = "system"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO fact_events (id, fact_id, event_type, payload, source, actor_type, actor_id, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), factID, e.Type, string(payload), e.Source, actorType,
		nullString(e.ActorID), millis(e.OccurredAt), millis(now))
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

// ListEvents returns a fact's events in occurrence order.
func (db *DB) ListEvents(ctx context.Context, factID string) ([]FactEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, fact_id, event_type, payload, source, actor_type, COALESCE(actor_id, ''), occurred_at, created_at
		FROM fact_events WHERE fact_id = ?
		ORDER BY occurred_at, rowid
	`, factID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []FactEvent
	for rows.Next() {
		var e FactEvent
		var payload string
		var occurred, created int64
		if err := rows.Scan(&e.ID, &e.FactID, &e.Type, &payload, &e.Source, &e.ActorType, &e.ActorID, &occurred, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.OccurredAt = fromMillis(occurred)
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
