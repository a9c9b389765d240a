package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/factlog/internal/store"
)

// Snapshot is the versioned view of a fact's tracked fields. Times are
// RFC 3339 UTC strings; absent values are null.
type Snapshot struct {
	ScopeID          string  `json:"scope_id"`
	SourceRef        *string `json:"source_ref"`
	Type             string  `json:"type"`
	CanonicalText    string  `json:"canonical_text"`
	Topic            *string `json:"topic"`
	Status           string  `json:"status"`
	LifecycleState   string  `json:"lifecycle_state"`
	OwnerID          *string `json:"owner_id"`
	DueAt            *string `json:"due_at"`
	Confidence       float64 `json:"confidence"`
	FirstSeenAt      string  `json:"first_seen_at"`
	LastSeenAt       string  `json:"last_seen_at"`
	FirstOpenedAt    *string `json:"first_opened_at"`
	LastTransitionAt *string `json:"last_transition_at"`
	AutoClosedAt     *string `json:"auto_closed_at"`
}

// SnapshotOf captures the tracked fields of f.
func SnapshotOf(f store.Fact) Snapshot {
	return Snapshot{
		ScopeID:          f.ScopeID,
		SourceRef:        optString(f.SourceRef),
		Type:             f.Type,
		CanonicalText:    f.CanonicalText,
		Topic:            optString(f.Topic),
		Status:           f.Status,
		LifecycleState:   f.LifecycleState,
		OwnerID:          optString(f.OwnerID),
		DueAt:            optTime(f.DueAt),
		Confidence:       f.Confidence,
		FirstSeenAt:      formatTime(f.FirstSeenAt),
		LastSeenAt:       formatTime(f.LastSeenAt),
		FirstOpenedAt:    optTime(f.FirstOpenedAt),
		LastTransitionAt: optTime(f.LastTransitionAt),
		AutoClosedAt:     optTime(f.AutoClosedAt),
	}
}

// DecodeSnapshot parses a stored version snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
