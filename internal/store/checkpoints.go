package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointReducer names the lifecycle reducer's watermark.
const CheckpointReducer = "reducer"

type watermark struct {
	LastProcessedUpdatedAt *string `json:"last_processed_updated_at"`
	SavedAtUTC             string  `json:"saved_at_utc"`
}

// LoadWatermark returns the saved watermark, or nil when none was saved or
// the saved one is empty.
func (db *DB) LoadWatermark(ctx context.Context, name string) (*time.Time, error) {
	var payload string
	err := db.QueryRowContext(ctx, "SELECT payload FROM checkpoints WHERE name = ?", name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}

	var wm watermark
	if err := json.Unmarshal([]byte(payload), &wm); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	if wm.LastProcessedUpdatedAt == nil || *wm.LastProcessedUpdatedAt == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *wm.LastProcessedUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", name, err)
	}
	t = t.UTC()
	return &t, nil
}

// SaveWatermark replaces the named watermark. A nil mark is stored as null.
func (db *DB) SaveWatermark(ctx context.Context, name string, mark *time.Time, now time.Time) error {
	wm := watermark{SavedAtUTC: now.UTC().Format(time.RFC3339Nano)}
	if mark != nil {
		s := mark.UTC().Format(time.RFC3339Nano)
		wm.LastProcessedUpdatedAt = &s
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at
	`, name, string(data), millis(now))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
