package store

import (
	"context"
	"fmt"
	"time"
)

// Reduction is the outcome of one lifecycle pass over a single fact.
type Reduction struct {
	FactID   string
	State    string
	Status   string
	Events   []EventInput
	Snapshot any
	AsOf     time.Time
}

// ReductionResult reports what ApplyReduction wrote.
type ReductionResult struct {
	VersionNo     int
	EventsWritten int
	// Dropped holds event inserts that failed and were rolled back to their
	// savepoint. They do not fail the reduction.
	Dropped []error
}

// ApplyReduction writes one fact's reduction atomically: its events, exactly
// one version, and the lifecycle columns of the fact row. first_opened_at and
// auto_closed_at are set once and never overwritten.
func (db *DB) ApplyReduction(ctx context.Context, r Reduction) (*ReductionResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reduction: %w", err)
	}
	defer tx.Rollback()

	now := r.AsOf
	res, err := tx.ExecContext(ctx, `
		UPDATE facts SET
			lifecycle_state    = ?,
			status             = ?,
			first_opened_at    = COALESCE(first_opened_at, ?),
			last_transition_at = ?,
			auto_closed_at     = CASE WHEN ? = 'closed' THEN COALESCE(auto_closed_at, ?) ELSE auto_closed_at END,
			updated_at         = ?
		WHERE id = ?
	`, r.State, r.Status, millis(now), millis(now), r.State, millis(now), millis(now), r.FactID)
	if err != nil {
		return nil, fmt.Errorf("update fact lifecycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("reduce fact %s: %w", r.FactID, ErrNotFound)
	}

	out := &ReductionResult{}
	for i, e := range r.Events {
		name := fmt.Sprintf("sp_event_%d", i)
		err := withSavepoint(ctx, tx, name, func() error {
			return insertEvent(ctx, tx, r.FactID, e, now)
		})
		if err != nil {
			out.Dropped = append(out.Dropped, err)
			continue
		}
		out.EventsWritten++
	}

	out.VersionNo, err = appendVersion(ctx, tx, r.FactID, r.AsOf, r.Snapshot, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reduction: %w", err)
	}
	return out, nil
}
