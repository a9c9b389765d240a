package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/lifecycle"
	"github.com/lazypower/factlog/internal/store"
)

// ReduceStats summarizes one reduction pass.
type ReduceStats struct {
	RunID         int64      `json:"run_id"`
	From          time.Time  `json:"from"`
	Scanned       int        `json:"scanned"`
	Persisted     int        `json:"persisted"`
	Failed        int        `json:"failed"`
	Events        int        `json:"events"`
	DroppedEvents int        `json:"dropped_events"`
	Watermark     *time.Time `json:"watermark,omitempty"`
}

// Reduce runs one lifecycle pass over the facts updated or sighted since the
// saved watermark (or the scan window when there is none). Each fact is
// reduced in its own transaction; a fact that fails is logged and skipped.
// The watermark then advances to the newest updated_at scanned, including
// facts that failed.
//
// Once candidates are loaded the pass is not cancellable.
func (e *Engine) Reduce(ctx context.Context) (*ReduceStats, error) {
	e.reduceMu.Lock()
	defer e.reduceMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := e.clock()
	staleAfter := time.Duration(e.cfg.Reducer.StaleDays) * 24 * time.Hour

	runID, err := e.reducer.StartRun(ctx, store.RunReduce, now)
	if err != nil {
		return nil, err
	}
	stats := &ReduceStats{RunID: runID}

	fail := func(err error) (*ReduceStats, error) {
		if ferr := e.reducer.FinishRun(context.WithoutCancel(ctx), runID, store.RunFailed,
			stats.Scanned, stats.Persisted, stats.Failed, err.Error(), e.clock()); ferr != nil {
			e.log.Error("reducer.run.finish.error", zap.Error(ferr))
		}
		return stats, err
	}

	wm, err := e.reducer.LoadWatermark(ctx, store.CheckpointReducer)
	if err != nil {
		e.log.Warn("reducer.ckpt.load.error", zap.Error(err))
		wm = nil
	}
	stats.From = now.Add(-time.Duration(e.cfg.Reducer.WindowHours) * time.Hour)
	if wm != nil {
		stats.From = *wm
	}

	facts, err := e.reducer.ListReductionCandidates(ctx, stats.From)
	if err != nil {
		return fail(fmt.Errorf("list candidates: %w", err))
	}
	e.log.Info("reducer.scan", zap.Time("from", stats.From), zap.Int("count", len(facts)))

	ctx = context.WithoutCancel(ctx)
	var maxUpdated *time.Time
	for i := range facts {
		f := facts[i]
		stats.Scanned++
		if maxUpdated == nil || f.UpdatedAt.After(*maxUpdated) {
			u := f.UpdatedAt
			maxUpdated = &u
		}

		res, err := e.reduceFact(ctx, f, now, staleAfter)
		if err != nil {
			stats.Failed++
			e.log.Error("reducer.persist.error", zap.String("fact_id", f.ID), zap.Error(err))
			continue
		}
		stats.Persisted++
		stats.Events += res.EventsWritten
		stats.DroppedEvents += len(res.Dropped)
		for _, derr := range res.Dropped {
			e.log.Warn("reducer.event.dropped", zap.String("fact_id", f.ID), zap.Error(derr))
		}
	}

	if maxUpdated != nil {
		if err := e.reducer.SaveWatermark(ctx, store.CheckpointReducer, maxUpdated, now); err != nil {
			return fail(fmt.Errorf("save watermark: %w", err))
		}
		stats.Watermark = maxUpdated
		e.log.Info("ckpt.saved", zap.Time("ts", *maxUpdated))
	}

	e.log.Info("reducer.summary",
		zap.Int("scanned", stats.Scanned),
		zap.Int("persisted", stats.Persisted),
		zap.Int("failed", stats.Failed),
		zap.Int("events", stats.Events))

	if err := e.reducer.FinishRun(ctx, runID, store.RunCompleted,
		stats.Scanned, stats.Persisted, stats.Failed, "", e.clock()); err != nil {
		e.log.Error("reducer.run.finish.error", zap.Error(err))
	}
	return stats, nil
}

func (e *Engine) reduceFact(ctx context.Context, f store.Fact, now time.Time, staleAfter time.Duration) (*store.ReductionResult, error) {
	var prev *lifecycle.Snapshot
	v, err := e.reducer.LatestVersion(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if prev, err = lifecycle.DecodeSnapshot(v.Snapshot); err != nil {
			return nil, fmt.Errorf("version %d: %w", v.VersionNo, err)
		}
	}

	t := lifecycle.Plan(prev, f, now, staleAfter)
	return e.reducer.ApplyReduction(ctx, store.Reduction{
		FactID:   f.ID,
		State:    t.State,
		Status:   t.Status,
		Events:   t.Events,
		Snapshot: t.After,
		AsOf:     now,
	})
}
