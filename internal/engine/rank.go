package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/factlog/internal/store"
)

// RankStats summarizes one ranking pass.
type RankStats struct {
	RunID      int64 `json:"run_id"`
	Deliveries int   `json:"deliveries"`
	Recipients int   `json:"recipients"`
	Skipped    int   `json:"skipped"`
	Updated    int   `json:"updated"`
	Suppressed int   `json:"suppressed"`
}

type pairKey struct{ recipient, key string }

// feedbackSignals are the decayed feedback aggregates a pass scores with.
type feedbackSignals struct {
	typeAff     map[pairKey]float64 // (rater, fact type)
	factAff     map[pairKey]float64 // (rater, fact id)
	itemQuality map[string]float64  // item hash, all raters
}

func (e *Engine) buildSignals(ratings []store.Rating, recipients map[string]bool, now time.Time) feedbackSignals {
	s := feedbackSignals{
		typeAff:     make(map[pairKey]float64),
		factAff:     make(map[pairKey]float64),
		itemQuality: make(map[string]float64),
	}
	affHL := e.cfg.Ranking.FeedbackHalfLifeDays
	qualHL := e.cfg.Ranking.ItemQualityHalfLifeDays
	for _, r := range ratings {
		norm := NormalizeRating(r.Rating)
		s.itemQuality[r.ItemHash] += norm * DecayByDays(r.RatedAt, now, qualHL)

		if !recipients[r.RaterID] {
			continue
		}
		v := norm * DecayByDays(r.RatedAt, now, affHL)
		if r.Type != "" {
			s.typeAff[pairKey{r.RaterID, r.Type}] += v
		}
		if r.FactID != "" {
			s.factAff[pairKey{r.RaterID, r.FactID}] += v
		}
	}
	return s
}

type scored struct {
	id    int64
	score float64
	b     Breakdown
}

// scoreRecipient scores and ranks one recipient's deliveries.
func (e *Engine) scoreRecipient(rows []store.ActiveDelivery, sig feedbackSignals, now time.Time) ([]store.ScoreUpdate, error) {
	out := make([]scored, 0, len(rows))
	for _, d := range rows {
		b := Breakdown{
			Conf:        d.Confidence,
			ItemQuality: sig.itemQuality[d.ItemHash],
			AgeBonus:    FreshnessBonus(d.CreatedAt, now, e.cfg.Ranking.FreshnessHalfLifeHours),
		}
		if d.OwnerID != "" && d.OwnerID == d.RecipientID {
			b.Owner = 1
		}
		if d.Type != "" {
			b.TypeAff = sig.typeAff[pairKey{d.RecipientID, d.Type}]
		}
		if d.FactID != "" {
			b.FactAff = sig.factAff[pairKey{d.RecipientID, d.FactID}]
		}
		out = append(out, scored{id: d.ID, score: DefaultWeights.Score(b), b: b.Rounded()})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})

	updates := make([]store.ScoreUpdate, len(out))
	for i, s := range out {
		reason, err := json.Marshal(s.b)
		if err != nil {
			return nil, fmt.Errorf("encode breakdown %d: %w", s.id, err)
		}
		updates[i] = store.ScoreUpdate{
			ID:         s.id,
			Score:      s.score,
			Rank:       i + 1,
			Reason:     reason,
			Suppressed: Suppressed(s.score, e.cfg.Ranking.LowScoreThreshold),
		}
	}
	return updates, nil
}

// Rank rescores every active delivery from scratch: pending, queued or sent
// and not suppressed. Recipients beyond the configured cap wait for a later
// pass. Scores, ranks and suppression are written in one transaction.
func (e *Engine) Rank(ctx context.Context) (*RankStats, error) {
	e.rankMu.Lock()
	defer e.rankMu.Unlock()

	now := e.clock()
	runID, err := e.DB.StartRun(ctx, store.RunRank, now)
	if err != nil {
		return nil, err
	}
	stats := &RankStats{RunID: runID}

	finish := func(status string, err error) {
		note := ""
		if err != nil {
			note = err.Error()
		} else if stats.Skipped > 0 {
			note = fmt.Sprintf("skipped %d deliveries over recipient cap", stats.Skipped)
		}
		if ferr := e.DB.FinishRun(context.WithoutCancel(ctx), runID, status,
			stats.Deliveries, stats.Updated, 0, note, e.clock()); ferr != nil {
			e.log.Error("ranker.run.finish.error", zap.Error(ferr))
		}
	}

	active, err := e.DB.ListActiveDeliveries(ctx)
	if err != nil {
		finish(store.RunFailed, err)
		return stats, err
	}
	if len(active) == 0 {
		e.log.Info("ranker.noop")
		finish(store.RunCompleted, nil)
		return stats, nil
	}

	// Recipients in first-seen order, capped.
	var order []string
	byRecipient := make(map[string][]store.ActiveDelivery)
	for _, d := range active {
		if _, seen := byRecipient[d.RecipientID]; !seen {
			if limit := e.cfg.Ranking.RecipientCap; limit > 0 && len(order) >= limit {
				stats.Skipped++
				continue
			}
			order = append(order, d.RecipientID)
		}
		byRecipient[d.RecipientID] = append(byRecipient[d.RecipientID], d)
	}
	stats.Recipients = len(order)
	stats.Deliveries = len(active) - stats.Skipped

	inSet := make(map[string]bool, len(order))
	for _, r := range order {
		inSet[r] = true
	}
	ratings, err := e.DB.LatestRatings(ctx)
	if err != nil {
		finish(store.RunFailed, err)
		return stats, err
	}
	sig := e.buildSignals(ratings, inSet, now)

	results := make([][]store.ScoreUpdate, len(order))
	g, gctx := errgroup.WithContext(ctx)
	workers := e.cfg.Ranking.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, r := range order {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			u, err := e.scoreRecipient(byRecipient[r], sig, now)
			if err != nil {
				return fmt.Errorf("score %s: %w", r, err)
			}
			results[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		finish(store.RunFailed, err)
		return stats, err
	}

	var updates []store.ScoreUpdate
	for _, u := range results {
		updates = append(updates, u...)
	}
	for _, u := range updates {
		if u.Suppressed {
			stats.Suppressed++
		}
	}

	stats.Updated, err = e.DB.ApplyScores(ctx, updates, now)
	if err != nil {
		finish(store.RunFailed, err)
		return stats, fmt.Errorf("apply scores: %w", err)
	}

	e.log.Info("ranker.updated",
		zap.Int("rows", stats.Updated),
		zap.Int("recipients", stats.Recipients),
		zap.Int("suppressed", stats.Suppressed))
	finish(store.RunCompleted, nil)
	return stats, nil
}
