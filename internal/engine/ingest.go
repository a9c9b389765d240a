package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/canon"
	"github.com/lazypower/factlog/internal/store"
)

// Confidence floor and cap for ingested items.
const (
	confidenceBase      = 0.50
	confidencePerSpan   = 0.05
	confidenceSpanLimit = 4
	confidenceExplicit  = 0.05
	confidenceCap       = 0.95
)

// Submission is one extracted item as produced upstream.
type Submission struct {
	ScopeID   string     `json:"scope_id"`
	SourceRef string     `json:"source_ref"`
	Item      canon.Item `json:"item"`
}

// IngestResult identifies the fact a submission resolved to.
type IngestResult struct {
	FactID        string  `json:"fact_id"`
	CanonicalHash string  `json:"canonical_hash"`
	ItemHash      string  `json:"item_hash"`
	Created       bool    `json:"created"`
	Confidence    float64 `json:"confidence"`
}

// DeriveConfidence picks the item's confidence (then its owner confidence,
// then def) and lifts it to the evidence floor, capped at 0.95.
func DeriveConfidence(it canon.Item, def float64) float64 {
	conf := def
	switch {
	case it.Confidence != nil && *it.Confidence != 0:
		conf = *it.Confidence
	case it.OwnerConfidence != nil && *it.OwnerConfidence != 0:
		conf = *it.OwnerConfidence
	}

	floor := confidenceBase + confidencePerSpan*float64(min(len(it.Evidence), confidenceSpanLimit))
	if it.OwnerResolution.Status == "explicit" {
		floor += confidenceExplicit
	}
	return math.Min(confidenceCap, math.Max(conf, floor))
}

// Ingest upserts the fact a submission describes and links it to its owner.
// Re-submitting the same content resolves to the same fact.
func (e *Engine) Ingest(ctx context.Context, sub Submission) (*IngestResult, error) {
	it, err := e.validateItem(sub.Item)
	if err != nil {
		return nil, err
	}

	text, hash := canon.Canonical(it)
	conf := DeriveConfidence(it, e.cfg.Ingest.DefaultConfidence)
	now := e.clock()

	fact, created, err := e.DB.UpsertFact(ctx, store.FactInput{
		ScopeID:            sub.ScopeID,
		SourceRef:          sub.SourceRef,
		Type:               it.Type,
		CanonicalText:      text,
		CanonicalHash:      hash,
		Topic:              it.Topic,
		Description:        it.Description,
		OwnerID:            it.OwnerID,
		CandidateAssignees: it.OwnerResolution.Candidates,
		DueAt:              parseDue(it.Due),
		Confidence:         conf,
		Spans:              it.Evidence,
		Embedding:          it.Embedding,
		EmbeddingModel:     it.EmbeddingModel,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("upsert fact: %w", err)
	}
	e.resolved.Set(hash, fact.ID, cache.DefaultExpiration)

	if fact.OwnerID != "" {
		err := e.DB.LinkFact(ctx, store.FactLink{
			FactID:    fact.ID,
			ToType:    store.LinkUser,
			ToID:      fact.OwnerID,
			Relation:  store.RelAssignedTo,
			Weight:    conf,
			CreatedAt: now,
		})
		if err != nil {
			e.log.Warn("fact.link_owner.error", zap.String("fact_id", fact.ID),
				zap.String("owner_id", fact.OwnerID), zap.Error(err))
		}
	}

	e.log.Debug("fact.upserted",
		zap.String("fact_id", fact.ID),
		zap.String("type", fact.Type),
		zap.Bool("created", created),
		zap.Float64("confidence", fact.Confidence))

	return &IngestResult{
		FactID:        fact.ID,
		CanonicalHash: hash,
		ItemHash:      canon.ItemHash(sub.SourceRef, it),
		Created:       created,
		Confidence:    fact.Confidence,
	}, nil
}

// ResolveFact maps a canonical hash to its fact id, or "" when no such fact
// exists. Hits are cached.
func (e *Engine) ResolveFact(ctx context.Context, hash string) (string, error) {
	if id, ok := e.resolved.Get(hash); ok {
		return id.(string), nil
	}
	f, err := e.DB.GetFactByHash(ctx, hash)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", nil
	}
	e.resolved.Set(hash, f.ID, cache.DefaultExpiration)
	return f.ID, nil
}
