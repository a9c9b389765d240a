package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/canon"
	"github.com/lazypower/factlog/internal/store"
)

// Allocation is a delivery intent for one item and its recipients.
type Allocation struct {
	ScopeID    string     `json:"scope_id"`
	SourceRef  string     `json:"source_ref"`
	FactID     string     `json:"fact_id,omitempty"`
	Item       canon.Item `json:"item"`
	Primary    string     `json:"primary,omitempty"`
	Recipients []string   `json:"recipients"`
	Status     string     `json:"status,omitempty"`
}

// AllocationResult reports the deliveries an allocation touched.
type AllocationResult struct {
	ItemHash      string  `json:"item_hash"`
	FactID        string  `json:"fact_id,omitempty"`
	DeliveryIDs   []int64 `json:"delivery_ids"`
	Created       int     `json:"created"`
	LinksInserted int     `json:"links_inserted"`
}

// Allocate upserts one delivery per recipient keyed by (item hash,
// recipient). When the fact is known, recipients are linked to it:
// assigned_to for the primary, affects for the rest.
func (e *Engine) Allocate(ctx context.Context, a Allocation) (*AllocationResult, error) {
	it, err := e.validateItem(a.Item)
	if err != nil {
		return nil, err
	}
	if len(a.Recipients) == 0 && a.Primary == "" {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidItem)
	}
	if a.Status != "" && !store.ValidDeliveryStatus(a.Status) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, a.Status)
	}

	factID := a.FactID
	if factID == "" {
		_, hash := canon.Canonical(it)
		if factID, err = e.ResolveFact(ctx, hash); err != nil {
			return nil, fmt.Errorf("resolve fact: %w", err)
		}
	}

	recipients := a.Recipients
	if a.Primary != "" && !contains(recipients, a.Primary) {
		recipients = append([]string{a.Primary}, recipients...)
	}

	res := &AllocationResult{ItemHash: canon.ItemHash(a.SourceRef, it), FactID: factID}
	conf := DeriveConfidence(it, e.cfg.Ingest.DefaultConfidence)
	now := e.clock()

	for _, r := range recipients {
		if r == "" {
			continue
		}
		d, created, err := e.DB.UpsertDelivery(ctx, store.DeliveryInput{
			ItemHash:    res.ItemHash,
			RecipientID: r,
			FactID:      factID,
			ScopeID:     a.ScopeID,
			Type:        it.Type,
			Topic:       it.Topic,
			Description: it.Description,
			Confidence:  conf,
			Evidence:    it.Evidence,
			Status:      a.Status,
		}, now)
		if err != nil {
			return res, fmt.Errorf("upsert delivery for %s: %w", r, err)
		}
		res.DeliveryIDs = append(res.DeliveryIDs, d.ID)
		if created {
			res.Created++
		}
	}

	if factID != "" {
		n, failed, err := e.DB.LinkRecipients(ctx, factID, a.Primary, recipients, conf, now)
		if err != nil {
			e.log.Warn("fact.user_links.error", zap.String("fact_id", factID), zap.Error(err))
		}
		for _, ferr := range failed {
			e.log.Warn("fact.user_link.dropped", zap.String("fact_id", factID), zap.Error(ferr))
		}
		res.LinksInserted = n
	}
	return res, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
