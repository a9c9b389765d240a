package store

import (
	"context"
	"fmt"
	"time"
)

// Link target types and relations.
const (
	LinkUser   = "user"
	LinkPulse  = "pulse"
	LinkTopic  = "topic"
	LinkDoc    = "doc"
	LinkTask   = "task"
	LinkEntity = "entity"

	RelAssignedTo  = "assigned_to"
	RelRequestedBy = "requested_by"
	RelDecidedBy   = "decided_by"
	RelMentions    = "mentions"
	RelDuplicates  = "duplicates"
	RelAffects     = "affects"
)

// FactLink relates a fact to a user, scope or other entity.
type FactLink struct {
	FactID    string
	ToType    string
	ToID      string
	Relation  string
	Weight    float64
	CreatedAt time.Time
}

func insertLink(ctx context.Context, q querier, l FactLink) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fact_links (fact_id, to_type, to_id, relation, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, l.FactID, l.ToType, l.ToID, l.Relation, l.Weight, millis(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("link %s %s:%s: %w", l.Relation, l.ToType, l.ToID, err)
	}
	return nil
}

// LinkFact inserts a link; an existing identical link is left as is.
func (db *DB) LinkFact(ctx context.Context, l FactLink) error {
	return insertLink(ctx, db, l)
}

// LinkRecipients links a fact to its delivery recipients: assigned_to for the
// primary, affects for the rest. Each link runs in its own savepoint; the
// returned slice carries the links that failed and were rolled back.
func (db *DB) LinkRecipients(ctx context.Context, factID, primary string, recipients []string, weight float64, now time.Time) (int, []error, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin link recipients: %w", err)
	}
	defer tx.Rollback()

	var inserted int
	var failed []error
	link := func(name, to, rel string) {
		err := withSavepoint(ctx, tx, name, func() error {
			return insertLink(ctx, tx, FactLink{
				FactID: factID, ToType: LinkUser, ToID: to,
				Relation: rel, Weight: weight, CreatedAt: now,
			})
		})
		if err != nil {
			failed = append(failed, err)
			return
		}
		inserted++
	}

	if primary != "" {
		link("sp_primary", primary, RelAssignedTo)
	}
	for _, r := range recipients {
		if r == "" || r == primary {
			continue
		}
		link("sp_affects", r, RelAffects)
	}

	if err := tx.Commit(); err != nil {
		return 0, failed, fmt.Errorf("commit link recipients: %w", err)
	}
	return inserted, failed, nil
}

// ListLinks returns the links of a fact.
func (db *DB) ListLinks(ctx context.Context, factID string) ([]FactLink, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT fact_id, to_type, to_id, relation, COALESCE(weight, 0), created_at
		FROM fact_links WHERE fact_id = ?
		ORDER BY created_at, relation, to_id
	`, factID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []FactLink
	for rows.Next() {
		var l FactLink
		var created int64
		if err := rows.Scan(&l.FactID, &l.ToType, &l.ToID, &l.Relation, &l.Weight, &created); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.CreatedAt = fromMillis(created)
		links = append(links, l)
	}
	return links, rows.Err()
}
