package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/factlog/internal/canon"
)

// Delivery statuses. Seen and closed are user-facing terminal states that
// allocation and ranking never move a delivery out of.
const (
	DeliveryPending = "pending"
	DeliveryQueued  = "queued"
	DeliverySent    = "sent"
	DeliverySeen    = "seen"
	DeliveryClosed  = "closed"
)

// ErrInvalidStatus is returned for an unknown delivery status.
var ErrInvalidStatus = errors.New("invalid delivery status")

// ValidDeliveryStatus reports whether s is a known delivery status.
func ValidDeliveryStatus(s string) bool {
	switch s {
	case DeliveryPending, DeliveryQueued, DeliverySent, DeliverySeen, DeliveryClosed:
		return true
	}
	return false
}

func terminalDelivery(s string) bool {
	return s == DeliverySeen || s == DeliveryClosed
}

// Delivery is one fact-to-recipient delivery intent (outbox row).
type Delivery struct {
	ID          int64
	ItemHash    string
	RecipientID string
	FactID      string
	ScopeID     string
	Type        string
	Topic       string
	Description string
	Confidence  float64
	Evidence    []canon.Span
	Status      string
	Score       *float64
	Rank        *int
	ScoreReason json.RawMessage
	Suppressed  bool
	ScoredAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryInput is what the allocation boundary submits per recipient.
type DeliveryInput struct {
	ItemHash    string
	RecipientID string
	FactID      string
	ScopeID     string
	Type        string
	Topic       string
	Description string
	Confidence  float64
	Evidence    []canon.Span
	Status      string
}

// MergeDelivery folds a re-allocation into an existing delivery.
//
//	fact_id                    incoming if set, else existing
//	confidence                 max(existing, incoming)
//	evidence                   incoming if set, else existing
//	scope, type, topic, text   incoming
//	status                     existing once seen/closed, else incoming
//
// Scores, ranks and suppression belong to the ranking pass and are kept.
func MergeDelivery(existing Delivery, in DeliveryInput, now time.Time) Delivery {
	m := existing
	if in.FactID != "" {
		m.FactID = in.FactID
	}
	if in.Confidence > m.Confidence {
		m.Confidence = in.Confidence
	}
	if len(in.Evidence) > 0 {
		m.Evidence = append([]canon.Span(nil), in.Evidence...)
	}
	m.ScopeID = in.ScopeID
	m.Type = in.Type
	m.Topic = in.Topic
	m.Description = in.Description
	if !terminalDelivery(m.Status) {
		m.Status = in.Status
		if m.Status == "" {
			m.Status = DeliveryPending
		}
	}
	m.UpdatedAt = now
	return m
}

const deliveryColumns = `id, item_hash, recipient_id, fact_id, scope_id, type, topic, description,
	confidence, evidence, delivery_status, score, rank, score_reason, suppressed, scored_at,
	created_at, updated_at`

func scanDelivery(s rowScanner) (*Delivery, error) {
	var d Delivery
	var factID, scopeID, typ, topic, description, evidence, reason sql.NullString
	var score sql.NullFloat64
	var rank, scoredAt sql.NullInt64
	var suppressed int
	var created, updated int64
	err := s.Scan(&d.ID, &d.ItemHash, &d.RecipientID, &factID, &scopeID, &typ, &topic, &description,
		&d.Confidence, &evidence, &d.Status, &score, &rank, &reason, &suppressed, &scoredAt,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	d.FactID = factID.String
	d.ScopeID = scopeID.String
	d.Type = typ.String
	d.Topic = topic.String
	d.Description = description.String
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	if score.Valid {
		d.Score = &score.Float64
	}
	if rank.Valid {
		r := int(rank.Int64)
		d.Rank = &r
	}
	if reason.Valid {
		d.ScoreReason = json.RawMessage(reason.String)
	}
	d.Suppressed = suppressed != 0
	d.ScoredAt = timePtr(scoredAt)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

func getDelivery(ctx context.Context, q querier, where string, args ...any) (*Delivery, error) {
	row := q.QueryRowContext(ctx, "SELECT "+deliveryColumns+" FROM deliveries WHERE "+where, args...)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// GetDelivery returns a delivery by id, or nil if not found.
func (db *DB) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	return getDelivery(ctx, db, "id = ?", id)
}

// UpsertDelivery creates or merges the delivery keyed by (item_hash, recipient_id).
func (db *DB) UpsertDelivery(ctx context.Context, in DeliveryInput, now time.Time) (*Delivery, bool, error) {
	if in.ItemHash == "" || in.RecipientID == "" {
		return nil, false, fmt.Errorf("upsert delivery: item hash and recipient are required")
	}
	if in.Status != "" && !ValidDeliveryStatus(in.Status) {
		return nil, false, fmt.Errorf("upsert delivery: %w: %q", ErrInvalidStatus, in.Status)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin upsert delivery: %w", err)
	}
	defer tx.Rollback()

	existing, err := getDelivery(ctx, tx, "item_hash = ? AND recipient_id = ?", in.ItemHash, in.RecipientID)
	if err != nil {
		return nil, false, err
	}

	var d Delivery
	created := existing == nil
	if created {
		d = MergeDelivery(Delivery{
			ItemHash:    in.ItemHash,
			RecipientID: in.RecipientID,
			CreatedAt:   now,
		}, in, now)
	} else {
		d = MergeDelivery(*existing, in, now)
	}

	evidence, err := jsonOrNull(d.Evidence, len(d.Evidence) == 0)
	if err != nil {
		return nil, false, fmt.Errorf("encode evidence: %w", err)
	}

	if created {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (item_hash, recipient_id, fact_id, scope_id, type, topic, description,
				confidence, evidence, delivery_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ItemHash, d.RecipientID, nullString(d.FactID), nullString(d.ScopeID), nullString(d.Type),
			nullString(d.Topic), nullString(d.Description), d.Confidence, evidence, d.Status,
			millis(d.CreatedAt), millis(d.UpdatedAt))
		if err != nil {
			return nil, false, fmt.Errorf("insert delivery: %w", err)
		}
		d.ID, _ = res.LastInsertId()
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE deliveries SET fact_id = ?, scope_id = ?, type = ?, topic = ?, description = ?,
				confidence = ?, evidence = ?, delivery_status = ?, updated_at = ?
			WHERE id = ?
		`, nullString(d.FactID), nullString(d.ScopeID), nullString(d.Type), nullString(d.Topic),
			nullString(d.Description), d.Confidence, evidence, d.Status, millis(d.UpdatedAt), d.ID)
		if err != nil {
			return nil, false, fmt.Errorf("update delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit upsert delivery: %w", err)
	}
	return &d, created, nil
}

// SetDeliveryStatus records a consumer-side status change. A delivery that
// reached seen or closed is never moved back to a pending state; such a
// request is a no-op. Returns ErrNotFound for an unknown id.
func (db *DB) SetDeliveryStatus(ctx context.Context, id int64, status string, now time.Time) error {
	if !ValidDeliveryStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE deliveries SET delivery_status = ?, updated_at = ?
		WHERE id = ?
		  AND NOT (delivery_status IN ('seen', 'closed') AND ? IN ('pending', 'queued', 'sent'))
		  AND delivery_status <> 'closed'
	`, status, millis(now), id, status)
	if err != nil {
		return fmt.Errorf("set delivery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deliveries WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check delivery: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveDelivery is a rankable delivery joined with its fact's signals.
type ActiveDelivery struct {
	ID          int64
	ItemHash    string
	RecipientID string
	FactID      string
	Type        string
	// Confidence is the fact's confidence, or the delivery's own when the
	// fact is unknown.
	Confidence float64
	OwnerID    string
	CreatedAt  time.Time
}

// ListActiveDeliveries returns deliveries in pending, queued or sent that are
// not suppressed, in id order.
func (db *DB) ListActiveDeliveries(ctx context.Context) ([]ActiveDelivery, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT d.id, d.item_hash, d.recipient_id, COALESCE(d.fact_id, ''),
			COALESCE(d.type, f.type, ''), COALESCE(f.confidence, d.confidence, 0),
			COALESCE(f.owner_id, ''), d.created_at
		FROM deliveries d
		LEFT JOIN facts f ON f.id = d.fact_id
		WHERE d.delivery_status IN ('pending', 'queued', 'sent') AND d.suppressed = 0
		ORDER BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active deliveries: %w", err)
	}
	defer rows.Close()

	var out []ActiveDelivery
	for rows.Next() {
		var a ActiveDelivery
		var created int64
		if err := rows.Scan(&a.ID, &a.ItemHash, &a.RecipientID, &a.FactID, &a.Type,
			&a.Confidence, &a.OwnerID, &created); err != nil {
			return nil, fmt.Errorf("scan active delivery: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ScoreUpdate is the ranking outcome for one delivery.
type ScoreUpdate struct {
	ID         int64
	Score      float64
	Rank       int
	Reason     json.RawMessage
	Suppressed bool
}

// ApplyScores persists a ranking pass in one transaction. Rows that reached
// seen or closed since they were read are left alone. Returns the number of
// rows updated.
func (db *DB) ApplyScores(ctx context.Context, updates []ScoreUpdate, scoredAt time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply scores: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE deliveries SET score = ?, rank = ?, score_reason = ?, suppressed = ?,
			scored_at = ?, updated_at = ?
		WHERE id = ? AND delivery_status IN ('pending', 'queued', 'sent')
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare apply scores: %w", err)
	}
	defer stmt.Close()

	ts := millis(scoredAt)
	var total int
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Score, u.Rank, string(u.Reason), boolInt(u.Suppressed), ts, ts, u.ID)
		if err != nil {
			return 0, fmt.Errorf("apply score %d: %w", u.ID, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply scores: %w", err)
	}
	return total, nil
}

// ListRecipientDeliveries returns a recipient's deliveries by rank, unranked
// last. Suppressed rows are included only on request.
func (db *DB) ListRecipientDeliveries(ctx context.Context, recipientID string, includeSuppressed bool, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + deliveryColumns + " FROM deliveries WHERE recipient_id = ?"
	if !includeSuppressed {
		query += " AND suppressed = 0"
	}
	query += " ORDER BY rank IS NULL, rank, id LIMIT ?"

	rows, err := db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recipient deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
