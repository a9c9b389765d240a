package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRating is returned for ratings outside 1..5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

const maxCommentBytes = 4 << 10

// Feedback is one rating event on a delivery.
type Feedback struct {
	ID          int64
	DeliveryID  int64
	RecipientID string
	Rating      int
	Tags        []string
	Comment     string
	CreatedAt   time.Time
}

// AddFeedback records a rating. The rater defaults to the delivery's recipient.
func (db *DB) AddFeedback(ctx context.Context, fb Feedback) (*Feedback, error) {
	if fb.Rating < 1 || fb.Rating > 5 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRating, fb.Rating)
	}

	var recipient string
	err := db.QueryRowContext(ctx, "SELECT recipient_id FROM deliveries WHERE id = ?", fb.DeliveryID).Scan(&recipient)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %d: %w", fb.DeliveryID, ErrNotFound)
		}
		return nil, fmt.Errorf("lookup delivery: %w", err)
	}
	if fb.RecipientID == "" {
		fb.RecipientID = recipient
	}
	if len(fb.Comment) > maxCommentBytes {
		fb.Comment = truncateUTF8(fb.Comment, maxCommentBytes)
	}
	tags, err := jsonOrNull(fb.Tags, len(fb.Tags) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO feedback (delivery_id, recipient_id, rating, tags, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fb.DeliveryID, fb.RecipientID, fb.Rating, tags, nullString(fb.Comment), millis(fb.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	fb.ID, _ = res.LastInsertId()
	return &fb, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// Rating is the latest rating one rater gave one delivery, joined with the
// delivery's identity.
type Rating struct {
	DeliveryID int64
	RaterID    string
	Rating     int
	RatedAt    time.Time
	ItemHash   string
	Type       string
	FactID     string
}

// LatestRatings returns only the newest rating per (delivery, rater) pair.
func (db *DB) LatestRatings(ctx context.Context) ([]Rating, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.delivery_id, r.recipient_id, r.rating, r.created_at,
			d.item_hash, COALESCE(d.type, ''), COALESCE(d.fact_id, '')
		FROM (
			SELECT delivery_id, recipient_id, rating, created_at,
				ROW_NUMBER() OVER (PARTITION BY delivery_id, recipient_id ORDER BY created_at DESC, id DESC) AS rn
			FROM feedback
		) r
		JOIN deliveries d ON d.id = r.delivery_id
		WHERE r.rn = 1
		ORDER BY r.delivery_id, r.recipient_id
	`)
	if err != nil {
		return nil, fmt.Errorf("latest ratings: %w", err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		var r Rating
		var rated int64
		if err := rows.Scan(&r.DeliveryID, &r.RaterID, &r.Rating, &rated, &r.ItemHash, &r.Type, &r.FactID); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		r.RatedAt = fromMillis(rated)
		out = append(out, r)
	}
	return out, rows.Err()
}
