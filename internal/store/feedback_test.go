package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAddFeedback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	d := testDelivery(t, db, "h1", "u-1", "", t0)

	fb, err := db.AddFeedback(ctx, Feedback{DeliveryID: d.ID, Rating: 4, Tags: []string{"useful"}, CreatedAt: t0})
	if err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	if fb.RecipientID != "u-1" {
		t.Errorf("rater = %q, want delivery recipient", fb.RecipientID)
	}

	for _, r := range []int{0, 6} {
		if _, err := db.AddFeedback(ctx, Feedback{DeliveryID: d.ID, Rating: r, CreatedAt: t0}); !errors.Is(err, ErrInvalidRating) {
			t.Errorf("rating %d: err = %v, want ErrInvalidRating", r, err)
		}
	}
	if _, err := db.AddFeedback(ctx, Feedback{DeliveryID: 404, Rating: 3, CreatedAt: t0}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAddFeedbackTruncatesComment(t *testing.T) {
	db := testDB(t)
	d := testDelivery(t, db, "h1", "u-1", "", t0)

	long := strings.Repeat("é", maxCommentBytes) // two bytes per rune
	if _, err := db.AddFeedback(context.Background(), Feedback{DeliveryID: d.ID, Rating: 2, Comment: long, CreatedAt: t0}); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	var stored string
	db.QueryRow("SELECT comment FROM feedback").Scan(&stored)
	if len(stored) != maxCommentBytes {
		t.Errorf("comment length = %d, want %d", len(stored), maxCommentBytes)
	}
	if !strings.HasSuffix(stored, "é") {
		t.Error("truncation split a rune")
	}
}

func TestLatestRatings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := testDelivery(t, db, "h1", "u-1", "", t0)
	b := testDelivery(t, db, "h2", "u-2", "", t0)

	add := func(id int64, rater string, rating int, at time.Time) {
		t.Helper()
		if _, err := db.AddFeedback(ctx, Feedback{DeliveryID: id, RecipientID: rater, Rating: rating, CreatedAt: at}); err != nil {
			t.Fatalf("AddFeedback: %v", err)
		}
	}
	add(a.ID, "u-1", 1, t0)
	add(a.ID, "u-1", 5, t0.Add(time.Hour)) // supersedes the 1
	add(b.ID, "u-2", 2, t0)

	ratings, err := db.LatestRatings(ctx)
	if err != nil {
		t.Fatalf("LatestRatings: %v", err)
	}
	if len(ratings) != 2 {
		t.Fatalf("ratings = %d, want 2", len(ratings))
	}
	if ratings[0].DeliveryID != a.ID || ratings[0].Rating != 5 || ratings[0].ItemHash != "h1" {
		t.Errorf("ratings[0] = %+v", ratings[0])
	}
	if ratings[1].Rating != 2 || ratings[1].Type != "action" {
		t.Errorf("ratings[1] = %+v", ratings[1])
	}
}
