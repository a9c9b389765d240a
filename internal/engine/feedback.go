package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/store"
)

// RecordFeedback stores a rating stamped with the engine clock. It feeds the
// next ranking pass; nothing is rescored here.
func (e *Engine) RecordFeedback(ctx context.Context, fb store.Feedback) (*store.Feedback, error) {
	fb.CreatedAt = e.clock()
	out, err := e.DB.AddFeedback(ctx, fb)
	if err != nil {
		return nil, err
	}
	e.log.Debug("feedback.recorded",
		zap.Int64("delivery_id", out.DeliveryID),
		zap.String("recipient_id", out.RecipientID),
		zap.Int("rating", out.Rating))
	return out, nil
}

// SetDeliveryStatus records a consumer's status change on a delivery.
func (e *Engine) SetDeliveryStatus(ctx context.Context, id int64, status string) error {
	return e.DB.SetDeliveryStatus(ctx, id, status, e.clock())
}
