package notify

import (
	"context"

	"market-settlement/utils"
)

// LogNotifier writes events to the structured log. It never fails.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (LogNotifier) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		utils.Info("market event", map[string]any{
			"type":       e.Type,
			"listing_id": e.ListingID,
			"user_id":    e.UserID,
			"amount":     e.Amount.StringFixed(2),
		})
	}
	return nil
}
