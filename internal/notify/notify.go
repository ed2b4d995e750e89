// Package notify publishes post-settlement events. Delivery is fire-and-forget:
// a failed publish is logged by the caller and never undoes committed state.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventListingSettled  = "listing.settled"
	EventListingCanceled = "listing.canceled"
	EventBidPlaced       = "bid.placed"
	EventBidOutbid       = "bid.outbid"
	EventSettlementAbort = "listing.goods_unavailable"
)

type Event struct {
	Type      string          `json:"type"`
	ListingID string          `json:"listing_id"`
	UserID    string          `json:"user_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	At        time.Time       `json:"at"`
}

// Notifier delivers events to an external channel
type Notifier interface {
	Publish(ctx context.Context, events ...Event) error
}
