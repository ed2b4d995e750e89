package helpers

import (
	"time"

	model "market-settlement/internal/models"
)

// Request/Response DTOs. Amounts travel as decimal strings ("12.50").

type CreateItemListingRequest struct {
	ItemID          string `json:"item_id" binding:"required"`
	Quantity        int64  `json:"quantity" binding:"required,gt=0"`
	StartPrice      string `json:"start_price" binding:"required"`
	DurationSeconds int64  `json:"duration_seconds" binding:"required,gt=0"`
}

type CreateCharacterLotRequest struct {
	CharacterID     string  `json:"character_id" binding:"required"`
	StartingPrice   string  `json:"starting_price" binding:"required"`
	BuyoutPrice     *string `json:"buyout_price"`
	DurationSeconds int64   `json:"duration_seconds" binding:"required,gt=0"`
}

type PlaceBidRequest struct {
	Amount    string `json:"amount" binding:"required"`
	RequestID string `json:"request_id" binding:"omitempty,max=128"`
}

type SetAutoBidRequest struct {
	MaxAmount string `json:"max_amount" binding:"required"`
}

type DepositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type ListingResponse struct {
	ListingID    string  `json:"listing_id"`
	Kind         string  `json:"kind"`
	SellerID     string  `json:"seller_id"`
	ItemID       string  `json:"item_id,omitempty"`
	Quantity     int64   `json:"quantity,omitempty"`
	CharacterID  string  `json:"character_id,omitempty"`
	StartPrice   string  `json:"start_price"`
	CurrentPrice string  `json:"current_price"`
	BuyoutPrice  *string `json:"buyout_price,omitempty"`
	EndTime      string  `json:"end_time"`
	Status       string  `json:"status"`
	WinnerID     *string `json:"winner_id,omitempty"`
	BidCount     int     `json:"bid_count"`
	SettledAt    *string `json:"settled_at,omitempty"`
}

type BidResponse struct {
	BidID     string  `json:"bid_id"`
	ListingID string  `json:"listing_id"`
	BidderID  string  `json:"bidder_id"`
	Amount    string  `json:"amount"`
	AutoBidID *string `json:"auto_bid_id,omitempty"`
	RequestID *string `json:"request_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type AutoBidResponse struct {
	AutoBidID string `json:"auto_bid_id"`
	ListingID string `json:"listing_id"`
	UserID    string `json:"user_id"`
	MaxAmount string `json:"max_amount"`
	Reserved  string `json:"reserved"`
	Active    bool   `json:"active"`
}

type AccountResponse struct {
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

// OutcomeResponse wraps a terminal transition; Outcome is "applied" or "already_terminal".
type OutcomeResponse struct {
	Outcome string          `json:"outcome"`
	Listing ListingResponse `json:"listing"`
}

func NewListingResponse(l model.Listing) ListingResponse {
	resp := ListingResponse{
		ListingID:    l.ID,
		Kind:         l.Kind,
		SellerID:     l.SellerID,
		ItemID:       l.ItemID,
		Quantity:     l.Quantity,
		CharacterID:  l.CharacterID,
		StartPrice:   l.StartPrice.StringFixed(2),
		CurrentPrice: l.CurrentPrice.StringFixed(2),
		EndTime:      l.EndTime.UTC().Format(time.RFC3339),
		Status:       l.Status,
		WinnerID:     l.WinnerID,
		BidCount:     l.BidCount,
	}
	if l.BuyoutPrice != nil {
		p := l.BuyoutPrice.StringFixed(2)
		resp.BuyoutPrice = &p
	}
	if l.SettledAt != nil {
		at := l.SettledAt.UTC().Format(time.RFC3339)
		resp.SettledAt = &at
	}
	return resp
}

func NewBidResponse(b model.Bid) BidResponse {
	return BidResponse{
		BidID:     b.ID,
		ListingID: b.ListingID,
		BidderID:  b.BidderID,
		Amount:    b.Amount.StringFixed(2),
		AutoBidID: b.AutoBidID,
		RequestID: b.RequestID,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func NewAutoBidResponse(ab model.AutoBid) AutoBidResponse {
	return AutoBidResponse{
		AutoBidID: ab.ID,
		ListingID: ab.ListingID,
		UserID:    ab.UserID,
		MaxAmount: ab.MaxAmount.StringFixed(2),
		Reserved:  ab.Reserved.StringFixed(2),
		Active:    ab.Active,
	}
}

func NewAccountResponse(a model.Account) AccountResponse {
	return AccountResponse{
		UserID:    a.UserID,
		Balance:   a.Balance.StringFixed(2),
		Reserved:  a.Reserved.StringFixed(2),
		Available: a.Available().StringFixed(2),
	}
}
