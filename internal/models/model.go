package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing kinds
const (
	KindItem      = "item"
	KindCharacter = "character"
)

// Listing statuses
const (
	StatusActive   = "active"
	StatusFinished = "finished"
	StatusCanceled = "canceled"
)

// Account holds a user's funds. Only Balance - Reserved is spendable.
type Account struct {
	UserID    string          `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"balance"`
	Reserved  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"reserved"`
	UpdatedAt time.Time       `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// Available returns the spendable part of the balance
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// Listing is either an item stack or a character lot, told apart by Kind.
type Listing struct {
	ID           string           `gorm:"type:varchar(64);primaryKey" json:"listing_id"`
	Kind         string           `gorm:"type:varchar(16);not null" json:"kind"`
	SellerID     string           `gorm:"type:varchar(64);not null;index" json:"seller_id"`
	ItemID       string           `gorm:"type:varchar(64)" json:"item_id,omitempty"`
	Quantity     int64            `gorm:"not null;default:0" json:"quantity,omitempty"`
	CharacterID  string           `gorm:"type:varchar(64);index" json:"character_id,omitempty"`
	StartPrice   decimal.Decimal  `gorm:"type:numeric(20,2);not null" json:"start_price"`
	CurrentPrice decimal.Decimal  `gorm:"type:numeric(20,2);not null" json:"current_price"`
	BuyoutPrice  *decimal.Decimal `gorm:"type:numeric(20,2)" json:"buyout_price,omitempty"`
	EndTime      time.Time        `gorm:"type:timestamptz;not null;index:idx_listings_status_end_time,priority:2" json:"end_time"`
	Status       string           `gorm:"type:varchar(16);not null;default:'active';index:idx_listings_status_end_time,priority:1" json:"status"`
	WinnerID     *string          `gorm:"type:varchar(64)" json:"winner_id,omitempty"`
	BidCount     int              `gorm:"not null;default:0" json:"bid_count"`
	SettledAt    *time.Time       `gorm:"type:timestamptz" json:"settled_at,omitempty"`
	CreatedAt    time.Time        `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Listing) TableName() string {
	return "listings"
}

// IsActive is the lot-style view of the status field.
func (l Listing) IsActive() bool {
	return l.Status == StatusActive
}

// IsTerminal reports whether the listing reached finished or canceled.
func (l Listing) IsTerminal() bool {
	return l.Status == StatusFinished || l.Status == StatusCanceled
}

// Expired reports whether bidding has closed at the given instant.
func (l Listing) Expired(now time.Time) bool {
	return !now.Before(l.EndTime)
}

// Bid is immutable once created. Reserved is what this bid pledged on the
// bidder's account; it is zero when an auto-bid reservation already covers it.
type Bid struct {
	ID        string          `gorm:"type:varchar(64);primaryKey" json:"bid_id"`
	ListingID string          `gorm:"type:varchar(64);not null;index:idx_bids_listing_amount,priority:1" json:"listing_id"`
	BidderID  string          `gorm:"type:varchar(64);not null;index" json:"bidder_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null;index:idx_bids_listing_amount,priority:2" json:"amount"`
	Reserved  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"-"`
	AutoBidID *string         `gorm:"type:varchar(64)" json:"auto_bid_id,omitempty"`
	RequestID *string         `gorm:"type:varchar(128);uniqueIndex:idx_bids_request_id" json:"request_id,omitempty"`
	CreatedAt time.Time       `gorm:"type:timestamptz;not null" json:"created_at"`
}

func (Bid) TableName() string {
	return "bids"
}

// AutoBid is a standing order re-bidding on the user's behalf up to MaxAmount.
type AutoBid struct {
	ID        string          `gorm:"type:varchar(64);primaryKey" json:"auto_bid_id"`
	ListingID string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_auto_bids_listing_user,priority:1" json:"listing_id"`
	UserID    string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_auto_bids_listing_user,priority:2" json:"user_id"`
	MaxAmount decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"max_amount"`
	Reserved  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"reserved"`
	Active    bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"type:timestamptz;not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (AutoBid) TableName() string {
	return "auto_bids"
}

// Holding is a user's quantity of one item
type Holding struct {
	UserID   string `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	ItemID   string `gorm:"type:varchar(64);primaryKey" json:"item_id"`
	Quantity int64  `gorm:"not null;default:0" json:"quantity"`
}

func (Holding) TableName() string {
	return "holdings"
}

// Character is owned by exactly one user. Listed blocks a second lot,
// equipment changes and deletion; Retired marks an independently removed character.
type Character struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"character_id"`
	OwnerID   string    `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Name      string    `gorm:"type:varchar(64)" json:"name"`
	Listed    bool      `gorm:"not null;default:false" json:"listed"`
	Retired   bool      `gorm:"not null;default:false" json:"retired"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Character) TableName() string {
	return "characters"
}
