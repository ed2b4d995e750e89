package repository

import (
	"context"
	"time"

	model "market-settlement/internal/models"
)

// MarketDB is the transactional store behind the marketplace. Mutations only
// happen inside InTx; the read helpers outside it see committed state.
type MarketDB interface {
	// InTx runs fn in one transaction. fn returning an error rolls everything back
	// and releases every lock taken inside.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	FindBidByRequestID(ctx context.Context, requestID string) (model.Bid, error)
	GetListing(ctx context.Context, listingID string) (model.Listing, error)
	GetAccount(ctx context.Context, userID string) (model.Account, error)
	ListBids(ctx context.Context, listingID string) ([]model.Bid, error)
	ListAutoBids(ctx context.Context, listingID string) ([]model.AutoBid, error)
	// ListExpiredListingIDs returns active listings whose end time is at or before now,
	// oldest first. The rows are not locked.
	ListExpiredListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// HoldingStore is the item inventory seen from inside a transaction.
type HoldingStore interface {
	GetQuantity(ctx context.Context, userID, itemID string) (int64, error)
	Increment(ctx context.Context, userID, itemID string, qty int64) error
	// Decrement fails with ErrGoodsUnavailable when the holding is too small.
	Decrement(ctx context.Context, userID, itemID string, qty int64) error
}

// CharacterStore is the character roster seen from inside a transaction.
type CharacterStore interface {
	// GetCharacter locks and returns the character row.
	GetCharacter(ctx context.Context, characterID string) (model.Character, error)
	SetOwner(ctx context.Context, characterID, ownerID string) error
	SetListed(ctx context.Context, characterID string, listed bool) error
}

// Tx is one open transaction. Locks taken through it are held until commit or rollback.
type Tx interface {
	HoldingStore
	CharacterStore

	// LockListing blocks until the listing row is exclusively held.
	LockListing(ctx context.Context, listingID string) (model.Listing, error)
	// TryLockListing takes the lock only if nobody else holds it and the
	// listing is still active and expired at now; otherwise it returns ErrLocked.
	TryLockListing(ctx context.Context, listingID string, now time.Time) (model.Listing, error)
	CreateListing(ctx context.Context, listing *model.Listing) error
	SaveListing(ctx context.Context, listing *model.Listing) error

	// LockAccounts locks the given accounts in ascending id order, creating
	// empty accounts for unknown ids. Duplicates are ignored.
	LockAccounts(ctx context.Context, userIDs ...string) (map[string]*model.Account, error)
	SaveAccount(ctx context.Context, acct *model.Account) error

	// InsertBid appends a bid; a reused request id yields ErrDuplicateRequest.
	InsertBid(ctx context.Context, bid *model.Bid) error
	HighestBid(ctx context.Context, listingID string) (model.Bid, bool, error)
	FindBidByRequestID(ctx context.Context, requestID string) (model.Bid, bool, error)

	ListAutoBids(ctx context.Context, listingID string) ([]model.AutoBid, error)
	GetAutoBid(ctx context.Context, listingID, userID string) (model.AutoBid, bool, error)
	SaveAutoBid(ctx context.Context, autoBid *model.AutoBid) error
}

var (
	_ MarketDB = (*MemoryRepo)(nil)
	_ MarketDB = (*GormRepo)(nil)
	_ Tx       = (*memoryTx)(nil)
	_ Tx       = (*gormTx)(nil)
)
