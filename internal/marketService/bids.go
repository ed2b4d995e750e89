package market

import (
	"context"
	"errors"
	"fmt"

	"market-settlement/internal/ledger"
	"market-settlement/internal/marketerrors"
	"market-settlement/internal/models"
	"market-settlement/internal/notify"
	"market-settlement/internal/repository"
	"market-settlement/utils"

	"github.com/shopspring/decimal"
)

// PlaceBidInput is one bid submission. RequestID is an optional caller key;
// resubmitting it returns the bid it first produced.
type PlaceBidInput struct {
	ListingID string
	BidderID  string
	Amount    decimal.Decimal
	RequestID string
}

// PlaceBid validates and records a bid, moving the reservation from the
// previous highest bidder to the new one and letting standing auto-bids answer.
func (s *MarketService) PlaceBid(ctx context.Context, in PlaceBidInput) (models.Bid, error) {
	if in.ListingID == "" || in.BidderID == "" {
		return models.Bid{}, fmt.Errorf("service: %w - missing listingID or bidderID", marketerrors.ErrInvalidInput)
	}
	if err := validateMoney(in.Amount); err != nil {
		return models.Bid{}, err
	}

	if in.RequestID != "" {
		if prior, ok, err := s.lookupRequest(ctx, in.RequestID); err != nil {
			return models.Bid{}, err
		} else if ok {
			return prior, nil
		}
	}

	var bid models.Bid
	var events []notify.Event
	err := s.withRetry(ctx, "place_bid", func() error {
		events = nil
		err := s.repo.InTx(ctx, func(tx repository.Tx) error {
			var err error
			bid, events, err = s.placeBidTx(ctx, tx, in)
			return err
		})
		if in.RequestID != "" && errors.Is(err, marketerrors.ErrDuplicateRequest) {
			// a concurrent submission with the same key won the unique constraint
			prior, ok, lookupErr := s.lookupRequest(ctx, in.RequestID)
			if lookupErr != nil {
				return lookupErr
			}
			if !ok {
				return fmt.Errorf("request %s still in flight: %w", in.RequestID, marketerrors.ErrTransient)
			}
			bid, events = prior, nil
			return nil
		}
		return err
	})
	if err != nil {
		return models.Bid{}, fmt.Errorf("service: failed to place bid on listing %s by %s: %w", in.ListingID, in.BidderID, err)
	}

	s.publish(ctx, events)
	return bid, nil
}

// lookupRequest is the idempotency guard: one indexed read by request id.
func (s *MarketService) lookupRequest(ctx context.Context, requestID string) (models.Bid, bool, error) {
	prior, err := s.repo.FindBidByRequestID(ctx, requestID)
	if err == nil {
		utils.Info("duplicate bid request resolved", map[string]any{
			"request_id": requestID,
			"bid_id":     prior.ID,
		})
		return prior, true, nil
	}
	if errors.Is(err, marketerrors.ErrBidNotFound) {
		return models.Bid{}, false, nil
	}
	return models.Bid{}, false, fmt.Errorf("service: idempotency lookup for %s: %w", requestID, err)
}

// placeBidTx runs the placement protocol inside tx. Lock order: listing, then
// every participating account in id order, then goods rows on buyout.
func (s *MarketService) placeBidTx(ctx context.Context, tx repository.Tx, in PlaceBidInput) (models.Bid, []notify.Event, error) {
	listing, err := tx.LockListing(ctx, in.ListingID)
	if err != nil {
		return models.Bid{}, nil, err
	}

	// re-check under the listing lock; a racing twin may have committed meanwhile
	if in.RequestID != "" {
		if prior, ok, err := tx.FindBidByRequestID(ctx, in.RequestID); err != nil {
			return models.Bid{}, nil, err
		} else if ok {
			return prior, nil, nil
		}
	}

	now := s.now()
	if !listing.IsActive() || listing.Expired(now) {
		return models.Bid{}, nil, &marketerrors.ListingNotActiveError{Status: listing.Status, EndTime: listing.EndTime}
	}
	if in.BidderID == listing.SellerID {
		return models.Bid{}, nil, fmt.Errorf("service: %w - listing %s", marketerrors.ErrSelfBid, listing.ID)
	}
	if !in.Amount.GreaterThan(listing.CurrentPrice) {
		return models.Bid{}, nil, &marketerrors.BidTooLowError{CurrentPrice: listing.CurrentPrice, Offered: in.Amount}
	}

	book, err := s.openBook(ctx, tx, &listing, in.BidderID)
	if err != nil {
		return models.Bid{}, nil, err
	}

	bidder := book.accts[in.BidderID]
	credit := decimal.Zero
	if book.hasHighest && book.highest.BidderID == in.BidderID {
		credit = book.highest.Reserved
	}
	if bidder.Available().Add(credit).LessThan(in.Amount) {
		return models.Bid{}, nil, &marketerrors.InsufficientFundsError{Required: in.Amount, Available: bidder.Available().Add(credit)}
	}

	var requestID *string
	if in.RequestID != "" {
		id := in.RequestID
		requestID = &id
	}
	bid := models.Bid{
		ID:        utils.GenerateID(),
		ListingID: listing.ID,
		BidderID:  in.BidderID,
		Amount:    in.Amount,
		Reserved:  in.Amount,
		RequestID: requestID,
		CreatedAt: now,
	}
	if err := book.append(ctx, bid); err != nil {
		return models.Bid{}, nil, err
	}

	if err := s.afterBid(ctx, book); err != nil {
		return models.Bid{}, nil, err
	}
	if err := book.flush(ctx); err != nil {
		return models.Bid{}, nil, err
	}

	utils.Info("bid placed", map[string]any{
		"bid_id":     bid.ID,
		"listing_id": listing.ID,
		"bidder_id":  bid.BidderID,
		"amount":     bid.Amount.StringFixed(2),
	})
	return bid, book.events, nil
}

// bidBook is the locked working set of one listing during a placement.
type bidBook struct {
	tx         repository.Tx
	listing    *models.Listing
	accts      map[string]*models.Account
	autoBids   []models.AutoBid
	highest    models.Bid
	hasHighest bool
	settled    bool
	events     []notify.Event
}

// openBook loads the current highest bid and the active auto-bids, then locks
// every account the placement may touch in one sorted pass.
func (s *MarketService) openBook(ctx context.Context, tx repository.Tx, listing *models.Listing, extra ...string) (*bidBook, error) {
	highest, hasHighest, err := tx.HighestBid(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	all, err := tx.ListAutoBids(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	autoBids := activeAutoBids(all)

	ids := append([]string{}, extra...)
	if hasHighest {
		ids = append(ids, highest.BidderID)
	}
	for _, ab := range autoBids {
		ids = append(ids, ab.UserID)
	}
	if listing.BuyoutPrice != nil {
		ids = append(ids, listing.SellerID)
	}
	accts, err := tx.LockAccounts(ctx, ids...)
	if err != nil {
		return nil, err
	}

	return &bidBook{
		tx:         tx,
		listing:    listing,
		accts:      accts,
		autoBids:   autoBids,
		highest:    highest,
		hasHighest: hasHighest,
	}, nil
}

// append makes bid the current highest: the superseded bid's reservation is
// released, the new one reserved, and the listing price and winner moved.
func (b *bidBook) append(ctx context.Context, bid models.Bid) error {
	if b.hasHighest && b.highest.Reserved.IsPositive() {
		if err := ledger.Release(b.accts[b.highest.BidderID], b.highest.Reserved); err != nil {
			return err
		}
	}
	if bid.Reserved.IsPositive() {
		if err := ledger.Reserve(b.accts[bid.BidderID], bid.Reserved); err != nil {
			return err
		}
	}
	if err := b.tx.InsertBid(ctx, &bid); err != nil {
		return err
	}

	if b.hasHighest && b.highest.BidderID != bid.BidderID {
		b.events = append(b.events, notify.Event{
			Type:      notify.EventBidOutbid,
			ListingID: b.listing.ID,
			UserID:    b.highest.BidderID,
			Amount:    bid.Amount,
			At:        bid.CreatedAt,
		})
	}
	b.events = append(b.events, notify.Event{
		Type:      notify.EventBidPlaced,
		ListingID: b.listing.ID,
		UserID:    bid.BidderID,
		Amount:    bid.Amount,
		At:        bid.CreatedAt,
	})

	winner := bid.BidderID
	b.listing.CurrentPrice = bid.Amount
	b.listing.WinnerID = &winner
	b.listing.BidCount++
	b.highest = bid
	b.hasHighest = true
	return nil
}

// flush writes the listing, auto-bids and accounts back unless settlement
// already persisted them.
func (b *bidBook) flush(ctx context.Context) error {
	if b.settled {
		return nil
	}
	for i := range b.autoBids {
		if err := b.tx.SaveAutoBid(ctx, &b.autoBids[i]); err != nil {
			return err
		}
	}
	if err := b.tx.SaveListing(ctx, b.listing); err != nil {
		return err
	}
	return saveAccounts(ctx, b.tx, b.accts)
}

// afterBid answers a new highest bid: buyout settles immediately, otherwise
// standing auto-bids get their turn.
func (s *MarketService) afterBid(ctx context.Context, b *bidBook) error {
	if s.buyoutReached(b) {
		return s.settleBook(ctx, b)
	}
	return s.runAutoBids(ctx, b)
}

func (s *MarketService) buyoutReached(b *bidBook) bool {
	return b.listing.BuyoutPrice != nil && !b.listing.CurrentPrice.LessThan(*b.listing.BuyoutPrice)
}

func (s *MarketService) settleBook(ctx context.Context, b *bidBook) error {
	res, err := s.settleLocked(ctx, b.tx, b.listing, b.accts)
	if err != nil {
		return err
	}
	b.settled = true
	b.events = append(b.events, res.events...)
	return nil
}
