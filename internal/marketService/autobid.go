package market

import (
	"context"
	"fmt"
	"sort"

	"market-settlement/internal/ledger"
	"market-settlement/internal/marketerrors"
	"market-settlement/internal/models"
	"market-settlement/internal/notify"
	"market-settlement/internal/repository"
	"market-settlement/utils"

	"github.com/shopspring/decimal"
)

// SetAutoBid creates or adjusts the caller's standing order on a listing.
// Creation reserves maxAmount in full; raising it reserves only the delta.
// If the caller is not leading, the new order answers right away.
func (s *MarketService) SetAutoBid(ctx context.Context, listingID, userID string, maxAmount decimal.Decimal) (models.AutoBid, error) {
	if listingID == "" || userID == "" {
		return models.AutoBid{}, fmt.Errorf("service: %w - missing listingID or userID", marketerrors.ErrInvalidInput)
	}
	if err := validateMoney(maxAmount); err != nil {
		return models.AutoBid{}, err
	}

	var out models.AutoBid
	var events []notify.Event
	err := s.withRetry(ctx, "set_auto_bid", func() error {
		events = nil
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			var err error
			out, events, err = s.setAutoBidTx(ctx, tx, listingID, userID, maxAmount)
			return err
		})
	})
	if err != nil {
		return models.AutoBid{}, fmt.Errorf("service: failed to set auto-bid on listing %s for %s: %w", listingID, userID, err)
	}

	s.publish(ctx, events)
	return out, nil
}

func (s *MarketService) setAutoBidTx(ctx context.Context, tx repository.Tx, listingID, userID string, maxAmount decimal.Decimal) (models.AutoBid, []notify.Event, error) {
	listing, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return models.AutoBid{}, nil, err
	}
	now := s.now()
	if !listing.IsActive() || listing.Expired(now) {
		return models.AutoBid{}, nil, &marketerrors.ListingNotActiveError{Status: listing.Status, EndTime: listing.EndTime}
	}
	if userID == listing.SellerID {
		return models.AutoBid{}, nil, fmt.Errorf("service: %w - listing %s", marketerrors.ErrSelfBid, listing.ID)
	}

	leading := listing.WinnerID != nil && *listing.WinnerID == userID
	if (leading && maxAmount.LessThan(listing.CurrentPrice)) || (!leading && !maxAmount.GreaterThan(listing.CurrentPrice)) {
		return models.AutoBid{}, nil, &marketerrors.BidTooLowError{CurrentPrice: listing.CurrentPrice, Offered: maxAmount}
	}

	book, err := s.openBook(ctx, tx, &listing, userID)
	if err != nil {
		return models.AutoBid{}, nil, err
	}
	acct := book.accts[userID]

	idx := -1
	for i := range book.autoBids {
		if book.autoBids[i].UserID == userID {
			idx = i
		}
	}

	var ab models.AutoBid
	if idx >= 0 {
		// active order: adjust the reservation by the difference only
		ab = book.autoBids[idx]
		delta := maxAmount.Sub(ab.MaxAmount)
		if delta.IsPositive() && acct.Available().LessThan(delta) {
			return models.AutoBid{}, nil, &marketerrors.InsufficientFundsError{Required: delta, Available: acct.Available()}
		}
		if err := ledger.Adjust(acct, delta); err != nil {
			return models.AutoBid{}, nil, err
		}
		ab.MaxAmount = maxAmount
		ab.Reserved = ab.Reserved.Add(delta)
		book.autoBids[idx] = ab
	} else {
		if acct.Available().LessThan(maxAmount) {
			return models.AutoBid{}, nil, &marketerrors.InsufficientFundsError{Required: maxAmount, Available: acct.Available()}
		}
		if err := ledger.Reserve(acct, maxAmount); err != nil {
			return models.AutoBid{}, nil, err
		}
		prev, exists, err := tx.GetAutoBid(ctx, listing.ID, userID)
		if err != nil {
			return models.AutoBid{}, nil, err
		}
		ab = models.AutoBid{
			ID:        utils.GenerateID(),
			ListingID: listing.ID,
			UserID:    userID,
			CreatedAt: now,
		}
		if exists {
			// revive the exhausted row; (listing, user) is unique
			ab.ID = prev.ID
			ab.CreatedAt = prev.CreatedAt
		}
		ab.MaxAmount = maxAmount
		ab.Reserved = maxAmount
		ab.Active = true
		book.autoBids = append(book.autoBids, ab)
	}

	if err := s.runAutoBids(ctx, book); err != nil {
		return models.AutoBid{}, nil, err
	}
	if err := book.flush(ctx); err != nil {
		return models.AutoBid{}, nil, err
	}

	for _, cur := range book.autoBids {
		if cur.UserID == userID {
			ab = cur
		}
	}
	if book.settled {
		if latest, ok, err := tx.GetAutoBid(ctx, listing.ID, userID); err == nil && ok {
			ab = latest
		}
	}

	utils.Info("auto-bid set", map[string]any{
		"listing_id": listing.ID,
		"user_id":    userID,
		"max_amount": maxAmount.StringFixed(2),
		"active":     ab.Active,
	})
	return ab, book.events, nil
}

// runAutoBids resolves the standing orders on a listing in one step. Orders
// that cannot beat the price are exhausted; the strongest order then leads at
// min(its max, max(price, runner-up max)+increment), capped at the buyout.
// The runner-up records its ceiling bid first when that is below the result.
func (s *MarketService) runAutoBids(ctx context.Context, b *bidBook) error {
	for i := range b.autoBids {
		ab := b.autoBids[i]
		if ab.Active && !b.leads(ab.UserID) && !ab.MaxAmount.GreaterThan(b.listing.CurrentPrice) {
			if err := b.exhaust(i); err != nil {
				return err
			}
		}
	}

	ranked := rankAutoBids(b.autoBids)
	if len(ranked) == 0 {
		return nil
	}
	top := b.autoBids[ranked[0]]
	floor := b.listing.CurrentPrice
	var runner *models.AutoBid
	if len(ranked) > 1 {
		r := b.autoBids[ranked[1]]
		runner = &r
		floor = decimal.Max(floor, r.MaxAmount)
	} else if b.leads(top.UserID) {
		return nil
	}

	target := decimal.Min(top.MaxAmount, floor.Add(s.increment))
	if b.listing.BuyoutPrice != nil && target.GreaterThan(*b.listing.BuyoutPrice) {
		target = *b.listing.BuyoutPrice
	}

	if runner != nil && !b.leads(runner.UserID) &&
		runner.MaxAmount.GreaterThan(b.listing.CurrentPrice) && runner.MaxAmount.LessThan(target) {
		if err := b.append(ctx, s.autoBidRow(b, *runner, runner.MaxAmount)); err != nil {
			return err
		}
	}
	if !(b.leads(top.UserID) && b.listing.CurrentPrice.Equal(target)) {
		if err := b.append(ctx, s.autoBidRow(b, top, target)); err != nil {
			return err
		}
	}

	for _, i := range ranked[1:] {
		if err := b.exhaust(i); err != nil {
			return err
		}
	}
	if s.buyoutReached(b) {
		if err := b.saveAutoBids(ctx); err != nil {
			return err
		}
		return s.settleBook(ctx, b)
	}
	return nil
}

func (s *MarketService) autoBidRow(b *bidBook, ab models.AutoBid, amount decimal.Decimal) models.Bid {
	autoID := ab.ID
	return models.Bid{
		ID:        utils.GenerateID(),
		ListingID: b.listing.ID,
		BidderID:  ab.UserID,
		Amount:    amount,
		Reserved:  decimal.Zero,
		AutoBidID: &autoID,
		CreatedAt: s.now(),
	}
}

// rankAutoBids returns the indexes of the active orders, highest max first;
// earlier orders win ties.
func rankAutoBids(orders []models.AutoBid) []int {
	idx := make([]int, 0, len(orders))
	for i, ab := range orders {
		if ab.Active {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(x, y int) bool {
		a, b := orders[idx[x]], orders[idx[y]]
		if !a.MaxAmount.Equal(b.MaxAmount) {
			return a.MaxAmount.GreaterThan(b.MaxAmount)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return idx
}

func (b *bidBook) leads(userID string) bool {
	return b.listing.WinnerID != nil && *b.listing.WinnerID == userID
}

// exhaust stops an order that can only lead by exceeding its ceiling.
func (b *bidBook) exhaust(i int) error {
	ab := b.autoBids[i]
	if err := ledger.Release(b.accts[ab.UserID], ab.Reserved); err != nil {
		return err
	}
	ab.Active = false
	ab.Reserved = decimal.Zero
	b.autoBids[i] = ab
	utils.Info("auto-bid exhausted", map[string]any{
		"listing_id": b.listing.ID,
		"user_id":    ab.UserID,
		"max_amount": ab.MaxAmount.StringFixed(2),
	})
	return nil
}

func (b *bidBook) saveAutoBids(ctx context.Context) error {
	for i := range b.autoBids {
		if err := b.tx.SaveAutoBid(ctx, &b.autoBids[i]); err != nil {
			return err
		}
	}
	return nil
}

// releaseAutoBids closes every active order on a listing and returns its
// reservation. accts may be nil; missing holders are locked here.
func (s *MarketService) releaseAutoBids(ctx context.Context, tx repository.Tx, listing *models.Listing, accts map[string]*models.Account) error {
	all, err := tx.ListAutoBids(ctx, listing.ID)
	if err != nil {
		return err
	}
	orders := activeAutoBids(all)
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, 0, len(orders))
	for _, ab := range orders {
		ids = append(ids, ab.UserID)
	}
	accts, err = ensureAccounts(ctx, tx, accts, ids...)
	if err != nil {
		return err
	}

	for i := range orders {
		ab := &orders[i]
		if err := ledger.Release(accts[ab.UserID], ab.Reserved); err != nil {
			return err
		}
		ab.Active = false
		ab.Reserved = decimal.Zero
		if err := tx.SaveAutoBid(ctx, ab); err != nil {
			return err
		}
	}
	return saveAccounts(ctx, tx, accts)
}

// ensureAccounts locks the ids missing from accts in one sorted pass.
func ensureAccounts(ctx context.Context, tx repository.Tx, accts map[string]*models.Account, ids ...string) (map[string]*models.Account, error) {
	if accts == nil {
		accts = make(map[string]*models.Account)
	}
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := accts[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return accts, nil
	}
	locked, err := tx.LockAccounts(ctx, missing...)
	if err != nil {
		return nil, err
	}
	for id, acct := range locked {
		accts[id] = acct
	}
	return accts, nil
}
