package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-settlement/internal/ledger"
	"market-settlement/internal/marketerrors"
	"market-settlement/internal/models"
	"market-settlement/internal/notify"
	"market-settlement/internal/repository"
	"market-settlement/utils"
)

// OutcomeKind tags the result of a terminal transition.
type OutcomeKind int

const (
	// Applied means this call moved the listing into its terminal state.
	Applied OutcomeKind = iota + 1
	// AlreadyTerminal means an earlier call did; Listing is the stored record.
	AlreadyTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case AlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// Outcome is the result of closing or cancelling a listing. Both kinds are
// success. GoodsUnavailable is set when a winner existed but the goods could
// not be delivered and the winner was refunded instead.
type Outcome struct {
	Kind             OutcomeKind
	Listing          models.Listing
	GoodsUnavailable bool
}

type settleResult struct {
	goodsUnavailable bool
	events           []notify.Event
}

// CloseListing settles a listing now, whether or not it has expired.
// When the winner had to be refunded the listing is still terminal and the
// returned error wraps ErrGoodsUnavailable next to the committed Outcome.
func (s *MarketService) CloseListing(ctx context.Context, listingID string) (Outcome, error) {
	if listingID == "" {
		return Outcome{}, fmt.Errorf("service: %w - empty listing ID", marketerrors.ErrInvalidInput)
	}

	var out Outcome
	var events []notify.Event
	err := s.withRetry(ctx, "close_listing", func() error {
		events = nil
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			listing, err := tx.LockListing(ctx, listingID)
			if err != nil {
				return err
			}
			out, events, err = s.settleListing(ctx, tx, listing)
			return err
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("service: failed to close listing %s: %w", listingID, err)
	}

	s.publish(ctx, events)
	if out.GoodsUnavailable {
		return out, fmt.Errorf("service: %w - listing %s closed with refund", marketerrors.ErrGoodsUnavailable, listingID)
	}
	return out, nil
}

// ExpiredListingIDs lists settlement candidates without locking them.
func (s *MarketService) ExpiredListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.repo.ListExpiredListingIDs(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("service: failed to list expired listings: %w", err)
	}
	return ids, nil
}

// SettleExpired settles one expired listing if no other worker holds it.
// A held or no longer eligible listing yields ErrLocked.
func (s *MarketService) SettleExpired(ctx context.Context, listingID string, now time.Time) (Outcome, error) {
	var out Outcome
	var events []notify.Event
	err := s.withRetry(ctx, "settle_expired", func() error {
		events = nil
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			listing, err := tx.TryLockListing(ctx, listingID, now)
			if err != nil {
				return err
			}
			out, events, err = s.settleListing(ctx, tx, listing)
			return err
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("service: failed to settle listing %s: %w", listingID, err)
	}

	s.publish(ctx, events)
	return out, nil
}

// settleListing runs settlement on a listing whose row lock is already held.
func (s *MarketService) settleListing(ctx context.Context, tx repository.Tx, listing models.Listing) (Outcome, []notify.Event, error) {
	if listing.IsTerminal() {
		utils.Info("settle on terminal listing ignored", map[string]any{
			"listing_id": listing.ID,
			"status":     listing.Status,
		})
		return Outcome{Kind: AlreadyTerminal, Listing: listing}, nil, nil
	}

	res, err := s.settleLocked(ctx, tx, &listing, nil)
	if err != nil {
		return Outcome{}, nil, err
	}
	return Outcome{Kind: Applied, Listing: listing, GoodsUnavailable: res.goodsUnavailable}, res.events, nil
}

// settleLocked closes a locked, active listing: every standing order is
// released, the winner pays the seller and receives the goods, or is refunded
// when the goods are gone. Listing, accounts and goods are written through tx.
func (s *MarketService) settleLocked(ctx context.Context, tx repository.Tx, listing *models.Listing, accts map[string]*models.Account) (settleResult, error) {
	var res settleResult
	now := s.now()

	highest, hasWinner, err := tx.HighestBid(ctx, listing.ID)
	if err != nil {
		return res, err
	}
	orders, err := tx.ListAutoBids(ctx, listing.ID)
	if err != nil {
		return res, err
	}

	ids := []string{listing.SellerID}
	if hasWinner {
		ids = append(ids, highest.BidderID)
	}
	for _, ab := range activeAutoBids(orders) {
		ids = append(ids, ab.UserID)
	}
	accts, err = ensureAccounts(ctx, tx, accts, ids...)
	if err != nil {
		return res, err
	}
	if err := s.releaseAutoBids(ctx, tx, listing, accts); err != nil {
		return res, err
	}

	listing.Status = models.StatusFinished
	listing.SettledAt = &now

	if !hasWinner {
		if err := s.returnGoods(ctx, tx, *listing); err != nil {
			return res, err
		}
		listing.WinnerID = nil
		if err := tx.SaveListing(ctx, listing); err != nil {
			return res, err
		}
		res.events = append(res.events, notify.Event{Type: notify.EventListingSettled, ListingID: listing.ID, At: now})
		utils.Info("listing closed without bids", map[string]any{
			"listing_id": listing.ID,
			"kind":       listing.Kind,
		})
		return res, nil
	}

	winner := accts[highest.BidderID]
	err = s.deliverGoods(ctx, tx, *listing, highest.BidderID)
	switch {
	case errors.Is(err, marketerrors.ErrGoodsUnavailable):
		// funds stay with the winner; the goods never move
		if err := ledger.Release(winner, highest.Reserved); err != nil {
			return res, err
		}
		listing.WinnerID = nil
		res.goodsUnavailable = true
		res.events = append(res.events, notify.Event{
			Type:      notify.EventSettlementAbort,
			ListingID: listing.ID,
			UserID:    highest.BidderID,
			Amount:    highest.Amount,
			At:        now,
		})
		utils.Warn("goods unavailable at settlement, winner refunded", map[string]any{
			"listing_id": listing.ID,
			"winner_id":  highest.BidderID,
			"amount":     highest.Amount.StringFixed(2),
			"error":      err.Error(),
		})
	case err != nil:
		return res, err
	default:
		if err := s.payout(winner, accts[listing.SellerID], highest); err != nil {
			return res, err
		}
		winnerID := highest.BidderID
		listing.WinnerID = &winnerID
		listing.CurrentPrice = highest.Amount
		res.events = append(res.events, notify.Event{
			Type:      notify.EventListingSettled,
			ListingID: listing.ID,
			UserID:    winnerID,
			Amount:    highest.Amount,
			At:        now,
		})
		utils.Info("listing settled", map[string]any{
			"listing_id": listing.ID,
			"seller_id":  listing.SellerID,
			"winner_id":  winnerID,
			"amount":     highest.Amount.StringFixed(2),
		})
	}

	if err := tx.SaveListing(ctx, listing); err != nil {
		return res, err
	}
	if err := saveAccounts(ctx, tx, accts); err != nil {
		return res, err
	}
	return res, nil
}

// payout moves the winning amount to the seller. The bid's own pledge is
// captured; an auto-bid winner pays the rest from the balance its released
// standing order left available.
func (s *MarketService) payout(winner, seller *models.Account, highest models.Bid) error {
	if highest.Reserved.IsPositive() {
		if err := ledger.Capture(winner, seller, highest.Reserved); err != nil {
			return err
		}
	}
	if rest := highest.Amount.Sub(highest.Reserved); rest.IsPositive() {
		return ledger.Transfer(winner, seller, rest)
	}
	return nil
}

// deliverGoods hands the listed goods to the winner. Items were escrowed at
// listing time; a character is re-checked under its row lock.
func (s *MarketService) deliverGoods(ctx context.Context, tx repository.Tx, listing models.Listing, winnerID string) error {
	switch listing.Kind {
	case models.KindItem:
		return tx.Increment(ctx, winnerID, listing.ItemID, listing.Quantity)
	case models.KindCharacter:
		c, err := tx.GetCharacter(ctx, listing.CharacterID)
		if errors.Is(err, marketerrors.ErrCharacterNotFound) {
			return fmt.Errorf("character %s: %w", listing.CharacterID, marketerrors.ErrGoodsUnavailable)
		}
		if err != nil {
			return err
		}
		if c.Retired || c.OwnerID != listing.SellerID {
			if err := tx.SetListed(ctx, c.ID, false); err != nil {
				return err
			}
			return fmt.Errorf("character %s removed or reassigned: %w", c.ID, marketerrors.ErrGoodsUnavailable)
		}
		if err := tx.SetOwner(ctx, c.ID, winnerID); err != nil {
			return err
		}
		return tx.SetListed(ctx, c.ID, false)
	default:
		return fmt.Errorf("service: unknown listing kind %q", listing.Kind)
	}
}
