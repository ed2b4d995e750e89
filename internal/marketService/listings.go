package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-settlement/internal/marketerrors"
	"market-settlement/internal/models"
	"market-settlement/internal/notify"
	"market-settlement/internal/repository"
	"market-settlement/utils"

	"github.com/shopspring/decimal"
)

// CreateItemListingInput describes a stack of items put up for auction
type CreateItemListingInput struct {
	SellerID   string
	ItemID     string
	Quantity   int64
	StartPrice decimal.Decimal
	Duration   time.Duration
}

// CreateCharacterLotInput describes a character put up for auction
type CreateCharacterLotInput struct {
	SellerID      string
	CharacterID   string
	StartingPrice decimal.Decimal
	Duration      time.Duration
	BuyoutPrice   *decimal.Decimal
}

// CreateItemListing opens an item auction. The items leave the seller's
// holding in the same transaction that creates the listing.
func (s *MarketService) CreateItemListing(ctx context.Context, in CreateItemListingInput) (models.Listing, error) {
	if in.SellerID == "" || in.ItemID == "" {
		return models.Listing{}, fmt.Errorf("service: %w - missing seller or item", marketerrors.ErrInvalidInput)
	}
	if in.Quantity <= 0 {
		return models.Listing{}, fmt.Errorf("service: %w - quantity must be positive", marketerrors.ErrInvalidInput)
	}
	if err := validateMoney(in.StartPrice); err != nil {
		return models.Listing{}, err
	}
	if err := s.validateDuration(in.Duration); err != nil {
		return models.Listing{}, err
	}

	var listing models.Listing
	err := s.withRetry(ctx, "create_item_listing", func() error {
		now := s.now()
		listing = models.Listing{
			ID:           utils.GenerateID(),
			Kind:         models.KindItem,
			SellerID:     in.SellerID,
			ItemID:       in.ItemID,
			Quantity:     in.Quantity,
			StartPrice:   in.StartPrice,
			CurrentPrice: in.StartPrice,
			EndTime:      now.Add(in.Duration),
			Status:       models.StatusActive,
			CreatedAt:    now,
		}
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			if err := tx.CreateListing(ctx, &listing); err != nil {
				return err
			}
			return tx.Decrement(ctx, in.SellerID, in.ItemID, in.Quantity)
		})
	})
	if err != nil {
		return models.Listing{}, fmt.Errorf("service: failed to create listing for item %s by %s: %w", in.ItemID, in.SellerID, err)
	}

	utils.Info("item listing created", map[string]any{
		"listing_id": listing.ID,
		"seller_id":  listing.SellerID,
		"item_id":    listing.ItemID,
		"quantity":   listing.Quantity,
	})
	return listing, nil
}

// CreateCharacterLot opens a character auction and marks the character as
// listed, which blocks a second lot, equipment changes and deletion.
func (s *MarketService) CreateCharacterLot(ctx context.Context, in CreateCharacterLotInput) (models.Listing, error) {
	if in.SellerID == "" || in.CharacterID == "" {
		return models.Listing{}, fmt.Errorf("service: %w - missing seller or character", marketerrors.ErrInvalidInput)
	}
	if err := validateMoney(in.StartingPrice); err != nil {
		return models.Listing{}, err
	}
	if in.BuyoutPrice != nil {
		if err := validateMoney(*in.BuyoutPrice); err != nil {
			return models.Listing{}, err
		}
		if !in.BuyoutPrice.GreaterThan(in.StartingPrice) {
			return models.Listing{}, fmt.Errorf("service: %w - buyout price must exceed starting price", marketerrors.ErrInvalidInput)
		}
	}
	if err := s.validateDuration(in.Duration); err != nil {
		return models.Listing{}, err
	}

	var lot models.Listing
	err := s.withRetry(ctx, "create_character_lot", func() error {
		now := s.now()
		lot = models.Listing{
			ID:           utils.GenerateID(),
			Kind:         models.KindCharacter,
			SellerID:     in.SellerID,
			CharacterID:  in.CharacterID,
			StartPrice:   in.StartingPrice,
			CurrentPrice: in.StartingPrice,
			BuyoutPrice:  in.BuyoutPrice,
			EndTime:      now.Add(in.Duration),
			Status:       models.StatusActive,
			CreatedAt:    now,
		}
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			if err := tx.CreateListing(ctx, &lot); err != nil {
				return err
			}
			c, err := tx.GetCharacter(ctx, in.CharacterID)
			if err != nil {
				return err
			}
			switch {
			case c.OwnerID != in.SellerID:
				return fmt.Errorf("service: %w - character %s is not owned by %s", marketerrors.ErrForbidden, c.ID, in.SellerID)
			case c.Retired:
				return fmt.Errorf("service: %w - character %s was removed", marketerrors.ErrGoodsUnavailable, c.ID)
			case c.Listed:
				return fmt.Errorf("service: %w - character %s", marketerrors.ErrCharacterListed, c.ID)
			}
			return tx.SetListed(ctx, in.CharacterID, true)
		})
	})
	if err != nil {
		return models.Listing{}, fmt.Errorf("service: failed to create lot for character %s by %s: %w", in.CharacterID, in.SellerID, err)
	}

	utils.Info("character lot created", map[string]any{
		"listing_id":   lot.ID,
		"seller_id":    lot.SellerID,
		"character_id": lot.CharacterID,
	})
	return lot, nil
}

// CancelListing withdraws a listing that has not received any bid and hands
// the goods back to the seller. Cancelling a terminal listing is a no-op.
func (s *MarketService) CancelListing(ctx context.Context, listingID string, requester Requester) (Outcome, error) {
	if listingID == "" || requester.UserID == "" {
		return Outcome{}, fmt.Errorf("service: %w - missing listing or requester", marketerrors.ErrInvalidInput)
	}

	var out Outcome
	var events []notify.Event
	err := s.withRetry(ctx, "cancel_listing", func() error {
		events = nil
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			listing, err := tx.LockListing(ctx, listingID)
			if err != nil {
				return err
			}
			if listing.IsTerminal() {
				utils.Info("cancel on terminal listing ignored", map[string]any{
					"listing_id": listing.ID,
					"status":     listing.Status,
				})
				out = Outcome{Kind: AlreadyTerminal, Listing: listing}
				return nil
			}
			if requester.UserID != listing.SellerID && requester.Role != RoleAdmin {
				return fmt.Errorf("service: %w - only the seller may cancel listing %s", marketerrors.ErrForbidden, listing.ID)
			}
			if _, hasBid, err := tx.HighestBid(ctx, listing.ID); err != nil {
				return err
			} else if hasBid || listing.BidCount > 0 {
				return fmt.Errorf("service: %w - listing %s has %d bids", marketerrors.ErrHasBids, listing.ID, listing.BidCount)
			}

			now := s.now()
			if err := s.releaseAutoBids(ctx, tx, &listing, nil); err != nil {
				return err
			}
			if err := s.returnGoods(ctx, tx, listing); err != nil {
				return err
			}
			listing.Status = models.StatusCanceled
			listing.SettledAt = &now
			if err := tx.SaveListing(ctx, &listing); err != nil {
				return err
			}
			out = Outcome{Kind: Applied, Listing: listing}
			events = append(events, notify.Event{Type: notify.EventListingCanceled, ListingID: listing.ID, UserID: listing.SellerID, At: now})
			return nil
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("service: failed to cancel listing %s: %w", listingID, err)
	}

	s.publish(ctx, events)
	return out, nil
}

// returnGoods gives an unsold listing's goods back to the seller.
func (s *MarketService) returnGoods(ctx context.Context, tx repository.Tx, listing models.Listing) error {
	switch listing.Kind {
	case models.KindItem:
		return tx.Increment(ctx, listing.SellerID, listing.ItemID, listing.Quantity)
	case models.KindCharacter:
		c, err := tx.GetCharacter(ctx, listing.CharacterID)
		if errors.Is(err, marketerrors.ErrCharacterNotFound) {
			utils.Warn("character vanished while listed", map[string]any{
				"listing_id":   listing.ID,
				"character_id": listing.CharacterID,
			})
			return nil
		}
		if err != nil {
			return err
		}
		return tx.SetListed(ctx, c.ID, false)
	default:
		return fmt.Errorf("service: unknown listing kind %q", listing.Kind)
	}
}
