package market

import (
	"context"
	"testing"
	"time"

	"market-settlement/internal/marketerrors"
	model "market-settlement/internal/models"

	"github.com/stretchr/testify/require"
)

func TestCreateItemListing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MinDuration: time.Minute, MaxDuration: 24 * time.Hour})
	ctx := context.Background()
	f.repo.AddHolding(model.Holding{UserID: "seller", ItemID: "sword", Quantity: 5})

	tests := []struct {
		name    string
		in      CreateItemListingInput
		wantErr error
	}{
		{name: "valid", in: CreateItemListingInput{SellerID: "seller", ItemID: "sword", Quantity: 3, StartPrice: amt("10"), Duration: time.Hour}},
		{name: "more_than_held", in: CreateItemListingInput{SellerID: "seller", ItemID: "sword", Quantity: 3, StartPrice: amt("10"), Duration: time.Hour}, wantErr: marketerrors.ErrGoodsUnavailable},
		{name: "zero_quantity", in: CreateItemListingInput{SellerID: "seller", ItemID: "sword", Quantity: 0, StartPrice: amt("10"), Duration: time.Hour}, wantErr: marketerrors.ErrInvalidInput},
		{name: "negative_price", in: CreateItemListingInput{SellerID: "seller", ItemID: "sword", Quantity: 1, StartPrice: amt("-1"), Duration: time.Hour}, wantErr: marketerrors.ErrInvalidInput},
		{name: "too_short", in: CreateItemListingInput{SellerID: "seller", ItemID: "sword", Quantity: 1, StartPrice: amt("10"), Duration: time.Second}, wantErr: marketerrors.ErrInvalidInput},
		{name: "too_long", in: CreateItemListingInput{SellerID: "seller", ItemID: "sword", Quantity: 1, StartPrice: amt("10"), Duration: 48 * time.Hour}, wantErr: marketerrors.ErrInvalidInput},
		{name: "missing_item", in: CreateItemListingInput{SellerID: "seller", Quantity: 1, StartPrice: amt("10"), Duration: time.Hour}, wantErr: marketerrors.ErrInvalidInput},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			l, err := f.svc.CreateItemListing(ctx, tc.in)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, model.StatusActive, l.Status)
			require.Equal(t, model.KindItem, l.Kind)
			requireAmount(t, "10", l.CurrentPrice)
			require.Equal(t, f.clock.Now().Add(time.Hour), l.EndTime)
		})
	}

	// the failed second listing rolled back; only the first escrowed its items
	require.Equal(t, int64(2), f.repo.Holding("seller", "sword"))
}

func TestCreateCharacterLot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.repo.AddCharacter(model.Character{ID: "char1", OwnerID: "seller"})
	f.repo.AddCharacter(model.Character{ID: "gone", OwnerID: "seller", Retired: true})

	lot, err := f.svc.CreateCharacterLot(ctx, CreateCharacterLotInput{
		SellerID: "seller", CharacterID: "char1", StartingPrice: amt("100"), Duration: time.Hour, BuyoutPrice: ptr(amt("500")),
	})
	require.NoError(t, err)
	require.Equal(t, model.KindCharacter, lot.Kind)
	requireAmount(t, "500", *lot.BuyoutPrice)
	c, _ := f.repo.Character("char1")
	require.True(t, c.Listed)

	tests := []struct {
		name    string
		in      CreateCharacterLotInput
		wantErr error
	}{
		{name: "already_listed", in: CreateCharacterLotInput{SellerID: "seller", CharacterID: "char1", StartingPrice: amt("100"), Duration: time.Hour}, wantErr: marketerrors.ErrCharacterListed},
		{name: "not_owner", in: CreateCharacterLotInput{SellerID: "other", CharacterID: "char1", StartingPrice: amt("100"), Duration: time.Hour}, wantErr: marketerrors.ErrForbidden},
		{name: "retired", in: CreateCharacterLotInput{SellerID: "seller", CharacterID: "gone", StartingPrice: amt("100"), Duration: time.Hour}, wantErr: marketerrors.ErrGoodsUnavailable},
		{name: "unknown", in: CreateCharacterLotInput{SellerID: "seller", CharacterID: "nobody", StartingPrice: amt("100"), Duration: time.Hour}, wantErr: marketerrors.ErrCharacterNotFound},
		{name: "buyout_not_above_start", in: CreateCharacterLotInput{SellerID: "seller", CharacterID: "char1", StartingPrice: amt("100"), Duration: time.Hour, BuyoutPrice: ptr(amt("100"))}, wantErr: marketerrors.ErrInvalidInput},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateCharacterLot(ctx, tc.in)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestPlaceBid_BuyoutSettlesImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fund("buyer2", "1000")
	lot := f.characterLot(t, "seller", "char1", "100", ptr(amt("500")))

	_, err := f.svc.PlaceBid(ctx, PlaceBidInput{ListingID: lot.ID, BidderID: "buyer2", Amount: amt("500")})
	require.NoError(t, err)

	l := f.listing(t, lot.ID)
	require.Equal(t, model.StatusFinished, l.Status)
	require.Equal(t, "buyer2", *l.WinnerID)
	requireAmount(t, "500", f.account(t, "seller").Balance)
	buyer2 := f.account(t, "buyer2")
	requireAmount(t, "500", buyer2.Balance)
	requireAmount(t, "0", buyer2.Reserved)

	c, _ := f.repo.Character("char1")
	require.Equal(t, "buyer2", c.OwnerID)
	require.False(t, c.Listed)
}

func TestCancelListing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fund("buyer1", "1000")
	seller := Requester{UserID: "seller"}

	t.Run("returns_goods", func(t *testing.T) {
		x := f.itemListing(t, "seller", "50")
		before := f.repo.Holding("seller", "item1")

		out, err := f.svc.CancelListing(ctx, x.ID, seller)
		require.NoError(t, err)
		require.Equal(t, Applied, out.Kind)
		require.Equal(t, model.StatusCanceled, out.Listing.Status)
		require.Equal(t, before+1, f.repo.Holding("seller", "item1"))

		again, err := f.svc.CancelListing(ctx, x.ID, seller)
		require.NoError(t, err)
		require.Equal(t, AlreadyTerminal, again.Kind)
		require.Equal(t, before+1, f.repo.Holding("seller", "item1"))
	})

	t.Run("unlists_character", func(t *testing.T) {
		lot := f.characterLot(t, "seller", "char9", "100", nil)
		_, err := f.svc.CancelListing(ctx, lot.ID, Requester{UserID: "mod", Role: RoleAdmin})
		require.NoError(t, err)
		c, _ := f.repo.Character("char9")
		require.False(t, c.Listed)
	})

	t.Run("rejects_after_bid", func(t *testing.T) {
		x := f.itemListing(t, "seller", "50")
		_, err := f.svc.PlaceBid(ctx, PlaceBidInput{ListingID: x.ID, BidderID: "buyer1", Amount: amt("60")})
		require.NoError(t, err)

		_, err = f.svc.CancelListing(ctx, x.ID, seller)
		require.ErrorIs(t, err, marketerrors.ErrHasBids)
		require.Equal(t, model.StatusActive, f.listing(t, x.ID).Status)
	})

	t.Run("rejects_other_user", func(t *testing.T) {
		x := f.itemListing(t, "seller", "50")
		_, err := f.svc.CancelListing(ctx, x.ID, Requester{UserID: "buyer1"})
		require.ErrorIs(t, err, marketerrors.ErrForbidden)
	})
}

func TestDeposit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Deposit(ctx, Requester{UserID: "buyer1"}, "buyer1", amt("10"))
	require.ErrorIs(t, err, marketerrors.ErrForbidden)

	acct, err := f.svc.Deposit(ctx, Requester{UserID: "ops", Role: RoleAdmin}, "buyer1", amt("25.50"))
	require.NoError(t, err)
	requireAmount(t, "25.50", acct.Balance)
	requireAmount(t, "25.50", f.account(t, "buyer1").Balance)

	fresh := f.account(t, "nobody")
	requireAmount(t, "0", fresh.Balance)
}
