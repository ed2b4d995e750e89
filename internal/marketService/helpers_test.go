package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"market-settlement/internal/ledger"
	model "market-settlement/internal/models"
	"market-settlement/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *MarketService
	repo  *repository.MemoryRepo
	clock *fakeClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepo()
	clock := newFakeClock()
	opts.Clock = clock.Now
	if opts.AutoBidIncrement.IsZero() {
		opts.AutoBidIncrement = decimal.NewFromInt(1)
	}
	return &fixture{svc: NewMarketService(repo, opts), repo: repo, clock: clock}
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) fund(userID, balance string) {
	f.repo.AddAccount(model.Account{UserID: userID, Balance: amt(balance)})
}

// itemListing lists one unit of item1 by seller at start price
func (f *fixture) itemListing(t *testing.T, seller, start string) model.Listing {
	t.Helper()
	f.repo.AddHolding(model.Holding{UserID: seller, ItemID: "item1", Quantity: f.repo.Holding(seller, "item1") + 1})
	l, err := f.svc.CreateItemListing(context.Background(), CreateItemListingInput{
		SellerID:   seller,
		ItemID:     "item1",
		Quantity:   1,
		StartPrice: amt(start),
		Duration:   time.Hour,
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) characterLot(t *testing.T, seller, characterID, start string, buyout *decimal.Decimal) model.Listing {
	t.Helper()
	f.repo.AddCharacter(model.Character{ID: characterID, OwnerID: seller, Name: characterID})
	l, err := f.svc.CreateCharacterLot(context.Background(), CreateCharacterLotInput{
		SellerID:      seller,
		CharacterID:   characterID,
		StartingPrice: amt(start),
		Duration:      time.Hour,
		BuyoutPrice:   buyout,
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) account(t *testing.T, userID string) model.Account {
	t.Helper()
	a, err := f.svc.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return a
}

func (f *fixture) listing(t *testing.T, id string) model.Listing {
	t.Helper()
	l, err := f.svc.GetListing(context.Background(), id)
	require.NoError(t, err)
	return l
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, amt(want).StringFixed(2), got.StringFixed(2))
}

func (f *fixture) requireInvariants(t *testing.T) {
	t.Helper()
	for _, a := range f.repo.Accounts() {
		require.NoError(t, ledger.CheckInvariant(a))
	}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
