package integrationtests

import (
	"context"
	"net/http"
	"testing"
	"time"

	model "market-settlement/internal/models"
	"market-settlement/internal/sweep"
	"market-settlement/services/market/helpers"

	"github.com/stretchr/testify/require"
)

func createItemListing(t *testing.T, env *testEnv, seller, itemID, start string) string {
	t.Helper()
	env.repo.AddHolding(model.Holding{UserID: seller, ItemID: itemID, Quantity: env.repo.Holding(seller, itemID) + 1})
	resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/items", seller, helpers.CreateItemListingRequest{
		ItemID:          itemID,
		Quantity:        1,
		StartPrice:      start,
		DurationSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	return resp["listing_id"].(string)
}

func account(t *testing.T, env *testEnv, userID string) map[string]any {
	t.Helper()
	resp, w := ExecuteRequestAndParse(t, env, http.MethodGet, "/accounts/me", userID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	return data(resp)
}

func listing(t *testing.T, env *testEnv, listingID string) map[string]any {
	t.Helper()
	resp, w := ExecuteRequestAndParse(t, env, http.MethodGet, "/listings/"+listingID, "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return data(resp)
}

func TestListingLifecycle(t *testing.T) {
	env := SetupTestEnv()
	env.SeedFunds(1000, "buyer1", "buyer2")
	id := createItemListing(t, env, "seller", "item1", "50")

	resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer1", helpers.PlaceBidRequest{Amount: "100"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "100.00", resp["amount"])
	_, err := time.Parse(time.RFC3339, resp["created_at"].(string))
	require.NoError(t, err)

	_, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer2", helpers.PlaceBidRequest{Amount: "150"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "0.00", account(t, env, "buyer1")["reserved"])
	require.Equal(t, "150.00", account(t, env, "buyer2")["reserved"])

	// buyer1 comes back with a standing order
	resp, w = ExecuteRequestAndParse(t, env, http.MethodPut, "/listings/"+id+"/auto-bid", "buyer1", helpers.SetAutoBidRequest{MaxAmount: "300"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, data(resp)["active"])

	l := listing(t, env, id)
	require.Equal(t, "151.00", l["current_price"])
	require.Equal(t, "buyer1", l["winner_id"])
	require.Equal(t, "0.00", account(t, env, "buyer2")["reserved"])

	resp, w = ExecuteRequestAndParse(t, env, http.MethodGet, "/listings/"+id+"/bids", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["data"].([]any), 3)

	// only an admin may force the close
	_, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/close", "seller", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	resp, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/close", "ops", nil, "X-User-Role", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "applied", data(resp)["outcome"])

	l = listing(t, env, id)
	require.Equal(t, model.StatusFinished, l["status"])
	require.NotEmpty(t, l["settled_at"])

	buyer1 := account(t, env, "buyer1")
	require.Equal(t, "849.00", buyer1["balance"])
	require.Equal(t, "0.00", buyer1["reserved"])
	require.Equal(t, "151.00", account(t, env, "seller")["balance"])
	require.Equal(t, int64(1), env.repo.Holding("buyer1", "item1"))

	resp, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/close", "ops", nil, "X-User-Role", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "already_terminal", data(resp)["outcome"])
	require.Equal(t, "151.00", account(t, env, "seller")["balance"])
}

func TestPlaceBidRejections(t *testing.T) {
	env := SetupTestEnv()
	env.SeedFunds(100, "buyer1")
	id := createItemListing(t, env, "seller", "item1", "50")

	tests := []struct {
		name       string
		listingID  string
		userID     string
		request    any
		wantStatus int
		wantMsg    string
	}{
		{name: "Missing_Identity", listingID: id, request: helpers.PlaceBidRequest{Amount: "60"}, wantStatus: http.StatusUnauthorized, wantMsg: "unauthorized"},
		{name: "Invalid_JSON", listingID: id, userID: "buyer1", request: "{amount: 60}", wantStatus: http.StatusBadRequest, wantMsg: "invalid request payload"},
		{name: "Self_Bid", listingID: id, userID: "seller", request: helpers.PlaceBidRequest{Amount: "60"}, wantStatus: http.StatusConflict, wantMsg: "seller cannot bid on own listing"},
		{name: "At_Current_Price", listingID: id, userID: "buyer1", request: helpers.PlaceBidRequest{Amount: "50"}, wantStatus: http.StatusConflict, wantMsg: "bid amount too low"},
		{name: "Over_Balance", listingID: id, userID: "buyer1", request: helpers.PlaceBidRequest{Amount: "101"}, wantStatus: http.StatusPaymentRequired, wantMsg: "insufficient funds"},
		{name: "Unknown_Listing", listingID: "missing", userID: "buyer1", request: helpers.PlaceBidRequest{Amount: "60"}, wantStatus: http.StatusNotFound, wantMsg: "listing not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+tt.listingID+"/bids", tt.userID, tt.request)
			require.Equal(t, tt.wantStatus, w.Code)
			require.Equal(t, tt.wantMsg, resp["message"])
		})
	}

	resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer1", helpers.PlaceBidRequest{Amount: "40"})
	require.Equal(t, http.StatusConflict, w.Code)
	details := resp["details"].(map[string]any)
	require.Equal(t, "50.00", details["current_price"])

	require.Equal(t, "0.00", account(t, env, "buyer1")["reserved"])
}

func TestPlaceBidIdempotencyKey(t *testing.T) {
	env := SetupTestEnv()
	env.SeedFunds(1000, "buyer1")
	id := createItemListing(t, env, "seller", "item1", "50")

	var bidIDs []string
	for i := 0; i < 3; i++ {
		resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer1",
			helpers.PlaceBidRequest{Amount: "75"}, "Idempotency-Key", "retry-me")
		require.Equal(t, http.StatusCreated, w.Code)
		bidIDs = append(bidIDs, resp["bid_id"].(string))
	}
	require.Equal(t, bidIDs[0], bidIDs[1])
	require.Equal(t, bidIDs[0], bidIDs[2])

	require.Equal(t, "75.00", account(t, env, "buyer1")["reserved"])
	require.EqualValues(t, 1, listing(t, env, id)["bid_count"])
}

func TestSweepSettlesExpiredListing(t *testing.T) {
	env := SetupTestEnv()
	env.SeedFunds(1000, "buyer1")
	id := createItemListing(t, env, "seller", "item1", "50")

	_, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer1", helpers.PlaceBidRequest{Amount: "120"})
	require.Equal(t, http.StatusCreated, w.Code)

	sweeper := sweep.New(env.svc, 10, env.Now)
	rep, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.Settled)

	env.Advance(61 * time.Minute)

	// bids after the end time are refused even before the sweep runs
	_, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer1", helpers.PlaceBidRequest{Amount: "130"})
	require.Equal(t, http.StatusConflict, w.Code)

	rep, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Settled)

	l := listing(t, env, id)
	require.Equal(t, model.StatusFinished, l["status"])
	require.Equal(t, "buyer1", l["winner_id"])
	require.Equal(t, "120.00", account(t, env, "seller")["balance"])
	require.Equal(t, "880.00", account(t, env, "buyer1")["balance"])
}

func TestCharacterLotBuyout(t *testing.T) {
	env := SetupTestEnv()
	env.SeedFunds(1000, "buyer1")
	env.repo.AddCharacter(model.Character{ID: "char1", OwnerID: "seller", Name: "Aria"})

	resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/characters", "seller", helpers.CreateCharacterLotRequest{
		CharacterID:     "char1",
		StartingPrice:   "100",
		BuyoutPrice:     strPtr("400"),
		DurationSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := resp["listing_id"].(string)

	// the character cannot be listed twice
	_, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/characters", "seller", helpers.CreateCharacterLotRequest{
		CharacterID:     "char1",
		StartingPrice:   "100",
		DurationSeconds: 3600,
	})
	require.Equal(t, http.StatusConflict, w.Code)

	_, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/bids", "buyer1", helpers.PlaceBidRequest{Amount: "400"})
	require.Equal(t, http.StatusCreated, w.Code)

	l := listing(t, env, id)
	require.Equal(t, model.StatusFinished, l["status"])
	require.Equal(t, "buyer1", l["winner_id"])

	c, ok := env.repo.Character("char1")
	require.True(t, ok)
	require.Equal(t, "buyer1", c.OwnerID)
	require.False(t, c.Listed)
	require.Equal(t, "600.00", account(t, env, "buyer1")["balance"])
}

func TestCancelAndDeposit(t *testing.T) {
	env := SetupTestEnv()
	id := createItemListing(t, env, "seller", "item1", "50")
	require.Equal(t, int64(0), env.repo.Holding("seller", "item1"))

	_, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/cancel", "someone", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	resp, w := ExecuteRequestAndParse(t, env, http.MethodPost, "/listings/"+id+"/cancel", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.StatusCanceled, data(resp)["listing"].(map[string]any)["status"])
	require.Equal(t, int64(1), env.repo.Holding("seller", "item1"))

	_, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/accounts/buyer9/deposit", "buyer9", helpers.DepositRequest{Amount: "50"})
	require.Equal(t, http.StatusForbidden, w.Code)

	resp, w = ExecuteRequestAndParse(t, env, http.MethodPost, "/accounts/buyer9/deposit", "ops", helpers.DepositRequest{Amount: "50"}, "X-User-Role", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "50.00", data(resp)["available"])
	require.Equal(t, "50.00", account(t, env, "buyer9")["balance"])
}

func strPtr(s string) *string { return &s }
