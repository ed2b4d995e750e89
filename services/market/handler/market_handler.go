package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"market-settlement/internal/marketerrors"
	market "market-settlement/internal/marketService"
	model "market-settlement/internal/models"
	"market-settlement/services/market/helpers"
	"market-settlement/utils"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type MarketServiceInterface interface {
	CreateItemListing(ctx context.Context, in market.CreateItemListingInput) (model.Listing, error)
	CreateCharacterLot(ctx context.Context, in market.CreateCharacterLotInput) (model.Listing, error)
	GetListing(ctx context.Context, listingID string) (model.Listing, error)
	CancelListing(ctx context.Context, listingID string, requester market.Requester) (market.Outcome, error)
	CloseListing(ctx context.Context, listingID string) (market.Outcome, error)
	ListBids(ctx context.Context, listingID string) ([]model.Bid, error)
	PlaceBid(ctx context.Context, in market.PlaceBidInput) (model.Bid, error)
	SetAutoBid(ctx context.Context, listingID, userID string, maxAmount decimal.Decimal) (model.AutoBid, error)
	GetAccount(ctx context.Context, userID string) (model.Account, error)
	Deposit(ctx context.Context, requester market.Requester, userID string, amount decimal.Decimal) (model.Account, error)
}

type MarketHandler struct {
	service MarketServiceInterface
}

func NewMarketHandler(service MarketServiceInterface) *MarketHandler {
	return &MarketHandler{service: service}
}

func requireRequester(c *gin.Context, handlerName string) (market.Requester, bool) {
	r, ok := helpers.RequesterFrom(c)
	if !ok {
		utils.JSONError(c, http.StatusUnauthorized, errors.New("missing caller identity"), "unauthorized")
		utils.Warn(handlerName+": missing identity", map[string]any{"path": c.Request.URL.Path})
		return market.Requester{}, false
	}
	return r, true
}

func invalidAmount(c *gin.Context, handlerName string, err error) {
	utils.JSONError(c, http.StatusBadRequest, err, "invalid request payload")
	utils.Warn(handlerName+": invalid amount", map[string]any{"error": err.Error()})
}

// CreateItemListingHandler handles POST /listings/items
func (h *MarketHandler) CreateItemListingHandler(c *gin.Context) {
	const name = "CreateItemListingHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	var req helpers.CreateItemListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, name, err)
		return
	}
	price, err := helpers.ParseAmount("start_price", req.StartPrice)
	if err != nil {
		invalidAmount(c, name, err)
		return
	}

	listing, err := h.service.CreateItemListing(c.Request.Context(), market.CreateItemListingInput{
		SellerID:   requester.UserID,
		ItemID:     req.ItemID,
		Quantity:   req.Quantity,
		StartPrice: price,
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{"seller_id": requester.UserID, "item_id": req.ItemID})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewListingResponse(listing), "listing created successfully")
	helpers.LogSuccess(name, "listing created successfully", map[string]any{
		"listing_id": listing.ID,
		"seller_id":  listing.SellerID,
	})
}

// CreateCharacterLotHandler handles POST /listings/characters
func (h *MarketHandler) CreateCharacterLotHandler(c *gin.Context) {
	const name = "CreateCharacterLotHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	var req helpers.CreateCharacterLotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, name, err)
		return
	}
	price, err := helpers.ParseAmount("starting_price", req.StartingPrice)
	if err != nil {
		invalidAmount(c, name, err)
		return
	}
	var buyout *decimal.Decimal
	if req.BuyoutPrice != nil {
		b, err := helpers.ParseAmount("buyout_price", *req.BuyoutPrice)
		if err != nil {
			invalidAmount(c, name, err)
			return
		}
		buyout = &b
	}

	lot, err := h.service.CreateCharacterLot(c.Request.Context(), market.CreateCharacterLotInput{
		SellerID:      requester.UserID,
		CharacterID:   req.CharacterID,
		StartingPrice: price,
		Duration:      time.Duration(req.DurationSeconds) * time.Second,
		BuyoutPrice:   buyout,
	})
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{"seller_id": requester.UserID, "character_id": req.CharacterID})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewListingResponse(lot), "character lot created successfully")
	helpers.LogSuccess(name, "character lot created successfully", map[string]any{
		"listing_id":   lot.ID,
		"character_id": lot.CharacterID,
	})
}

// GetListingHandler handles GET /listings/:listing_id
func (h *MarketHandler) GetListingHandler(c *gin.Context) {
	listingID := c.Param("listing_id")
	listing, err := h.service.GetListing(c.Request.Context(), listingID)
	if err != nil {
		helpers.WriteServiceError(c, "GetListingHandler", err, map[string]any{"listing_id": listingID})
		return
	}
	utils.JSONResponse(c, http.StatusOK, helpers.NewListingResponse(listing), "listing retrieved successfully")
}

// CancelListingHandler handles POST /listings/:listing_id/cancel
func (h *MarketHandler) CancelListingHandler(c *gin.Context) {
	const name = "CancelListingHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	listingID := c.Param("listing_id")
	out, err := h.service.CancelListing(c.Request.Context(), listingID, requester)
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{"listing_id": listingID, "user_id": requester.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.OutcomeResponse{
		Outcome: out.Kind.String(),
		Listing: helpers.NewListingResponse(out.Listing),
	}, "listing cancel processed")
	helpers.LogSuccess(name, "listing cancel processed", map[string]any{
		"listing_id": listingID,
		"outcome":    out.Kind.String(),
	})
}

// CloseListingHandler handles POST /listings/:listing_id/close (admin only)
func (h *MarketHandler) CloseListingHandler(c *gin.Context) {
	const name = "CloseListingHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	listingID := c.Param("listing_id")
	if requester.Role != market.RoleAdmin {
		helpers.WriteServiceError(c, name, marketerrors.ErrForbidden, map[string]any{"listing_id": listingID, "user_id": requester.UserID})
		return
	}

	out, err := h.service.CloseListing(c.Request.Context(), listingID)
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{"listing_id": listingID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.OutcomeResponse{
		Outcome: out.Kind.String(),
		Listing: helpers.NewListingResponse(out.Listing),
	}, "listing closed")
	helpers.LogSuccess(name, "listing closed", map[string]any{
		"listing_id": listingID,
		"outcome":    out.Kind.String(),
	})
}

// ListBidsHandler handles GET /listings/:listing_id/bids
func (h *MarketHandler) ListBidsHandler(c *gin.Context) {
	listingID := c.Param("listing_id")
	bids, err := h.service.ListBids(c.Request.Context(), listingID)
	if err != nil && !errors.Is(err, marketerrors.ErrNoBids) {
		helpers.WriteServiceError(c, "ListBidsHandler", err, map[string]any{"listing_id": listingID})
		return
	}

	resp := make([]helpers.BidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, helpers.NewBidResponse(b))
	}
	utils.JSONResponse(c, http.StatusOK, resp, "bids retrieved successfully")
	helpers.LogSuccess("ListBidsHandler", "bids retrieved successfully", map[string]any{
		"listing_id": listingID,
		"count":      len(resp),
	})
}

// PlaceBidHandler handles POST /listings/:listing_id/bids. The idempotency
// key may come from the Idempotency-Key header or the request_id field.
func (h *MarketHandler) PlaceBidHandler(c *gin.Context) {
	const name = "PlaceBidHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, name, err)
		return
	}
	amount, err := helpers.ParseAmount("amount", req.Amount)
	if err != nil {
		invalidAmount(c, name, err)
		return
	}
	requestID := req.RequestID
	if key := c.GetHeader(helpers.HeaderIdempotencyKey); key != "" {
		requestID = key
	}

	listingID := c.Param("listing_id")
	bid, err := h.service.PlaceBid(c.Request.Context(), market.PlaceBidInput{
		ListingID: listingID,
		BidderID:  requester.UserID,
		Amount:    amount,
		RequestID: requestID,
	})
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{
			"listing_id": listingID,
			"bidder_id":  requester.UserID,
			"request_id": requestID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewBidResponse(bid), "bid recorded successfully")
	helpers.LogSuccess(name, "bid recorded successfully", map[string]any{
		"bid_id":     bid.ID,
		"listing_id": bid.ListingID,
		"bidder_id":  bid.BidderID,
		"amount":     bid.Amount.StringFixed(2),
	})
}

// SetAutoBidHandler handles PUT /listings/:listing_id/auto-bid
func (h *MarketHandler) SetAutoBidHandler(c *gin.Context) {
	const name = "SetAutoBidHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	var req helpers.SetAutoBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, name, err)
		return
	}
	maxAmount, err := helpers.ParseAmount("max_amount", req.MaxAmount)
	if err != nil {
		invalidAmount(c, name, err)
		return
	}

	listingID := c.Param("listing_id")
	ab, err := h.service.SetAutoBid(c.Request.Context(), listingID, requester.UserID, maxAmount)
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{"listing_id": listingID, "user_id": requester.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAutoBidResponse(ab), "auto-bid saved")
	helpers.LogSuccess(name, "auto-bid saved", map[string]any{
		"listing_id": listingID,
		"user_id":    requester.UserID,
		"active":     ab.Active,
	})
}

// GetMyAccountHandler handles GET /accounts/me
func (h *MarketHandler) GetMyAccountHandler(c *gin.Context) {
	requester, ok := requireRequester(c, "GetMyAccountHandler")
	if !ok {
		return
	}
	acct, err := h.service.GetAccount(c.Request.Context(), requester.UserID)
	if err != nil {
		helpers.WriteServiceError(c, "GetMyAccountHandler", err, map[string]any{"user_id": requester.UserID})
		return
	}
	utils.JSONResponse(c, http.StatusOK, helpers.NewAccountResponse(acct), "account retrieved successfully")
}

// DepositHandler handles POST /accounts/:user_id/deposit (admin only)
func (h *MarketHandler) DepositHandler(c *gin.Context) {
	const name = "DepositHandler"
	requester, ok := requireRequester(c, name)
	if !ok {
		return
	}
	var req helpers.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, name, err)
		return
	}
	amount, err := helpers.ParseAmount("amount", req.Amount)
	if err != nil {
		invalidAmount(c, name, err)
		return
	}

	userID := c.Param("user_id")
	acct, err := h.service.Deposit(c.Request.Context(), requester, userID, amount)
	if err != nil {
		helpers.WriteServiceError(c, name, err, map[string]any{"user_id": userID, "admin_id": requester.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAccountResponse(acct), "deposit recorded")
	helpers.LogSuccess(name, "deposit recorded", map[string]any{
		"user_id": userID,
		"amount":  amount.StringFixed(2),
	})
}
