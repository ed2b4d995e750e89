package server

import (
	"net/http"

	"market-settlement/services/market/handler"
	"market-settlement/utils"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures all Gin routes for the application
func SetupRouter(marketService handler.MarketServiceInterface, health func() error) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging

	router.GET("/healthz", func(c *gin.Context) {
		if health != nil {
			if err := health(); err != nil {
				utils.JSONError(c, http.StatusServiceUnavailable, err, "store unavailable")
				return
			}
		}
		utils.JSONResponse(c, http.StatusOK, nil, "ok")
	})

	marketHandler := handler.NewMarketHandler(marketService)

	listings := router.Group("/listings", IdentityMiddleware)
	{
		listings.POST("/items", marketHandler.CreateItemListingHandler)
		listings.POST("/characters", marketHandler.CreateCharacterLotHandler)
		listings.GET("/:listing_id", marketHandler.GetListingHandler)
		listings.POST("/:listing_id/cancel", marketHandler.CancelListingHandler)
		listings.POST("/:listing_id/close", marketHandler.CloseListingHandler)
		listings.GET("/:listing_id/bids", marketHandler.ListBidsHandler)
		listings.POST("/:listing_id/bids", marketHandler.PlaceBidHandler)
		listings.PUT("/:listing_id/auto-bid", marketHandler.SetAutoBidHandler)
	}

	accounts := router.Group("/accounts", IdentityMiddleware)
	{
		accounts.GET("/me", marketHandler.GetMyAccountHandler)
		accounts.POST("/:user_id/deposit", marketHandler.DepositHandler)
	}

	return router
}
