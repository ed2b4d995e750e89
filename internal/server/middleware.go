package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	market "market-settlement/internal/marketService"
	"market-settlement/services/market/helpers"
	"market-settlement/utils"

	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs incoming requests with timing
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next() // process request

	fields := map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	}
	if r, ok := helpers.RequesterFrom(c); ok {
		fields["user_id"] = r.UserID
	}
	utils.Info("HTTP Request", fields)
}

// IdentityMiddleware trusts the caller identity headers set by the session
// service in front of this one. Requests without a user id are rejected.
func IdentityMiddleware(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(helpers.HeaderUserID))
	if userID == "" {
		utils.JSONError(c, http.StatusUnauthorized, errors.New("missing "+helpers.HeaderUserID+" header"), "unauthorized")
		c.Abort()
		return
	}
	helpers.SetRequester(c, market.Requester{
		UserID: userID,
		Role:   strings.ToLower(strings.TrimSpace(c.GetHeader(helpers.HeaderUserRole))),
	})
	c.Next()
}
