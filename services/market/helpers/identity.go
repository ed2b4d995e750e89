package helpers

import (
	market "market-settlement/internal/marketService"

	"github.com/gin-gonic/gin"
)

// Headers set by the upstream session service
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const requesterKey = "market.requester"

// SetRequester stores the caller identity on the request context
func SetRequester(c *gin.Context, r market.Requester) {
	c.Set(requesterKey, r)
}

// RequesterFrom returns the identity stored by the identity middleware
func RequesterFrom(c *gin.Context) (market.Requester, bool) {
	v, ok := c.Get(requesterKey)
	if !ok {
		return market.Requester{}, false
	}
	r, ok := v.(market.Requester)
	return r, ok && r.UserID != ""
}
