package helpers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"market-settlement/internal/marketerrors"
	"market-settlement/utils"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// HandleBindError sends a standardized JSON error for binding failures
func HandleBindError(c *gin.Context, handlerName string, err error) {
	wrappedErr := fmt.Errorf("invalid request payload: %w", err)
	utils.JSONError(c, http.StatusBadRequest, wrappedErr, "invalid request payload")
	utils.Warn(handlerName+": binding error", map[string]any{"error": err.Error()})
}

// ParseAmount reads a decimal amount from a request field
func ParseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %q is not a decimal amount: %w", field, raw, marketerrors.ErrInvalidInput)
	}
	return d, nil
}

// MapErrorToHTTP maps domain/service errors to HTTP status code and message
func MapErrorToHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, marketerrors.ErrListingNotFound):
		return http.StatusNotFound, "listing not found"
	case errors.Is(err, marketerrors.ErrCharacterNotFound):
		return http.StatusNotFound, "character not found"
	case errors.Is(err, marketerrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid request details"
	case errors.Is(err, marketerrors.ErrBidTooLow):
		return http.StatusConflict, "bid amount too low"
	case errors.Is(err, marketerrors.ErrSelfBid):
		return http.StatusConflict, "seller cannot bid on own listing"
	case errors.Is(err, marketerrors.ErrListingNotActive):
		return http.StatusConflict, "listing not active"
	case errors.Is(err, marketerrors.ErrHasBids):
		return http.StatusConflict, "listing already has bids"
	case errors.Is(err, marketerrors.ErrCharacterListed):
		return http.StatusConflict, "character is already listed"
	case errors.Is(err, marketerrors.ErrGoodsUnavailable):
		return http.StatusConflict, "goods unavailable"
	case errors.Is(err, marketerrors.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient funds"
	case errors.Is(err, marketerrors.ErrForbidden):
		return http.StatusForbidden, "operation not permitted"
	case errors.Is(err, marketerrors.ErrTransient):
		return http.StatusServiceUnavailable, "temporarily unavailable, retry"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// ErrorDetails extracts the fields that explain a rejection
func ErrorDetails(err error) map[string]any {
	var low *marketerrors.BidTooLowError
	if errors.As(err, &low) {
		return map[string]any{
			"current_price": low.CurrentPrice.StringFixed(2),
			"offered":       low.Offered.StringFixed(2),
		}
	}
	var funds *marketerrors.InsufficientFundsError
	if errors.As(err, &funds) {
		return map[string]any{
			"required":  funds.Required.StringFixed(2),
			"available": funds.Available.StringFixed(2),
		}
	}
	var inactive *marketerrors.ListingNotActiveError
	if errors.As(err, &inactive) {
		return map[string]any{
			"status":   inactive.Status,
			"end_time": inactive.EndTime.UTC().Format(time.RFC3339),
		}
	}
	return nil
}

// WriteServiceError sends the mapped error with its details and logs it.
func WriteServiceError(c *gin.Context, handlerName string, err error, fields map[string]any) {
	status, message := MapErrorToHTTP(err)
	utils.JSONErrorWithDetails(c, status, fmt.Errorf("%s: %w", message, err), message, ErrorDetails(err))

	if fields == nil {
		fields = map[string]any{}
	}
	fields["handler"] = handlerName
	fields["error"] = err.Error()
	if status >= http.StatusInternalServerError {
		utils.Error(handlerName+": request failed", fields)
		return
	}
	utils.Warn(handlerName+": request rejected", fields)
}

// LogSuccess is a small helper to standardize logging of successful operations
func LogSuccess(handlerName, message string, ctx map[string]any) {
	utils.Info(handlerName+": "+message, ctx)
}
