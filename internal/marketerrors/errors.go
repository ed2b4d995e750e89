package marketerrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Repository-level errors
var (
	ErrListingNotFound   = errors.New("listing not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrCharacterNotFound = errors.New("character not found")
	ErrBidNotFound       = errors.New("bid not found")
	ErrNoBids            = errors.New("no bids found for listing")

	// ErrLocked is returned by skip-locked scans when another transaction holds the row.
	ErrLocked = errors.New("row locked by another transaction")
	// ErrTransient marks lock-wait timeouts, deadlocks and serialization failures.
	// The whole operation may be retried verbatim.
	ErrTransient = errors.New("transient store failure")
	// ErrDuplicateRequest is raised by the unique request_id constraint. It never
	// reaches callers: the idempotency guard resolves it to the existing bid.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// business logic errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrListingNotActive  = errors.New("listing not active")
	ErrSelfBid           = errors.New("seller cannot bid on own listing")
	ErrBidTooLow         = errors.New("bid amount too low")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrGoodsUnavailable  = errors.New("goods unavailable")
	ErrForbidden         = errors.New("operation not permitted")
	ErrHasBids           = errors.New("listing already has bids")
	ErrCharacterListed   = errors.New("character is currently listed")
)

// BidTooLowError carries the price the offer had to beat.
type BidTooLowError struct {
	CurrentPrice decimal.Decimal
	Offered      decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("%s: offered %s, current price is %s", ErrBidTooLow, e.Offered.StringFixed(2), e.CurrentPrice.StringFixed(2))
}

func (e *BidTooLowError) Unwrap() error { return ErrBidTooLow }

// InsufficientFundsError reports what was required against what was spendable.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: required %s, available %s", ErrInsufficientFunds, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ListingNotActiveError reports the status the listing was found in.
type ListingNotActiveError struct {
	Status  string
	EndTime time.Time
}

func (e *ListingNotActiveError) Error() string {
	return fmt.Sprintf("%s: status %s, end time %s", ErrListingNotActive, e.Status, e.EndTime.UTC().Format(time.RFC3339))
}

func (e *ListingNotActiveError) Unwrap() error { return ErrListingNotActive }

// IsRetryable reports whether err may be retried by re-running the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
