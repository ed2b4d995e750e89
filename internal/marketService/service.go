package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-settlement/internal/ledger"
	"market-settlement/internal/marketerrors"
	"market-settlement/internal/models"
	"market-settlement/internal/notify"
	"market-settlement/internal/repository"
	"market-settlement/utils"

	"github.com/shopspring/decimal"
)

// RoleAdmin may cancel or force-close any listing and credit accounts.
const RoleAdmin = "admin"

// Requester is the caller identity handed over by the session service.
type Requester struct {
	UserID string
	Role   string
}

// Options tunes the market service. Zero values fall back to defaults.
type Options struct {
	AutoBidIncrement decimal.Decimal
	MaxRetries       int
	RetryBackoff     time.Duration
	MinDuration      time.Duration
	MaxDuration      time.Duration
	Notifier         notify.Notifier
	Clock            func() time.Time
}

// MarketService owns every state transition of listings, bids and the
// funds pledged against them. Each operation runs in one transaction.
type MarketService struct {
	repo         repository.MarketDB
	notifier     notify.Notifier
	increment    decimal.Decimal
	maxRetries   int
	retryBackoff time.Duration
	minDuration  time.Duration
	maxDuration  time.Duration
	now          func() time.Time
}

// NewMarketService creates a new MarketService instance
func NewMarketService(repo repository.MarketDB, opts Options) *MarketService {
	s := &MarketService{
		repo:         repo,
		notifier:     opts.Notifier,
		increment:    opts.AutoBidIncrement,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		minDuration:  opts.MinDuration,
		maxDuration:  opts.MaxDuration,
		now:          opts.Clock,
	}
	if !s.increment.IsPositive() {
		s.increment = decimal.NewFromInt(1)
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// GetListing returns a listing by id
func (s *MarketService) GetListing(ctx context.Context, listingID string) (models.Listing, error) {
	if listingID == "" {
		return models.Listing{}, fmt.Errorf("service: %w - empty listing ID", marketerrors.ErrInvalidInput)
	}
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return models.Listing{}, fmt.Errorf("service: failed to get listing %s: %w", listingID, err)
	}
	return l, nil
}

// ListBids returns the bid history of a listing, oldest first
func (s *MarketService) ListBids(ctx context.Context, listingID string) ([]models.Bid, error) {
	if listingID == "" {
		return nil, fmt.Errorf("service: %w - empty listing ID", marketerrors.ErrInvalidInput)
	}
	if _, err := s.repo.GetListing(ctx, listingID); err != nil {
		return nil, fmt.Errorf("service: failed to get bids for listing %s: %w", listingID, err)
	}
	bids, err := s.repo.ListBids(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for listing %s: %w", listingID, err)
	}
	return bids, nil
}

// GetAccount returns the user's account; unknown users have an empty account.
func (s *MarketService) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	if userID == "" {
		return models.Account{}, fmt.Errorf("service: %w - empty user ID", marketerrors.ErrInvalidInput)
	}
	acct, err := s.repo.GetAccount(ctx, userID)
	if errors.Is(err, marketerrors.ErrAccountNotFound) {
		return models.Account{UserID: userID}, nil
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("service: failed to get account %s: %w", userID, err)
	}
	return acct, nil
}

// Deposit credits funds to an account. Only admins may call it.
func (s *MarketService) Deposit(ctx context.Context, requester Requester, userID string, amount decimal.Decimal) (models.Account, error) {
	if requester.Role != RoleAdmin {
		return models.Account{}, fmt.Errorf("service: %w - deposit requires admin role", marketerrors.ErrForbidden)
	}
	if userID == "" {
		return models.Account{}, fmt.Errorf("service: %w - empty user ID", marketerrors.ErrInvalidInput)
	}
	if err := validateMoney(amount); err != nil {
		return models.Account{}, err
	}

	var out models.Account
	err := s.withRetry(ctx, "deposit", func() error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			accts, err := tx.LockAccounts(ctx, userID)
			if err != nil {
				return err
			}
			acct := accts[userID]
			if err := ledger.Deposit(acct, amount); err != nil {
				return err
			}
			if err := tx.SaveAccount(ctx, acct); err != nil {
				return err
			}
			out = *acct
			return nil
		})
	})
	if err != nil {
		return models.Account{}, fmt.Errorf("service: failed to deposit to %s: %w", userID, err)
	}
	return out, nil
}

// withRetry re-runs fn from the top when it fails transiently. fn must be a
// whole transaction: nothing from a failed attempt survives.
func (s *MarketService) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			utils.Warn("retrying after transient failure", map[string]any{
				"operation": op,
				"attempt":   attempt,
				"error":     err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryBackoff * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil || !marketerrors.IsRetryable(err) {
			return err
		}
	}
	return err
}

// publish hands committed events to the notifier. Failures are only logged.
func (s *MarketService) publish(ctx context.Context, events []notify.Event) {
	if s.notifier == nil || len(events) == 0 {
		return
	}
	if err := s.notifier.Publish(context.WithoutCancel(ctx), events...); err != nil {
		utils.Warn("service: failed to publish events", map[string]any{
			"count": len(events),
			"type":  events[0].Type,
			"error": err.Error(),
		})
	}
}

func validateMoney(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("service: %w - amount must be positive", marketerrors.ErrInvalidInput)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("service: %w - amount has more than two decimal places", marketerrors.ErrInvalidInput)
	}
	return nil
}

func (s *MarketService) validateDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("service: %w - duration must be positive", marketerrors.ErrInvalidInput)
	}
	if s.minDuration > 0 && d < s.minDuration {
		return fmt.Errorf("service: %w - duration below minimum %s", marketerrors.ErrInvalidInput, s.minDuration)
	}
	if s.maxDuration > 0 && d > s.maxDuration {
		return fmt.Errorf("service: %w - duration above maximum %s", marketerrors.ErrInvalidInput, s.maxDuration)
	}
	return nil
}

// saveAccounts persists every locked account touched by one operation.
func saveAccounts(ctx context.Context, tx repository.Tx, accts map[string]*models.Account) error {
	for _, acct := range accts {
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
	}
	return nil
}

func activeAutoBids(items []models.AutoBid) []models.AutoBid {
	out := make([]models.AutoBid, 0, len(items))
	for _, ab := range items {
		if ab.Active {
			out = append(out, ab)
		}
	}
	return out
}
