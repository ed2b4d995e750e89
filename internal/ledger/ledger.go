// Package ledger mutates locked account rows in memory. Nothing here commits:
// callers persist the accounts through the transaction that locked them, so a
// debit and its matching credit always land together or not at all.
package ledger

import (
	"fmt"

	"market-settlement/internal/marketerrors"
	"market-settlement/internal/models"

	"github.com/shopspring/decimal"
)

// Adjust moves reserved by delta. The result must satisfy 0 <= reserved <= balance.
func Adjust(acct *models.Account, delta decimal.Decimal) error {
	next := acct.Reserved.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("ledger: account %s: release of %s exceeds reserved %s: %w",
			acct.UserID, delta.Neg().StringFixed(2), acct.Reserved.StringFixed(2), marketerrors.ErrInvalidInput)
	}
	if next.GreaterThan(acct.Balance) {
		return &marketerrors.InsufficientFundsError{Required: delta, Available: acct.Available()}
	}
	acct.Reserved = next
	return nil
}

// Reserve pledges amount against the available balance
func Reserve(acct *models.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: negative reservation %s: %w", amount.StringFixed(2), marketerrors.ErrInvalidInput)
	}
	return Adjust(acct, amount)
}

// Release returns a pledged amount to the available balance
func Release(acct *models.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: negative release %s: %w", amount.StringFixed(2), marketerrors.ErrInvalidInput)
	}
	return Adjust(acct, amount.Neg())
}

// Capture releases amount from from's reservation and moves it to to's balance.
func Capture(from, to *models.Account, amount decimal.Decimal) error {
	if err := Release(from, amount); err != nil {
		return err
	}
	return Transfer(from, to, amount)
}

// Transfer debits from's available balance and credits to.
func Transfer(from, to *models.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: negative transfer %s: %w", amount.StringFixed(2), marketerrors.ErrInvalidInput)
	}
	if from.Available().LessThan(amount) {
		return &marketerrors.InsufficientFundsError{Required: amount, Available: from.Available()}
	}
	from.Balance = from.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)
	return nil
}

// Deposit credits the balance; used for top-ups and seeding.
func Deposit(acct *models.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: deposit must be positive, got %s: %w", amount.StringFixed(2), marketerrors.ErrInvalidInput)
	}
	acct.Balance = acct.Balance.Add(amount)
	return nil
}

// CheckInvariant verifies 0 <= reserved <= balance.
func CheckInvariant(acct models.Account) error {
	if acct.Reserved.IsNegative() || acct.Reserved.GreaterThan(acct.Balance) {
		return fmt.Errorf("ledger: account %s violates reservation bounds: balance %s reserved %s",
			acct.UserID, acct.Balance.StringFixed(2), acct.Reserved.StringFixed(2))
	}
	return nil
}
