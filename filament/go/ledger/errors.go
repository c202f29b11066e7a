package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InsufficientBalanceError rejects a reversal whose refund the stock can no
// longer cover because the grams were already consumed downstream.
type InsufficientBalanceError struct {
	LedgerID  int64
	Remaining float64
	Refund    float64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("cannot reverse ledger row %d: remaining %.2f g does not cover the %.2f g refund", e.LedgerID, e.Remaining, e.Refund)
}

// PricingConflictError rejects a purchase whose per-roll price and total
// disagree by more than one cent.
type PricingConflictError struct {
	Observed float64
	Expected float64
}

func (e PricingConflictError) Error() string {
	return fmt.Sprintf("pricing conflict: price_total %.2f but price_per_roll*rolls_count is %.2f", e.Observed, e.Expected)
}

// TrayNegativeError rejects a tray-mutating write that would drive the
// global tray total negative.
type TrayNegativeError struct {
	CurrentTotal   int
	AttemptedDelta int
}

func (e TrayNegativeError) Error() string {
	return fmt.Sprintf("tray total would go negative: current %d, attempted delta %d", e.CurrentTotal, e.AttemptedDelta)
}

// StockKeyConflictError rejects a rename into a key held by another active
// stock when merging was not requested.
type StockKeyConflictError struct {
	ExistingID uuid.UUID
	Material   string
	Color      string
	Brand      string
}

func (e StockKeyConflictError) Error() string {
	return fmt.Sprintf("active stock (%s, %s, %s) already exists with id %s", e.Material, e.Color, e.Brand, e.ExistingID)
}
