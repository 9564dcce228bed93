package ledger

import (
	"context"
	"errors"
)

var (
	// ErrLoanNotFound is returned when no loan row exists for the identifier.
	ErrLoanNotFound = errors.New("ledger: loan not found")
	// ErrItemNotFound is returned when no inventory row exists for the identifier.
	ErrItemNotFound = errors.New("ledger: item not found")
	// ErrInvalidTransition signals a correction to a status the current state forbids.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Port is the single source of truth for both ledgers. The monitor and
// scheduler only read through it and propose writes; they never mutate
// ledger state from cached data.
type Port interface {
	GetActiveLoans(ctx context.Context) ([]LoanRecord, error)
	GetInventory(ctx context.Context, itemID string) (InventoryRecord, error)
	// GetItemSnapshot returns every non-archived inventory record keyed by
	// serial. Audit sessions freeze this snapshot at open time; the
	// in_store subset is the expected physically-present set.
	GetItemSnapshot(ctx context.Context) (map[string]InventoryRecord, error)
	ApplyCorrection(ctx context.Context, params CorrectionParams) (LoanRecord, error)
}

// itemStatusFor maps a corrected loan status onto the inventory status the
// linked item must carry for the two ledgers to agree.
func itemStatusFor(status LoanStatus) ItemStatus {
	switch status {
	case LoanActive, LoanOverdue:
		return ItemLoaned
	case LoanReturned:
		return ItemInStore
	case LoanSold:
		return ItemSold
	default:
		return ItemInStore
	}
}

// validTransition reports whether a correction from -> to is allowed.
// Sold is terminal; everything else may be corrected freely.
func validTransition(from, to LoanStatus) bool {
	if from == to {
		return false
	}
	if from == LoanSold {
		return false
	}
	switch to {
	case LoanActive, LoanReturned, LoanSold, LoanOverdue:
		return true
	default:
		return false
	}
}
