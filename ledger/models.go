package ledger

import "time"

// LoanStatus enumerates the loan ledger states.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
	LoanSold     LoanStatus = "sold"
	LoanOverdue  LoanStatus = "overdue"
)

// ItemStatus enumerates the inventory ledger states.
type ItemStatus string

const (
	ItemInStore  ItemStatus = "in_store"
	ItemLoaned   ItemStatus = "loaned"
	ItemSold     ItemStatus = "sold"
	ItemArchived ItemStatus = "archived"
)

// LoanRecord mirrors the loans table columns touched by the engine.
type LoanRecord struct {
	ID               string
	ItemID           string
	Status           LoanStatus
	IssuedAt         time.Time
	ReturnedAt       *time.Time
	CorrectedBy      *string
	CorrectionReason *string
}

// InventoryRecord mirrors the inventory_items table. ID is the asset
// identity; Serial is the physical imei/serial read off the device.
type InventoryRecord struct {
	ID         string
	Serial     string
	Status     ItemStatus
	LastSeenAt *time.Time
}

// Event captures an immutable history entry for a ledger write.
type Event struct {
	ID        int64
	LoanID    string
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

// CorrectionParams enumerates the writes applied by one administrative
// correction. IdempotencyKey guards against at-least-once retries.
type CorrectionParams struct {
	LoanID         string
	NewStatus      LoanStatus
	Reason         string
	ActorID        string
	IdempotencyKey string
}
