package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Identity is the addressable principal attributed to a call or record
// (organizer, ticket owner, buyer).
type Identity string

// Event represents a ticketed event. Organizer, TotalTickets and Price are
// immutable after creation; TicketsRemaining is the only mutable field and
// always stays within [0, TotalTickets].
type Event struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Organizer        Identity  `gorm:"not null;index" json:"organizer"`
	TotalTickets     uint64    `gorm:"not null" json:"total_tickets"`
	Price            uint64    `gorm:"not null" json:"price"`
	TicketsRemaining uint64    `gorm:"not null" json:"tickets_remaining"`
}

// Ticket represents one sold unit of an event's inventory. A ticket is
// hard-deleted on refund; its id is never reissued because ids come from a
// counter that only moves forward.
type Ticket struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	EventID   uint64    `gorm:"not null;index" json:"event_id"`
	Owner     Identity  `gorm:"not null;index" json:"owner"`
}

// Counter is a named monotonic id source. The value is consumed as the next
// id and then incremented in the same transaction as the insert it feeds.
// Counters never move backwards, even when the record they fed is deleted.
type Counter struct {
	Name  string `gorm:"primaryKey" json:"name"`
	Value uint64 `gorm:"not null" json:"value"`
}

// Counter names used by the ledger.
const (
	CounterEvents  = "events"
	CounterTickets = "tickets"
)

// Account holds an identity's balance in the platform's native value unit.
type Account struct {
	ID        Identity  `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Balance   uint64    `gorm:"not null" json:"balance"`
}

// Ledger entry types.
const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)

// LedgerEntry is one leg of a value transfer. Entries are append-only: a
// transfer writes a DEBIT and a CREDIT sharing one TransactionID, and
// corrections are made by a reverse transfer, never by editing rows.
type LedgerEntry struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;index" json:"transaction_id"`
	AccountID     Identity  `gorm:"not null;index" json:"account_id"`
	Amount        uint64    `gorm:"not null" json:"amount"`
	EntryType     string    `gorm:"not null" json:"entry_type"`
	BalanceAfter  uint64    `gorm:"not null" json:"balance_after"`
}

// ProcessedMessage records an intake message key that already drove a
// ledger operation. The key is claimed in the same transaction as the
// operation it guards, so a redelivered message finds the claim and is
// skipped instead of repeating the operation.
type ProcessedMessage struct {
	Key       uuid.UUID `gorm:"type:uuid;primaryKey" json:"key"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&Ticket{},
		&Counter{},
		&Account{},
		&LedgerEntry{},
		&ProcessedMessage{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
