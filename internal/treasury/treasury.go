package treasury

import (
	"context"

	"example.com/backstage/services/tickets/internal/database"
	"example.com/backstage/services/tickets/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transfer failure reasons. The ledger service treats any of them as the
// authoritative transfer failure; its own balance pre-check is advisory only.
var (
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrZeroAmount        = errors.New("transfer amount must be positive")
)

// Treasury moves value between identities. A transfer either fully happens
// or not at all, with its own success signal independent of any caller-side
// balance check.
type Treasury interface {
	// Transfer moves amount from one identity to another. When called with
	// an ambient transaction in ctx the movement commits or rolls back with
	// the calling operation.
	Transfer(ctx context.Context, amount uint64, from, to models.Identity) error

	// BalanceOf returns the identity's current balance. Zero for accounts
	// that do not exist yet. Advisory: the balance may change before a
	// subsequent Transfer.
	BalanceOf(ctx context.Context, id models.Identity) (uint64, error)

	// Deposit credits an identity, creating the account if needed.
	Deposit(ctx context.Context, id models.Identity, amount uint64) error
}

// GormTreasury implements Treasury on the accounts and ledger_entries
// tables. Each transfer writes a DEBIT and a CREDIT entry sharing one
// transaction id, so every balance is explainable from the entry history.
type GormTreasury struct {
	db *gorm.DB
}

// NewGormTreasury creates a new treasury
func NewGormTreasury(db *gorm.DB) *GormTreasury {
	return &GormTreasury{db: db}
}

func (t *GormTreasury) Transfer(ctx context.Context, amount uint64, from, to models.Identity) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	return database.WithTx(ctx, t.db, func(ctx context.Context) error {
		db := database.FromContext(ctx, t.db)
		txID := uuid.New()

		var source models.Account
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&source, "id = ?", from).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownAccount
		}
		if err != nil {
			return errors.Wrap(err, "failed to lock source account")
		}
		if source.Balance < amount {
			return ErrInsufficientFunds
		}

		source.Balance -= amount
		if err := db.Save(&source).Error; err != nil {
			return errors.Wrap(err, "failed to debit source account")
		}
		debit := models.LedgerEntry{
			TransactionID: txID,
			AccountID:     from,
			Amount:        amount,
			EntryType:     models.EntryDebit,
			BalanceAfter:  source.Balance,
		}
		if err := db.Create(&debit).Error; err != nil {
			return errors.Wrap(err, "failed to record debit entry")
		}

		// Re-read rather than reuse source: from and to may be the same
		// identity, and the credit must see the debited balance.
		dest, err := t.lockOrCreate(ctx, to)
		if err != nil {
			return err
		}
		dest.Balance += amount
		if err := db.Save(&dest).Error; err != nil {
			return errors.Wrap(err, "failed to credit destination account")
		}
		credit := models.LedgerEntry{
			TransactionID: txID,
			AccountID:     to,
			Amount:        amount,
			EntryType:     models.EntryCredit,
			BalanceAfter:  dest.Balance,
		}
		if err := db.Create(&credit).Error; err != nil {
			return errors.Wrap(err, "failed to record credit entry")
		}

		log.Debug().
			Str("transaction_id", txID.String()).
			Str("from", string(from)).
			Str("to", string(to)).
			Uint64("amount", amount).
			Msg("Transfer completed")
		return nil
	})
}

func (t *GormTreasury) BalanceOf(ctx context.Context, id models.Identity) (uint64, error) {
	var account models.Account
	err := database.FromContext(ctx, t.db).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to get account")
	}
	return account.Balance, nil
}

func (t *GormTreasury) Deposit(ctx context.Context, id models.Identity, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	return database.WithTx(ctx, t.db, func(ctx context.Context) error {
		db := database.FromContext(ctx, t.db)

		account, err := t.lockOrCreate(ctx, id)
		if err != nil {
			return err
		}
		account.Balance += amount
		if err := db.Save(&account).Error; err != nil {
			return errors.Wrap(err, "failed to credit account")
		}

		entry := models.LedgerEntry{
			TransactionID: uuid.New(),
			AccountID:     id,
			Amount:        amount,
			EntryType:     models.EntryCredit,
			BalanceAfter:  account.Balance,
		}
		if err := db.Create(&entry).Error; err != nil {
			return errors.Wrap(err, "failed to record deposit entry")
		}
		return nil
	})
}

func (t *GormTreasury) lockOrCreate(ctx context.Context, id models.Identity) (models.Account, error) {
	db := database.FromContext(ctx, t.db)

	var account models.Account
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = models.Account{ID: id, Balance: 0}
		if err := db.Create(&account).Error; err != nil {
			return models.Account{}, errors.Wrap(err, "failed to create account")
		}
		return account, nil
	}
	if err != nil {
		return models.Account{}, errors.Wrap(err, "failed to lock account")
	}
	return account, nil
}
