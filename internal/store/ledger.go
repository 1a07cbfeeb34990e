package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ainp-network/broker/internal/types"
)

// LedgerRepo persists credit accounts and their append-only journal (§4.11).
type LedgerRepo struct {
	db *gorm.DB
}

// NewLedgerRepo constructs a LedgerRepo.
func NewLedgerRepo(s *Store) *LedgerRepo { return &LedgerRepo{db: s.DB} }

// ErrAccountNotFound is returned when an operation targets an unknown account.
var ErrAccountNotFound = errors.New("store: credit account not found")

// lockAccount loads an account for update, serializing concurrent operations
// on the same account via a row-level lock, per §5 "ledger is linearizable
// per account".
func lockAccount(tx *gorm.DB, did string) (types.CreditAccount, error) {
	var acct types.CreditAccount
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("owner_did = ?", did).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.CreditAccount{}, ErrAccountNotFound
	}
	return acct, err
}

func appendEntry(tx *gorm.DB, did string, typ types.LedgerEntryType, amount int64, intentID, proofID string) error {
	return tx.Create(&types.LedgerEntry{
		OwnerDID: did, Type: typ, Amount: amount, IntentID: intentID, ProofID: proofID, At: time.Now().UTC(),
	}).Error
}

// CreateAccount is idempotent: a no-op if the account already exists.
func (r *LedgerRepo) CreateAccount(ctx context.Context, did string, initialBalance int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.CreditAccount
		err := tx.Where("owner_did = ?", did).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&types.CreditAccount{OwnerDID: did, Balance: initialBalance}).Error
	})
}

// Deposit increases balance by amount.
func (r *LedgerRepo) Deposit(ctx context.Context, did string, amount int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, did)
		if err != nil {
			return err
		}
		acct.Balance += amount
		if err := tx.Model(&types.CreditAccount{}).Where("owner_did = ?", did).Update("balance", acct.Balance).Error; err != nil {
			return err
		}
		return appendEntry(tx, did, types.LedgerDeposit, amount, "", "")
	})
}

// ErrInsufficientBalance means reserve was requested for more than available.
var ErrInsufficientBalance = errors.New("store: insufficient balance")

// ErrInsufficientReserved means release was requested for more than reserved.
var ErrInsufficientReserved = errors.New("store: insufficient reserved balance")

// Reserve moves amount from balance to reserved.
func (r *LedgerRepo) Reserve(ctx context.Context, did string, amount int64, intentID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, did)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return ErrInsufficientBalance
		}
		acct.Balance -= amount
		acct.Reserved += amount
		if err := tx.Model(&types.CreditAccount{}).Where("owner_did = ?", did).
			Updates(map[string]any{"balance": acct.Balance, "reserved": acct.Reserved}).Error; err != nil {
			return err
		}
		return appendEntry(tx, did, types.LedgerReserve, amount, intentID, "")
	})
}

// Release moves reservedAmount out of reserved, refunding the difference
// between reservedAmount and spendAmount back to balance.
func (r *LedgerRepo) Release(ctx context.Context, did string, reservedAmount, spendAmount int64, intentID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, did)
		if err != nil {
			return err
		}
		if acct.Reserved < reservedAmount || spendAmount > reservedAmount {
			return ErrInsufficientReserved
		}
		refund := reservedAmount - spendAmount
		acct.Reserved -= reservedAmount
		acct.Balance += refund
		acct.LifetimeSpent += spendAmount
		if err := tx.Model(&types.CreditAccount{}).Where("owner_did = ?", did).
			Updates(map[string]any{"balance": acct.Balance, "reserved": acct.Reserved, "lifetime_spent": acct.LifetimeSpent}).Error; err != nil {
			return err
		}
		return appendEntry(tx, did, types.LedgerRelease, reservedAmount, intentID, "")
	})
}

// Earn increases balance and lifetime_earned.
func (r *LedgerRepo) Earn(ctx context.Context, did string, amount int64, intentID, proofID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, did)
		if err != nil {
			return err
		}
		acct.Balance += amount
		acct.LifetimeEarned += amount
		if err := tx.Model(&types.CreditAccount{}).Where("owner_did = ?", did).
			Updates(map[string]any{"balance": acct.Balance, "lifetime_earned": acct.LifetimeEarned}).Error; err != nil {
			return err
		}
		return appendEntry(tx, did, types.LedgerEarn, amount, intentID, proofID)
	})
}

// Spend is a direct balance debit with no prior reservation, used for
// postage (§4.8.4) where the amount is paid immediately rather than
// escrowed across a negotiation round.
func (r *LedgerRepo) Spend(ctx context.Context, did string, amount int64, intentID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, did)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return ErrInsufficientBalance
		}
		acct.Balance -= amount
		acct.LifetimeSpent += amount
		if err := tx.Model(&types.CreditAccount{}).Where("owner_did = ?", did).
			Updates(map[string]any{"balance": acct.Balance, "lifetime_spent": acct.LifetimeSpent}).Error; err != nil {
			return err
		}
		return appendEntry(tx, did, types.LedgerSpend, amount, intentID, "")
	})
}

// Get returns the current account snapshot.
func (r *LedgerRepo) Get(ctx context.Context, did string) (types.CreditAccount, error) {
	var acct types.CreditAccount
	err := r.db.WithContext(ctx).Where("owner_did = ?", did).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.CreditAccount{}, ErrAccountNotFound
	}
	return acct, err
}
