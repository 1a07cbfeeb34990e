// Package ledger implements the credit ledger component (§4.11): per-agent
// balances with an append-only journal, all operations linearized per
// account via a row lock at the store layer.
package ledger

import (
	"context"
	"errors"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/observability/metrics"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

// Repo is the persistence collaborator this package needs.
type Repo interface {
	CreateAccount(ctx context.Context, did string, initialBalance int64) error
	Deposit(ctx context.Context, did string, amount int64) error
	Reserve(ctx context.Context, did string, amount int64, intentID string) error
	Release(ctx context.Context, did string, reservedAmount, spendAmount int64, intentID string) error
	Earn(ctx context.Context, did string, amount int64, intentID, proofID string) error
	Spend(ctx context.Context, did string, amount int64, intentID string) error
	Get(ctx context.Context, did string) (types.CreditAccount, error)
}

// Ledger is the credit ledger component.
type Ledger struct {
	repo    Repo
	metrics *metrics.Registry
}

// New constructs a Ledger over repo. metricsReg may be nil (tests).
func New(repo Repo, metricsReg *metrics.Registry) *Ledger { return &Ledger{repo: repo, metrics: metricsReg} }

func mapErr(err error) *apperr.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAccountNotFound):
		return apperr.ErrAccountNotFound
	case errors.Is(err, store.ErrInsufficientBalance):
		return apperr.ErrInsufficientBal
	case errors.Is(err, store.ErrInsufficientReserved):
		return apperr.ErrInsufficientRes
	default:
		return apperr.Internal(err)
	}
}

func (l *Ledger) countOp(op string, err *apperr.Error) {
	if l.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	l.metrics.LedgerOps.WithLabelValues(op, outcome).Inc()
}

// CreateAccount opens a zero-or-seeded balance account; idempotent.
func (l *Ledger) CreateAccount(ctx context.Context, did string, initialBalance int64) *apperr.Error {
	err := mapErr(l.repo.CreateAccount(ctx, did, initialBalance))
	l.countOp("create_account", err)
	return err
}

// Deposit credits an external top-up.
func (l *Ledger) Deposit(ctx context.Context, did string, amount int64) *apperr.Error {
	if amount <= 0 {
		l.countOp("deposit", apperr.ErrInvalidAmount)
		return apperr.ErrInvalidAmount
	}
	err := mapErr(l.repo.Deposit(ctx, did, amount))
	l.countOp("deposit", err)
	return err
}

// Reserve escrows amount out of the sender's spendable balance for the
// duration of a negotiation.
func (l *Ledger) Reserve(ctx context.Context, did string, amount int64, intentID string) *apperr.Error {
	if amount <= 0 {
		l.countOp("reserve", apperr.ErrInvalidAmount)
		return apperr.ErrInvalidAmount
	}
	err := mapErr(l.repo.Reserve(ctx, did, amount, intentID))
	l.countOp("reserve", err)
	return err
}

// Release settles a negotiation: spendAmount is deducted for good, the
// remainder of reservedAmount refunds to balance.
func (l *Ledger) Release(ctx context.Context, did string, reservedAmount, spendAmount int64, intentID string) *apperr.Error {
	if spendAmount < 0 || spendAmount > reservedAmount {
		l.countOp("release", apperr.ErrInvalidAmount)
		return apperr.ErrInvalidAmount
	}
	err := mapErr(l.repo.Release(ctx, did, reservedAmount, spendAmount, intentID))
	l.countOp("release", err)
	return err
}

// Earn credits a recipient's share of an incentive distribution.
func (l *Ledger) Earn(ctx context.Context, did string, amount int64, intentID, proofID string) *apperr.Error {
	if amount <= 0 {
		l.countOp("earn", apperr.ErrInvalidAmount)
		return apperr.ErrInvalidAmount
	}
	err := mapErr(l.repo.Earn(ctx, did, amount, intentID, proofID))
	l.countOp("earn", err)
	return err
}

// Spend is an immediate, unescrowed debit (postage, §4.8.4).
func (l *Ledger) Spend(ctx context.Context, did string, amount int64, intentID string) *apperr.Error {
	if amount <= 0 {
		l.countOp("spend", apperr.ErrInvalidAmount)
		return apperr.ErrInvalidAmount
	}
	err := mapErr(l.repo.Spend(ctx, did, amount, intentID))
	l.countOp("spend", err)
	return err
}

// Get returns the account snapshot.
func (l *Ledger) Get(ctx context.Context, did string) (types.CreditAccount, *apperr.Error) {
	acct, err := l.repo.Get(ctx, did)
	if err != nil {
		return types.CreditAccount{}, mapErr(err)
	}
	return acct, nil
}
