// Package incentive implements the incentive distributor (§4.12): it splits
// a settlement amount across agent, broker, validator, and a well-known
// pool account, crediting each via the ledger's earn operation.
package incentive

import (
	"context"
	"math"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/types"
)

const splitTolerance = 1e-6

// Ledger is the subset of the credit ledger this package needs.
type Ledger interface {
	Earn(ctx context.Context, did string, amount int64, intentID, proofID string) *apperr.Error
}

// Distributor is the incentive distributor component.
type Distributor struct {
	ledger  Ledger
	poolDID string
}

// New constructs a Distributor. poolDID is the well-known account that
// absorbs rounding remainders and any share whose recipient DID is absent.
func New(ledger Ledger, poolDID string) *Distributor {
	return &Distributor{ledger: ledger, poolDID: poolDID}
}

// Input describes one settlement distribution.
type Input struct {
	IntentID          string
	TotalAmount       int64
	AgentDID          string
	BrokerDID         string
	ValidatorDID      string
	Split             types.IncentiveSplit
	UsefulnessProofID string
}

// Result reports the bit-exact amount credited to each recipient.
type Result struct {
	AgentAmount     int64
	BrokerAmount    int64
	ValidatorAmount int64
	PoolAmount      int64
}

// Distribute validates the split and credits each non-empty recipient via
// earn, collapsing the floor share of any absent recipient, and the
// rounding remainder, into the pool.
func (d *Distributor) Distribute(ctx context.Context, in Input) (Result, *apperr.Error) {
	sum := in.Split.Agent + in.Split.Broker + in.Split.Validator + in.Split.Pool
	if math.Abs(sum-1.0) > splitTolerance {
		return Result{}, apperr.ErrInvalidSplit
	}

	agentAmount := floorShare(in.TotalAmount, in.Split.Agent)
	brokerAmount := floorShare(in.TotalAmount, in.Split.Broker)
	validatorAmount := floorShare(in.TotalAmount, in.Split.Validator)

	res := Result{}
	poolAmount := in.TotalAmount

	if in.AgentDID != "" {
		res.AgentAmount = agentAmount
		poolAmount -= agentAmount
	}
	if in.BrokerDID != "" {
		res.BrokerAmount = brokerAmount
		poolAmount -= brokerAmount
	}
	if in.ValidatorDID != "" {
		res.ValidatorAmount = validatorAmount
		poolAmount -= validatorAmount
	}
	res.PoolAmount = poolAmount

	if res.AgentAmount > 0 {
		if err := d.ledger.Earn(ctx, in.AgentDID, res.AgentAmount, in.IntentID, in.UsefulnessProofID); err != nil {
			return Result{}, err
		}
	}
	if res.BrokerAmount > 0 {
		if err := d.ledger.Earn(ctx, in.BrokerDID, res.BrokerAmount, in.IntentID, in.UsefulnessProofID); err != nil {
			return Result{}, err
		}
	}
	if res.ValidatorAmount > 0 {
		if err := d.ledger.Earn(ctx, in.ValidatorDID, res.ValidatorAmount, in.IntentID, in.UsefulnessProofID); err != nil {
			return Result{}, err
		}
	}
	if res.PoolAmount > 0 {
		if err := d.ledger.Earn(ctx, d.poolDID, res.PoolAmount, in.IntentID, in.UsefulnessProofID); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func floorShare(total int64, share float64) int64 {
	return int64(math.Floor(float64(total) * share))
}
