// Package allocation computes, from a finalized offering snapshot, each
// participant's token entitlement and USDC refund.
//
// The engine is pure and deterministic: any third party can re-run it
// over public deposit data and arrive at the same numbers, which is what
// makes the committed distribution auditable. All arithmetic is 256-bit
// unsigned with truncating division, and the truncation order below is
// part of the protocol, not an implementation detail.
//
// Two regimes:
//
//   - Under-subscribed (totalDeposited <= maxAllocation): simple
//     pro-rata, tokens = deposit * T / totalDeposited, refund 0.
//   - Over-subscribed: avg = maxAllocation / participantCount
//     (truncated; the remainder is a documented, permanent rounding
//     loss). Participants below the average buy at the cap price and
//     leave their unused capacity behind; participants at or above the
//     average get the capped base plus a share of that unused capacity
//     proportional to their excess, and a refund for the rest.
package allocation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoParticipants = errors.New("snapshot has no participants")
	ErrZeroCap        = errors.New("max allocation must be greater than zero")
	ErrZeroTokens     = errors.New("tokens for participants must be greater than zero")
	ErrZeroDeposit    = errors.New("participant deposit must be greater than zero")
	ErrTotalMismatch  = errors.New("total deposited does not match sum of deposits")
	ErrOverflow       = errors.New("arithmetic overflow")
)

// Deposit is one participant's position in the snapshot.
type Deposit struct {
	Participant common.Address
	Amount      *uint256.Int
}

// Snapshot is the full, finalized input the engine runs over.
// TokensForParticipants is the participant share of the sale supply:
// totalTokensForSale * (10000 - devBps - liquidityBps) / 10000.
type Snapshot struct {
	MaxAllocation         *uint256.Int
	TotalDeposited        *uint256.Int
	TokensForParticipants *uint256.Int
	Deposits              []Deposit
}

// Entry is one participant's computed outcome, in snapshot order.
type Entry struct {
	Participant common.Address
	Deposit     *uint256.Int
	Tokens      *uint256.Int
	Refund      *uint256.Int
}

// Result carries the per-participant outcomes plus the aggregate sums,
// computed once in a single pass and cached alongside the root rather
// than recomputed per claim.
type Result struct {
	Oversubscribed bool
	AvgAllocation  *uint256.Int
	TotalLeftover  *uint256.Int
	TotalExcess    *uint256.Int
	TotalTokens    *uint256.Int
	TotalRefunds   *uint256.Int
	Entries        []Entry
}

// Compute runs the engine over the snapshot.
func Compute(snap Snapshot) (*Result, error) {
	if err := validate(snap); err != nil {
		return nil, err
	}

	if !snap.TotalDeposited.Gt(snap.MaxAllocation) {
		return computeProRata(snap)
	}
	return computeCapped(snap)
}

func validate(snap Snapshot) error {
	if len(snap.Deposits) == 0 {
		return ErrNoParticipants
	}
	if snap.MaxAllocation == nil || snap.MaxAllocation.IsZero() {
		return ErrZeroCap
	}
	if snap.TokensForParticipants == nil || snap.TokensForParticipants.IsZero() {
		return ErrZeroTokens
	}

	sum := uint256.NewInt(0)
	for i, d := range snap.Deposits {
		if d.Amount == nil || d.Amount.IsZero() {
			return fmt.Errorf("%w: participant %d", ErrZeroDeposit, i)
		}
		var overflow bool
		sum, overflow = new(uint256.Int).AddOverflow(sum, d.Amount)
		if overflow {
			return ErrOverflow
		}
	}
	if snap.TotalDeposited == nil || !sum.Eq(snap.TotalDeposited) {
		return ErrTotalMismatch
	}
	return nil
}

// computeProRata handles the under-subscribed regime: every deposited
// unit buys tokens at the realized price, nothing is refunded.
func computeProRata(snap Snapshot) (*Result, error) {
	res := &Result{
		AvgAllocation: uint256.NewInt(0),
		TotalLeftover: uint256.NewInt(0),
		TotalExcess:   uint256.NewInt(0),
		TotalTokens:   uint256.NewInt(0),
		TotalRefunds:  uint256.NewInt(0),
		Entries:       make([]Entry, 0, len(snap.Deposits)),
	}

	for _, d := range snap.Deposits {
		tokens, overflow := new(uint256.Int).MulDivOverflow(d.Amount, snap.TokensForParticipants, snap.TotalDeposited)
		if overflow {
			return nil, ErrOverflow
		}
		res.TotalTokens.Add(res.TotalTokens, tokens)
		res.Entries = append(res.Entries, Entry{
			Participant: d.Participant,
			Deposit:     new(uint256.Int).Set(d.Amount),
			Tokens:      tokens,
			Refund:      uint256.NewInt(0),
		})
	}
	return res, nil
}

// computeCapped handles the over-subscribed regime.
func computeCapped(snap Snapshot) (*Result, error) {
	count := uint256.NewInt(uint64(len(snap.Deposits)))
	avg := new(uint256.Int).Div(snap.MaxAllocation, count)

	// First pass: aggregate the unused below-average capacity and the
	// at-or-above-average excess. Order over participants is irrelevant,
	// only amounts matter.
	totalLeftover := uint256.NewInt(0)
	totalExcess := uint256.NewInt(0)
	for _, d := range snap.Deposits {
		if d.Amount.Lt(avg) {
			totalLeftover.Add(totalLeftover, new(uint256.Int).Sub(avg, d.Amount))
		} else {
			totalExcess.Add(totalExcess, new(uint256.Int).Sub(d.Amount, avg))
		}
	}

	res := &Result{
		Oversubscribed: true,
		AvgAllocation:  avg,
		TotalLeftover:  totalLeftover,
		TotalExcess:    totalExcess,
		TotalTokens:    uint256.NewInt(0),
		TotalRefunds:   uint256.NewInt(0),
		Entries:        make([]Entry, 0, len(snap.Deposits)),
	}

	// denominator of the redistribution term: totalExcess * maxAllocation
	var den *uint256.Int
	if !totalExcess.IsZero() {
		var overflow bool
		den, overflow = new(uint256.Int).MulOverflow(totalExcess, snap.MaxAllocation)
		if overflow {
			return nil, ErrOverflow
		}
	}

	for _, d := range snap.Deposits {
		var tokens, refund *uint256.Int

		if d.Amount.Lt(avg) {
			// Below average: buys at the cap price, consumes exactly
			// what was paid, no refund.
			var overflow bool
			tokens, overflow = new(uint256.Int).MulDivOverflow(d.Amount, snap.TokensForParticipants, snap.MaxAllocation)
			if overflow {
				return nil, ErrOverflow
			}
			refund = uint256.NewInt(0)
		} else {
			base, overflow := new(uint256.Int).MulDivOverflow(avg, snap.TokensForParticipants, snap.MaxAllocation)
			if overflow {
				return nil, ErrOverflow
			}
			tokens = base

			// Redistribute the token-equivalent of the unused
			// below-average capacity proportionally to excess. Guarded:
			// with a correctly truncated average the excess sum cannot
			// be zero while someone sits above it, but a zero
			// denominator must never panic.
			if !totalExcess.IsZero() && !totalLeftover.IsZero() {
				excess := new(uint256.Int).Sub(d.Amount, avg)
				num, overflow := new(uint256.Int).MulOverflow(excess, totalLeftover)
				if overflow {
					return nil, ErrOverflow
				}
				additional, overflow := new(uint256.Int).MulDivOverflow(num, snap.TokensForParticipants, den)
				if overflow {
					return nil, ErrOverflow
				}
				tokens = new(uint256.Int).Add(base, additional)
			}

			// Refund what the final allocation did not cost at the
			// nominal cap price.
			cost, overflow := new(uint256.Int).MulDivOverflow(tokens, snap.MaxAllocation, snap.TokensForParticipants)
			if overflow {
				return nil, ErrOverflow
			}
			if cost.Gt(d.Amount) {
				refund = uint256.NewInt(0)
			} else {
				refund = new(uint256.Int).Sub(d.Amount, cost)
			}
		}

		res.TotalTokens.Add(res.TotalTokens, tokens)
		res.TotalRefunds.Add(res.TotalRefunds, refund)
		res.Entries = append(res.Entries, Entry{
			Participant: d.Participant,
			Deposit:     new(uint256.Int).Set(d.Amount),
			Tokens:      tokens,
			Refund:      refund,
		})
	}
	return res, nil
}
