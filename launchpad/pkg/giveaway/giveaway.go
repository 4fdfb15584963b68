// Package giveaway runs the lifecycle of a capped public token offering
// against USDC deposits: create, deposit window, finalize (fee skim,
// dev/liquidity reservation, liquidity deployment), merkle-root binding
// and proof-checked claims.
package giveaway

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Basis-point policy bounds, enforced once at creation and never
// revisited.
const (
	BpsDenominator         = 10_000
	MaxDevPlusLiquidityBps = 7_000
	MinLiquidityBps        = 2_000
)

// Phase violations.
var (
	ErrWindowNotOpen    = errors.New("deposit window has not opened")
	ErrWindowClosed     = errors.New("deposit window has closed")
	ErrNotEnded         = errors.New("deposit window has not ended")
	ErrAlreadyStarted   = errors.New("offering has already started")
	ErrCancelled        = errors.New("offering is cancelled")
	ErrAlreadyFinalized = errors.New("offering is already finalized")
	ErrNotFinalized     = errors.New("offering is not finalized")
	ErrRootAlreadySet   = errors.New("merkle root is already set")
	ErrRootNotSet       = errors.New("merkle root is not set")
)

// Policy violations.
var (
	ErrInvalidWindow   = errors.New("invalid deposit window")
	ErrZeroAmount      = errors.New("amount must be greater than zero")
	ErrPercentTooHigh  = errors.New("dev plus liquidity percentage exceeds 70%")
	ErrLiquidityTooLow = errors.New("liquidity percentage below 20%")
	ErrZeroRoot        = errors.New("merkle root must be non-zero")
)

// Authorization and claim failures.
var (
	ErrNotOwner          = errors.New("caller is not the offering owner")
	ErrNotVerified       = errors.New("depositor has not passed identity verification")
	ErrAlreadyDeposited  = errors.New("address has already deposited")
	ErrInvalidProof      = errors.New("merkle proof does not verify against the root")
	ErrAlreadyClaimed    = errors.New("claim index already paid out")
	ErrNoAllocation      = errors.New("nothing to pay out for this claim")
	ErrDevTokensClaimed  = errors.New("dev tokens already claimed")
	ErrLiqTokensClaimed  = errors.New("liquidity tokens already claimed")
	ErrLiquidityDeployed = errors.New("liquidity tokens were deployed to the exchange")
	ErrNotAllocated      = errors.New("tokens were not reserved at finalization")
)

// Store failures.
var (
	ErrUnknownOffering    = errors.New("unknown offering")
	ErrOfferingExists     = errors.New("offering already exists")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// ClaimReason encodes claim eligibility for off-chain tooling.
type ClaimReason int

const (
	ReasonCanClaim       ClaimReason = 0
	ReasonNotFinalized   ClaimReason = 1
	ReasonAlreadyClaimed ClaimReason = 2
	ReasonNoAllocation   ClaimReason = 3
)

func (r ClaimReason) String() string {
	switch r {
	case ReasonCanClaim:
		return "can-claim"
	case ReasonNotFinalized:
		return "not-finalized"
	case ReasonAlreadyClaimed:
		return "already-claimed"
	case ReasonNoAllocation:
		return "no-allocation"
	}
	return "unknown"
}

// Offering is one launch instance. It is never deleted; after the full
// claim cycle it is permanently read-only.
type Offering struct {
	ID    string
	Owner common.Address
	Token common.Address

	StartTime time.Time
	EndTime   time.Time

	MaxAllocation      *uint256.Int
	TotalTokensForSale *uint256.Int
	DevBps             uint64
	LiquidityBps       uint64

	TotalDeposited   *uint256.Int
	ParticipantCount uint64

	Finalized       bool
	Cancelled       bool
	FinalAllocation *uint256.Int

	MerkleEnabled bool
	MerkleRoot    common.Hash

	DevTokensAllocated       bool
	DevTokensClaimed         bool
	LiquidityTokensAllocated bool
	LiquidityTokensClaimed   bool
	LiquidityDeployed        bool
	LiquidityPositionID      string
}

// TokensForParticipants is the sale supply left for depositors once the
// dev and liquidity basis-point shares are carved out.
func (o *Offering) TokensForParticipants() *uint256.Int {
	bps := uint256.NewInt(BpsDenominator - o.DevBps - o.LiquidityBps)
	v, _ := new(uint256.Int).MulDivOverflow(o.TotalTokensForSale, bps, uint256.NewInt(BpsDenominator))
	return v
}

// DevTokens is the owner's reserved share of the sale supply.
func (o *Offering) DevTokens() *uint256.Int {
	v, _ := new(uint256.Int).MulDivOverflow(o.TotalTokensForSale, uint256.NewInt(o.DevBps), uint256.NewInt(BpsDenominator))
	return v
}

// LiquidityTokens is the share reserved for the exchange position.
func (o *Offering) LiquidityTokens() *uint256.Int {
	v, _ := new(uint256.Int).MulDivOverflow(o.TotalTokensForSale, uint256.NewInt(o.LiquidityBps), uint256.NewInt(BpsDenominator))
	return v
}

// Participant is one address's position in one offering. Written once at
// deposit time and never mutated; refunds and tokens flow through the
// claim path, not through this record.
type Participant struct {
	Address     common.Address
	Amount      *uint256.Int
	IdentityTag string
	Verified    bool
	DepositedAt time.Time
}
