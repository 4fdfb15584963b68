package giveaway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"github.com/nenkoz/FairLaunch.io/api/metrics"
	"github.com/nenkoz/FairLaunch.io/distributor/pkg/merkle"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/allocation"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/dex"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/identity"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/token"
	"github.com/nenkoz/FairLaunch.io/utils/pkg/retry"
)

type ServiceConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
	Ledger *token.Ledger
	Gate   identity.Gate

	// Deployer is optional. Without one, finalization leaves the
	// liquidity token reservation claimable by the owner instead of
	// seeding an exchange position.
	Deployer dex.Deployer

	USDC          common.Address
	EscrowAddress common.Address
	FeeRecipient  common.Address
	FeeBps        uint64
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Gate == nil {
		return errors.New("identity gate is required")
	}
	if cfg.USDC == (common.Address{}) {
		return errors.New("usdc address is required")
	}
	if cfg.EscrowAddress == (common.Address{}) {
		return errors.New("escrow address is required")
	}
	if cfg.FeeRecipient == (common.Address{}) {
		return errors.New("fee recipient is required")
	}
	if cfg.FeeBps >= BpsDenominator {
		return errors.New("fee basis points must be below 10000")
	}
	return nil
}

// Service drives offerings through their lifecycle. A single mutex
// serializes every state transition; the ledger and store below it do
// their own locking but the multi-step transitions here must not
// interleave.
type Service struct {
	log      *slog.Logger
	clock    clockwork.Clock
	store    Store
	ledger   *token.Ledger
	gate     identity.Gate
	deployer dex.Deployer

	usdc         common.Address
	escrow       common.Address
	feeRecipient common.Address
	feeBps       uint64

	mu sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:          cfg.Logger,
		clock:        cfg.Clock,
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		gate:         cfg.Gate,
		deployer:     cfg.Deployer,
		usdc:         cfg.USDC,
		escrow:       cfg.EscrowAddress,
		feeRecipient: cfg.FeeRecipient,
		feeBps:       cfg.FeeBps,
	}, nil
}

func unixUTC(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// CreateParams describes a new offering. ID may be left empty to have
// one generated.
type CreateParams struct {
	ID    string
	Owner common.Address
	Token common.Address

	StartTime int64
	EndTime   int64

	MaxAllocation      *uint256.Int
	TotalTokensForSale *uint256.Int
	DevBps             uint64
	LiquidityBps       uint64
}

// CreateOffering registers the offering and escrows the full sale
// supply from the owner. The owner must have approved the escrow
// address as a spender on the sale token first.
func (s *Service) CreateOffering(ctx context.Context, p CreateParams) (*Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if p.StartTime >= p.EndTime || p.StartTime < now.Unix() {
		return nil, ErrInvalidWindow
	}
	if p.MaxAllocation == nil || p.MaxAllocation.IsZero() {
		return nil, ErrZeroAmount
	}
	if p.TotalTokensForSale == nil || p.TotalTokensForSale.IsZero() {
		return nil, ErrZeroAmount
	}
	if p.DevBps+p.LiquidityBps > MaxDevPlusLiquidityBps {
		return nil, ErrPercentTooHigh
	}
	if p.LiquidityBps < MinLiquidityBps {
		return nil, ErrLiquidityTooLow
	}

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	o := &Offering{
		ID:                 id,
		Owner:              p.Owner,
		Token:              p.Token,
		StartTime:          unixUTC(p.StartTime),
		EndTime:            unixUTC(p.EndTime),
		MaxAllocation:      new(uint256.Int).Set(p.MaxAllocation),
		TotalTokensForSale: new(uint256.Int).Set(p.TotalTokensForSale),
		DevBps:             p.DevBps,
		LiquidityBps:       p.LiquidityBps,
		TotalDeposited:     uint256.NewInt(0),
	}

	if err := s.ledger.TransferFrom(o.Token, s.escrow, o.Owner, s.escrow, o.TotalTokensForSale); err != nil {
		return nil, fmt.Errorf("escrow sale supply: %w", err)
	}
	if err := s.store.CreateOffering(ctx, o); err != nil {
		if rerr := s.ledger.Transfer(o.Token, s.escrow, o.Owner, o.TotalTokensForSale); rerr != nil {
			s.log.Error("giveaway: failed to return escrowed supply after store failure", "offering", id, "error", rerr)
		}
		return nil, err
	}

	s.log.Info("giveaway: offering created",
		"offering", id,
		"owner", o.Owner,
		"token", o.Token,
		"max_allocation", o.MaxAllocation.Dec(),
		"tokens_for_sale", o.TotalTokensForSale.Dec(),
	)
	return cloneOffering(o), nil
}

// Cancel aborts an offering before its window opens and returns the
// escrowed supply to the owner.
func (s *Service) Cancel(ctx context.Context, id string, caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return err
	}
	if caller != o.Owner {
		return ErrNotOwner
	}
	if o.Cancelled {
		return ErrCancelled
	}
	if o.Finalized {
		return ErrAlreadyFinalized
	}
	if !s.clock.Now().Before(o.StartTime) {
		return ErrAlreadyStarted
	}

	if err := s.ledger.Transfer(o.Token, s.escrow, o.Owner, o.TotalTokensForSale); err != nil {
		return fmt.Errorf("return escrowed supply: %w", err)
	}
	o.Cancelled = true
	if err := s.store.UpdateOffering(ctx, o); err != nil {
		return err
	}
	s.log.Info("giveaway: offering cancelled", "offering", id)
	return nil
}

// Deposit takes USDC from a verified participant during the open
// window. One deposit per address; the amount is immutable once made.
func (s *Service) Deposit(ctx context.Context, id string, from common.Address, amount *uint256.Int) (err error) {
	defer func() { metrics.RecordDeposit(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return err
	}
	if o.Cancelled {
		return ErrCancelled
	}
	if o.Finalized {
		return ErrAlreadyFinalized
	}
	now := s.clock.Now()
	if now.Before(o.StartTime) {
		return ErrWindowNotOpen
	}
	if !now.Before(o.EndTime) {
		return ErrWindowClosed
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	ok, err := s.gate.IsVerified(ctx, from)
	if err != nil {
		return fmt.Errorf("identity check: %w", err)
	}
	if !ok {
		return ErrNotVerified
	}
	tag, err := s.gate.IdentityTag(ctx, from)
	if err != nil {
		return fmt.Errorf("identity tag: %w", err)
	}
	if _, err := s.store.GetParticipant(ctx, id, from); err == nil {
		return ErrAlreadyDeposited
	} else if !errors.Is(err, ErrUnknownParticipant) {
		return err
	}

	if err := s.ledger.TransferFrom(s.usdc, s.escrow, from, s.escrow, amount); err != nil {
		return fmt.Errorf("escrow deposit: %w", err)
	}

	p := &Participant{
		Address:     from,
		Amount:      new(uint256.Int).Set(amount),
		IdentityTag: tag,
		Verified:    true,
		DepositedAt: now,
	}
	if err := s.store.PutParticipant(ctx, id, p); err != nil {
		if rerr := s.ledger.Transfer(s.usdc, s.escrow, from, amount); rerr != nil {
			s.log.Error("giveaway: failed to return deposit after store failure", "offering", id, "participant", from, "error", rerr)
		}
		return err
	}

	total, overflow := new(uint256.Int).AddOverflow(o.TotalDeposited, amount)
	if overflow {
		return allocation.ErrOverflow
	}
	o.TotalDeposited = total
	o.ParticipantCount++
	if err := s.store.UpdateOffering(ctx, o); err != nil {
		if rerr := s.ledger.Transfer(s.usdc, s.escrow, from, amount); rerr != nil {
			s.log.Error("giveaway: failed to return deposit after offering update failure", "offering", id, "participant", from, "error", rerr)
		}
		return err
	}

	s.log.Debug("giveaway: deposit accepted",
		"offering", id,
		"participant", from,
		"amount", amount.Dec(),
		"total_deposited", o.TotalDeposited.Dec(),
	)
	return nil
}

// Finalize closes the offering after its window ends: it fixes the
// final allocation at min(total deposited, cap), deploys liquidity
// when a deployer is configured, skims the platform fee, and reserves
// the dev and liquidity token shares.
//
// Liquidity deployment runs before the fee skim so that a deployment
// failure aborts finalization with the escrow untouched; the fee
// transfer afterwards cannot fail because the escrow still holds the
// full final allocation minus what the deployment consumed.
func (s *Service) Finalize(ctx context.Context, id string, caller common.Address) (*Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != o.Owner {
		return nil, ErrNotOwner
	}
	if o.Cancelled {
		return nil, ErrCancelled
	}
	if o.Finalized {
		return nil, ErrAlreadyFinalized
	}
	if s.clock.Now().Before(o.EndTime) {
		return nil, ErrNotEnded
	}

	final := new(uint256.Int).Set(o.TotalDeposited)
	if final.Gt(o.MaxAllocation) {
		final.Set(o.MaxAllocation)
	}
	fee, _ := new(uint256.Int).MulDivOverflow(final, uint256.NewInt(s.feeBps), uint256.NewInt(BpsDenominator))
	liquidityQuote := new(uint256.Int).Sub(final, fee)
	liquidityTokens := o.LiquidityTokens()

	deployed := false
	var positionID string
	if s.deployer != nil && !liquidityTokens.IsZero() && !liquidityQuote.IsZero() {
		spender := s.deployer.Address()
		if err := s.ledger.Approve(o.Token, s.escrow, spender, liquidityTokens); err != nil {
			return nil, fmt.Errorf("approve liquidity tokens: %w", err)
		}
		if err := s.ledger.Approve(s.usdc, s.escrow, spender, liquidityQuote); err != nil {
			return nil, fmt.Errorf("approve liquidity quote: %w", err)
		}
		var pos dex.Position
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			var derr error
			pos, derr = s.deployer.DeployLiquidity(ctx, s.escrow, o.Token, s.usdc, liquidityTokens, liquidityQuote)
			return derr
		})
		if err != nil {
			return nil, fmt.Errorf("deploy liquidity: %w", err)
		}
		deployed = true
		positionID = pos.ID
	}

	if !fee.IsZero() {
		if err := s.ledger.Transfer(s.usdc, s.escrow, s.feeRecipient, fee); err != nil {
			return nil, fmt.Errorf("skim fee: %w", err)
		}
	}

	o.Finalized = true
	o.FinalAllocation = final
	o.DevTokensAllocated = o.DevBps > 0
	o.LiquidityTokensAllocated = o.LiquidityBps > 0
	o.LiquidityDeployed = deployed
	o.LiquidityPositionID = positionID
	if err := s.store.UpdateOffering(ctx, o); err != nil {
		return nil, err
	}
	metrics.OfferingsFinalizedTotal.Inc()

	s.log.Info("giveaway: offering finalized",
		"offering", id,
		"final_allocation", final.Dec(),
		"fee", fee.Dec(),
		"liquidity_deployed", deployed,
	)
	return cloneOffering(o), nil
}

// ClaimDevTokens pays the owner's reserved dev share out of escrow.
func (s *Service) ClaimDevTokens(ctx context.Context, id string, caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return err
	}
	if caller != o.Owner {
		return ErrNotOwner
	}
	if !o.Finalized {
		return ErrNotFinalized
	}
	if !o.DevTokensAllocated {
		return ErrNotAllocated
	}
	if o.DevTokensClaimed {
		return ErrDevTokensClaimed
	}

	if err := s.ledger.Transfer(o.Token, s.escrow, o.Owner, o.DevTokens()); err != nil {
		return fmt.Errorf("pay dev tokens: %w", err)
	}
	o.DevTokensClaimed = true
	return s.store.UpdateOffering(ctx, o)
}

// ClaimLiquidityTokens pays the liquidity reservation back to the
// owner, but only when finalization did not deploy it to the exchange.
func (s *Service) ClaimLiquidityTokens(ctx context.Context, id string, caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return err
	}
	if caller != o.Owner {
		return ErrNotOwner
	}
	if !o.Finalized {
		return ErrNotFinalized
	}
	if !o.LiquidityTokensAllocated {
		return ErrNotAllocated
	}
	if o.LiquidityDeployed {
		return ErrLiquidityDeployed
	}
	if o.LiquidityTokensClaimed {
		return ErrLiqTokensClaimed
	}

	if err := s.ledger.Transfer(o.Token, s.escrow, o.Owner, o.LiquidityTokens()); err != nil {
		return fmt.Errorf("pay liquidity tokens: %w", err)
	}
	o.LiquidityTokensClaimed = true
	return s.store.UpdateOffering(ctx, o)
}

// SetMerkleRoot binds the allocation result to the offering. Write
// once: the root cannot be replaced.
func (s *Service) SetMerkleRoot(ctx context.Context, id string, caller common.Address, root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return err
	}
	if caller != o.Owner {
		return ErrNotOwner
	}
	if !o.Finalized {
		return ErrNotFinalized
	}
	if o.MerkleEnabled {
		return ErrRootAlreadySet
	}
	if root == (common.Hash{}) {
		return ErrZeroRoot
	}

	o.MerkleEnabled = true
	o.MerkleRoot = root
	if err := s.store.UpdateOffering(ctx, o); err != nil {
		return err
	}
	s.log.Info("giveaway: merkle root set", "offering", id, "root", root)
	return nil
}

// ClaimRequest is one leaf of the distribution plus its proof, exactly
// as handed out by the distribution document.
type ClaimRequest struct {
	Index        uint64
	Participant  common.Address
	TokenAmount  *uint256.Int
	RefundAmount *uint256.Int
	Proof        []common.Hash
}

// Claim verifies the proof against the bound root and pays the token
// and refund amounts out of escrow. Each index pays out at most once.
func (s *Service) Claim(ctx context.Context, id string, req ClaimRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return err
	}
	return s.claimLocked(ctx, o, req)
}

func (s *Service) claimLocked(ctx context.Context, o *Offering, req ClaimRequest) error {
	if !o.MerkleEnabled {
		return ErrRootNotSet
	}

	leaf := merkle.Leaf{
		Index:        req.Index,
		Participant:  req.Participant,
		TokenAmount:  req.TokenAmount,
		RefundAmount: req.RefundAmount,
	}
	ok, err := merkle.Verify(o.MerkleRoot, leaf, req.Proof)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidProof
	}

	claimed, err := s.store.IsClaimed(ctx, o.ID, req.Index)
	if err != nil {
		return err
	}
	if claimed {
		return ErrAlreadyClaimed
	}
	if req.TokenAmount.IsZero() && req.RefundAmount.IsZero() {
		return ErrNoAllocation
	}

	if !req.TokenAmount.IsZero() {
		if err := s.ledger.Transfer(o.Token, s.escrow, req.Participant, req.TokenAmount); err != nil {
			return fmt.Errorf("pay tokens: %w", err)
		}
	}
	if !req.RefundAmount.IsZero() {
		if err := s.ledger.Transfer(s.usdc, s.escrow, req.Participant, req.RefundAmount); err != nil {
			if !req.TokenAmount.IsZero() {
				if rerr := s.ledger.Transfer(o.Token, req.Participant, s.escrow, req.TokenAmount); rerr != nil {
					s.log.Error("giveaway: failed to roll back token payout after refund failure", "offering", o.ID, "index", req.Index, "error", rerr)
				}
			}
			return fmt.Errorf("pay refund: %w", err)
		}
	}

	if err := s.store.MarkClaimed(ctx, o.ID, req.Index); err != nil {
		return err
	}
	s.log.Debug("giveaway: claim paid",
		"offering", o.ID,
		"index", req.Index,
		"participant", req.Participant,
		"tokens", req.TokenAmount.Dec(),
		"refund", req.RefundAmount.Dec(),
	)
	return nil
}

// BatchClaimResult reports the outcome of one request in a batch.
type BatchClaimResult struct {
	Index uint64
	Err   error
}

// BatchClaim processes each request independently and reports per-item
// outcomes. An unknown offering or unset root fails the whole batch.
func (s *Service) BatchClaim(ctx context.Context, id string, reqs []ClaimRequest) ([]BatchClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.MerkleEnabled {
		return nil, ErrRootNotSet
	}

	out := make([]BatchClaimResult, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, BatchClaimResult{Index: req.Index, Err: s.claimLocked(ctx, o, req)})
	}
	return out, nil
}

// ClaimStatus answers whether a given leaf can still be claimed.
func (s *Service) ClaimStatus(ctx context.Context, id string, req ClaimRequest) (ClaimReason, error) {
	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return 0, err
	}
	if !o.Finalized || !o.MerkleEnabled {
		return ReasonNotFinalized, nil
	}
	claimed, err := s.store.IsClaimed(ctx, id, req.Index)
	if err != nil {
		return 0, err
	}
	if claimed {
		return ReasonAlreadyClaimed, nil
	}
	if req.TokenAmount.IsZero() && req.RefundAmount.IsZero() {
		return ReasonNoAllocation, nil
	}
	return ReasonCanClaim, nil
}

// Escrow is the address the service pulls deposits and sale supply
// into. Owners approve it as a spender before create and deposit calls.
func (s *Service) Escrow() common.Address { return s.escrow }

// Offering returns the current state of one offering.
func (s *Service) Offering(ctx context.Context, id string) (*Offering, error) {
	return s.store.GetOffering(ctx, id)
}

// Participant returns one participant's deposit record.
func (s *Service) Participant(ctx context.Context, id string, addr common.Address) (*Participant, error) {
	return s.store.GetParticipant(ctx, id, addr)
}

// Participants lists all deposit records in deposit order.
func (s *Service) Participants(ctx context.Context, id string) ([]*Participant, error) {
	return s.store.ListParticipants(ctx, id)
}

// Snapshot freezes a finalized offering into the allocation engine's
// input shape, with deposits in the order they arrived.
func (s *Service) Snapshot(ctx context.Context, id string) (allocation.Snapshot, error) {
	o, err := s.store.GetOffering(ctx, id)
	if err != nil {
		return allocation.Snapshot{}, err
	}
	if !o.Finalized {
		return allocation.Snapshot{}, ErrNotFinalized
	}
	parts, err := s.store.ListParticipants(ctx, id)
	if err != nil {
		return allocation.Snapshot{}, err
	}
	deposits := make([]allocation.Deposit, 0, len(parts))
	for _, p := range parts {
		deposits = append(deposits, allocation.Deposit{
			Participant: p.Address,
			Amount:      new(uint256.Int).Set(p.Amount),
		})
	}
	return allocation.Snapshot{
		MaxAllocation:         new(uint256.Int).Set(o.MaxAllocation),
		TotalDeposited:        new(uint256.Int).Set(o.TotalDeposited),
		TokensForParticipants: o.TokensForParticipants(),
		Deposits:              deposits,
	}, nil
}

// AllocationBreakdown runs the allocation engine over the finalized
// snapshot. Read-only: the distribution generator is what turns this
// into a claimable document.
func (s *Service) AllocationBreakdown(ctx context.Context, id string) (*allocation.Result, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return allocation.Compute(snap)
}
