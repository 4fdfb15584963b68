// Package dex is the liquidity-deployment collaborator. Finalization
// hands it the liquidity token reservation plus the post-fee USDC and
// expects a position at the implied initial price, or an error that
// aborts the whole finalize.
package dex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/token"
)

var (
	ErrZeroLiquidity   = errors.New("both sides of the position must be non-zero")
	ErrUnknownPosition = errors.New("unknown position")
)

// Position is one deployed liquidity position. The initial price is
// QuoteAmount/TokenAmount; the pool does not rebalance.
type Position struct {
	ID          string
	Token       common.Address
	Quote       common.Address
	TokenAmount *uint256.Int
	QuoteAmount *uint256.Int
}

// Deployer seeds a liquidity position from funds held by `from`.
// The owner of `from` must have approved Address() as a spender on
// both legs beforehand.
type Deployer interface {
	Address() common.Address
	DeployLiquidity(ctx context.Context, from, tok, quote common.Address, tokenAmount, quoteAmount *uint256.Int) (Position, error)
}

type PoolConfig struct {
	Logger  *slog.Logger
	Ledger  *token.Ledger
	Address common.Address
}

func (cfg *PoolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Address == (common.Address{}) {
		return errors.New("pool address is required")
	}
	return nil
}

// Pool is the in-process Deployer. It pulls both legs into its own
// account and records the position.
type Pool struct {
	log    *slog.Logger
	ledger *token.Ledger
	addr   common.Address

	mu        sync.Mutex
	positions map[string]Position
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		log:       cfg.Logger,
		ledger:    cfg.Ledger,
		addr:      cfg.Address,
		positions: make(map[string]Position),
	}, nil
}

func (p *Pool) Address() common.Address { return p.addr }

func (p *Pool) DeployLiquidity(ctx context.Context, from, tok, quote common.Address, tokenAmount, quoteAmount *uint256.Int) (Position, error) {
	if tokenAmount == nil || tokenAmount.IsZero() || quoteAmount == nil || quoteAmount.IsZero() {
		return Position{}, ErrZeroLiquidity
	}

	if err := p.ledger.TransferFrom(tok, p.addr, from, p.addr, tokenAmount); err != nil {
		return Position{}, fmt.Errorf("pull token leg: %w", err)
	}
	if err := p.ledger.TransferFrom(quote, p.addr, from, p.addr, quoteAmount); err != nil {
		// Return the token leg so a failed deployment leaves no
		// partial escrow behind.
		if rbErr := p.ledger.Transfer(tok, p.addr, from, tokenAmount); rbErr != nil {
			return Position{}, fmt.Errorf("pull quote leg: %w (token leg rollback also failed: %v)", err, rbErr)
		}
		return Position{}, fmt.Errorf("pull quote leg: %w", err)
	}

	pos := Position{
		ID:          uuid.NewString(),
		Token:       tok,
		Quote:       quote,
		TokenAmount: new(uint256.Int).Set(tokenAmount),
		QuoteAmount: new(uint256.Int).Set(quoteAmount),
	}

	p.mu.Lock()
	p.positions[pos.ID] = pos
	p.mu.Unlock()

	p.log.Info("dex: liquidity deployed",
		"position", pos.ID,
		"token", tok,
		"quote", quote,
		"tokenAmount", tokenAmount,
		"quoteAmount", quoteAmount,
	)
	return pos, nil
}

// Position looks up a deployed position by reference.
func (p *Pool) Position(id string) (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return Position{}, ErrUnknownPosition
	}
	return pos, nil
}
