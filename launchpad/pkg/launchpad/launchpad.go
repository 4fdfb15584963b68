// Package launchpad is the one-call front door: deploy a token and open
// its giveaway offering as a single operation, so no token ever exists
// without the offering that distributes it.
package launchpad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/giveaway"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/token"
)

var ErrSupplyBelowSale = errors.New("supply cap below tokens for sale")

type Config struct {
	Logger   *slog.Logger
	Ledger   *token.Ledger
	Giveaway *giveaway.Service
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Giveaway == nil {
		return errors.New("giveaway service is required")
	}
	return nil
}

type Launcher struct {
	log      *slog.Logger
	ledger   *token.Ledger
	giveaway *giveaway.Service
}

func New(cfg Config) (*Launcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Launcher{
		log:      cfg.Logger,
		ledger:   cfg.Ledger,
		giveaway: cfg.Giveaway,
	}, nil
}

// LaunchParams describes both halves of a launch: the token to deploy
// and the offering that sells it.
type LaunchParams struct {
	Name      string
	Symbol    string
	Decimals  uint8
	SupplyCap *uint256.Int
	Owner     common.Address

	OfferingID         string
	StartTime          int64
	EndTime            int64
	MaxAllocation      *uint256.Int
	TotalTokensForSale *uint256.Int
	DevBps             uint64
	LiquidityBps       uint64
}

// Launch deploys the token, mints the sale supply to the owner and
// opens the offering. If the offering cannot be created the minted
// supply is burned, leaving nothing in circulation.
func (l *Launcher) Launch(ctx context.Context, p LaunchParams) (common.Address, *giveaway.Offering, error) {
	if p.SupplyCap != nil && p.TotalTokensForSale != nil && p.SupplyCap.Lt(p.TotalTokensForSale) {
		return common.Address{}, nil, ErrSupplyBelowSale
	}

	tok, err := l.ledger.Deploy(token.Metadata{
		Name:     p.Name,
		Symbol:   p.Symbol,
		Decimals: p.Decimals,
		Cap:      p.SupplyCap,
		Owner:    p.Owner,
	})
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("deploy token: %w", err)
	}

	if err := l.ledger.Mint(tok, p.Owner, p.Owner, p.TotalTokensForSale); err != nil {
		return common.Address{}, nil, fmt.Errorf("mint sale supply: %w", err)
	}
	if err := l.ledger.Approve(tok, p.Owner, l.giveaway.Escrow(), p.TotalTokensForSale); err != nil {
		return common.Address{}, nil, fmt.Errorf("approve escrow: %w", err)
	}

	o, err := l.giveaway.CreateOffering(ctx, giveaway.CreateParams{
		ID:                 p.OfferingID,
		Owner:              p.Owner,
		Token:              tok,
		StartTime:          p.StartTime,
		EndTime:            p.EndTime,
		MaxAllocation:      p.MaxAllocation,
		TotalTokensForSale: p.TotalTokensForSale,
		DevBps:             p.DevBps,
		LiquidityBps:       p.LiquidityBps,
	})
	if err != nil {
		if berr := l.ledger.Burn(tok, p.Owner, p.TotalTokensForSale); berr != nil {
			l.log.Error("launchpad: failed to burn supply after offering failure", "token", tok, "error", berr)
		}
		return common.Address{}, nil, fmt.Errorf("create offering: %w", err)
	}

	l.log.Info("launchpad: token launched",
		"token", tok,
		"symbol", p.Symbol,
		"offering", o.ID,
	)
	return tok, o, nil
}
