package giveaway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nenkoz/FairLaunch.io/api/metrics"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/dex"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/identity"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/token"
	fltesting "github.com/nenkoz/FairLaunch.io/utils/pkg/testing"
)

type testEnv struct {
	clock  *clockwork.FakeClock
	ledger *token.Ledger
	gate   *identity.Registry
	store  *MemStore
	svc    *Service
	pool   *dex.Pool

	owner   common.Address
	escrow  common.Address
	feeRcpt common.Address
	sale    common.Address
	usdc    common.Address

	alice common.Address
	bob   common.Address
	carol common.Address
}

func newTestEnv(t *testing.T, withDeployer bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := fltesting.NewLogger()

	e := &testEnv{
		clock:   clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0).UTC()),
		owner:   common.HexToAddress("0x1000000000000000000000000000000000000001"),
		escrow:  common.HexToAddress("0x2000000000000000000000000000000000000002"),
		feeRcpt: common.HexToAddress("0x3000000000000000000000000000000000000003"),
		alice:   common.HexToAddress("0xa00000000000000000000000000000000000000a"),
		bob:     common.HexToAddress("0xb00000000000000000000000000000000000000b"),
		carol:   common.HexToAddress("0xc00000000000000000000000000000000000000c"),
	}

	var err error
	e.ledger, err = token.NewLedger(token.LedgerConfig{Logger: log})
	require.NoError(t, err)

	e.sale, err = e.ledger.Deploy(token.Metadata{
		Name: "Launch Token", Symbol: "LNCH", Decimals: 6,
		Cap:   uint256.NewInt(100_000_000),
		Owner: e.owner,
	})
	require.NoError(t, err)
	require.NoError(t, e.ledger.Mint(e.sale, e.owner, e.owner, uint256.NewInt(10_000_000)))

	usdcOwner := common.HexToAddress("0xd00000000000000000000000000000000000000d")
	e.usdc, err = e.ledger.Deploy(token.Metadata{
		Name: "USD Coin", Symbol: "USDC", Decimals: 6,
		Cap:   uint256.NewInt(1_000_000_000),
		Owner: usdcOwner,
	})
	require.NoError(t, err)

	e.gate, err = identity.NewRegistry(identity.RegistryConfig{Logger: log})
	require.NoError(t, err)

	for i, addr := range []common.Address{e.alice, e.bob, e.carol} {
		require.NoError(t, e.ledger.Mint(e.usdc, usdcOwner, addr, uint256.NewInt(1_000_000)))
		require.NoError(t, e.ledger.Approve(e.usdc, addr, e.escrow, uint256.NewInt(1_000_000)))
		nullifier := crypto.Keccak256Hash([]byte{byte(i + 1)})
		require.NoError(t, e.gate.Register(ctx, addr, nullifier))
	}

	var deployer dex.Deployer
	if withDeployer {
		e.pool, err = dex.NewPool(dex.PoolConfig{
			Logger:  log,
			Ledger:  e.ledger,
			Address: common.HexToAddress("0xe00000000000000000000000000000000000000e"),
		})
		require.NoError(t, err)
		deployer = e.pool
	}

	e.store = NewMemStore()
	e.svc, err = NewService(ServiceConfig{
		Logger:        log,
		Clock:         e.clock,
		Store:         e.store,
		Ledger:        e.ledger,
		Gate:          e.gate,
		Deployer:      deployer,
		USDC:          e.usdc,
		EscrowAddress: e.escrow,
		FeeRecipient:  e.feeRcpt,
		FeeBps:        500, // 5%
	})
	require.NoError(t, err)
	return e
}

func (e *testEnv) createParams() CreateParams {
	now := e.clock.Now().Unix()
	return CreateParams{
		Owner:              e.owner,
		Token:              e.sale,
		StartTime:          now + 60,
		EndTime:            now + 3_660,
		MaxAllocation:      uint256.NewInt(100_000),
		TotalTokensForSale: uint256.NewInt(1_000_000),
		DevBps:             1_000,
		LiquidityBps:       2_000,
	}
}

// create approves the escrow for the sale supply and creates the
// offering with default params.
func (e *testEnv) create(t *testing.T) *Offering {
	t.Helper()
	require.NoError(t, e.ledger.Approve(e.sale, e.owner, e.escrow, uint256.NewInt(1_000_000)))
	o, err := e.svc.CreateOffering(context.Background(), e.createParams())
	require.NoError(t, err)
	return o
}

func (e *testEnv) openWindow() { e.clock.Advance(61 * time.Second) }

func (e *testEnv) closeWindow(t *testing.T) {
	t.Helper()
	e.clock.Advance(4_000 * time.Second)
}

func (e *testEnv) balance(t *testing.T, tok, addr common.Address) *uint256.Int {
	t.Helper()
	b, err := e.ledger.BalanceOf(tok, addr)
	require.NoError(t, err)
	return b
}

// updateFailStore fails UpdateOffering on demand to exercise the
// service's escrow rollback paths.
type updateFailStore struct {
	Store
	failUpdates bool
}

func (s *updateFailStore) UpdateOffering(ctx context.Context, o *Offering) error {
	if s.failUpdates {
		return errors.New("update rejected")
	}
	return s.Store.UpdateOffering(ctx, o)
}

func TestLaunch_Giveaway_ServiceConfig_Validate(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)

	base := func() ServiceConfig {
		return ServiceConfig{
			Logger:        fltesting.NewLogger(),
			Clock:         e.clock,
			Store:         e.store,
			Ledger:        e.ledger,
			Gate:          e.gate,
			USDC:          e.usdc,
			EscrowAddress: e.escrow,
			FeeRecipient:  e.feeRcpt,
			FeeBps:        100,
		}
	}

	cases := []struct {
		name   string
		mutate func(*ServiceConfig)
	}{
		{"missing logger", func(c *ServiceConfig) { c.Logger = nil }},
		{"missing clock", func(c *ServiceConfig) { c.Clock = nil }},
		{"missing store", func(c *ServiceConfig) { c.Store = nil }},
		{"missing ledger", func(c *ServiceConfig) { c.Ledger = nil }},
		{"missing gate", func(c *ServiceConfig) { c.Gate = nil }},
		{"missing usdc", func(c *ServiceConfig) { c.USDC = common.Address{} }},
		{"missing escrow", func(c *ServiceConfig) { c.EscrowAddress = common.Address{} }},
		{"missing fee recipient", func(c *ServiceConfig) { c.FeeRecipient = common.Address{} }},
		{"fee too high", func(c *ServiceConfig) { c.FeeBps = BpsDenominator }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			_, err := NewService(cfg)
			require.Error(t, err)
		})
	}

	t.Run("valid", func(t *testing.T) {
		cfg := base()
		_, err := NewService(cfg)
		require.NoError(t, err)
	})
}

func TestLaunch_Giveaway_CreateOffering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("escrows the sale supply", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)

		require.NotEmpty(t, o.ID)
		require.Equal(t, uint256.NewInt(1_000_000), e.balance(t, e.sale, e.escrow))
		require.Equal(t, uint256.NewInt(9_000_000), e.balance(t, e.sale, e.owner))
		require.True(t, o.TotalDeposited.IsZero())
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		require.NoError(t, e.ledger.Approve(e.sale, e.owner, e.escrow, uint256.NewInt(10_000_000)))

		cases := []struct {
			name   string
			mutate func(*CreateParams)
			want   error
		}{
			{"start after end", func(p *CreateParams) { p.StartTime = p.EndTime + 1 }, ErrInvalidWindow},
			{"start in the past", func(p *CreateParams) { p.StartTime = e.clock.Now().Unix() - 1 }, ErrInvalidWindow},
			{"zero cap", func(p *CreateParams) { p.MaxAllocation = uint256.NewInt(0) }, ErrZeroAmount},
			{"zero supply", func(p *CreateParams) { p.TotalTokensForSale = uint256.NewInt(0) }, ErrZeroAmount},
			{"dev plus liquidity above 70%", func(p *CreateParams) { p.DevBps = 5_100; p.LiquidityBps = 2_000 }, ErrPercentTooHigh},
			{"liquidity below 20%", func(p *CreateParams) { p.LiquidityBps = 1_999 }, ErrLiquidityTooLow},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				p := e.createParams()
				tc.mutate(&p)
				_, err := e.svc.CreateOffering(ctx, p)
				require.ErrorIs(t, err, tc.want)
			})
		}
	})

	t.Run("duplicate id returns the escrowed supply", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		require.NoError(t, e.ledger.Approve(e.sale, e.owner, e.escrow, uint256.NewInt(2_000_000)))

		p := e.createParams()
		p.ID = "offer-1"
		_, err := e.svc.CreateOffering(ctx, p)
		require.NoError(t, err)

		_, err = e.svc.CreateOffering(ctx, p)
		require.ErrorIs(t, err, ErrOfferingExists)
		require.Equal(t, uint256.NewInt(1_000_000), e.balance(t, e.sale, e.escrow))
		require.Equal(t, uint256.NewInt(9_000_000), e.balance(t, e.sale, e.owner))
	})
}

func TestLaunch_Giveaway_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("before start returns the supply", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)

		require.NoError(t, e.svc.Cancel(ctx, o.ID, e.owner))
		require.True(t, e.balance(t, e.sale, e.escrow).IsZero())
		require.Equal(t, uint256.NewInt(10_000_000), e.balance(t, e.sale, e.owner))

		got, err := e.svc.Offering(ctx, o.ID)
		require.NoError(t, err)
		require.True(t, got.Cancelled)

		e.openWindow()
		err = e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(100))
		require.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("guards", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)

		require.ErrorIs(t, e.svc.Cancel(ctx, o.ID, e.alice), ErrNotOwner)
		require.ErrorIs(t, e.svc.Cancel(ctx, "nope", e.owner), ErrUnknownOffering)

		e.openWindow()
		require.ErrorIs(t, e.svc.Cancel(ctx, o.ID, e.owner), ErrAlreadyStarted)
	})
}

func TestLaunch_Giveaway_Deposit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("happy path updates totals", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)
		e.openWindow()

		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(30_000)))
		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.bob, uint256.NewInt(20_000)))

		got, err := e.svc.Offering(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.ParticipantCount)
		require.Equal(t, uint256.NewInt(50_000), got.TotalDeposited)
		require.Equal(t, uint256.NewInt(50_000), e.balance(t, e.usdc, e.escrow))
		require.Equal(t, uint256.NewInt(970_000), e.balance(t, e.usdc, e.alice))

		p, err := e.svc.Participant(ctx, o.ID, e.alice)
		require.NoError(t, err)
		require.Equal(t, uint256.NewInt(30_000), p.Amount)
		require.True(t, p.Verified)
		require.Equal(t, crypto.Keccak256Hash([]byte{1}).Hex(), p.IdentityTag)
	})

	t.Run("offering update failure returns the deposit", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		fs := &updateFailStore{Store: e.store}
		svc, err := NewService(ServiceConfig{
			Logger:        fltesting.NewLogger(),
			Clock:         e.clock,
			Store:         fs,
			Ledger:        e.ledger,
			Gate:          e.gate,
			USDC:          e.usdc,
			EscrowAddress: e.escrow,
			FeeRecipient:  e.feeRcpt,
			FeeBps:        500,
		})
		require.NoError(t, err)
		e.svc = svc
		o := e.create(t)
		e.openWindow()

		fs.failUpdates = true
		require.Error(t, svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(30_000)))

		// The escrowed USDC went back to the depositor.
		require.Equal(t, uint256.NewInt(1_000_000), e.balance(t, e.usdc, e.alice))
		require.True(t, e.balance(t, e.usdc, e.escrow).IsZero())
	})

	t.Run("window and policy guards", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)

		require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(100)), ErrWindowNotOpen)

		e.openWindow()
		require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(0)), ErrZeroAmount)
		require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, e.alice, nil), ErrZeroAmount)

		stranger := common.HexToAddress("0xf00000000000000000000000000000000000000f")
		require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, stranger, uint256.NewInt(100)), ErrNotVerified)

		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(100)))
		require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(100)), ErrAlreadyDeposited)

		e.closeWindow(t)
		require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, e.bob, uint256.NewInt(100)), ErrWindowClosed)
	})
}

func TestLaunch_Giveaway_Finalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("under cap keeps the full deposit", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)
		e.openWindow()
		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(40_000)))
		e.closeWindow(t)

		got, err := e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)
		require.True(t, got.Finalized)
		require.Equal(t, uint256.NewInt(40_000), got.FinalAllocation)

		// 5% of 40,000.
		require.Equal(t, uint256.NewInt(2_000), e.balance(t, e.usdc, e.feeRcpt))
		require.Equal(t, uint256.NewInt(38_000), e.balance(t, e.usdc, e.escrow))

		require.True(t, got.DevTokensAllocated)
		require.True(t, got.LiquidityTokensAllocated)
		require.False(t, got.LiquidityDeployed)
	})

	t.Run("final allocation is capped", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)
		e.openWindow()
		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(80_000)))
		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.bob, uint256.NewInt(70_000)))
		e.closeWindow(t)

		got, err := e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)
		require.Equal(t, uint256.NewInt(100_000), got.FinalAllocation)

		// Fee applies to the capped amount; the surplus above the cap
		// stays in escrow for refunds.
		require.Equal(t, uint256.NewInt(5_000), e.balance(t, e.usdc, e.feeRcpt))
		require.Equal(t, uint256.NewInt(145_000), e.balance(t, e.usdc, e.escrow))
	})

	t.Run("deploys liquidity through the pool", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, true)
		o := e.create(t)
		e.openWindow()
		require.NoError(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(40_000)))
		e.closeWindow(t)

		got, err := e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)
		require.True(t, got.LiquidityDeployed)
		require.NotEmpty(t, got.LiquidityPositionID)

		pos, err := e.pool.Position(got.LiquidityPositionID)
		require.NoError(t, err)
		// 20% of the 1,000,000 sale supply.
		require.Equal(t, uint256.NewInt(200_000), pos.TokenAmount)
		// 40,000 minus the 5% fee.
		require.Equal(t, uint256.NewInt(38_000), pos.QuoteAmount)

		require.Equal(t, uint256.NewInt(200_000), e.balance(t, e.sale, e.pool.Address()))
		require.Equal(t, uint256.NewInt(38_000), e.balance(t, e.usdc, e.pool.Address()))
		require.True(t, e.balance(t, e.usdc, e.escrow).IsZero())

		require.ErrorIs(t, e.svc.ClaimLiquidityTokens(ctx, o.ID, e.owner), ErrLiquidityDeployed)
	})

	t.Run("zero deposits finalizes without fee or deployment", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, true)
		o := e.create(t)
		e.closeWindow(t)

		got, err := e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)
		require.True(t, got.Finalized)
		require.True(t, got.FinalAllocation.IsZero())
		require.False(t, got.LiquidityDeployed)
		require.True(t, e.balance(t, e.usdc, e.feeRcpt).IsZero())
	})

	t.Run("guards", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)

		_, err := e.svc.Finalize(ctx, o.ID, e.owner)
		require.ErrorIs(t, err, ErrNotEnded)

		_, err = e.svc.Finalize(ctx, o.ID, e.alice)
		require.ErrorIs(t, err, ErrNotOwner)

		e.closeWindow(t)
		_, err = e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)

		_, err = e.svc.Finalize(ctx, o.ID, e.owner)
		require.ErrorIs(t, err, ErrAlreadyFinalized)
	})
}

func TestLaunch_Giveaway_OwnerClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("dev and liquidity shares pay once", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)
		e.closeWindow(t)
		_, err := e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)

		require.ErrorIs(t, e.svc.ClaimDevTokens(ctx, o.ID, e.alice), ErrNotOwner)

		// 10% of 1,000,000.
		require.NoError(t, e.svc.ClaimDevTokens(ctx, o.ID, e.owner))
		require.Equal(t, uint256.NewInt(9_100_000), e.balance(t, e.sale, e.owner))
		require.ErrorIs(t, e.svc.ClaimDevTokens(ctx, o.ID, e.owner), ErrDevTokensClaimed)

		// 20% of 1,000,000; no deployer, so the reservation is claimable.
		require.NoError(t, e.svc.ClaimLiquidityTokens(ctx, o.ID, e.owner))
		require.Equal(t, uint256.NewInt(9_300_000), e.balance(t, e.sale, e.owner))
		require.ErrorIs(t, e.svc.ClaimLiquidityTokens(ctx, o.ID, e.owner), ErrLiqTokensClaimed)
	})

	t.Run("zero dev share is never allocated", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		require.NoError(t, e.ledger.Approve(e.sale, e.owner, e.escrow, uint256.NewInt(1_000_000)))
		p := e.createParams()
		p.DevBps = 0
		o, err := e.svc.CreateOffering(ctx, p)
		require.NoError(t, err)

		e.closeWindow(t)
		_, err = e.svc.Finalize(ctx, o.ID, e.owner)
		require.NoError(t, err)
		require.ErrorIs(t, e.svc.ClaimDevTokens(ctx, o.ID, e.owner), ErrNotAllocated)
	})

	t.Run("requires finalization", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, false)
		o := e.create(t)

		require.ErrorIs(t, e.svc.ClaimDevTokens(ctx, o.ID, e.owner), ErrNotFinalized)
		require.ErrorIs(t, e.svc.ClaimLiquidityTokens(ctx, o.ID, e.owner), ErrNotFinalized)
	})
}

func TestLaunch_Giveaway_SetMerkleRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, false)
	o := e.create(t)
	root := crypto.Keccak256Hash([]byte("root"))

	require.ErrorIs(t, e.svc.SetMerkleRoot(ctx, o.ID, e.owner, root), ErrNotFinalized)

	e.closeWindow(t)
	_, err := e.svc.Finalize(ctx, o.ID, e.owner)
	require.NoError(t, err)

	require.ErrorIs(t, e.svc.SetMerkleRoot(ctx, o.ID, e.alice, root), ErrNotOwner)
	require.ErrorIs(t, e.svc.SetMerkleRoot(ctx, o.ID, e.owner, common.Hash{}), ErrZeroRoot)

	require.NoError(t, e.svc.SetMerkleRoot(ctx, o.ID, e.owner, root))
	require.ErrorIs(t, e.svc.SetMerkleRoot(ctx, o.ID, e.owner, root), ErrRootAlreadySet)

	got, err := e.svc.Offering(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, got.MerkleEnabled)
	require.Equal(t, root, got.MerkleRoot)
}

// The lifecycle counters are process-global, so assert deltas rather
// than absolute values.
func TestLaunch_Giveaway_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, false)
	o := e.create(t)
	e.openWindow()

	accepted := testutil.ToFloat64(metrics.DepositsTotal.WithLabelValues("accepted"))
	rejected := testutil.ToFloat64(metrics.DepositsTotal.WithLabelValues("rejected"))
	finalized := testutil.ToFloat64(metrics.OfferingsFinalizedTotal)

	require.NoError(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(10_000)))
	require.ErrorIs(t, e.svc.Deposit(ctx, o.ID, e.alice, uint256.NewInt(10_000)), ErrAlreadyDeposited)

	e.closeWindow(t)
	_, err := e.svc.Finalize(ctx, o.ID, e.owner)
	require.NoError(t, err)

	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.DepositsTotal.WithLabelValues("accepted")), accepted+1)
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.DepositsTotal.WithLabelValues("rejected")), rejected+1)
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.OfferingsFinalizedTotal), finalized+1)
}
