package giveaway

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nenkoz/FairLaunch.io/api/metrics"
	fltesting "github.com/nenkoz/FairLaunch.io/utils/pkg/testing"
)

func testOffering(id string) *Offering {
	return &Offering{
		ID:                 id,
		Owner:              common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Token:              common.HexToAddress("0x4000000000000000000000000000000000000004"),
		StartTime:          time.Unix(1_700_000_060, 0).UTC(),
		EndTime:            time.Unix(1_700_003_660, 0).UTC(),
		MaxAllocation:      uint256.NewInt(100_000),
		TotalTokensForSale: uint256.NewInt(1_000_000),
		DevBps:             1_000,
		LiquidityBps:       2_000,
		TotalDeposited:     uint256.NewInt(0),
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("offering round trip", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)

		o := testOffering("offer-1")
		require.NoError(t, s.CreateOffering(ctx, o))
		require.ErrorIs(t, s.CreateOffering(ctx, o), ErrOfferingExists)

		got, err := s.GetOffering(ctx, "offer-1")
		require.NoError(t, err)
		require.Equal(t, o.ID, got.ID)
		require.Equal(t, o.Owner, got.Owner)
		require.Equal(t, o.StartTime, got.StartTime)
		require.Equal(t, o.MaxAllocation, got.MaxAllocation)
		require.Nil(t, got.FinalAllocation)

		_, err = s.GetOffering(ctx, "nope")
		require.ErrorIs(t, err, ErrUnknownOffering)
	})

	t.Run("update persists every field", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)

		o := testOffering("offer-2")
		require.NoError(t, s.CreateOffering(ctx, o))

		o.TotalDeposited = uint256.NewInt(55_000)
		o.ParticipantCount = 3
		o.Finalized = true
		o.FinalAllocation = uint256.NewInt(55_000)
		o.MerkleEnabled = true
		o.MerkleRoot = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000def")
		o.DevTokensAllocated = true
		o.LiquidityTokensAllocated = true
		o.LiquidityDeployed = true
		o.LiquidityPositionID = "pos-1"
		require.NoError(t, s.UpdateOffering(ctx, o))

		got, err := s.GetOffering(ctx, "offer-2")
		require.NoError(t, err)
		require.Equal(t, uint256.NewInt(55_000), got.TotalDeposited)
		require.Equal(t, uint64(3), got.ParticipantCount)
		require.True(t, got.Finalized)
		require.Equal(t, uint256.NewInt(55_000), got.FinalAllocation)
		require.True(t, got.MerkleEnabled)
		require.Equal(t, o.MerkleRoot, got.MerkleRoot)
		require.True(t, got.DevTokensAllocated)
		require.True(t, got.LiquidityDeployed)
		require.Equal(t, "pos-1", got.LiquidityPositionID)

		require.ErrorIs(t, s.UpdateOffering(ctx, testOffering("nope")), ErrUnknownOffering)
	})

	t.Run("participants keep deposit order", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.CreateOffering(ctx, testOffering("offer-3")))

		addrs := []common.Address{
			common.HexToAddress("0xc00000000000000000000000000000000000000c"),
			common.HexToAddress("0xa00000000000000000000000000000000000000a"),
			common.HexToAddress("0xb00000000000000000000000000000000000000b"),
		}
		tags := []string{"0xaa01", "0xaa02", "0xaa03"}
		for i, addr := range addrs {
			require.NoError(t, s.PutParticipant(ctx, "offer-3", &Participant{
				Address:     addr,
				Amount:      uint256.NewInt(uint64(1_000 * (i + 1))),
				IdentityTag: tags[i],
				Verified:    true,
				DepositedAt: time.Unix(1_700_000_100+int64(i), 0).UTC(),
			}))
		}

		list, err := s.ListParticipants(ctx, "offer-3")
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, p := range list {
			require.Equal(t, addrs[i], p.Address)
			require.Equal(t, uint256.NewInt(uint64(1_000*(i+1))), p.Amount)
			require.Equal(t, tags[i], p.IdentityTag)
			require.True(t, p.Verified)
		}

		got, err := s.GetParticipant(ctx, "offer-3", addrs[1])
		require.NoError(t, err)
		require.Equal(t, uint256.NewInt(2_000), got.Amount)

		_, err = s.GetParticipant(ctx, "offer-3", common.HexToAddress("0xf00000000000000000000000000000000000000f"))
		require.ErrorIs(t, err, ErrUnknownParticipant)

		_, err = s.ListParticipants(ctx, "nope")
		require.ErrorIs(t, err, ErrUnknownOffering)
	})

	t.Run("claims are monotonic", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.CreateOffering(ctx, testOffering("offer-4")))

		claimed, err := s.IsClaimed(ctx, "offer-4", 0)
		require.NoError(t, err)
		require.False(t, claimed)

		require.NoError(t, s.MarkClaimed(ctx, "offer-4", 0))
		require.NoError(t, s.MarkClaimed(ctx, "offer-4", 0))
		require.NoError(t, s.MarkClaimed(ctx, "offer-4", 7))

		claimed, err = s.IsClaimed(ctx, "offer-4", 0)
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = s.IsClaimed(ctx, "offer-4", 1)
		require.NoError(t, err)
		require.False(t, claimed)

		_, err = s.IsClaimed(ctx, "nope", 0)
		require.ErrorIs(t, err, ErrUnknownOffering)
		require.ErrorIs(t, s.MarkClaimed(ctx, "nope", 0), ErrUnknownOffering)
	})
}

func TestLaunch_Giveaway_MemStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestLaunch_Giveaway_SQLStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLStore(fltesting.NewLogger(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// Query counters are process-global, so assert deltas rather than
// absolute values.
func TestLaunch_Giveaway_SQLStore_QueryMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := NewSQLStore(fltesting.NewLogger(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	success := testutil.ToFloat64(metrics.StoreQueriesTotal.WithLabelValues("success"))

	require.NoError(t, s.CreateOffering(ctx, testOffering("metrics-1")))
	_, err = s.GetOffering(ctx, "metrics-1")
	require.NoError(t, err)

	// A lookup miss still counts as a successful query.
	_, err = s.GetOffering(ctx, "metrics-missing")
	require.ErrorIs(t, err, ErrUnknownOffering)

	require.GreaterOrEqual(t,
		testutil.ToFloat64(metrics.StoreQueriesTotal.WithLabelValues("success")),
		success+3)
}
