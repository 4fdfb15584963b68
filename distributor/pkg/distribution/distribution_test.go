package distribution_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/nenkoz/FairLaunch.io/distributor/pkg/distribution"
	"github.com/nenkoz/FairLaunch.io/distributor/pkg/merkle"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/allocation"
	fltesting "github.com/nenkoz/FairLaunch.io/utils/pkg/testing"
)

func newGenerator(t *testing.T) *distribution.Generator {
	t.Helper()
	g, err := distribution.NewGenerator(distribution.GeneratorConfig{Logger: fltesting.NewLogger()})
	require.NoError(t, err)
	return g
}

func snapshot(cap, tokens uint64, deposits ...uint64) allocation.Snapshot {
	snap := allocation.Snapshot{
		MaxAllocation:         uint256.NewInt(cap),
		TokensForParticipants: uint256.NewInt(tokens),
		TotalDeposited:        uint256.NewInt(0),
	}
	for i, d := range deposits {
		snap.Deposits = append(snap.Deposits, allocation.Deposit{
			Participant: common.BytesToAddress([]byte(fmt.Sprintf("p-%d", i))),
			Amount:      uint256.NewInt(d),
		})
		snap.TotalDeposited.Add(snap.TotalDeposited, uint256.NewInt(d))
	}
	return snap
}

func TestLaunch_Distribution_Generate(t *testing.T) {
	t.Parallel()

	t.Run("requires offering id", func(t *testing.T) {
		t.Parallel()
		g := newGenerator(t)
		_, err := g.Generate("", snapshot(100, 100, 10))
		require.ErrorIs(t, err, distribution.ErrEmptyOfferingID)
	})

	t.Run("rejects empty snapshot", func(t *testing.T) {
		t.Parallel()
		g := newGenerator(t)
		_, err := g.Generate("off-1", snapshot(100, 100))
		require.ErrorIs(t, err, allocation.ErrNoParticipants)
	})

	t.Run("dense indices and verifying proofs", func(t *testing.T) {
		t.Parallel()
		g := newGenerator(t)
		d, err := g.Generate("off-1", snapshot(100_000, 1_000_000, 50_000, 40_000, 30_000))
		require.NoError(t, err)

		require.Len(t, d.Entries, 3)
		for i, e := range d.Entries {
			require.Equal(t, uint64(i), e.Index)
			leaf, err := e.Leaf()
			require.NoError(t, err)
			ok, err := merkle.Verify(d.MerkleRoot, leaf, e.Proof)
			require.NoError(t, err)
			require.True(t, ok)
		}
		require.True(t, d.Oversubscribed)
		require.Equal(t, "999989", d.TotalTokens)
		require.Equal(t, "20002", d.TotalRefunds)
	})

	t.Run("survives a json round trip", func(t *testing.T) {
		t.Parallel()
		g := newGenerator(t)
		d, err := g.Generate("off-1", snapshot(10_000, 500_000, 3_000, 2_000))
		require.NoError(t, err)

		raw, err := json.Marshal(d)
		require.NoError(t, err)

		var back distribution.Distribution
		require.NoError(t, json.Unmarshal(raw, &back))
		require.Equal(t, d.MerkleRoot, back.MerkleRoot)
		require.NoError(t, distribution.Audit(&back, uint256.NewInt(500_000)))
	})
}

func TestLaunch_Distribution_Audit(t *testing.T) {
	t.Parallel()

	g := newGenerator(t)
	pool := uint256.NewInt(1_000_000)

	fresh := func(t *testing.T) *distribution.Distribution {
		d, err := g.Generate("off-1", snapshot(100_000, 1_000_000, 50_000, 40_000, 30_000))
		require.NoError(t, err)
		return d
	}

	t.Run("clean document passes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, distribution.Audit(fresh(t), pool))
	})

	t.Run("tampered entry amount fails proof check", func(t *testing.T) {
		t.Parallel()
		d := fresh(t)
		d.Entries[1].TokenAmount = "123456"
		require.ErrorIs(t, distribution.Audit(d, pool), distribution.ErrProofSelfCheck)
	})

	t.Run("tampered totals fail", func(t *testing.T) {
		t.Parallel()
		d := fresh(t)
		d.TotalTokens = "1"
		require.ErrorIs(t, distribution.Audit(d, pool), distribution.ErrTotalsMismatch)
	})

	t.Run("duplicate index fails", func(t *testing.T) {
		t.Parallel()
		d := fresh(t)
		d.Entries[2].Index = d.Entries[1].Index
		require.ErrorIs(t, distribution.Audit(d, pool), distribution.ErrDuplicateIndex)
	})

	t.Run("undersized pool fails", func(t *testing.T) {
		t.Parallel()
		require.ErrorIs(t, distribution.Audit(fresh(t), uint256.NewInt(10)), distribution.ErrPoolExceeded)
	})

	t.Run("malformed amount fails", func(t *testing.T) {
		t.Parallel()
		d := fresh(t)
		d.Entries[0].RefundAmount = "not-a-number"
		require.ErrorIs(t, distribution.Audit(d, pool), distribution.ErrBadAmount)
	})
}

func TestLaunch_Distribution_Seal(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	authority, err := distribution.NewAuthority(key)
	require.NoError(t, err)

	g := newGenerator(t)
	d, err := g.Generate("off-1", snapshot(10_000, 500_000, 3_000, 2_000))
	require.NoError(t, err)

	t.Run("unsealed document fails verification", func(t *testing.T) {
		require.ErrorIs(t, distribution.VerifySeal(d, authority.Address()), distribution.ErrNoSeal)
	})

	require.NoError(t, authority.Seal(d))

	t.Run("seal verifies against the pinned authority", func(t *testing.T) {
		require.NoError(t, distribution.VerifySeal(d, authority.Address()))
		require.Equal(t, authority.Address(), d.Seal.Signer)
	})

	t.Run("any-signer verification accepts zero expected address", func(t *testing.T) {
		require.NoError(t, distribution.VerifySeal(d, common.Address{}))
	})

	t.Run("wrong expected signer rejected", func(t *testing.T) {
		require.ErrorIs(t,
			distribution.VerifySeal(d, common.HexToAddress("0x01")),
			distribution.ErrWrongSigner)
	})

	t.Run("tampered commitment breaks the seal", func(t *testing.T) {
		tampered := *d
		tampered.TotalTokens = "500001"
		err := distribution.VerifySeal(&tampered, authority.Address())
		require.Error(t, err)
	})

	t.Run("nil key rejected", func(t *testing.T) {
		_, err := distribution.NewAuthority(nil)
		require.ErrorIs(t, err, distribution.ErrNoKey)
	})
}
