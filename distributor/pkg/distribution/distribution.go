// Package distribution produces the signed allocation document that the
// claim side verifies against. The generator is the "distribution
// authority" half of the protocol: it runs the allocation engine over a
// finalized snapshot, commits the result into a merkle root, and signs
// the commitment. The claim side never recomputes allocations; it only
// checks proofs against the committed root, so the document must be
// independently re-derivable from public deposit data.
package distribution

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/nenkoz/FairLaunch.io/distributor/pkg/merkle"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/allocation"
)

var (
	ErrEmptyOfferingID = errors.New("offering id is required")
	ErrBadAmount       = errors.New("malformed decimal amount")
	ErrTotalsMismatch  = errors.New("document totals do not match entry sums")
	ErrPoolExceeded    = errors.New("distributed tokens exceed participant pool")
	ErrProofSelfCheck  = errors.New("generated proof failed self-verification")
	ErrDuplicateIndex  = errors.New("duplicate claim index")
)

// Entry is one participant's allocation with its inclusion proof.
// Amounts are decimal strings so the document survives JSON consumers
// that mangle big numbers.
type Entry struct {
	Index        uint64         `json:"index"`
	Address      common.Address `json:"address"`
	TokenAmount  string         `json:"tokenAmount"`
	RefundAmount string         `json:"refundAmount"`
	Proof        []common.Hash  `json:"proof"`
}

// Distribution is the published allocation document for one offering.
// The aggregate fields are computed once at generation time and cached
// here rather than recomputed per claim.
type Distribution struct {
	OfferingID        string        `json:"offeringId"`
	MerkleRoot        common.Hash   `json:"merkleRoot"`
	Oversubscribed    bool          `json:"oversubscribed"`
	TotalTokens       string        `json:"totalTokens"`
	TotalRefunds      string        `json:"totalRefunds"`
	TotalLeftoverFund string        `json:"totalLeftoverFunds"`
	TotalExcessFund   string        `json:"totalExcessFunds"`
	Entries           []Entry       `json:"entries"`
	Seal              *Seal         `json:"seal,omitempty"`
}

// Leaf reconstructs the merkle leaf committed by this entry.
func (e Entry) Leaf() (merkle.Leaf, error) {
	tok, err := ParseAmount(e.TokenAmount)
	if err != nil {
		return merkle.Leaf{}, fmt.Errorf("entry %d token amount: %w", e.Index, err)
	}
	ref, err := ParseAmount(e.RefundAmount)
	if err != nil {
		return merkle.Leaf{}, fmt.Errorf("entry %d refund amount: %w", e.Index, err)
	}
	return merkle.Leaf{
		Index:        e.Index,
		Participant:  e.Address,
		TokenAmount:  tok,
		RefundAmount: ref,
	}, nil
}

// ParseAmount parses a decimal amount string.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}
	return v, nil
}

type GeneratorConfig struct {
	Logger *slog.Logger
}

func (cfg *GeneratorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Generator turns finalized snapshots into distribution documents.
type Generator struct {
	log *slog.Logger
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{log: cfg.Logger}, nil
}

// Generate runs the allocation engine over the snapshot, assigns dense
// claim indices 0..N-1 in snapshot order, builds the commitment tree and
// emits the document. Each generated proof is verified against the root
// before the document leaves this function. Index density is what makes
// a single address appear at exactly one index: the claim side only
// enforces per-index replay protection, so single-index-per-participant
// is a property of this generator, not of the verifier.
func (g *Generator) Generate(offeringID string, snap allocation.Snapshot) (*Distribution, error) {
	if offeringID == "" {
		return nil, ErrEmptyOfferingID
	}

	res, err := allocation.Compute(snap)
	if err != nil {
		return nil, fmt.Errorf("allocation engine: %w", err)
	}

	leaves := make([]merkle.Leaf, len(res.Entries))
	for i, e := range res.Entries {
		leaves[i] = merkle.Leaf{
			Index:        uint64(i),
			Participant:  e.Participant,
			TokenAmount:  e.Tokens,
			RefundAmount: e.Refund,
		}
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("commitment tree: %w", err)
	}
	root := tree.Root()

	d := &Distribution{
		OfferingID:        offeringID,
		MerkleRoot:        root,
		Oversubscribed:    res.Oversubscribed,
		TotalTokens:       res.TotalTokens.Dec(),
		TotalRefunds:      res.TotalRefunds.Dec(),
		TotalLeftoverFund: res.TotalLeftover.Dec(),
		TotalExcessFund:   res.TotalExcess.Dec(),
		Entries:           make([]Entry, len(leaves)),
	}

	// Proof construction and self-verification are independent per index
	// and keccak-bound, so fan out across cores. The tree is immutable
	// once built and each goroutine writes only its own entry slot.
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, l := range leaves {
		i, l := i, l
		eg.Go(func() error {
			proof, err := tree.Proof(i)
			if err != nil {
				return err
			}
			ok, err := merkle.Verify(root, l, proof)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: index %d", ErrProofSelfCheck, i)
			}
			d.Entries[i] = Entry{
				Index:        l.Index,
				Address:      l.Participant,
				TokenAmount:  l.TokenAmount.Dec(),
				RefundAmount: l.RefundAmount.Dec(),
				Proof:        proof,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	g.log.Info("distribution: generated",
		"offering", offeringID,
		"participants", len(d.Entries),
		"root", root,
		"totalTokens", d.TotalTokens,
		"totalRefunds", d.TotalRefunds,
	)
	return d, nil
}

// Audit re-checks the document's conservation properties: entry sums
// match the stated totals, indices are dense and unique, every proof
// verifies, and no more than the participant token pool is distributed.
// Run before publishing; a document that fails audit must not be sealed.
func Audit(d *Distribution, tokensForParticipants *uint256.Int) error {
	sumTokens := uint256.NewInt(0)
	sumRefunds := uint256.NewInt(0)
	seen := make(map[uint64]bool, len(d.Entries))

	for _, e := range d.Entries {
		if seen[e.Index] {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, e.Index)
		}
		seen[e.Index] = true

		leaf, err := e.Leaf()
		if err != nil {
			return err
		}
		ok, err := merkle.Verify(d.MerkleRoot, leaf, e.Proof)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: index %d", ErrProofSelfCheck, e.Index)
		}

		sumTokens.Add(sumTokens, leaf.TokenAmount)
		sumRefunds.Add(sumRefunds, leaf.RefundAmount)
	}
	for i := range d.Entries {
		if !seen[uint64(i)] {
			return fmt.Errorf("claim indices are not dense: missing %d", i)
		}
	}

	totalTokens, err := ParseAmount(d.TotalTokens)
	if err != nil {
		return err
	}
	totalRefunds, err := ParseAmount(d.TotalRefunds)
	if err != nil {
		return err
	}
	if !sumTokens.Eq(totalTokens) || !sumRefunds.Eq(totalRefunds) {
		return ErrTotalsMismatch
	}
	if tokensForParticipants != nil && sumTokens.Gt(tokensForParticipants) {
		return ErrPoolExceeded
	}
	return nil
}
