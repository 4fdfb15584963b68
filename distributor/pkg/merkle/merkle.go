// Package merkle builds the commitment tree over final allocations and
// verifies inclusion proofs against its root.
//
// Leaves commit to the ordered tuple (index, participant, tokenAmount,
// refundAmount), hashed as the keccak256 of their tightly packed
// encoding. Internal nodes hash the two children concatenated in
// ascending byte order, so sibling position never needs to travel with
// the proof. An unpaired node at an odd-length level is promoted to the
// next level unchanged; generator and verifier share this one rule (and
// this one implementation), since any divergence would silently break
// every proof over an odd-sized participant set.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrNoLeaves    = errors.New("tree has no leaves")
	ErrLeafIndex   = errors.New("leaf index out of range")
	ErrNilAmount   = errors.New("nil amount in leaf")
	ErrProofLength = errors.New("proof is longer than the tree depth")
)

// Leaf is one participant's committed allocation.
type Leaf struct {
	Index        uint64
	Participant  common.Address
	TokenAmount  *uint256.Int
	RefundAmount *uint256.Int
}

// Hash returns the leaf commitment: keccak256 of the packed
// (uint256 index, address, uint256 tokenAmount, uint256 refundAmount).
func (l Leaf) Hash() (common.Hash, error) {
	if l.TokenAmount == nil || l.RefundAmount == nil {
		return common.Hash{}, ErrNilAmount
	}
	idx := uint256.NewInt(l.Index).Bytes32()
	tok := l.TokenAmount.Bytes32()
	ref := l.RefundAmount.Bytes32()

	return common.BytesToHash(crypto.Keccak256(
		idx[:],
		l.Participant.Bytes(),
		tok[:],
		ref[:],
	)), nil
}

// hashPair hashes two child nodes in ascending byte order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(crypto.Keccak256(a[:], b[:]))
}

// Tree is a fully built commitment tree. Levels[0] holds the leaf
// hashes in index order; the last level holds the single root.
type Tree struct {
	levels [][]common.Hash
}

// NewTree builds the tree over the given leaves. Leaf order fixes the
// level-0 layout; indices inside the leaves are not reassigned here.
func NewTree(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([]common.Hash, len(leaves))
	for i, l := range leaves {
		h, err := l.Hash()
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		level[i] = h
	}

	t := &Tree{levels: [][]common.Hash{level}}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd node: promote unchanged.
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the 32-byte commitment over the whole allocation set.
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Proof returns the sibling path for the leaf at position i.
// Promoted nodes contribute no sibling, so proofs over odd-sized levels
// are simply shorter.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, ErrLeafIndex
	}

	var proof []common.Hash
	pos := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// Verify walks the proof from the leaf and accepts iff it lands on root.
// This is the single verification routine used by both the distribution
// generator (self-check) and the claim path.
func Verify(root common.Hash, leaf Leaf, proof []common.Hash) (bool, error) {
	if len(proof) > 64 {
		return false, ErrProofLength
	}
	h, err := leaf.Hash()
	if err != nil {
		return false, err
	}
	for _, sibling := range proof {
		h = hashPair(h, sibling)
	}
	return h == root, nil
}
