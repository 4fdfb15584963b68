package distribution

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoKey       = errors.New("authority key is required")
	ErrNoSeal      = errors.New("distribution is not sealed")
	ErrBadSeal     = errors.New("seal signature does not recover to the stated signer")
	ErrWrongSigner = errors.New("sealed by an unexpected signer")
)

// Seal is the authority's signature over the document commitment.
type Seal struct {
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Authority holds the key that vouches for published distributions.
// Verifiers pin its address, not the document contents.
type Authority struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewAuthority(key *ecdsa.PrivateKey) (*Authority, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	return &Authority{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer address verifiers should pin.
func (a *Authority) Address() common.Address {
	return a.addr
}

// Seal signs the document commitment and attaches the seal.
func (a *Authority) Seal(d *Distribution) error {
	sig, err := crypto.Sign(sealHash(d).Bytes(), a.key)
	if err != nil {
		return fmt.Errorf("sign distribution: %w", err)
	}
	d.Seal = &Seal{Signer: a.addr, Signature: sig}
	return nil
}

// VerifySeal recovers the seal's signer and checks it matches both the
// seal's stated signer and, when non-zero, the expected authority.
func VerifySeal(d *Distribution, expected common.Address) error {
	if d.Seal == nil {
		return ErrNoSeal
	}
	pub, err := crypto.SigToPub(sealHash(d).Bytes(), d.Seal.Signature)
	if err != nil {
		return fmt.Errorf("recover seal signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != d.Seal.Signer {
		return ErrBadSeal
	}
	if expected != (common.Address{}) && recovered != expected {
		return fmt.Errorf("%w: %s", ErrWrongSigner, recovered)
	}
	return nil
}

// sealHash commits to the offering, the merkle root and the aggregate
// totals. Entries are already committed through the root.
func sealHash(d *Distribution) common.Hash {
	return common.BytesToHash(crypto.Keccak256(
		[]byte(d.OfferingID),
		d.MerkleRoot.Bytes(),
		[]byte(d.TotalTokens),
		[]byte(d.TotalRefunds),
	))
}
