// Package identity is the Sybil-resistance gate. The giveaway only ever
// sees the boolean predicate; how a wallet proved personhood is the
// verifier subsystem's business. The registry binds each wallet to a
// nullifier so one person cannot register twice under different wallets.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNullifierTaken    = errors.New("nullifier already bound to another address")
	ErrAddressRegistered = errors.New("address already registered")
	ErrZeroNullifier     = errors.New("zero nullifier")
)

// Gate is what the giveaway consults before accepting a deposit: the
// verification predicate plus the opaque tag the wallet verified under.
type Gate interface {
	IsVerified(ctx context.Context, addr common.Address) (bool, error)
	IdentityTag(ctx context.Context, addr common.Address) (string, error)
}

type RegistryConfig struct {
	Logger *slog.Logger
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Registry is the in-process Gate implementation. Register is called by
// the external verification subsystem once it has checked a personhood
// proof; the nullifier is the proof's uniqueness tag.
type Registry struct {
	log *slog.Logger

	mu         sync.RWMutex
	byAddress  map[common.Address]common.Hash
	byNullifer map[common.Hash]common.Address
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		log:        cfg.Logger,
		byAddress:  make(map[common.Address]common.Hash),
		byNullifer: make(map[common.Hash]common.Address),
	}, nil
}

// Register binds addr to nullifier. Each side of the binding is unique:
// re-registering an address or reusing a nullifier fails.
func (r *Registry) Register(ctx context.Context, addr common.Address, nullifier common.Hash) error {
	if nullifier == (common.Hash{}) {
		return ErrZeroNullifier
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddress[addr]; ok {
		return ErrAddressRegistered
	}
	if bound, ok := r.byNullifer[nullifier]; ok && bound != addr {
		return ErrNullifierTaken
	}

	r.byAddress[addr] = nullifier
	r.byNullifer[nullifier] = addr
	r.log.Debug("identity: registered", "address", addr)
	return nil
}

func (r *Registry) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAddress[addr]
	return ok, nil
}

// IdentityTag returns the nullifier addr registered under, hex-encoded.
// Empty for unregistered addresses.
func (r *Registry) IdentityTag(ctx context.Context, addr common.Address) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byAddress[addr]
	if !ok {
		return "", nil
	}
	return n.Hex(), nil
}
