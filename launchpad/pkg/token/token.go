// Package token implements the fungible balance store backing every
// launch: an ERC-20-like ledger with a hard supply cap per token and a
// pause flag that gates transfers until trading opens.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownToken          = errors.New("unknown token")
	ErrNotOwner              = errors.New("caller is not the token owner")
	ErrCapExceeded           = errors.New("mint would exceed supply cap")
	ErrPaused                = errors.New("token transfers are paused")
	ErrZeroAmount            = errors.New("amount must be greater than zero")
	ErrZeroAddress           = errors.New("zero address")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Metadata describes a token at deploy time. Cap is the hard supply
// ceiling; Mint calls that would push TotalSupply past it fail.
type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
	Cap      *uint256.Int
	Owner    common.Address
}

type tokenState struct {
	meta        Metadata
	totalSupply *uint256.Int
	paused      bool
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
}

type LedgerConfig struct {
	Logger *slog.Logger
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Ledger is the in-process balance store. All tokens created by the
// platform, including the USDC quote token, live in one Ledger so that
// escrow and payout are plain balance moves.
type Ledger struct {
	log *slog.Logger

	mu     sync.Mutex
	tokens map[common.Address]*tokenState
	nonces map[common.Address]uint64
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:    cfg.Logger,
		tokens: make(map[common.Address]*tokenState),
		nonces: make(map[common.Address]uint64),
	}, nil
}

// DeriveAddress computes the token address for the owner's nth deploy.
func DeriveAddress(owner common.Address, nonce uint64) common.Address {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return common.BytesToAddress(crypto.Keccak256(owner.Bytes(), buf[:])[12:])
}

// Deploy registers a new token and returns its address, derived from the
// owner address and a per-owner nonce so repeated deploys by the same
// owner never collide.
func (l *Ledger) Deploy(md Metadata) (common.Address, error) {
	if md.Owner == (common.Address{}) {
		return common.Address{}, ErrZeroAddress
	}
	if md.Cap == nil || md.Cap.IsZero() {
		return common.Address{}, fmt.Errorf("%w: supply cap", ErrZeroAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce := l.nonces[md.Owner]
	l.nonces[md.Owner] = nonce + 1
	addr := DeriveAddress(md.Owner, nonce)

	l.tokens[addr] = &tokenState{
		meta:        md,
		totalSupply: uint256.NewInt(0),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}

	l.log.Debug("token: deployed", "address", addr, "symbol", md.Symbol, "cap", md.Cap)
	return addr, nil
}

// Mint credits amount to the recipient. Only the token owner may mint,
// and the supply cap is enforced.
func (l *Ledger) Mint(tok, caller, to common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount, to); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return ErrUnknownToken
	}
	if caller != st.meta.Owner {
		return ErrNotOwner
	}

	next, overflow := new(uint256.Int).AddOverflow(st.totalSupply, amount)
	if overflow || next.Gt(st.meta.Cap) {
		return ErrCapExceeded
	}
	st.totalSupply = next
	st.credit(to, amount)
	return nil
}

// Burn destroys amount held by the caller.
func (l *Ledger) Burn(tok, caller common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount, caller); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return ErrUnknownToken
	}
	if err := st.debit(caller, amount); err != nil {
		return err
	}
	st.totalSupply = new(uint256.Int).Sub(st.totalSupply, amount)
	return nil
}

// Transfer moves amount from the sender to the recipient.
func (l *Ledger) Transfer(tok, from, to common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount, to); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return ErrUnknownToken
	}
	if st.paused {
		return ErrPaused
	}
	if err := st.debit(from, amount); err != nil {
		return err
	}
	st.credit(to, amount)
	return nil
}

// Approve sets the spender's allowance over the owner's balance.
func (l *Ledger) Approve(tok, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return ErrUnknownToken
	}
	m := st.allowances[owner]
	if m == nil {
		m = make(map[common.Address]*uint256.Int)
		st.allowances[owner] = m
	}
	m[spender] = new(uint256.Int).Set(amount)
	return nil
}

// Allowance reports what spender may still pull from owner.
func (l *Ledger) Allowance(tok, owner, spender common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return nil, ErrUnknownToken
	}
	if a, ok := st.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a), nil
	}
	return uint256.NewInt(0), nil
}

// TransferFrom moves amount from the owner to the recipient on behalf of
// the spender, consuming allowance.
func (l *Ledger) TransferFrom(tok, spender, from, to common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount, to); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return ErrUnknownToken
	}
	if st.paused {
		return ErrPaused
	}
	allowed, ok := st.allowances[from][spender]
	if !ok || allowed.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := st.debit(from, amount); err != nil {
		return err
	}
	st.credit(to, amount)
	st.allowances[from][spender] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

// SetPaused flips the trading gate. Owner only.
func (l *Ledger) SetPaused(tok, caller common.Address, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return ErrUnknownToken
	}
	if caller != st.meta.Owner {
		return ErrNotOwner
	}
	st.paused = paused
	return nil
}

func (l *Ledger) Paused(tok common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return false, ErrUnknownToken
	}
	return st.paused, nil
}

func (l *Ledger) BalanceOf(tok, addr common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return nil, ErrUnknownToken
	}
	if b, ok := st.balances[addr]; ok {
		return new(uint256.Int).Set(b), nil
	}
	return uint256.NewInt(0), nil
}

func (l *Ledger) TotalSupply(tok common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return nil, ErrUnknownToken
	}
	return new(uint256.Int).Set(st.totalSupply), nil
}

func (l *Ledger) Meta(tok common.Address) (Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tok]
	if !ok {
		return Metadata{}, ErrUnknownToken
	}
	return st.meta, nil
}

func (st *tokenState) credit(addr common.Address, amount *uint256.Int) {
	if b, ok := st.balances[addr]; ok {
		st.balances[addr] = new(uint256.Int).Add(b, amount)
		return
	}
	st.balances[addr] = new(uint256.Int).Set(amount)
}

func (st *tokenState) debit(addr common.Address, amount *uint256.Int) error {
	b, ok := st.balances[addr]
	if !ok || b.Lt(amount) {
		return ErrInsufficientBalance
	}
	st.balances[addr] = new(uint256.Int).Sub(b, amount)
	return nil
}

func checkAmount(amount *uint256.Int, to common.Address) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return nil
}
