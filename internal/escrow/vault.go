// Package escrow holds token custody on behalf of the market contract.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	errNilToken    = errors.New("escrow: token primitive not configured")
	ErrUnderfunded = errors.New("escrow: release exceeds custody")
	ErrSelfLock    = errors.New("escrow: custody account cannot lock its own funds")
)

// Token is the transfer primitive of the escrowed asset. Transfers move funds
// out of from; TransferFrom spends an allowance granted by owner to spender.
type Token interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, token, spender, owner, to common.Address, amount *uint256.Int) error
}

// Vault moves tokens into and out of the contract account and keeps a running
// total of what it holds per token.
type Vault struct {
	token    Token
	contract common.Address

	mu   sync.Mutex
	held map[common.Address]*uint256.Int
}

// NewVault creates a vault holding funds in the contract account.
func NewVault(tok Token, contract common.Address) *Vault {
	return &Vault{
		token:    tok,
		contract: contract,
		held:     make(map[common.Address]*uint256.Int),
	}
}

// Contract returns the custody account.
func (v *Vault) Contract() common.Address { return v.contract }

// Lock pulls amount of token from owner into custody. The owner must have
// approved the contract account beforehand. A zero amount is a no-op.
// The contract itself cannot be the owner: moving its own balance to itself
// would raise custody without bringing in any tokens.
func (v *Vault) Lock(ctx context.Context, token, owner common.Address, amount *uint256.Int) error {
	if v == nil || v.token == nil {
		return errNilToken
	}
	if owner == v.contract {
		return ErrSelfLock
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	if err := v.token.TransferFrom(ctx, token, v.contract, owner, v.contract, amount); err != nil {
		return fmt.Errorf("escrow: lock %s from %s: %w", amount.Dec(), owner.Hex(), err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.held[token]
	if !ok {
		cur = new(uint256.Int)
	}
	v.held[token] = new(uint256.Int).Add(cur, amount)
	return nil
}

// Release pays amount of token out of custody to to. A zero amount is a no-op.
func (v *Vault) Release(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	if v == nil || v.token == nil {
		return errNilToken
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	cur, ok := v.held[token]
	v.mu.Unlock()
	if !ok || cur.Lt(amount) {
		return fmt.Errorf("%w: %s of %s", ErrUnderfunded, amount.Dec(), token.Hex())
	}
	if err := v.token.Transfer(ctx, token, v.contract, to, amount); err != nil {
		return fmt.Errorf("escrow: release %s to %s: %w", amount.Dec(), to.Hex(), err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.held[token] = new(uint256.Int).Sub(v.held[token], amount)
	return nil
}

// Held returns the amount of token currently in custody.
func (v *Vault) Held(token common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.held[token]; ok {
		return cur.Clone()
	}
	return new(uint256.Int)
}

// SetHeld overwrites the custody totals, used when restoring from a snapshot.
func (v *Vault) SetHeld(held map[common.Address]*uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.held = make(map[common.Address]*uint256.Int, len(held))
	for tok, amt := range held {
		v.held[tok] = amt.Clone()
	}
}
