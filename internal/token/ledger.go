// Package token implements an in-memory multi-token ledger with ERC-20
// balance and allowance semantics. Tokens are identified by address and
// need no registration; an unknown token simply has zero balances.
package token

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/spvswap/internal/models"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrOverflow              = errors.New("token: balance overflow")
)

type holdings map[common.Address]*uint256.Int

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger holds balances and allowances for any number of tokens.
type Ledger struct {
	mu         sync.Mutex
	balances   map[common.Address]holdings
	allowances map[common.Address]map[allowanceKey]*uint256.Int
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[common.Address]holdings),
		allowances: make(map[common.Address]map[allowanceKey]*uint256.Int),
	}
}

// Mint credits amount of token to owner.
func (l *Ledger) Mint(tok, owner common.Address, amount *uint256.Int) error {
	if tok == (common.Address{}) || owner == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(tok, owner, amount)
}

// BalanceOf returns owner's balance of token.
func (l *Ledger) BalanceOf(tok, owner common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(tok, owner).Clone()
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(tok, owner, spender common.Address, amount *uint256.Int) error {
	if tok == (common.Address{}) || owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byKey, ok := l.allowances[tok]
	if !ok {
		byKey = make(map[allowanceKey]*uint256.Int)
		l.allowances[tok] = byKey
	}
	byKey[allowanceKey{owner: owner, spender: spender}] = amount.Clone()
	return nil
}

// Allowance returns the remaining amount spender may move for owner.
func (l *Ledger) Allowance(tok, owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[tok][allowanceKey{owner: owner, spender: spender}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(_ context.Context, tok, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(tok, from, to, amount)
}

// TransferFrom moves amount from owner to to on behalf of spender, consuming
// spender's allowance.
func (l *Ledger) TransferFrom(_ context.Context, tok, spender, owner, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{owner: owner, spender: spender}
	allowed, ok := l.allowances[tok][key]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("%w: %s approved %s for %s", ErrInsufficientAllowance, owner.Hex(), spender.Hex(), tok.Hex())
	}
	if err := l.move(tok, owner, to, amount); err != nil {
		return err
	}
	l.allowances[tok][key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (l *Ledger) balance(tok, owner common.Address) *uint256.Int {
	if v, ok := l.balances[tok][owner]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) credit(tok, owner common.Address, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(l.balance(tok, owner), amount)
	if overflow {
		return ErrOverflow
	}
	h, ok := l.balances[tok]
	if !ok {
		h = make(holdings)
		l.balances[tok] = h
	}
	h[owner] = sum
	return nil
}

// move requires the caller to hold l.mu. It leaves balances untouched on
// failure.
func (l *Ledger) move(tok, from, to common.Address, amount *uint256.Int) error {
	have := l.balance(tok, from)
	if have.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), have.Dec(), tok.Hex(), amount.Dec())
	}
	if from == to {
		return nil
	}
	if _, overflow := new(uint256.Int).AddOverflow(l.balance(tok, to), amount); overflow {
		return ErrOverflow
	}
	h, ok := l.balances[tok]
	if !ok {
		h = make(holdings)
		l.balances[tok] = h
	}
	h[from] = new(uint256.Int).Sub(have, amount)
	return l.credit(tok, to, amount)
}

// Snapshot returns every non-zero balance and allowance in a deterministic
// order.
func (l *Ledger) Snapshot() *models.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &models.LedgerSnapshot{}
	for tok, h := range l.balances {
		for owner, amt := range h {
			if amt.IsZero() {
				continue
			}
			snap.Balances = append(snap.Balances, models.Balance{Token: tok, Owner: owner, Amount: amt.Clone()})
		}
	}
	for tok, byKey := range l.allowances {
		for key, amt := range byKey {
			if amt.IsZero() {
				continue
			}
			snap.Allowances = append(snap.Allowances, models.Allowance{Token: tok, Owner: key.owner, Spender: key.spender, Amount: amt.Clone()})
		}
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.Token != b.Token {
			return a.Token.Cmp(b.Token) < 0
		}
		return a.Owner.Cmp(b.Owner) < 0
	})
	sort.Slice(snap.Allowances, func(i, j int) bool {
		a, b := snap.Allowances[i], snap.Allowances[j]
		if a.Token != b.Token {
			return a.Token.Cmp(b.Token) < 0
		}
		if a.Owner != b.Owner {
			return a.Owner.Cmp(b.Owner) < 0
		}
		return a.Spender.Cmp(b.Spender) < 0
	})
	return snap
}

// Restore replaces the ledger contents with snap.
func (l *Ledger) Restore(snap *models.LedgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[common.Address]holdings)
	l.allowances = make(map[common.Address]map[allowanceKey]*uint256.Int)
	if snap == nil {
		return
	}
	for _, b := range snap.Balances {
		if b.Amount == nil {
			continue
		}
		h, ok := l.balances[b.Token]
		if !ok {
			h = make(holdings)
			l.balances[b.Token] = h
		}
		h[b.Owner] = b.Amount.Clone()
	}
	for _, a := range snap.Allowances {
		if a.Amount == nil {
			continue
		}
		byKey, ok := l.allowances[a.Token]
		if !ok {
			byKey = make(map[allowanceKey]*uint256.Int)
			l.allowances[a.Token] = byKey
		}
		byKey[allowanceKey{owner: a.Owner, spender: a.Spender}] = a.Amount.Clone()
	}
}
