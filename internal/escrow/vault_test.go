package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spvswap/internal/token"
)

var (
	contract = common.HexToAddress("0xc0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0")
	tok      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	payee    = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
)

func TestVault_LockRelease(t *testing.T) {
	ctx := context.Background()
	ledger := token.NewLedger()
	require.NoError(t, ledger.Mint(tok, owner, uint256.NewInt(100)))
	v := NewVault(ledger, contract)

	err := v.Lock(ctx, tok, owner, uint256.NewInt(10))
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)
	assert.True(t, v.Held(tok).IsZero())

	require.NoError(t, ledger.Approve(tok, owner, contract, uint256.NewInt(60)))
	require.NoError(t, v.Lock(ctx, tok, owner, uint256.NewInt(60)))
	assert.Equal(t, uint64(60), v.Held(tok).Uint64())
	assert.Equal(t, uint64(60), ledger.BalanceOf(tok, contract).Uint64())
	assert.Equal(t, uint64(40), ledger.BalanceOf(tok, owner).Uint64())

	require.NoError(t, v.Release(ctx, tok, payee, uint256.NewInt(25)))
	assert.Equal(t, uint64(35), v.Held(tok).Uint64())
	assert.Equal(t, uint64(25), ledger.BalanceOf(tok, payee).Uint64())

	err = v.Release(ctx, tok, payee, uint256.NewInt(36))
	assert.ErrorIs(t, err, ErrUnderfunded)
	assert.Equal(t, uint64(35), v.Held(tok).Uint64())

	// Zero amounts never reach the token.
	require.NoError(t, v.Lock(ctx, tok, payee, new(uint256.Int)))
	require.NoError(t, v.Release(ctx, tok, payee, nil))
	assert.Equal(t, uint64(35), v.Held(tok).Uint64())
}

type failingToken struct{ err error }

func (f failingToken) Transfer(context.Context, common.Address, common.Address, common.Address, *uint256.Int) error {
	return f.err
}

func (f failingToken) TransferFrom(context.Context, common.Address, common.Address, common.Address, common.Address, *uint256.Int) error {
	return f.err
}

func TestVault_TokenFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("reverted")
	v := NewVault(failingToken{err: boom}, contract)

	assert.ErrorIs(t, v.Lock(ctx, tok, owner, uint256.NewInt(1)), boom)
	assert.True(t, v.Held(tok).IsZero())

	v.SetHeld(map[common.Address]*uint256.Int{tok: uint256.NewInt(5)})
	assert.ErrorIs(t, v.Release(ctx, tok, payee, uint256.NewInt(1)), boom)
	assert.Equal(t, uint64(5), v.Held(tok).Uint64())

	var nilVault *Vault
	assert.Error(t, nilVault.Lock(ctx, tok, owner, uint256.NewInt(1)))
}

func TestVault_LockFromContract(t *testing.T) {
	ctx := context.Background()
	ledger := token.NewLedger()
	v := NewVault(ledger, contract)

	// Real custody from another owner.
	require.NoError(t, ledger.Mint(tok, owner, uint256.NewInt(100)))
	require.NoError(t, ledger.Approve(tok, owner, contract, uint256.NewInt(100)))
	require.NoError(t, v.Lock(ctx, tok, owner, uint256.NewInt(100)))

	require.NoError(t, ledger.Approve(tok, contract, contract, uint256.NewInt(100)))
	err := v.Lock(ctx, tok, contract, uint256.NewInt(100))
	assert.ErrorIs(t, err, ErrSelfLock)
	assert.Equal(t, uint64(100), v.Held(tok).Uint64())
	assert.Equal(t, uint64(100), ledger.BalanceOf(tok, contract).Uint64())
}
