package token

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tok     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	spender = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	payee   = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
)

func TestLedger_Transfer(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		amount    uint64
		to        common.Address
		wantErr   error
		wantOwner uint64
		wantPayee uint64
	}{
		{name: "partial", amount: 40, to: payee, wantOwner: 60, wantPayee: 40},
		{name: "entire balance", amount: 100, to: payee, wantOwner: 0, wantPayee: 100},
		{name: "overdraw", amount: 101, to: payee, wantErr: ErrInsufficientBalance, wantOwner: 100},
		{name: "zero recipient", amount: 1, to: common.Address{}, wantErr: ErrZeroAddress, wantOwner: 100},
		{name: "to self", amount: 100, to: owner, wantOwner: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			require.NoError(t, l.Mint(tok, owner, uint256.NewInt(100)))

			err := l.Transfer(ctx, tok, owner, tt.to, uint256.NewInt(tt.amount))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantOwner, l.BalanceOf(tok, owner).Uint64())
			assert.Equal(t, tt.wantPayee, l.BalanceOf(tok, payee).Uint64())
		})
	}
}

func TestLedger_TransferFrom(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Mint(tok, owner, uint256.NewInt(100)))

	err := l.TransferFrom(ctx, tok, spender, owner, payee, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, l.Approve(tok, owner, spender, uint256.NewInt(150)))
	require.NoError(t, l.TransferFrom(ctx, tok, spender, owner, payee, uint256.NewInt(60)))
	assert.Equal(t, uint64(90), l.Allowance(tok, owner, spender).Uint64())
	assert.Equal(t, uint64(40), l.BalanceOf(tok, owner).Uint64())
	assert.Equal(t, uint64(60), l.BalanceOf(tok, payee).Uint64())

	// Allowance covers it but the balance does not; nothing changes.
	err = l.TransferFrom(ctx, tok, spender, owner, payee, uint256.NewInt(50))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(90), l.Allowance(tok, owner, spender).Uint64())
	assert.Equal(t, uint64(40), l.BalanceOf(tok, owner).Uint64())

	other := common.HexToAddress("0x2000000000000000000000000000000000000002")
	err = l.TransferFrom(ctx, other, spender, owner, payee, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestLedger_MintOverflow(t *testing.T) {
	l := NewLedger()
	top := new(uint256.Int).SetAllOne()
	require.NoError(t, l.Mint(tok, owner, top))
	assert.ErrorIs(t, l.Mint(tok, owner, uint256.NewInt(1)), ErrOverflow)
	assert.ErrorIs(t, l.Mint(common.Address{}, owner, uint256.NewInt(1)), ErrZeroAddress)

	require.NoError(t, l.Mint(tok, payee, uint256.NewInt(1)))
	err := l.Transfer(context.Background(), tok, payee, owner, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, uint64(1), l.BalanceOf(tok, payee).Uint64())
}

func TestLedger_SnapshotRestore(t *testing.T) {
	l := NewLedger()
	other := common.HexToAddress("0x2000000000000000000000000000000000000002")
	require.NoError(t, l.Mint(other, payee, uint256.NewInt(7)))
	require.NoError(t, l.Mint(tok, payee, uint256.NewInt(5)))
	require.NoError(t, l.Mint(tok, owner, uint256.NewInt(3)))
	require.NoError(t, l.Approve(tok, owner, spender, uint256.NewInt(2)))
	require.NoError(t, l.Approve(tok, payee, spender, new(uint256.Int)))

	snap := l.Snapshot()
	require.Len(t, snap.Balances, 3)
	assert.Equal(t, tok, snap.Balances[0].Token)
	assert.Equal(t, owner, snap.Balances[0].Owner)
	assert.Equal(t, payee, snap.Balances[1].Owner)
	assert.Equal(t, other, snap.Balances[2].Token)
	require.Len(t, snap.Allowances, 1, "zero allowances are dropped")

	restored := NewLedger()
	restored.Restore(snap)
	assert.Equal(t, snap, restored.Snapshot())
	assert.Equal(t, uint64(2), restored.Allowance(tok, owner, spender).Uint64())

	restored.Restore(nil)
	assert.Empty(t, restored.Snapshot().Balances)
}
