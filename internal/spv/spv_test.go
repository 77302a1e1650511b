package spv

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var regtest = &chaincfg.RegressionNetParams

func regtestAddress(t *testing.T, seed byte) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{seed}, 20), regtest)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newTx(seed byte, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := chainhash.HashH([]byte{seed})
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

// merkleProof returns the root of txs and the branch proving txs[index].
func merkleProof(txs []*wire.MsgTx, index uint32) (chainhash.Hash, []chainhash.Hash) {
	wrapped := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		wrapped[i] = btcutil.NewTx(tx)
	}
	store := blockchain.BuildMerkleTreeStore(wrapped, false)

	var branch []chainhash.Hash
	offset, width, idx := 0, (len(store)+1)/2, int(index)
	for width > 1 {
		sibling := store[offset+(idx^1)]
		if sibling == nil {
			sibling = store[offset+idx]
		}
		branch = append(branch, *sibling)
		offset += width
		width /= 2
		idx >>= 1
	}
	return *store[len(store)-1], branch
}

// mine finds a nonce that satisfies regtest proof of work.
func mine(t *testing.T, prev chainhash.Hash, merkle chainhash.Hash, ts time.Time) *wire.BlockHeader {
	t.Helper()
	h := wire.NewBlockHeader(1, &prev, &merkle, regtest.PowLimitBits, 0)
	h.Timestamp = ts
	for nonce := uint32(0); nonce < 1<<20; nonce++ {
		h.Nonce = nonce
		hash := h.BlockHash()
		if checkProofOfWork(&hash, h.Bits, regtest.PowLimit) == nil {
			return h
		}
	}
	t.Fatal("no nonce found")
	return nil
}

// extend mines n empty-looking headers on top of prev. fork salts the merkle
// roots so separate branches never collide.
func extend(t *testing.T, prev chainhash.Hash, n int, fork byte) []*wire.BlockHeader {
	t.Helper()
	out := make([]*wire.BlockHeader, 0, n)
	ts := regtest.GenesisBlock.Header.Timestamp
	for i := 0; i < n; i++ {
		ts = ts.Add(10 * time.Minute)
		h := mine(t, prev, chainhash.HashH([]byte{fork, byte(i)}), ts)
		out = append(out, h)
		prev = h.BlockHash()
	}
	return out
}

func TestParseTx(t *testing.T) {
	tx := newTx(1, wire.NewTxOut(1000, []byte{0x51}))
	raw := serialize(t, tx)

	parsed, err := ParseTx(raw)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), parsed.TxHash())

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated", raw[:len(raw)-2]},
		{"trailing bytes", append(append([]byte{}, raw...), 0x00)},
		{"64 bytes", make([]byte, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTx(tt.raw)
			assert.ErrorIs(t, err, ErrMalformedTx)
			assert.ErrorIs(t, err, ErrInvalidProof)
		})
	}
}

func TestOutputValue(t *testing.T) {
	script, err := PayToAddrScript(regtestAddress(t, 0x01), regtest)
	require.NoError(t, err)
	other, err := PayToAddrScript(regtestAddress(t, 0x02), regtest)
	require.NoError(t, err)

	tx := newTx(1,
		wire.NewTxOut(30000, script),
		wire.NewTxOut(5000, other),
		wire.NewTxOut(12000, script),
	)
	raw := serialize(t, tx)

	paid, err := OutputValue(script, raw)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(42000), paid)

	unrelated, err := PayToAddrScript(regtestAddress(t, 0x03), regtest)
	require.NoError(t, err)
	paid, err = OutputValue(unrelated, raw)
	require.NoError(t, err)
	assert.Zero(t, paid)

	_, err = OutputValue(script, []byte{0x01})
	assert.ErrorIs(t, err, ErrMalformedTx)
}

func TestPayToAddrScript(t *testing.T) {
	_, err := PayToAddrScript(regtestAddress(t, 0x01), regtest)
	assert.NoError(t, err)

	mainnet, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{0x01}, 20), &chaincfg.MainNetParams)
	require.NoError(t, err)
	_, err = PayToAddrScript(mainnet.EncodeAddress(), regtest)
	assert.Error(t, err)

	_, err = PayToAddrScript("definitely not an address", regtest)
	assert.Error(t, err)
}

func TestMerkleRoot_OddLeafCount(t *testing.T) {
	txs := []*wire.MsgTx{newTx(1), newTx(2), newTx(3), newTx(4), newTx(5)}
	for i := range txs {
		root, branch := merkleProof(txs, uint32(i))
		assert.Equal(t, root, MerkleRoot(txs[i].TxHash(), branch, uint32(i)), "leaf %d", i)
	}

	root, _ := merkleProof(txs[:1], 0)
	assert.Equal(t, txs[0].TxHash(), root)
	assert.Equal(t, root, MerkleRoot(txs[0].TxHash(), nil, 0))
}

type relayFixture struct {
	relay  *HeaderRelay
	rawTx  []byte
	proof  *Proof
	script []byte
	block  *wire.BlockHeader
}

// newRelayFixture mines a block holding a payment at index 1, then buries it
// under `above` more headers.
func newRelayFixture(t *testing.T, confirmations int32, above int) *relayFixture {
	t.Helper()
	script, err := PayToAddrScript(regtestAddress(t, 0x0b), regtest)
	require.NoError(t, err)

	payment := newTx(7, wire.NewTxOut(40000, script))
	txs := []*wire.MsgTx{newTx(1), payment, newTx(9)}
	root, branch := merkleProof(txs, 1)

	genesis := regtest.GenesisBlock.Header
	relay := NewHeaderRelay(regtest, genesis, 0, confirmations)

	block := mine(t, genesis.BlockHash(), root, genesis.Timestamp.Add(time.Minute))
	require.NoError(t, relay.AddHeaders([]*wire.BlockHeader{block}))
	require.NoError(t, relay.AddHeaders(extend(t, block.BlockHash(), above, 0xaa)))

	return &relayFixture{
		relay:  relay,
		rawTx:  serialize(t, payment),
		proof:  &Proof{BlockHash: block.BlockHash(), Branch: branch, Index: 1},
		script: script,
		block:  block,
	}
}

func TestHeaderRelay_Validate(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, 6, 5)

	_, height := f.relay.Tip()
	require.Equal(t, int32(6), height)
	require.NoError(t, f.relay.Validate(ctx, f.rawTx, f.proof))

	paid, err := f.relay.OutputValue(f.script, f.rawTx)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(40000), paid)

	unknown := chainhash.HashH([]byte("nowhere"))
	tests := []struct {
		name    string
		rawTx   []byte
		proof   *Proof
		wantErr error
	}{
		{"missing proof", f.rawTx, nil, ErrInvalidProof},
		{"wrong index", f.rawTx, &Proof{BlockHash: f.proof.BlockHash, Branch: f.proof.Branch, Index: 0}, ErrMerkleMismatch},
		{"index beyond branch", f.rawTx, &Proof{BlockHash: f.proof.BlockHash, Branch: f.proof.Branch, Index: 5}, ErrInvalidProof},
		{"truncated branch", f.rawTx, &Proof{BlockHash: f.proof.BlockHash, Branch: f.proof.Branch[:1], Index: 1}, ErrMerkleMismatch},
		{"unknown block", f.rawTx, &Proof{BlockHash: unknown, Branch: f.proof.Branch, Index: 1}, ErrUnknownBlock},
		{"other transaction", serialize(t, newTx(8)), f.proof, ErrMerkleMismatch},
		{"64 byte transaction", make([]byte, 64), f.proof, ErrMalformedTx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.relay.Validate(ctx, tt.rawTx, tt.proof)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrInvalidProof)
		})
	}
}

func TestHeaderRelay_Confirmations(t *testing.T) {
	ctx := context.Background()

	f := newRelayFixture(t, 6, 4)
	assert.ErrorIs(t, f.relay.Validate(ctx, f.rawTx, f.proof), ErrInsufficientConfirmations)

	_, tip := f.relay.Tip()
	tipHash, _ := f.relay.Tip()
	require.NoError(t, f.relay.AddHeaders(extend(t, tipHash, 1, 0xbb)))
	_, next := f.relay.Tip()
	assert.Equal(t, tip+1, next)
	assert.NoError(t, f.relay.Validate(ctx, f.rawTx, f.proof))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, f.relay.Validate(cancelled, f.rawTx, f.proof), context.Canceled)
}

func TestHeaderRelay_Reorg(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, 1, 2)
	require.NoError(t, f.relay.Validate(ctx, f.rawTx, f.proof))

	genesis := regtest.GenesisBlock.Header.BlockHash()

	// An equal-work branch does not displace the current tip.
	tipBefore, _ := f.relay.Tip()
	require.NoError(t, f.relay.AddHeaders(extend(t, genesis, 3, 0xcc)))
	tipAfter, _ := f.relay.Tip()
	assert.Equal(t, tipBefore, tipAfter)

	// A longer branch that skips the payment block orphans the proof.
	fork := extend(t, genesis, 4, 0xdd)
	require.NoError(t, f.relay.AddHeaders(fork))
	tip, height := f.relay.Tip()
	assert.Equal(t, fork[3].BlockHash(), tip)
	assert.Equal(t, int32(4), height)
	assert.True(t, f.relay.HasHeader(f.proof.BlockHash))
	assert.ErrorIs(t, f.relay.Validate(ctx, f.rawTx, f.proof), ErrStaleBlock)
}

func TestHeaderRelay_AddHeadersRejects(t *testing.T) {
	genesis := regtest.GenesisBlock.Header

	t.Run("orphan", func(t *testing.T) {
		relay := NewHeaderRelay(regtest, genesis, 0, 1)
		orphan := extend(t, chainhash.HashH([]byte("elsewhere")), 1, 0x01)
		assert.ErrorIs(t, relay.AddHeaders(orphan), ErrOrphanHeader)
	})

	t.Run("insufficient work", func(t *testing.T) {
		relay := NewHeaderRelay(regtest, genesis, 0, 1)
		h := wire.NewBlockHeader(1, &genesis.PrevBlock, &genesis.MerkleRoot, regtest.PowLimitBits, 0)
		h.PrevBlock = genesis.BlockHash()
		for nonce := uint32(0); ; nonce++ {
			h.Nonce = nonce
			hash := h.BlockHash()
			if checkProofOfWork(&hash, h.Bits, regtest.PowLimit) != nil {
				break
			}
		}
		assert.ErrorIs(t, relay.AddHeaders([]*wire.BlockHeader{h}), ErrBadPoW)
		_, height := relay.Tip()
		assert.Equal(t, int32(0), height)
	})

	t.Run("difficulty change without retarget", func(t *testing.T) {
		params := *regtest
		params.ReduceMinDifficulty = false
		relay := NewHeaderRelay(&params, genesis, 0, 1)

		h := wire.NewBlockHeader(1, &genesis.PrevBlock, &genesis.MerkleRoot, 0x207ffffe, 0)
		h.PrevBlock = genesis.BlockHash()
		assert.ErrorIs(t, relay.AddHeaders([]*wire.BlockHeader{h}), ErrBadBits)
	})
}

// chainSource serves a header chain the way a node's RPC would.
type chainSource struct {
	byHeight []*wire.BlockHeader
	byHash   map[chainhash.Hash]*wire.BlockHeader
}

func newChainSource(headers ...*wire.BlockHeader) *chainSource {
	s := &chainSource{byHash: make(map[chainhash.Hash]*wire.BlockHeader)}
	s.set(headers)
	return s
}

func (s *chainSource) set(headers []*wire.BlockHeader) {
	s.byHeight = headers
	for _, h := range headers {
		s.byHash[h.BlockHash()] = h
	}
}

func (s *chainSource) GetBlockCount() (int64, error) { return int64(len(s.byHeight) - 1), nil }

func (s *chainSource) GetBlockHash(height int64) (*chainhash.Hash, error) {
	hash := s.byHeight[height].BlockHash()
	return &hash, nil
}

func (s *chainSource) GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	return s.byHash[*hash], nil
}

func TestFeeder_Sync(t *testing.T) {
	ctx := context.Background()
	genesis := regtest.GenesisBlock.Header
	chain := extend(t, genesis.BlockHash(), 5, 0x10)

	src := newChainSource(append([]*wire.BlockHeader{&genesis}, chain...)...)
	relay := NewHeaderRelay(regtest, genesis, 0, 1)
	feeder := NewFeeder(src, relay, nil)

	n, err := feeder.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	tip, height := relay.Tip()
	assert.Equal(t, chain[4].BlockHash(), tip)
	assert.Equal(t, int32(5), height)

	n, err = feeder.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The node reorganizes from height 3 onto a longer branch.
	fork := extend(t, chain[1].BlockHash(), 5, 0x20)
	src.set(append([]*wire.BlockHeader{&genesis, chain[0], chain[1]}, fork...))

	n, err = feeder.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	tip, height = relay.Tip()
	assert.Equal(t, fork[4].BlockHash(), tip)
	assert.Equal(t, int32(7), height)
}
