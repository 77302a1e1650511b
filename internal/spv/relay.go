package spv

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrOrphanHeader = errors.New("spv: header does not connect")
	ErrBadPoW       = errors.New("spv: header fails proof of work")
	ErrBadBits      = errors.New("spv: unexpected difficulty bits")
)

type headerNode struct {
	hash   chainhash.Hash
	header wire.BlockHeader
	height int32
	work   *big.Int // cumulative from the checkpoint
	parent *headerNode
}

// HeaderRelay keeps a header chain rooted at a trusted checkpoint and
// validates payment proofs against its most-work branch.
type HeaderRelay struct {
	params        *chaincfg.Params
	confirmations int32

	mu    sync.RWMutex
	nodes map[chainhash.Hash]*headerNode
	best  map[int32]chainhash.Hash
	tip   *headerNode
}

// NewHeaderRelay starts a relay from checkpoint at height. Proofs must be
// buried under at least confirmations blocks, counting their own.
func NewHeaderRelay(params *chaincfg.Params, checkpoint wire.BlockHeader, height int32, confirmations int32) *HeaderRelay {
	if confirmations < 1 {
		confirmations = 1
	}
	root := &headerNode{
		hash:   checkpoint.BlockHash(),
		header: checkpoint,
		height: height,
		work:   blockchain.CalcWork(checkpoint.Bits),
	}
	return &HeaderRelay{
		params:        params,
		confirmations: confirmations,
		nodes:         map[chainhash.Hash]*headerNode{root.hash: root},
		best:          map[int32]chainhash.Hash{height: root.hash},
		tip:           root,
	}
}

// Tip returns the hash and height of the best chain's tip.
func (r *HeaderRelay) Tip() (chainhash.Hash, int32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tip.hash, r.tip.height
}

// HasHeader reports whether hash is known, on any branch.
func (r *HeaderRelay) HasHeader(hash chainhash.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[hash]
	return ok
}

// AddHeaders connects headers in order. Each must extend a known header and
// carry valid proof of work. Headers already known are skipped. The best
// chain switches to whichever branch has the most cumulative work.
func (r *HeaderRelay) AddHeaders(headers []*wire.BlockHeader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range headers {
		hash := h.BlockHash()
		if _, ok := r.nodes[hash]; ok {
			continue
		}
		parent, ok := r.nodes[h.PrevBlock]
		if !ok {
			return fmt.Errorf("%w: %s (prev %s)", ErrOrphanHeader, hash, h.PrevBlock)
		}
		height := parent.height + 1
		if err := r.checkBits(parent, h, height); err != nil {
			return err
		}
		if err := checkProofOfWork(&hash, h.Bits, r.params.PowLimit); err != nil {
			return err
		}
		node := &headerNode{
			hash:   hash,
			header: *h,
			height: height,
			work:   new(big.Int).Add(parent.work, blockchain.CalcWork(h.Bits)),
			parent: parent,
		}
		r.nodes[hash] = node
		if node.work.Cmp(r.tip.work) > 0 {
			r.setTip(node)
		}
	}
	return nil
}

// setTip makes node the best tip and rewrites the height index back to the
// fork point. Callers hold r.mu.
func (r *HeaderRelay) setTip(node *headerNode) {
	for h := r.tip.height; h > node.height; h-- {
		delete(r.best, h)
	}
	for n := node; n != nil; n = n.parent {
		if cur, ok := r.best[n.height]; ok && cur == n.hash {
			break
		}
		r.best[n.height] = n.hash
	}
	r.tip = node
}

func (r *HeaderRelay) checkBits(parent *headerNode, h *wire.BlockHeader, height int32) error {
	if r.params.ReduceMinDifficulty {
		return nil
	}
	interval := int32(r.params.TargetTimespan / r.params.TargetTimePerBlock)
	if r.params.PoWNoRetargeting || interval <= 0 || height%interval != 0 {
		if h.Bits != parent.header.Bits {
			return fmt.Errorf("%w: height %d has %08x, want %08x", ErrBadBits, height, h.Bits, parent.header.Bits)
		}
		return nil
	}
	// Retargets move the target by at most a factor of RetargetAdjustmentFactor.
	old := blockchain.CompactToBig(parent.header.Bits)
	next := blockchain.CompactToBig(h.Bits)
	factor := big.NewInt(r.params.RetargetAdjustmentFactor)
	if next.Cmp(new(big.Int).Mul(old, factor)) > 0 || new(big.Int).Mul(next, factor).Cmp(old) < 0 {
		return fmt.Errorf("%w: retarget at height %d out of range", ErrBadBits, height)
	}
	return nil
}

func checkProofOfWork(hash *chainhash.Hash, bits uint32, powLimit *big.Int) error {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive target", ErrBadPoW)
	}
	if powLimit != nil && target.Cmp(powLimit) > 0 {
		return fmt.Errorf("%w: target above network limit", ErrBadPoW)
	}
	if blockchain.HashToBig(hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: %s above target", ErrBadPoW, hash)
	}
	return nil
}

// Validate implements Relay.
func (r *HeaderRelay) Validate(ctx context.Context, rawTx []byte, proof *Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if proof == nil {
		return fmt.Errorf("%w: missing proof", ErrInvalidProof)
	}
	tx, err := ParseTx(rawTx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	node, ok := r.nodes[proof.BlockHash]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownBlock, proof.BlockHash)
	}
	if r.best[node.height] != node.hash {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrStaleBlock, proof.BlockHash)
	}
	confs := r.tip.height - node.height + 1
	header := node.header
	r.mu.RUnlock()

	if confs < r.confirmations {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientConfirmations, confs, r.confirmations)
	}
	return VerifyInclusion(tx, proof, &header)
}

// OutputValue implements Relay.
func (r *HeaderRelay) OutputValue(pkScript, rawTx []byte) (btcutil.Amount, error) {
	return OutputValue(pkScript, rawTx)
}
