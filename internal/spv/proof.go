// Package spv proves Bitcoin payments to the market. It checks a transaction's
// inclusion in a header chain with enough confirmations, and reads how much
// the transaction paid to a destination script.
package spv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidProof is wrapped by every proof rejection.
	ErrInvalidProof = errors.New("spv: invalid proof")

	ErrMalformedTx               = fmt.Errorf("%w: malformed transaction", ErrInvalidProof)
	ErrUnknownBlock              = fmt.Errorf("%w: unknown block", ErrInvalidProof)
	ErrStaleBlock                = fmt.Errorf("%w: block not on best chain", ErrInvalidProof)
	ErrInsufficientConfirmations = fmt.Errorf("%w: insufficient confirmations", ErrInvalidProof)
	ErrMerkleMismatch            = fmt.Errorf("%w: merkle root mismatch", ErrInvalidProof)
)

// Proof locates a transaction inside a block: the merkle branch from the
// transaction id to the block's merkle root, and the transaction's position.
type Proof struct {
	BlockHash chainhash.Hash
	Branch    []chainhash.Hash
	Index     uint32
}

// Relay validates payment proofs for the market.
type Relay interface {
	// Validate returns nil only if rawTx is included, under proof, in a block
	// buried deep enough in the relay's best chain.
	Validate(ctx context.Context, rawTx []byte, proof *Proof) error
	// OutputValue returns the total paid by rawTx to pkScript.
	OutputValue(pkScript, rawTx []byte) (btcutil.Amount, error)
}

// ParseTx decodes a serialized transaction, with or without witness data.
func ParseTx(rawTx []byte) (*wire.MsgTx, error) {
	// A 64 byte transaction can be passed off as an inner merkle node.
	if len(rawTx) == 64 {
		return nil, fmt.Errorf("%w: 64 byte transaction", ErrMalformedTx)
	}
	var tx wire.MsgTx
	r := bytes.NewReader(rawTx)
	if err := tx.Deserialize(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTx, r.Len())
	}
	return &tx, nil
}

// MerkleRoot folds branch onto txid. Bit i of index selects whether the
// running hash is the left (0) or right (1) child at depth i.
func MerkleRoot(txid chainhash.Hash, branch []chainhash.Hash, index uint32) chainhash.Hash {
	cur := txid
	var buf [chainhash.HashSize * 2]byte
	for _, sibling := range branch {
		if index&1 == 0 {
			copy(buf[:chainhash.HashSize], cur[:])
			copy(buf[chainhash.HashSize:], sibling[:])
		} else {
			copy(buf[:chainhash.HashSize], sibling[:])
			copy(buf[chainhash.HashSize:], cur[:])
		}
		cur = chainhash.DoubleHashH(buf[:])
		index >>= 1
	}
	return cur
}

// VerifyInclusion checks proof against a header's merkle root.
func VerifyInclusion(tx *wire.MsgTx, proof *Proof, header *wire.BlockHeader) error {
	if proof == nil {
		return fmt.Errorf("%w: missing proof", ErrInvalidProof)
	}
	if len(proof.Branch) < 32 && proof.Index>>uint(len(proof.Branch)) != 0 {
		return fmt.Errorf("%w: index %d outside branch of depth %d", ErrInvalidProof, proof.Index, len(proof.Branch))
	}
	root := MerkleRoot(tx.TxHash(), proof.Branch, proof.Index)
	if !root.IsEqual(&header.MerkleRoot) {
		return ErrMerkleMismatch
	}
	return nil
}
