package market

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// SellOrderDigest hashes the parameters of a sell placement. Clients compute
// the same value locally to check the order the server echoes back.
//
//	keccak256("sell" || requester || amountBtc(uint64 BE) || askingToken || askingAmount(uint256 BE))
func SellOrderDigest(requester common.Address, amountBtc btcutil.Amount, askingToken common.Address, askingAmount *uint256.Int) common.Hash {
	var sats [8]byte
	binary.BigEndian.PutUint64(sats[:], uint64(amountBtc))
	amount := askingAmount.Bytes32()
	return crypto.Keccak256Hash([]byte("sell"), requester.Bytes(), sats[:], askingToken.Bytes(), amount[:])
}

// BuyOrderDigest hashes the parameters of a buy placement.
//
//	keccak256("buy" || requester || amountBtc(uint64 BE) || bitcoinAddress || offeringToken || offeringAmount(uint256 BE))
func BuyOrderDigest(requester common.Address, amountBtc btcutil.Amount, bitcoinAddress string, offeringToken common.Address, offeringAmount *uint256.Int) common.Hash {
	var sats [8]byte
	binary.BigEndian.PutUint64(sats[:], uint64(amountBtc))
	amount := offeringAmount.Bytes32()
	return crypto.Keccak256Hash([]byte("buy"), requester.Bytes(), sats[:], []byte(bitcoinAddress), offeringToken.Bytes(), amount[:])
}
