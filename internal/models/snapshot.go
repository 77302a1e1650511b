package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketSnapshot is the serializable state of the market engine.
type MarketSnapshot struct {
	LastID        uint64               `json:"last_id"`
	LastSeq       uint64               `json:"last_seq"`
	SellOrders    []*SellOrder         `json:"sell_orders"`
	BuyOrders     []*BuyOrder          `json:"buy_orders"`
	AcceptedSells []*AcceptedSellOrder `json:"accepted_sells"`
	AcceptedBuys  []*AcceptedBuyOrder  `json:"accepted_buys"`
	Closed        map[uint64]Tombstone `json:"closed"`
}

// Tombstone remembers how a closed identifier ended.
type Tombstone struct {
	Kind   RecordKind `json:"kind"`
	Status Status     `json:"status"`
}

// Balance is one token holding in a LedgerSnapshot.
type Balance struct {
	Token  common.Address `json:"token"`
	Owner  common.Address `json:"owner"`
	Amount *uint256.Int   `json:"amount"`
}

// Allowance is one approval in a LedgerSnapshot.
type Allowance struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

// LedgerSnapshot is the serializable state of the token ledger.
type LedgerSnapshot struct {
	Balances   []Balance   `json:"balances"`
	Allowances []Allowance `json:"allowances"`
}
