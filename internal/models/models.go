package models

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// User represents a registered trader
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Address      common.Address // Account the user trades as
	CreatedAt    time.Time
}

// SellOrder offers AmountBtc satoshis for AskingAmount of AskingToken.
// Nothing is escrowed at placement.
type SellOrder struct {
	ID           uint64         `json:"id"`
	AmountBtc    btcutil.Amount `json:"amount_btc"`
	AskingToken  common.Address `json:"asking_token"`
	AskingAmount *uint256.Int   `json:"asking_amount"`
	Requester    common.Address `json:"requester"`
}

// BuyOrder offers OfferingAmount of OfferingToken for AmountBtc satoshis paid
// to BitcoinAddress. The offering is escrowed at placement.
type BuyOrder struct {
	ID             uint64         `json:"id"`
	AmountBtc      btcutil.Amount `json:"amount_btc"`
	BitcoinAddress string         `json:"bitcoin_address"`
	OfferingToken  common.Address `json:"offering_token"`
	OfferingAmount *uint256.Int   `json:"offering_amount"`
	Requester      common.Address `json:"requester"`
}

// AcceptedSellOrder is the escrow-bearing match of part of a SellOrder. The
// requester (seller) owes AmountBtc to BitcoinAddress, which the accepter
// supplied.
type AcceptedSellOrder struct {
	ID             uint64         `json:"id"`
	OrderID        uint64         `json:"order_id"`
	BitcoinAddress string         `json:"bitcoin_address"`
	AmountBtc      btcutil.Amount `json:"amount_btc"`
	ErcToken       common.Address `json:"erc_token"`
	ErcAmount      *uint256.Int   `json:"erc_amount"`
	Requester      common.Address `json:"requester"`
	Accepter       common.Address `json:"accepter"`
	AcceptTime     time.Time      `json:"accept_time"`
}

// AcceptedBuyOrder is the match of part of a BuyOrder. The accepter owes
// AmountBtc to the parent order's BitcoinAddress, copied here at acceptance.
type AcceptedBuyOrder struct {
	ID             uint64         `json:"id"`
	OrderID        uint64         `json:"order_id"`
	BitcoinAddress string         `json:"bitcoin_address"`
	AmountBtc      btcutil.Amount `json:"amount_btc"`
	ErcToken       common.Address `json:"erc_token"`
	ErcAmount      *uint256.Int   `json:"erc_amount"`
	Requester      common.Address `json:"requester"`
	Accepter       common.Address `json:"accepter"`
	AcceptTime     time.Time      `json:"accept_time"`
}

// RecordKind names which of the four stores an identifier belongs to.
type RecordKind string

const (
	KindSellOrder    RecordKind = "sell_order"
	KindBuyOrder     RecordKind = "buy_order"
	KindAcceptedSell RecordKind = "accepted_sell"
	KindAcceptedBuy  RecordKind = "accepted_buy"
)

// Status is the lifecycle state of any identifier issued by the market.
type Status uint8

const (
	StatusAbsent    Status = iota // never issued
	StatusOpen                    // live order or pending accepted order
	StatusFilled                  // order fully consumed by acceptances
	StatusWithdrawn               // order withdrawn by its requester
	StatusSettled                 // accepted order paid out on proof
	StatusCancelled               // accepted order refunded after expiry
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusWithdrawn:
		return "withdrawn"
	case StatusSettled:
		return "settled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "absent"
	}
}

// Clone returns a deep copy.
func (o *SellOrder) Clone() *SellOrder {
	c := *o
	c.AskingAmount = cloneAmount(o.AskingAmount)
	return &c
}

// Clone returns a deep copy.
func (o *BuyOrder) Clone() *BuyOrder {
	c := *o
	c.OfferingAmount = cloneAmount(o.OfferingAmount)
	return &c
}

// Clone returns a deep copy.
func (a *AcceptedSellOrder) Clone() *AcceptedSellOrder {
	c := *a
	c.ErcAmount = cloneAmount(a.ErcAmount)
	return &c
}

// Clone returns a deep copy.
func (a *AcceptedBuyOrder) Clone() *AcceptedBuyOrder {
	c := *a
	c.ErcAmount = cloneAmount(a.ErcAmount)
	return &c
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
