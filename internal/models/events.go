package models

import "time"

// EventType names a market state transition.
type EventType string

const (
	EventSellPlaced          EventType = "sell.placed"
	EventBuyPlaced           EventType = "buy.placed"
	EventSellAccepted        EventType = "sell.accepted"
	EventBuyAccepted         EventType = "buy.accepted"
	EventSellSettled         EventType = "sell.settled"
	EventBuySettled          EventType = "buy.settled"
	EventSellWithdrawn       EventType = "sell.withdrawn"
	EventBuyWithdrawn        EventType = "buy.withdrawn"
	EventSellAcceptCancelled EventType = "sell_accept.cancelled"
	EventBuyAcceptCancelled  EventType = "buy_accept.cancelled"
)

// Event is an append-only notification emitted for every committed
// transition. Seq is strictly increasing across all event types within one
// Epoch; the event log starts a new epoch each time the server restores
// state, since an older snapshot reissues sequence numbers.
type Event struct {
	Epoch      uint64            `json:"epoch,omitempty"`
	Seq        uint64            `json:"seq"`
	Type       EventType         `json:"type"`
	OrderID    uint64            `json:"order_id"`
	AcceptID   uint64            `json:"accept_id,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Time       time.Time         `json:"time"`
}
