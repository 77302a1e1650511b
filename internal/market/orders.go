package market

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/spv"
)

// PlaceSellOrder lists amountBtc satoshis for sale at askingAmount of
// askingToken. Nothing is escrowed: the seller's obligation is to deliver
// bitcoin once the order is accepted.
func (m *Market) PlaceSellOrder(ctx context.Context, caller common.Address, amountBtc btcutil.Amount, askingToken common.Address, askingAmount *uint256.Int) (id uint64, err error) {
	defer func() { m.finish(opPlaceSell, err) }()

	if err := m.authorizeTrader(caller); err != nil {
		return 0, err
	}
	if askingToken == (common.Address{}) {
		return 0, ErrZeroToken
	}
	if amountBtc <= 0 || askingAmount == nil || askingAmount.IsZero() {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order := &models.SellOrder{
		ID:           m.nextID(),
		AmountBtc:    amountBtc,
		AskingToken:  askingToken,
		AskingAmount: askingAmount.Clone(),
		Requester:    caller,
	}
	m.sells[order.ID] = order
	m.emit(sellPlacedEvent(order))
	m.logger.Debug("sell order placed", "id", order.ID, "requester", caller.Hex(), "amount_btc", int64(amountBtc))
	return order.ID, nil
}

// PlaceBuyOrder offers offeringAmount of offeringToken for amountBtc
// satoshis paid to bitcoinAddress. The offering is pulled into escrow before
// the order is recorded; a failed transfer aborts placement.
func (m *Market) PlaceBuyOrder(ctx context.Context, caller common.Address, amountBtc btcutil.Amount, bitcoinAddress string, offeringToken common.Address, offeringAmount *uint256.Int) (id uint64, err error) {
	defer func() { m.finish(opPlaceBuy, err) }()

	if err := m.authorizeTrader(caller); err != nil {
		return 0, err
	}
	if offeringToken == (common.Address{}) {
		return 0, ErrZeroToken
	}
	if amountBtc <= 0 || offeringAmount == nil || offeringAmount.IsZero() {
		return 0, ErrInvalidAmount
	}
	if _, err := spv.PayToAddrScript(bitcoinAddress, m.params); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBitcoinAddress, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.escrow.Lock(ctx, offeringToken, caller, offeringAmount); err != nil {
		return 0, fmt.Errorf("place buy order: %w", err)
	}
	order := &models.BuyOrder{
		ID:             m.nextID(),
		AmountBtc:      amountBtc,
		BitcoinAddress: bitcoinAddress,
		OfferingToken:  offeringToken,
		OfferingAmount: offeringAmount.Clone(),
		Requester:      caller,
	}
	m.buys[order.ID] = order
	m.emit(buyPlacedEvent(order))
	m.logger.Debug("buy order placed", "id", order.ID, "requester", caller.Hex(), "amount_btc", int64(amountBtc))
	return order.ID, nil
}

// WithdrawSellOrder removes the caller's sell order. Nothing was escrowed,
// so nothing is refunded.
func (m *Market) WithdrawSellOrder(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { m.finish(opWithdrawSell, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.sells[id]
	if !ok {
		return m.missing(id, models.KindSellOrder)
	}
	if caller != order.Requester {
		return ErrUnauthorized
	}
	delete(m.sells, id)
	m.closed[id] = models.Tombstone{Kind: models.KindSellOrder, Status: models.StatusWithdrawn}
	m.emit(sellWithdrawnEvent(order))
	return nil
}

// WithdrawBuyOrder removes the caller's buy order and refunds its remaining
// escrowed offering.
func (m *Market) WithdrawBuyOrder(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { m.finish(opWithdrawBuy, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.buys[id]
	if !ok {
		return m.missing(id, models.KindBuyOrder)
	}
	if caller != order.Requester {
		return ErrUnauthorized
	}
	if err := m.escrow.Release(ctx, order.OfferingToken, order.Requester, order.OfferingAmount); err != nil {
		return fmt.Errorf("withdraw buy order %d: %w", id, err)
	}
	delete(m.buys, id)
	m.closed[id] = models.Tombstone{Kind: models.KindBuyOrder, Status: models.StatusWithdrawn}
	m.emit(buyWithdrawnEvent(order))
	return nil
}

// OpenSellOrders returns every live sell order in ascending id order.
func (m *Market) OpenSellOrders() []*models.SellOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.sells, (*models.SellOrder).Clone)
}

// OpenBuyOrders returns every live buy order in ascending id order.
func (m *Market) OpenBuyOrders() []*models.BuyOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.buys, (*models.BuyOrder).Clone)
}

// OpenAcceptedSellOrders returns every pending accepted sell order in
// ascending id order.
func (m *Market) OpenAcceptedSellOrders() []*models.AcceptedSellOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.acceptedSells, (*models.AcceptedSellOrder).Clone)
}

// OpenAcceptedBuyOrders returns every pending accepted buy order in
// ascending id order.
func (m *Market) OpenAcceptedBuyOrders() []*models.AcceptedBuyOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.acceptedBuys, (*models.AcceptedBuyOrder).Clone)
}

// SellOrder returns a copy of a live sell order.
func (m *Market) SellOrder(id uint64) (*models.SellOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sells[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// BuyOrder returns a copy of a live buy order.
func (m *Market) BuyOrder(id uint64) (*models.BuyOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.buys[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// AcceptedSellOrder returns a copy of a pending accepted sell order.
func (m *Market) AcceptedSellOrder(id uint64) (*models.AcceptedSellOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acceptedSells[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// AcceptedBuyOrder returns a copy of a pending accepted buy order.
func (m *Market) AcceptedBuyOrder(id uint64) (*models.AcceptedBuyOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acceptedBuys[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func sortedClones[T any](records map[uint64]T, clone func(T) T) []T {
	ids := slices.Sorted(maps.Keys(records))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(records[id]))
	}
	return out
}
