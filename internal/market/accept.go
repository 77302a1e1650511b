package market

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/spv"
)

// fillAmount returns floor(amountBtc * orderTokens / orderBtc), the token
// side of matching amountBtc against an order holding orderBtc and
// orderTokens. Flooring favours the order's originator.
func fillAmount(op string, amountBtc, orderBtc btcutil.Amount, orderTokens *uint256.Int) (*uint256.Int, error) {
	if orderBtc <= 0 {
		return nil, invariant(op, "order holds %d satoshis", orderBtc)
	}
	fill, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(uint64(amountBtc)),
		orderTokens,
		uint256.NewInt(uint64(orderBtc)),
	)
	if overflow {
		return nil, invariant(op, "fill of %d/%d sats over %s overflows", amountBtc, orderBtc, orderTokens.Dec())
	}
	if fill.IsZero() {
		return nil, invariant(op, "fill of %d/%d sats over %s rounds to zero", amountBtc, orderBtc, orderTokens.Dec())
	}
	if orderTokens.Lt(fill) {
		return nil, invariant(op, "fill %s exceeds order balance %s", fill.Dec(), orderTokens.Dec())
	}
	return fill, nil
}

// AcceptSellOrder matches amountBtc of sell order id. The caller escrows the
// proportional share of the asking amount and names the bitcoinAddress the
// seller must pay. It returns the accepted order's id.
func (m *Market) AcceptSellOrder(ctx context.Context, caller common.Address, id uint64, bitcoinAddress string, amountBtc btcutil.Amount) (acceptID uint64, err error) {
	defer func() { m.finish(opAcceptSell, err) }()

	if err := m.authorizeTrader(caller); err != nil {
		return 0, err
	}
	if amountBtc <= 0 {
		return 0, ErrInvalidAmount
	}
	if _, err := spv.PayToAddrScript(bitcoinAddress, m.params); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBitcoinAddress, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.sells[id]
	if !ok {
		return 0, m.missing(id, models.KindSellOrder)
	}
	if amountBtc > order.AmountBtc {
		return 0, fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientCapacity, amountBtc, order.AmountBtc)
	}
	fill, err := fillAmount(opAcceptSell, amountBtc, order.AmountBtc, order.AskingAmount)
	if err != nil {
		return 0, err
	}
	if err := m.escrow.Lock(ctx, order.AskingToken, caller, fill); err != nil {
		return 0, fmt.Errorf("accept sell order %d: %w", id, err)
	}

	order.AmountBtc -= amountBtc
	order.AskingAmount = new(uint256.Int).Sub(order.AskingAmount, fill)
	if order.AmountBtc == 0 {
		delete(m.sells, id)
		m.closed[id] = models.Tombstone{Kind: models.KindSellOrder, Status: models.StatusFilled}
	}

	accepted := &models.AcceptedSellOrder{
		ID:             m.nextID(),
		OrderID:        id,
		BitcoinAddress: bitcoinAddress,
		AmountBtc:      amountBtc,
		ErcToken:       order.AskingToken,
		ErcAmount:      fill,
		Requester:      order.Requester,
		Accepter:       caller,
		AcceptTime:     m.now(),
	}
	m.acceptedSells[accepted.ID] = accepted
	m.emit(sellAcceptedEvent(accepted, order))
	m.logger.Debug("sell order accepted", "order_id", id, "accept_id", accepted.ID, "amount_btc", int64(amountBtc), "erc_amount", fill.Dec())
	return accepted.ID, nil
}

// AcceptBuyOrder matches amountBtc of buy order id. No new tokens are
// escrowed: the proportional share of the offering, escrowed at placement,
// moves from the order to the new accepted order. The caller then owes
// amountBtc to the order's bitcoin address.
func (m *Market) AcceptBuyOrder(ctx context.Context, caller common.Address, id uint64, amountBtc btcutil.Amount) (acceptID uint64, err error) {
	defer func() { m.finish(opAcceptBuy, err) }()

	if err := m.authorizeTrader(caller); err != nil {
		return 0, err
	}
	if amountBtc <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.buys[id]
	if !ok {
		return 0, m.missing(id, models.KindBuyOrder)
	}
	if amountBtc > order.AmountBtc {
		return 0, fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientCapacity, amountBtc, order.AmountBtc)
	}
	fill, err := fillAmount(opAcceptBuy, amountBtc, order.AmountBtc, order.OfferingAmount)
	if err != nil {
		return 0, err
	}

	order.AmountBtc -= amountBtc
	order.OfferingAmount = new(uint256.Int).Sub(order.OfferingAmount, fill)
	if order.AmountBtc == 0 {
		delete(m.buys, id)
		m.closed[id] = models.Tombstone{Kind: models.KindBuyOrder, Status: models.StatusFilled}
	}

	accepted := &models.AcceptedBuyOrder{
		ID:             m.nextID(),
		OrderID:        id,
		BitcoinAddress: order.BitcoinAddress,
		AmountBtc:      amountBtc,
		ErcToken:       order.OfferingToken,
		ErcAmount:      fill,
		Requester:      order.Requester,
		Accepter:       caller,
		AcceptTime:     m.now(),
	}
	m.acceptedBuys[accepted.ID] = accepted
	m.emit(buyAcceptedEvent(accepted, order))
	m.logger.Debug("buy order accepted", "order_id", id, "accept_id", accepted.ID, "amount_btc", int64(amountBtc), "erc_amount", fill.Dec())
	return accepted.ID, nil
}
