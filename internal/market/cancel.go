package market

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xtrntr/spvswap/internal/models"
)

func (m *Market) expired(acceptTime time.Time) bool {
	return !m.now().Before(acceptTime.Add(m.expiration))
}

// CancelSellAccept refunds the accepter of an accepted sell order once the
// acceptance window has passed without settlement. The matched capacity is
// not returned to the parent order.
func (m *Market) CancelSellAccept(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { m.finish(opCancelSell, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted, ok := m.acceptedSells[id]
	if !ok {
		return m.missing(id, models.KindAcceptedSell)
	}
	if caller != accepted.Accepter {
		return ErrUnauthorized
	}
	if !m.expired(accepted.AcceptTime) {
		return fmt.Errorf("%w: window closes at %s", ErrNotExpired, accepted.AcceptTime.Add(m.expiration).UTC().Format(time.RFC3339))
	}
	if err := m.escrow.Release(ctx, accepted.ErcToken, accepted.Accepter, accepted.ErcAmount); err != nil {
		return fmt.Errorf("cancel accepted sell order %d: %w", id, err)
	}

	delete(m.acceptedSells, id)
	m.closed[id] = models.Tombstone{Kind: models.KindAcceptedSell, Status: models.StatusCancelled}
	m.emit(sellAcceptCancelledEvent(accepted))
	m.logger.Debug("accepted sell order cancelled", "accept_id", id)
	return nil
}

// CancelBuyAccept refunds the buy order's requester for an accepted buy
// order whose window has passed without settlement.
func (m *Market) CancelBuyAccept(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { m.finish(opCancelBuy, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted, ok := m.acceptedBuys[id]
	if !ok {
		return m.missing(id, models.KindAcceptedBuy)
	}
	if caller != accepted.Requester {
		return ErrUnauthorized
	}
	if !m.expired(accepted.AcceptTime) {
		return fmt.Errorf("%w: window closes at %s", ErrNotExpired, accepted.AcceptTime.Add(m.expiration).UTC().Format(time.RFC3339))
	}
	if err := m.escrow.Release(ctx, accepted.ErcToken, accepted.Requester, accepted.ErcAmount); err != nil {
		return fmt.Errorf("cancel accepted buy order %d: %w", id, err)
	}

	delete(m.acceptedBuys, id)
	m.closed[id] = models.Tombstone{Kind: models.KindAcceptedBuy, Status: models.StatusCancelled}
	m.emit(buyAcceptCancelledEvent(accepted))
	m.logger.Debug("accepted buy order cancelled", "accept_id", id)
	return nil
}
