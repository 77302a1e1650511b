package market

import (
	"fmt"
	"maps"

	"github.com/xtrntr/spvswap/internal/models"
)

// Snapshot captures the full market state.
func (m *Market) Snapshot() *models.MarketSnapshot {
	return m.SnapshotWith(nil)
}

// SnapshotWith captures the market state and runs capture before any other
// operation can commit. A ledger snapshot taken inside capture therefore
// agrees with the market about what custody holds.
func (m *Market) SnapshotWith(capture func()) *models.MarketSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if capture != nil {
		capture()
	}
	return &models.MarketSnapshot{
		LastID:        m.lastID.Load(),
		LastSeq:       m.seq,
		SellOrders:    sortedClones(m.sells, (*models.SellOrder).Clone),
		BuyOrders:     sortedClones(m.buys, (*models.BuyOrder).Clone),
		AcceptedSells: sortedClones(m.acceptedSells, (*models.AcceptedSellOrder).Clone),
		AcceptedBuys:  sortedClones(m.acceptedBuys, (*models.AcceptedBuyOrder).Clone),
		Closed:        maps.Clone(m.closed),
	}
}

// Restore replaces the market state with snap. The snapshot is checked as a
// whole before anything is replaced.
func (m *Market) Restore(snap *models.MarketSnapshot) error {
	if snap == nil {
		return fmt.Errorf("restore market: nil snapshot")
	}
	sells := make(map[uint64]*models.SellOrder, len(snap.SellOrders))
	buys := make(map[uint64]*models.BuyOrder, len(snap.BuyOrders))
	acceptedSells := make(map[uint64]*models.AcceptedSellOrder, len(snap.AcceptedSells))
	acceptedBuys := make(map[uint64]*models.AcceptedBuyOrder, len(snap.AcceptedBuys))
	closed := make(map[uint64]models.Tombstone, len(snap.Closed))

	seen := make(map[uint64]struct{})
	claim := func(id uint64) error {
		if id == 0 || id > snap.LastID {
			return fmt.Errorf("restore market: id %d outside issued range 1..%d", id, snap.LastID)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("restore market: id %d used twice", id)
		}
		seen[id] = struct{}{}
		return nil
	}

	for _, o := range snap.SellOrders {
		if err := claim(o.ID); err != nil {
			return err
		}
		if o.AmountBtc <= 0 || o.AskingAmount == nil {
			return fmt.Errorf("restore market: sell order %d is empty", o.ID)
		}
		sells[o.ID] = o.Clone()
	}
	for _, o := range snap.BuyOrders {
		if err := claim(o.ID); err != nil {
			return err
		}
		if o.AmountBtc <= 0 || o.OfferingAmount == nil {
			return fmt.Errorf("restore market: buy order %d is empty", o.ID)
		}
		buys[o.ID] = o.Clone()
	}
	for _, a := range snap.AcceptedSells {
		if err := claim(a.ID); err != nil {
			return err
		}
		if a.ErcAmount == nil {
			return fmt.Errorf("restore market: accepted sell order %d has no amount", a.ID)
		}
		acceptedSells[a.ID] = a.Clone()
	}
	for _, a := range snap.AcceptedBuys {
		if err := claim(a.ID); err != nil {
			return err
		}
		if a.ErcAmount == nil {
			return fmt.Errorf("restore market: accepted buy order %d has no amount", a.ID)
		}
		acceptedBuys[a.ID] = a.Clone()
	}
	for id, t := range snap.Closed {
		if err := claim(id); err != nil {
			return err
		}
		closed[id] = t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID.Store(snap.LastID)
	m.seq = snap.LastSeq
	m.sells = sells
	m.buys = buys
	m.acceptedSells = acceptedSells
	m.acceptedBuys = acceptedBuys
	m.closed = closed
	return nil
}
