package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"

	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/spv"
)

// BuyProofPolicy selects the payment a buy settlement must prove.
type BuyProofPolicy uint8

const (
	// PolicyParentRemaining requires the parent buy order's live remaining
	// amount, or nothing once the parent is fully consumed or withdrawn.
	// A proof can therefore settle an acceptance without paying what the
	// accepter committed to.
	PolicyParentRemaining BuyProofPolicy = iota
	// PolicyAcceptedAmount requires the amount the accepter committed to.
	PolicyAcceptedAmount
)

func (p BuyProofPolicy) String() string {
	switch p {
	case PolicyParentRemaining:
		return "parent_remaining"
	case PolicyAcceptedAmount:
		return "accepted_amount"
	default:
		return fmt.Sprintf("BuyProofPolicy(%d)", uint8(p))
	}
}

// ParseBuyProofPolicy maps a configuration name to a policy.
func ParseBuyProofPolicy(name string) (BuyProofPolicy, error) {
	switch name {
	case "parent_remaining":
		return PolicyParentRemaining, nil
	case "accepted_amount":
		return PolicyAcceptedAmount, nil
	}
	return 0, fmt.Errorf("unknown buy proof policy %q", name)
}

// proven validates rawTx under proof and returns what it paid to
// bitcoinAddress.
func (m *Market) proven(ctx context.Context, op, bitcoinAddress string, rawTx []byte, proof *spv.Proof) (btcutil.Amount, error) {
	if err := m.relay.Validate(ctx, rawTx, proof); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	pkScript, err := spv.PayToAddrScript(bitcoinAddress, m.params)
	if err != nil {
		// Addresses are checked when they enter the book.
		return 0, invariant(op, "stored address: %v", err)
	}
	paid, err := m.relay.OutputValue(pkScript, rawTx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	return paid, nil
}

// SettleSellAccept pays the escrowed tokens of accepted sell order id to the
// seller, who proves with rawTx and proof that at least the matched amount
// reached the accepter's bitcoin address.
func (m *Market) SettleSellAccept(ctx context.Context, caller common.Address, id uint64, rawTx []byte, proof *spv.Proof) (err error) {
	defer func() { m.finish(opSettleSell, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted, ok := m.acceptedSells[id]
	if !ok {
		return m.missing(id, models.KindAcceptedSell)
	}
	if caller != accepted.Requester {
		return ErrUnauthorized
	}
	paid, err := m.proven(ctx, opSettleSell, accepted.BitcoinAddress, rawTx, proof)
	if err != nil {
		return err
	}
	if paid < accepted.AmountBtc {
		return invariant(opSettleSell, "proven payment %d below matched %d", paid, accepted.AmountBtc)
	}
	if err := m.escrow.Release(ctx, accepted.ErcToken, accepted.Requester, accepted.ErcAmount); err != nil {
		return fmt.Errorf("settle accepted sell order %d: %w", id, err)
	}

	delete(m.acceptedSells, id)
	m.closed[id] = models.Tombstone{Kind: models.KindAcceptedSell, Status: models.StatusSettled}
	m.emit(sellSettledEvent(accepted, int64(paid)))
	m.logger.Debug("accepted sell order settled", "accept_id", id, "paid_btc", int64(paid))
	return nil
}

// SettleBuyAccept pays the escrowed tokens of accepted buy order id to the
// accepter, who proves with rawTx and proof a payment to the buy order's
// bitcoin address. The amount that payment must reach depends on the
// market's BuyProofPolicy.
func (m *Market) SettleBuyAccept(ctx context.Context, caller common.Address, id uint64, rawTx []byte, proof *spv.Proof) (err error) {
	defer func() { m.finish(opSettleBuy, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted, ok := m.acceptedBuys[id]
	if !ok {
		return m.missing(id, models.KindAcceptedBuy)
	}
	if caller != accepted.Accepter {
		return ErrUnauthorized
	}
	paid, err := m.proven(ctx, opSettleBuy, accepted.BitcoinAddress, rawTx, proof)
	if err != nil {
		return err
	}
	required := m.requiredBuyPayment(accepted)
	if paid < required {
		return invariant(opSettleBuy, "proven payment %d below required %d", paid, required)
	}
	if required < accepted.AmountBtc {
		m.logger.Warn("buy settlement requires less than the accepted amount",
			"accept_id", id, "order_id", accepted.OrderID, "policy", m.policy.String(),
			"required_btc", int64(required), "accepted_btc", int64(accepted.AmountBtc), "paid_btc", int64(paid))
	}
	if err := m.escrow.Release(ctx, accepted.ErcToken, accepted.Accepter, accepted.ErcAmount); err != nil {
		return fmt.Errorf("settle accepted buy order %d: %w", id, err)
	}

	delete(m.acceptedBuys, id)
	m.closed[id] = models.Tombstone{Kind: models.KindAcceptedBuy, Status: models.StatusSettled}
	m.emit(buySettledEvent(accepted, int64(paid), int64(required)))
	m.logger.Debug("accepted buy order settled", "accept_id", id, "paid_btc", int64(paid))
	return nil
}

func (m *Market) requiredBuyPayment(a *models.AcceptedBuyOrder) btcutil.Amount {
	if m.policy == PolicyAcceptedAmount {
		return a.AmountBtc
	}
	if parent, ok := m.buys[a.OrderID]; ok {
		return parent.AmountBtc
	}
	return 0
}
