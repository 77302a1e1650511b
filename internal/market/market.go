// Package market implements the BTC/token order book: order placement,
// proportional partial matching with token escrow, settlement gated on a
// Bitcoin payment proof, and refund after the acceptance window expires.
//
// Every public operation is one atomic transition. All checks and all
// external calls that can fail (token transfers, proof validation) run before
// the first mutation, so a failed operation leaves no observable change.
// A single lock linearizes operations.
package market

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/observability"
	"github.com/xtrntr/spvswap/internal/spv"
)

// DefaultExpiration is how long an accepted order waits for its payment
// proof before the escrowed side may reclaim the tokens.
const DefaultExpiration = 6 * time.Hour

const (
	opPlaceSell    = "place_sell"
	opPlaceBuy     = "place_buy"
	opWithdrawSell = "withdraw_sell"
	opWithdrawBuy  = "withdraw_buy"
	opAcceptSell   = "accept_sell"
	opAcceptBuy    = "accept_buy"
	opSettleSell   = "settle_sell"
	opSettleBuy    = "settle_buy"
	opCancelSell   = "cancel_sell"
	opCancelBuy    = "cancel_buy"
)

// Escrow is the custody the market moves tokens through. Contract is the
// account holding custody; it never trades.
type Escrow interface {
	Contract() common.Address
	Lock(ctx context.Context, token, owner common.Address, amount *uint256.Int) error
	Release(ctx context.Context, token, to common.Address, amount *uint256.Int) error
}

// Options tunes a Market. Zero values select mainnet, DefaultExpiration and
// PolicyParentRemaining.
type Options struct {
	ChainParams    *chaincfg.Params
	Expiration     time.Duration
	BuyProofPolicy BuyProofPolicy
	Logger         *slog.Logger
}

// Market is the order book and settlement engine.
type Market struct {
	escrow     Escrow
	relay      spv.Relay
	params     *chaincfg.Params
	expiration time.Duration
	policy     BuyProofPolicy
	logger     *slog.Logger
	emitter    Emitter
	nowFn      func() time.Time

	// lastID is shared by all four record kinds.
	lastID atomic.Uint64

	mu            sync.Mutex
	seq           uint64
	sells         map[uint64]*models.SellOrder
	buys          map[uint64]*models.BuyOrder
	acceptedSells map[uint64]*models.AcceptedSellOrder
	acceptedBuys  map[uint64]*models.AcceptedBuyOrder
	closed        map[uint64]models.Tombstone
}

// New creates an empty market settling through escrow and relay.
func New(escrow Escrow, relay spv.Relay, opts Options) *Market {
	m := &Market{
		escrow:        escrow,
		relay:         relay,
		params:        opts.ChainParams,
		expiration:    opts.Expiration,
		policy:        opts.BuyProofPolicy,
		logger:        opts.Logger,
		emitter:       NoopEmitter{},
		nowFn:         time.Now,
		sells:         make(map[uint64]*models.SellOrder),
		buys:          make(map[uint64]*models.BuyOrder),
		acceptedSells: make(map[uint64]*models.AcceptedSellOrder),
		acceptedBuys:  make(map[uint64]*models.AcceptedBuyOrder),
		closed:        make(map[uint64]models.Tombstone),
	}
	if m.params == nil {
		m.params = &chaincfg.MainNetParams
	}
	if m.expiration <= 0 {
		m.expiration = DefaultExpiration
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (m *Market) SetEmitter(emitter Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		m.emitter = NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetNowFunc overrides the clock, primarily used in tests.
func (m *Market) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		m.nowFn = time.Now
		return
	}
	m.nowFn = now
}

// Expiration returns the acceptance window.
func (m *Market) Expiration() time.Duration { return m.expiration }

// Policy returns the buy settlement policy in force.
func (m *Market) Policy() BuyProofPolicy { return m.policy }

func (m *Market) now() time.Time { return m.nowFn() }

// authorizeTrader rejects callers that cannot own orders: the zero address
// and the custody account itself.
func (m *Market) authorizeTrader(caller common.Address) error {
	if caller == (common.Address{}) || caller == m.escrow.Contract() {
		return ErrUnauthorized
	}
	return nil
}

// nextID issues a fresh identifier. Call only once the operation is certain
// to commit, so aborted operations do not consume identifiers.
func (m *Market) nextID() uint64 { return m.lastID.Add(1) }

// missing explains why id is not live in a store of the given kind.
func (m *Market) missing(id uint64, kind models.RecordKind) error {
	if t, ok := m.closed[id]; ok && t.Kind == kind {
		return ErrClosed
	}
	return ErrNotFound
}

// finish records the outcome of op in metrics and logs invariant violations.
func (m *Market) finish(op string, err error) {
	outcome := observability.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrInvariant):
		outcome = observability.OutcomeInvariant
		m.logger.Error("market invariant violated", "op", op, "error", err)
	default:
		outcome = observability.OutcomeRejected
		m.logger.Debug("market operation rejected", "op", op, "error", err)
	}
	observability.MarketMetrics().Observe(op, outcome)
}

// Status reports the lifecycle state of any identifier issued by the market.
func (m *Market) Status(id uint64) (models.RecordKind, models.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.sells[id] != nil:
		return models.KindSellOrder, models.StatusOpen
	case m.buys[id] != nil:
		return models.KindBuyOrder, models.StatusOpen
	case m.acceptedSells[id] != nil:
		return models.KindAcceptedSell, models.StatusOpen
	case m.acceptedBuys[id] != nil:
		return models.KindAcceptedBuy, models.StatusOpen
	}
	if t, ok := m.closed[id]; ok {
		return t.Kind, t.Status
	}
	return "", models.StatusAbsent
}

// Escrowed sums, per token, what the market owes out of custody: the
// remaining offering of every open buy order plus the amount of every
// pending accepted order. It always equals what the escrow holds.
func (m *Market) Escrowed() map[common.Address]*uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[common.Address]*uint256.Int)
	add := func(tok common.Address, amt *uint256.Int) {
		cur, ok := out[tok]
		if !ok {
			cur = new(uint256.Int)
		}
		out[tok] = new(uint256.Int).Add(cur, amt)
	}
	for _, o := range m.buys {
		add(o.OfferingToken, o.OfferingAmount)
	}
	for _, a := range m.acceptedSells {
		add(a.ErcToken, a.ErcAmount)
	}
	for _, a := range m.acceptedBuys {
		add(a.ErcToken, a.ErcAmount)
	}
	return out
}
