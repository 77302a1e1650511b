package spv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/xtrntr/spvswap/internal/observability"
)

const (
	feedBatch = 200

	// Deepest reorg the feeder will walk back through.
	maxReorgDepth = 144
)

// HeaderSource is the subset of a Bitcoin node RPC client the feeder uses.
// *rpcclient.Client satisfies it.
type HeaderSource interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
}

// Feeder copies new block headers from a node into a HeaderRelay.
type Feeder struct {
	src    HeaderSource
	relay  *HeaderRelay
	logger *slog.Logger
}

// NewFeeder creates a feeder
func NewFeeder(src HeaderSource, relay *HeaderRelay, logger *slog.Logger) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{src: src, relay: relay, logger: logger}
}

// Sync pulls every header the node has beyond the relay tip and returns how
// many were submitted. When the node has reorganized below the relay tip, it
// walks back to the last shared header first.
func (f *Feeder) Sync(ctx context.Context) (int, error) {
	count, err := f.src.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("failed to get block count: %w", err)
	}
	_, tipHeight := f.relay.Tip()

	start, err := f.forkPoint(ctx, tipHeight, count)
	if err != nil {
		return 0, err
	}

	submitted := 0
	batch := make([]*wire.BlockHeader, 0, feedBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f.relay.AddHeaders(batch); err != nil {
			return err
		}
		submitted += len(batch)
		batch = batch[:0]
		return nil
	}
	for height := start; height <= count; height++ {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		header, err := f.header(height)
		if err != nil {
			return submitted, err
		}
		batch = append(batch, header)
		if len(batch) == feedBatch {
			if err := flush(); err != nil {
				return submitted, err
			}
		}
	}
	if err := flush(); err != nil {
		return submitted, err
	}

	_, newTip := f.relay.Tip()
	observability.RelayMetrics().SetTip(newTip)
	if submitted > 0 {
		f.logger.Info("relay headers synced", "submitted", submitted, "tip_height", newTip)
	}
	return submitted, nil
}

// forkPoint returns the first height to fetch: one past the highest height
// at or below the relay tip whose node header the relay already knows.
func (f *Feeder) forkPoint(ctx context.Context, tipHeight int32, count int64) (int64, error) {
	h := int64(tipHeight)
	if h > count {
		h = count
	}
	floor := int64(tipHeight) - maxReorgDepth
	if floor < 0 {
		floor = 0
	}
	for ; h >= floor; h-- {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hash, err := f.src.GetBlockHash(h)
		if err != nil {
			return 0, fmt.Errorf("failed to get block hash at height %d: %w", h, err)
		}
		if f.relay.HasHeader(*hash) {
			return h + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: node shares no header with relay above height %d", ErrOrphanHeader, floor)
}

func (f *Feeder) header(height int64) (*wire.BlockHeader, error) {
	hash, err := f.src.GetBlockHash(height)
	if err != nil {
		return nil, fmt.Errorf("failed to get block hash at height %d: %w", height, err)
	}
	header, err := f.src.GetBlockHeader(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block header for hash %s: %w", hash, err)
	}
	return header, nil
}

// Run calls Sync every interval until ctx is done. Errors are logged and the
// next tick retries.
func (f *Feeder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := f.Sync(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("relay header sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
