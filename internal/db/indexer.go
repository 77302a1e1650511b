package db

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtrntr/spvswap/internal/models"
)

const (
	indexBatch    = 256
	flushInterval = 500 * time.Millisecond
	flushTimeout  = 5 * time.Second
	maxPending    = 64 * indexBatch
)

// EventWriter persists batches of market events. *DB implements it.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []models.Event) error
}

// Indexer receives market events and writes them to the event log in the
// background. Emit never blocks; events arriving while the buffer is full
// are dropped and counted.
type Indexer struct {
	store   EventWriter
	epoch   uint64
	logger  *slog.Logger
	events  chan models.Event
	dropped atomic.Uint64
	done    chan struct{}
}

// NewIndexer creates an indexer writing events under epoch and holding up to
// buffer unwritten events.
func NewIndexer(store EventWriter, epoch uint64, logger *slog.Logger, buffer int) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 4096
	}
	return &Indexer{
		store:  store,
		epoch:  epoch,
		logger: logger,
		events: make(chan models.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit queues evt for writing.
func (ix *Indexer) Emit(evt models.Event) {
	evt.Epoch = ix.epoch
	select {
	case ix.events <- evt:
	default:
		n := ix.dropped.Add(1)
		ix.logger.Error("event indexer buffer full, dropping event", "seq", evt.Seq, "type", string(evt.Type), "dropped_total", n)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (ix *Indexer) Dropped() uint64 { return ix.dropped.Load() }

// Done is closed once Run has returned.
func (ix *Indexer) Done() <-chan struct{} { return ix.done }

// Run writes queued events until ctx is done, then writes whatever is still
// buffered before returning.
func (ix *Indexer) Run(ctx context.Context) {
	defer close(ix.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.Event, 0, indexBatch)
	for {
		select {
		case evt := <-ix.events:
			batch = append(batch, evt)
			if len(batch) >= indexBatch {
				batch = ix.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = ix.flush(ctx, batch)
		case <-ctx.Done():
			batch = ix.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			ix.flush(flushCtx, batch)
			cancel()
			return
		}
	}
}

func (ix *Indexer) drain(batch []models.Event) []models.Event {
	for {
		select {
		case evt := <-ix.events:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
}

// flush writes batch and returns it emptied. A failed write is kept for the
// next attempt until maxPending events are waiting.
func (ix *Indexer) flush(ctx context.Context, batch []models.Event) []models.Event {
	if len(batch) == 0 {
		return batch
	}
	if err := ix.store.InsertEvents(ctx, batch); err != nil {
		ix.logger.Warn("failed to index events", "count", len(batch), "first_seq", batch[0].Seq, "error", err)
		if len(batch) < maxPending {
			return batch
		}
		n := ix.dropped.Add(uint64(len(batch)))
		ix.logger.Error("event indexer giving up on batch", "count", len(batch), "dropped_total", n)
	}
	return batch[:0]
}
