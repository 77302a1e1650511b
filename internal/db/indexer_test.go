package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spvswap/internal/models"
)

type memoryWriter struct {
	mu       sync.Mutex
	events   []models.Event
	failures int
}

func (w *memoryWriter) InsertEvents(_ context.Context, events []models.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("connection refused")
	}
	w.events = append(w.events, events...)
	return nil
}

func (w *memoryWriter) seqs() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint64, 0, len(w.events))
	for _, e := range w.events {
		out = append(out, e.Seq)
	}
	return out
}

func TestIndexer_WritesInOrder(t *testing.T) {
	w := &memoryWriter{failures: 1}
	ix := NewIndexer(w, 3, nil, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go ix.Run(ctx)

	for seq := uint64(1); seq <= 5; seq++ {
		ix.Emit(models.Event{Seq: seq, Type: models.EventSellPlaced, OrderID: seq})
	}

	// The first write fails and is retried on a later tick.
	require.Eventually(t, func() bool { return len(w.seqs()) == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, w.seqs())

	ix.Emit(models.Event{Seq: 6, Type: models.EventSellWithdrawn, OrderID: 1})
	cancel()
	<-ix.Done()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, w.seqs())
	assert.Zero(t, ix.Dropped())
	for _, e := range w.events {
		assert.Equal(t, uint64(3), e.Epoch)
	}
}

func TestIndexer_DropsWhenFull(t *testing.T) {
	ix := NewIndexer(&memoryWriter{}, 1, nil, 2)

	for seq := uint64(1); seq <= 5; seq++ {
		ix.Emit(models.Event{Seq: seq})
	}
	assert.Equal(t, uint64(3), ix.Dropped())
}

func TestAccountsOf(t *testing.T) {
	evt := models.Event{Attributes: map[string]string{
		"requester": "0xA11CE00000000000000000000000000000000001",
		"accepter":  "0xB0B0000000000000000000000000000000000002",
		"payee":     "0xA11CE00000000000000000000000000000000001",
	}}
	assert.Equal(t, []string{
		"0xa11ce00000000000000000000000000000000001",
		"0xb0b0000000000000000000000000000000000002",
	}, accountsOf(evt))

	assert.Empty(t, accountsOf(models.Event{}))
}
