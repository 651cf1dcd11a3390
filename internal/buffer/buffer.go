// Package buffer retains collector LogBatches until the parent
// acknowledges them, applying one of three overflow strategies when the
// retained queue grows past its configured capacity.
package buffer

import (
	"errors"
	"sync"

	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
)

// Strategy selects what happens when the buffer is at capacity and a new
// batch needs to be pushed.
type Strategy string

const (
	Block       Strategy = "block"
	DropOldest  Strategy = "drop_oldest"
	WaitForever Strategy = "wait_forever"
)

// ErrBufferFull is returned by Push under the Block strategy when the
// buffer is at capacity. Callers must backpressure their producer.
var ErrBufferFull = errors.New("buffer is full")

type buffered struct {
	batch schema.LogBatch
}

// Buffer is the collector-side retained batch queue.
type Buffer struct {
	mu           sync.Mutex
	maxEpochs    int
	strategy     Strategy
	queue        []buffered
	acknowledged map[uint64]bool
}

// New creates a Buffer with the given capacity hint and overflow strategy.
func New(maxEpochs int, strategy Strategy) *Buffer {
	return &Buffer{
		maxEpochs:    maxEpochs,
		strategy:     strategy,
		acknowledged: make(map[uint64]bool),
	}
}

// Push adds batch to the buffer, applying the configured overflow
// strategy if the buffer is already at capacity.
func (b *Buffer) Push(batch schema.LogBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) >= b.maxEpochs {
		switch b.strategy {
		case Block:
			return ErrBufferFull
		case DropOldest:
			if len(b.queue) > 0 {
				removed := b.queue[0]
				b.queue = b.queue[1:]
				log.Warnf("buffer: dropping oldest batch sequence=%d due to buffer full", removed.batch.SequenceNum)
			}
		case WaitForever:
			// No limit, just grow.
		}
	}

	b.queue = append(b.queue, buffered{batch: batch})
	return nil
}

// GetBatches returns, in queue order, batches whose sequence number is
// strictly greater than after (or all batches if after is nil), up to
// limit entries.
func (b *Buffer) GetBatches(after *uint64, limit int) []schema.LogBatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]schema.LogBatch, 0, limit)
	for _, entry := range b.queue {
		if after != nil && entry.batch.SequenceNum <= *after {
			continue
		}
		out = append(out, entry.batch)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Acknowledge marks the given sequence numbers as acknowledged. It is
// idempotent: acknowledging the same sequence N times has the same
// effect as acknowledging it once.
func (b *Buffer) Acknowledge(seqs []uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range seqs {
		b.acknowledged[s] = true
	}
	return len(seqs)
}

// Compact removes every queued batch whose sequence has been
// acknowledged, then clears the acknowledged set. Returns the number of
// batches removed.
func (b *Buffer) Compact() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := len(b.queue)
	kept := b.queue[:0:0]
	for _, entry := range b.queue {
		if !b.acknowledged[entry.batch.SequenceNum] {
			kept = append(kept, entry)
		}
	}
	b.queue = kept
	removed := before - len(b.queue)

	b.acknowledged = make(map[uint64]bool)
	return removed
}

// Clear drops all batches and the acknowledged set. Used on a
// non-buffer-preserving rewind.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = nil
	b.acknowledged = make(map[uint64]bool)
}

// Stats summarizes the buffer's current occupancy.
type Stats struct {
	CurrentEpochs      int
	MaxEpochs          int
	OldestSequence     uint64
	NewestSequence     uint64
	AcknowledgedCount  int
}

// Stats returns a snapshot of the buffer's occupancy.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		CurrentEpochs:     len(b.queue),
		MaxEpochs:         b.maxEpochs,
		AcknowledgedCount: len(b.acknowledged),
	}
	if len(b.queue) > 0 {
		s.OldestSequence = b.queue[0].batch.SequenceNum
		s.NewestSequence = b.queue[len(b.queue)-1].batch.SequenceNum
	}
	return s
}

// Checkpoint summarizes the buffer for the collector checkpoint blob.
func (b *Buffer) Checkpoint() schema.BatchBufferCheckpoint {
	s := b.Stats()
	return schema.BatchBufferCheckpoint{
		OldestSequence:      s.OldestSequence,
		NewestSequence:      s.NewestSequence,
		UnacknowledgedCount: s.CurrentEpochs - s.AcknowledgedCount,
	}
}
