// Package epoch buckets an ordered record stream into fixed-width,
// time-aligned epochs and assigns monotonic per-(collector,generation)
// sequence numbers to the resulting batches.
package epoch

import (
	"sync"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

type builder struct {
	start time.Time
	end   time.Time
	logs  []schema.LogRecord
}

// Batcher closes fixed-width epochs into LogBatches as records cross
// epoch boundaries, and supports rewinding the sequence/generation
// counters for recovery scenarios.
type Batcher struct {
	mu            sync.Mutex
	collectorID   string
	duration      time.Duration
	configVersion uint64

	current    *builder
	sequence   uint64
	generation uint64
}

// New creates a Batcher for the given collector id and epoch duration.
func New(collectorID string, duration time.Duration, configVersion uint64) *Batcher {
	return &Batcher{
		collectorID:   collectorID,
		duration:      duration,
		configVersion: configVersion,
	}
}

func epochStartFor(ts time.Time, duration time.Duration) time.Time {
	d := duration.Nanoseconds()
	t := ts.UnixNano()
	start := (t / d) * d
	return time.Unix(0, start).UTC()
}

// Push appends record to the in-progress epoch, closing and returning the
// previous epoch as a LogBatch if record's timestamp falls outside it.
func (b *Batcher) Push(record schema.LogRecord) *schema.LogBatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		start := epochStartFor(record.Timestamp, b.duration)
		b.current = &builder{start: start, end: start.Add(b.duration)}
		b.current.logs = append(b.current.logs, record)
		return nil
	}

	if record.Timestamp.Before(b.current.end) {
		b.current.logs = append(b.current.logs, record)
		return nil
	}

	closed := b.closeCurrentLocked(b.current.end)

	start := epochStartFor(record.Timestamp, b.duration)
	b.current = &builder{start: start, end: start.Add(b.duration)}
	b.current.logs = append(b.current.logs, record)

	return closed
}

// FlushCurrent closes the in-progress epoch, if any, with the given
// watermark.
func (b *Batcher) FlushCurrent(watermark time.Time) *schema.LogBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCurrentLocked(watermark)
}

func (b *Batcher) closeCurrentLocked(watermark time.Time) *schema.LogBatch {
	if b.current == nil {
		return nil
	}
	cur := b.current
	b.current = nil

	batch := &schema.LogBatch{
		BatchID:     uuid.New(),
		CollectorID: b.collectorID,
		Epoch: schema.EpochInfo{
			Start:      cur.start,
			End:        cur.end,
			Watermark:  watermark,
			Generation: b.generation,
		},
		Logs:          cur.logs,
		ConfigVersion: b.configVersion,
		SequenceNum:   b.sequence,
	}
	b.sequence++
	return batch
}

// Rewind resets the sequence counter to targetSeq, drops any in-progress
// epoch, and advances the generation so that subsequent batches are
// lexicographically distinguishable as (generation, watermark) from
// everything emitted before the rewind.
func (b *Batcher) Rewind(targetSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence = targetSeq
	b.current = nil
	b.generation++
}

// Checkpoint captures the batcher's current counters and in-progress
// epoch for persistence.
func (b *Batcher) Checkpoint() schema.EpochBatcherCheckpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := schema.EpochBatcherCheckpoint{
		SequenceCounter:  b.sequence,
		RewindGeneration: b.generation,
	}
	if b.current != nil {
		cp.CurrentEpoch = &schema.EpochBuilderCheckpoint{
			Start:    b.current.start,
			End:      b.current.end,
			LogCount: len(b.current.logs),
		}
	}
	return cp
}

// Restore resets the batcher's counters from a loaded checkpoint. The
// in-progress epoch itself (its buffered logs) is not restorable since
// only a summary is persisted; the epoch is left empty so the next
// pushed record starts a fresh one.
func (b *Batcher) Restore(cp schema.EpochBatcherCheckpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence = cp.SequenceCounter
	b.generation = cp.RewindGeneration
	b.current = nil
}

// Generation returns the current rewind generation.
func (b *Batcher) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}
