// Package sequencer implements the k-way merge local sequencer: records
// from multiple sources are buffered in a min-heap keyed by timestamp and
// released once every active source's watermark has advanced far enough
// past them to guarantee no earlier record can still arrive.
package sequencer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
)

type heapEntry struct {
	record schema.LogRecord
	seq    uint64
}

type recordHeap []heapEntry

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	if h[i].record.Timestamp.Equal(h[j].record.Timestamp) {
		return h[i].seq < h[j].seq
	}
	return h[i].record.Timestamp.Before(h[j].record.Timestamp)
}
func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)   { *h = append(*h, x.(heapEntry)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Sequencer performs a k-way merge of per-source record streams into a
// single, globally timestamp-ordered stream, subject to a safety margin.
type Sequencer struct {
	mu            sync.Mutex
	heap          recordHeap
	watermarks    map[string]time.Time
	hasWatermark  map[string]bool
	active        map[string]bool
	safetyMargin  time.Duration
	insertSeq     uint64
}

// New creates a Sequencer tracking exactly sourceIDs, each pre-registered
// active with no watermark yet, mirroring the Rust constructor
// (Sequencer::new(source_ids, safety_margin)). Pre-registering the full
// configured set — rather than letting a source join active lazily on
// its first Push/UpdateWatermark — is what lets EmitReady correctly gate
// on a source that is merely slow to produce its first record instead
// of silently treating it as absent.
func New(sourceIDs []string, safetyMargin time.Duration) *Sequencer {
	s := &Sequencer{
		heap:         recordHeap{},
		watermarks:   make(map[string]time.Time),
		hasWatermark: make(map[string]bool),
		active:       make(map[string]bool, len(sourceIDs)),
		safetyMargin: safetyMargin,
	}
	for _, id := range sourceIDs {
		s.active[id] = true
	}
	return s
}

// Push inserts a record into the heap.
func (s *Sequencer) Push(record schema.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[record.SourceID] = true
	heap.Push(&s.heap, heapEntry{record: record, seq: s.insertSeq})
	s.insertSeq++
}

// UpdateWatermark records the given source's current watermark.
func (s *Sequencer) UpdateWatermark(sourceID string, w time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[sourceID] = true
	s.watermarks[sourceID] = w
	s.hasWatermark[sourceID] = true
}

// MarkSourceDone removes the source from the active set so it no longer
// gates emission.
func (s *Sequencer) MarkSourceDone(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, sourceID)
}

// EmitReady returns, in timestamp order (ties broken by insertion order),
// every buffered record whose timestamp is strictly less than
// min(active watermarks) - safetyMargin. If any active source lacks a
// watermark, nothing is emitted (we cannot yet bound its future records).
func (s *Sequencer) EmitReady() []schema.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold, ok := s.minActiveWatermarkLocked()
	if !ok {
		return nil
	}
	threshold = threshold.Add(-s.safetyMargin)

	var out []schema.LogRecord
	for s.heap.Len() > 0 && s.heap[0].record.Timestamp.Before(threshold) {
		entry := heap.Pop(&s.heap).(heapEntry)
		out = append(out, entry.record)
	}
	return out
}

func (s *Sequencer) minActiveWatermarkLocked() (time.Time, bool) {
	var min time.Time
	first := true
	for src := range s.active {
		if !s.hasWatermark[src] {
			return time.Time{}, false
		}
		w := s.watermarks[src]
		if first || w.Before(min) {
			min = w
			first = false
		}
	}
	if first {
		// No active sources at all: nothing gates emission, but there is
		// also nothing meaningfully "ready" to compute a threshold from.
		return time.Time{}, false
	}
	return min, true
}

// AllSourcesDone reports whether the active set is empty.
func (s *Sequencer) AllSourcesDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) == 0
}

// BufferedCount returns the number of records currently buffered.
func (s *Sequencer) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// FlushAll drains every buffered record in timestamp order, ignoring the
// watermark threshold. Used on shutdown or once all sources are done.
func (s *Sequencer) FlushAll() []schema.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schema.LogRecord, 0, s.heap.Len())
	for s.heap.Len() > 0 {
		entry := heap.Pop(&s.heap).(heapEntry)
		out = append(out, entry.record)
	}
	return out
}

// Checkpoint returns the current per-source watermarks for persistence.
func (s *Sequencer) Checkpoint() schema.SequencerCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	marks := make(map[string]time.Time, len(s.watermarks))
	for k, v := range s.watermarks {
		marks[k] = v
	}
	return schema.SequencerCheckpoint{Watermarks: marks}
}

// Restore seeds watermarks from a loaded checkpoint. Restoration never
// increments any rewind generation and does not mark sources active;
// the caller must call UpdateWatermark/Push as the corresponding source
// readers resume.
func (s *Sequencer) Restore(cp schema.SequencerCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for src, w := range cp.Watermarks {
		s.watermarks[src] = w
		s.hasWatermark[src] = true
	}
}
