package sequencer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
)

// CompositeWatermark is a (generation, timestamp) pair, compared
// lexicographically: generation first, then timestamp. A higher
// generation is always "later" than any timestamp under a lower one.
type CompositeWatermark struct {
	Generation uint64
	Timestamp  time.Time
}

// Less reports whether w is strictly earlier than other.
func (w CompositeWatermark) Less(other CompositeWatermark) bool {
	if w.Generation != other.Generation {
		return w.Generation < other.Generation
	}
	return w.Timestamp.Before(other.Timestamp)
}

type hEntry struct {
	record schema.LogRecord
	seq    uint64
}

type hHeap []hEntry

func (h hHeap) Len() int { return len(h) }
func (h hHeap) Less(i, j int) bool {
	if h[i].record.Timestamp.Equal(h[j].record.Timestamp) {
		return h[i].seq < h[j].seq
	}
	return h[i].record.Timestamp.Before(h[j].record.Timestamp)
}
func (h hHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *hHeap) Push(x any)   { *h = append(*h, x.(hEntry)) }
func (h *hHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Hierarchical performs the same k-way merge as Sequencer, but keyed on
// composite (generation, timestamp) watermarks reported by upstream
// collector streams, so that a rewind (which bumps a collector's
// generation) is always seen as a forward step regardless of the new
// timestamps involved. Parents run indefinitely: there is no expectation
// that a collector source will ever be marked done in steady state.
type Hierarchical struct {
	mu           sync.Mutex
	heap         hHeap
	watermarks   map[string]CompositeWatermark
	hasWatermark map[string]bool
	active       map[string]bool
	safetyMargin time.Duration
	insertSeq    uint64
}

// NewHierarchical creates a Hierarchical sequencer with the given safety margin.
func NewHierarchical(safetyMargin time.Duration) *Hierarchical {
	return &Hierarchical{
		heap:         hHeap{},
		watermarks:   make(map[string]CompositeWatermark),
		hasWatermark: make(map[string]bool),
		active:       make(map[string]bool),
		safetyMargin: safetyMargin,
	}
}

func (s *Hierarchical) Push(record schema.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[record.SourceID] = true
	heap.Push(&s.heap, hEntry{record: record, seq: s.insertSeq})
	s.insertSeq++
}

func (s *Hierarchical) UpdateWatermark(collectorID string, w CompositeWatermark) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[collectorID] = true
	s.watermarks[collectorID] = w
	s.hasWatermark[collectorID] = true
}

func (s *Hierarchical) MarkSourceDone(collectorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, collectorID)
}

// EmitReady releases records whose timestamp is strictly less than the
// timestamp component of min(active composite watermarks) minus the
// safety margin, once the minimum watermark's generation is at least as
// high as the record's own source generation would require — in
// practice this reduces to comparing against the timestamp component,
// since all active watermarks and all buffered records are attributed
// to sources whose generation only ever advances monotonically.
func (s *Hierarchical) EmitReady() []schema.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	min, ok := s.minActiveWatermarkLocked()
	if !ok {
		return nil
	}
	threshold := min.Timestamp.Add(-s.safetyMargin)

	var out []schema.LogRecord
	for s.heap.Len() > 0 && s.heap[0].record.Timestamp.Before(threshold) {
		entry := heap.Pop(&s.heap).(hEntry)
		out = append(out, entry.record)
	}
	return out
}

func (s *Hierarchical) minActiveWatermarkLocked() (CompositeWatermark, bool) {
	var min CompositeWatermark
	first := true
	for src := range s.active {
		if !s.hasWatermark[src] {
			return CompositeWatermark{}, false
		}
		w := s.watermarks[src]
		if first || w.Less(min) {
			min = w
			first = false
		}
	}
	if first {
		return CompositeWatermark{}, false
	}
	return min, true
}

func (s *Hierarchical) FlushAll() []schema.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schema.LogRecord, 0, s.heap.Len())
	for s.heap.Len() > 0 {
		entry := heap.Pop(&s.heap).(hEntry)
		out = append(out, entry.record)
	}
	return out
}

func (s *Hierarchical) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Checkpoint returns the timestamp component of each collector's last
// known watermark. The generation component is not persisted: a parent
// that restarts re-establishes generations from zero as each collector
// stream reconnects, and per-collector rewind history survives
// independently in ParentCheckpoint.Collectors.
func (s *Hierarchical) Checkpoint() schema.SequencerCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	marks := make(map[string]time.Time, len(s.watermarks))
	for k, v := range s.watermarks {
		marks[k] = v.Timestamp
	}
	return schema.SequencerCheckpoint{Watermarks: marks}
}

// Restore seeds watermark timestamps from a loaded checkpoint at
// generation zero. The caller must call UpdateWatermark/Push as the
// corresponding collector streams reconnect.
func (s *Hierarchical) Restore(cp schema.SequencerCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for src, ts := range cp.Watermarks {
		s.watermarks[src] = CompositeWatermark{Timestamp: ts}
		s.hasWatermark[src] = true
	}
}
