package sequencer

import (
	"testing"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

func mkRecord(src string, ts time.Time) schema.LogRecord {
	return schema.LogRecord{ID: uuid.New(), SourceID: src, Timestamp: ts}
}

func at(seconds int) time.Time {
	return time.Date(2026, 1, 28, 10, 0, seconds, 0, time.UTC)
}

// TestMergeTwoSources reproduces spec.md scenario 1: two interleaved
// sources, zero safety margin, flushed after both are marked done.
func TestMergeTwoSources(t *testing.T) {
	s := New([]string{"A", "B"}, 0)

	s.Push(mkRecord("A", at(0)))
	s.Push(mkRecord("B", at(1)))
	s.Push(mkRecord("A", at(2)))
	s.Push(mkRecord("B", at(3)))
	s.Push(mkRecord("A", at(4)))
	s.Push(mkRecord("B", at(5)))

	s.MarkSourceDone("A")
	s.MarkSourceDone("B")

	out := s.FlushAll()
	if len(out) != 6 {
		t.Fatalf("expected 6 records, got %d", len(out))
	}
	for i := 0; i < 6; i++ {
		if out[i].Timestamp.Second() != i {
			t.Fatalf("record %d: expected second=%d, got %d", i, i, out[i].Timestamp.Second())
		}
	}
}

// TestEmitReadyRequiresAllWatermarks covers a source (B) that is
// pre-registered active at construction but has not yet pushed or
// updated a watermark -- e.g. its reader is still starting up. Nothing
// should emit until every active source has reported a watermark.
func TestEmitReadyRequiresAllWatermarks(t *testing.T) {
	s := New([]string{"A", "B"}, 0)
	s.Push(mkRecord("A", at(0)))
	s.UpdateWatermark("A", at(5))

	ready := s.EmitReady()
	if len(ready) != 0 {
		t.Fatalf("expected no ready records while B lacks a watermark, got %d", len(ready))
	}
}

func TestEmitReadyHonorsSafetyMargin(t *testing.T) {
	s := New([]string{"A"}, 2*time.Second)
	s.Push(mkRecord("A", at(0)))
	s.UpdateWatermark("A", at(1))

	// W=at(1), margin=2s => threshold = at(1) - 2s = at(-1); record at(0)
	// is NOT strictly less than threshold, so nothing should emit yet.
	ready := s.EmitReady()
	if len(ready) != 0 {
		t.Fatalf("expected no ready records yet, got %d", len(ready))
	}

	s.UpdateWatermark("A", at(4))
	// threshold = at(4) - 2s = at(2); record at(0) < at(2) => ready.
	ready = s.EmitReady()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready record, got %d", len(ready))
	}
}

func TestStableTieBreak(t *testing.T) {
	s := New([]string{"A"}, 0)
	ts := at(0)
	first := mkRecord("A", ts)
	second := mkRecord("A", ts)
	s.Push(first)
	s.Push(second)
	s.MarkSourceDone("A")

	out := s.FlushAll()
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].ID != first.ID || out[1].ID != second.ID {
		t.Fatalf("expected insertion order preserved for equal timestamps")
	}
}

func TestHierarchicalCompositeWatermark(t *testing.T) {
	h := NewHierarchical(0)
	h.Push(mkRecord("collector-1", at(0)))
	h.UpdateWatermark("collector-1", CompositeWatermark{Generation: 0, Timestamp: at(1)})

	ready := h.EmitReady()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready record, got %d", len(ready))
	}

	// After a rewind, generation advances; a record with an earlier
	// timestamp than one already emitted must still be treated as ready
	// once the new generation's watermark clears it.
	h.Push(mkRecord("collector-1", at(0)))
	h.UpdateWatermark("collector-1", CompositeWatermark{Generation: 1, Timestamp: at(1)})
	ready = h.EmitReady()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready record after rewind, got %d", len(ready))
	}
}
