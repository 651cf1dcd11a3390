package buffer

import (
	"testing"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

func makeBatch(seq uint64) schema.LogBatch {
	ts := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	return schema.LogBatch{
		BatchID:     uuid.New(),
		CollectorID: "test",
		Epoch: schema.EpochInfo{
			Start:     ts,
			End:       ts.Add(10 * time.Second),
			Watermark: ts.Add(10 * time.Second),
		},
		ConfigVersion: 1,
		SequenceNum:   seq,
	}
}

func u64(v uint64) *uint64 { return &v }

func TestBufferRespectsMaxEpochsBlock(t *testing.T) {
	b := New(3, Block)

	for i := uint64(0); i < 3; i++ {
		if err := b.Push(makeBatch(i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := b.Push(makeBatch(3)); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}

	s := b.Stats()
	if s.CurrentEpochs != 3 || s.MaxEpochs != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestDropOldestStrategy(t *testing.T) {
	b := New(3, DropOldest)
	for i := uint64(0); i < 3; i++ {
		b.Push(makeBatch(i))
	}
	if err := b.Push(makeBatch(3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := b.Stats()
	if s.CurrentEpochs != 3 {
		t.Fatalf("expected 3 batches, got %d", s.CurrentEpochs)
	}
	if s.OldestSequence != 1 || s.NewestSequence != 3 {
		t.Fatalf("unexpected sequence range: %+v", s)
	}
}

func TestWaitForeverStrategy(t *testing.T) {
	b := New(3, WaitForever)
	for i := uint64(0); i < 5; i++ {
		b.Push(makeBatch(i))
	}
	s := b.Stats()
	if s.CurrentEpochs != 5 {
		t.Fatalf("expected 5 batches, got %d", s.CurrentEpochs)
	}
	if s.MaxEpochs != 3 {
		t.Fatalf("max_epochs is just a hint, expected 3, got %d", s.MaxEpochs)
	}
}

func TestGetBatchesFiltersCorrectly(t *testing.T) {
	b := New(10, Block)
	b.Push(makeBatch(5))
	b.Push(makeBatch(10))
	b.Push(makeBatch(15))
	b.Push(makeBatch(20))

	got := b.GetBatches(u64(10), 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(got))
	}
	if got[0].SequenceNum != 15 || got[1].SequenceNum != 20 {
		t.Fatalf("unexpected batches: %+v", got)
	}
}

func TestGetBatchesFromBeginning(t *testing.T) {
	b := New(10, Block)
	b.Push(makeBatch(0))
	b.Push(makeBatch(1))

	got := b.GetBatches(nil, 10)
	if len(got) != 2 {
		t.Fatalf("expected all batches from the beginning, got %d", len(got))
	}
}

func TestGetBatchesRespectsLimit(t *testing.T) {
	b := New(10, Block)
	for i := uint64(0); i < 4; i++ {
		b.Push(makeBatch(i))
	}

	got := b.GetBatches(u64(0), 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(got))
	}
	if got[0].SequenceNum != 1 || got[1].SequenceNum != 2 {
		t.Fatalf("unexpected batches: %+v", got)
	}
}

func TestAcknowledgeAndCompact(t *testing.T) {
	b := New(10, Block)
	for i := uint64(0); i < 4; i++ {
		b.Push(makeBatch(i))
	}

	if n := b.Acknowledge([]uint64{0, 2}); n != 2 {
		t.Fatalf("expected 2 acknowledged, got %d", n)
	}

	if s := b.Stats(); s.AcknowledgedCount != 2 {
		t.Fatalf("expected acknowledged count 2, got %d", s.AcknowledgedCount)
	}

	if removed := b.Compact(); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	s := b.Stats()
	if s.CurrentEpochs != 2 || s.OldestSequence != 1 || s.NewestSequence != 3 {
		t.Fatalf("unexpected stats after compact: %+v", s)
	}
	if s.AcknowledgedCount != 0 {
		t.Fatalf("expected acknowledged set cleared after compaction, got %d", s.AcknowledgedCount)
	}
}

func TestIdempotentAcknowledge(t *testing.T) {
	b := New(10, Block)
	b.Push(makeBatch(0))

	b.Acknowledge([]uint64{0})
	b.Acknowledge([]uint64{0})
	b.Acknowledge([]uint64{0})

	if s := b.Stats(); s.AcknowledgedCount != 1 {
		t.Fatalf("expected acknowledging the same sequence repeatedly to be idempotent, got count %d", s.AcknowledgedCount)
	}
}

func TestStatsAccuracyEmpty(t *testing.T) {
	b := New(10, Block)
	s := b.Stats()
	if s.CurrentEpochs != 0 || s.OldestSequence != 0 || s.NewestSequence != 0 {
		t.Fatalf("expected zeroed stats on empty buffer, got %+v", s)
	}
}

func TestClear(t *testing.T) {
	b := New(10, Block)
	b.Push(makeBatch(0))
	b.Push(makeBatch(1))
	b.Acknowledge([]uint64{0})

	b.Clear()

	s := b.Stats()
	if s.CurrentEpochs != 0 || s.AcknowledgedCount != 0 {
		t.Fatalf("expected empty buffer after clear, got %+v", s)
	}
}
