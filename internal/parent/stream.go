package parent

import (
	"context"
	"time"

	"github.com/aiguy110/noil/internal/sequencer"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
)

// defaultFetchLimit bounds how many batches Stream pulls per fetch.
const defaultFetchLimit = 10

// Stream adapts one collector as a source-like feed for hierarchical
// sequencing, the same way source.Reader adapts a file for local
// sequencing: it is not safe for concurrent use and must be owned by a
// single goroutine, the one that calls FetchNewLogs/PopQueuedRecord.
type Stream struct {
	collectorID string
	client      *Client

	lastSequence uint64
	hasWatermark bool
	watermark    sequencer.CompositeWatermark

	queue      []schema.LogRecord
	fetchLimit int
	closed     bool
	hasFetched bool
}

// NewStream builds a Stream around client.
func NewStream(client *Client) *Stream {
	return &Stream{
		collectorID: client.CollectorID(),
		client:      client,
		fetchLimit:  defaultFetchLimit,
	}
}

// CollectorID returns the identifier of the collector this stream polls.
func (s *Stream) CollectorID() string { return s.collectorID }

// LastSequence returns the highest batch sequence number seen so far.
func (s *Stream) LastSequence() uint64 { return s.lastSequence }

// Watermark returns the timestamp component of the stream's composite
// watermark, or false if no batch has been fetched yet.
func (s *Stream) Watermark() (time.Time, bool) {
	return s.watermark.Timestamp, s.hasWatermark
}

// WatermarkWithGeneration returns the full composite watermark used for
// lexicographic comparison across rewinds.
func (s *Stream) WatermarkWithGeneration() (sequencer.CompositeWatermark, bool) {
	return s.watermark, s.hasWatermark
}

// Close marks the stream closed; further FetchNewLogs calls are no-ops.
func (s *Stream) Close() {
	s.closed = true
	s.queue = nil
}

// ResetToSequence seeds the stream to resume polling after sequence,
// discarding any queued records and watermark. Used to recover a
// parent's in-memory stream state from a loaded checkpoint.
func (s *Stream) ResetToSequence(sequence uint64) {
	s.lastSequence = sequence
	s.queue = nil
	s.hasWatermark = false
	s.watermark = sequencer.CompositeWatermark{}
	s.hasFetched = true
	log.Infof("collector stream %s: reset to sequence %d", s.collectorID, sequence)
}

// FetchNewLogs polls the collector for batches after the last one seen
// and enqueues their logs, returning the count newly enqueued. It is a
// no-op once the stream is closed.
func (s *Stream) FetchNewLogs(ctx context.Context) (int, error) {
	if s.closed {
		return 0, nil
	}
	return s.fetchBatch(ctx)
}

// PopQueuedRecord dequeues one record without fetching new batches,
// reporting false once the queue is empty.
func (s *Stream) PopQueuedRecord() (schema.LogRecord, bool) {
	if len(s.queue) == 0 {
		return schema.LogRecord{}, false
	}
	rec := s.queue[0]
	s.queue = s.queue[1:]
	return rec, true
}

func (s *Stream) fetchBatch(ctx context.Context) (int, error) {
	var after *uint64
	if s.hasFetched {
		seq := s.lastSequence
		after = &seq
	}

	resp, err := s.client.GetBatches(ctx, after, s.fetchLimit)
	if err != nil {
		return 0, err
	}
	if len(resp.Batches) == 0 {
		return 0, nil
	}

	s.hasFetched = true

	newlyEnqueued := 0
	for _, batch := range resp.Batches {
		newWatermark := sequencer.CompositeWatermark{Generation: batch.Epoch.Generation, Timestamp: batch.Epoch.Watermark}
		if s.hasWatermark && newWatermark.Less(s.watermark) {
			log.Warnf("collector stream %s: watermark moved backward (generation %d->%d); expected after a rewind",
				s.collectorID, s.watermark.Generation, newWatermark.Generation)
		}
		s.watermark = newWatermark
		s.hasWatermark = true

		s.queue = append(s.queue, batch.Logs...)
		newlyEnqueued += len(batch.Logs)
		s.lastSequence = batch.SequenceNum
	}

	return newlyEnqueued, nil
}

// StreamStats reports a point-in-time snapshot of one Stream.
type StreamStats struct {
	CollectorID  string
	LastSequence uint64
	QueuedLogs   int
	HasWatermark bool
	Watermark    sequencer.CompositeWatermark
	Closed       bool
}

// Stats returns a snapshot of the stream's current state.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		CollectorID:  s.collectorID,
		LastSequence: s.lastSequence,
		QueuedLogs:   len(s.queue),
		HasWatermark: s.hasWatermark,
		Watermark:    s.watermark,
		Closed:       s.closed,
	}
}
