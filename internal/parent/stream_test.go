package parent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aiguy110/noil/internal/collector"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatchResponse(seq uint64, generation uint64) collector.BatchesResponse {
	wm := time.Unix(int64(seq)*10+10, 0).UTC()
	return collector.BatchesResponse{
		Batches: []schema.LogBatch{{
			BatchID:     uuid.New(),
			CollectorID: "test-collector",
			Epoch:       schema.EpochInfo{Watermark: wm, Generation: generation},
			Logs:        []schema.LogRecord{{ID: uuid.New(), SourceID: "app", RawText: "hello"}},
			SequenceNum: seq,
		}},
	}
}

func newStreamAgainstHandler(t *testing.T, handler http.HandlerFunc) (*Stream, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client, err := NewClient(testEndpoint(t, srv.URL))
	require.NoError(t, err)
	return NewStream(client), srv.Close
}

func TestStreamCreation(t *testing.T) {
	stream, closeSrv := newStreamAgainstHandler(t, func(rw http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	assert.Equal(t, "test-collector", stream.CollectorID())
	assert.Equal(t, uint64(0), stream.LastSequence())
	_, ok := stream.Watermark()
	assert.False(t, ok)
}

func TestFetchNewLogsWhenClosedIsNoop(t *testing.T) {
	stream, closeSrv := newStreamAgainstHandler(t, func(rw http.ResponseWriter, r *http.Request) {
		t.Fatal("closed stream should not make requests")
	})
	defer closeSrv()

	stream.Close()
	count, err := stream.FetchNewLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	_, ok := stream.PopQueuedRecord()
	assert.False(t, ok)
}

func TestFetchNewLogsEnqueuesAndAdvancesWatermark(t *testing.T) {
	stream, closeSrv := newStreamAgainstHandler(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(testBatchResponse(3, 0))
	})
	defer closeSrv()

	count, err := stream.FetchNewLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(3), stream.LastSequence())

	wm, ok := stream.Watermark()
	require.True(t, ok)
	assert.Equal(t, time.Unix(40, 0).UTC(), wm)

	rec, ok := stream.PopQueuedRecord()
	require.True(t, ok)
	assert.Equal(t, "app", rec.SourceID)

	_, ok = stream.PopQueuedRecord()
	assert.False(t, ok)
}

func TestWatermarkComparisonFavorsGeneration(t *testing.T) {
	requests := 0
	stream, closeSrv := newStreamAgainstHandler(t, func(rw http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			json.NewEncoder(rw).Encode(testBatchResponse(1, 1))
			return
		}
		json.NewEncoder(rw).Encode(testBatchResponse(2, 0))
	})
	defer closeSrv()

	_, err := stream.FetchNewLogs(context.Background())
	require.NoError(t, err)
	first, _ := stream.WatermarkWithGeneration()
	assert.Equal(t, uint64(1), first.Generation)

	_, err = stream.FetchNewLogs(context.Background())
	require.NoError(t, err)
	second, _ := stream.WatermarkWithGeneration()
	assert.Equal(t, uint64(0), second.Generation, "watermark still advances to the reported value even if it warns about moving backward")
}

func TestResetToSequenceClearsQueueAndWatermark(t *testing.T) {
	stream, closeSrv := newStreamAgainstHandler(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(testBatchResponse(1, 0))
	})
	defer closeSrv()

	_, err := stream.FetchNewLogs(context.Background())
	require.NoError(t, err)

	stream.ResetToSequence(5)
	assert.Equal(t, uint64(5), stream.LastSequence())
	_, ok := stream.Watermark()
	assert.False(t, ok)
	_, ok = stream.PopQueuedRecord()
	assert.False(t, ok)
}

func TestStatsReflectClosedStream(t *testing.T) {
	stream, closeSrv := newStreamAgainstHandler(t, func(rw http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	stream.Close()
	stats := stream.Stats()
	assert.True(t, stats.Closed)
	assert.Equal(t, 0, stats.QueuedLogs)
}
