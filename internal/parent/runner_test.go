package parent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aiguy110/noil/internal/collector"
	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *repository.SQLiteStorage {
	t.Helper()
	st, err := repository.OpenSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.InitSchema(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeCollector serves one batch once, then empty responses,
// and records every acknowledge call it receives.
type fakeCollector struct {
	mu       sync.Mutex
	served   bool
	acked    []uint64
	rewinds  int
}

func (f *fakeCollector) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/collector/batches":
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.served {
				json.NewEncoder(rw).Encode(collector.BatchesResponse{})
				return
			}
			f.served = true
			base := time.Now().UTC().Add(-time.Minute)
			json.NewEncoder(rw).Encode(collector.BatchesResponse{
				Batches: []schema.LogBatch{{
					BatchID:     uuid.New(),
					CollectorID: "east",
					Epoch:       schema.EpochInfo{Watermark: base.Add(10 * time.Second)},
					Logs: []schema.LogRecord{
						{ID: uuid.New(), Timestamp: base, SourceID: "app", RawText: "hello 1"},
						{ID: uuid.New(), Timestamp: base.Add(time.Second), SourceID: "app", RawText: "hello 2"},
					},
					SequenceNum: 1,
				}},
			})
		case r.URL.Path == "/collector/acknowledge":
			var req collector.AcknowledgeRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.acked = append(f.acked, req.SequenceNums...)
			f.mu.Unlock()
			json.NewEncoder(rw).Encode(collector.AcknowledgeResponse{AcknowledgedCount: len(req.SequenceNums)})
		case r.URL.Path == "/collector/rewind":
			f.mu.Lock()
			f.rewinds++
			f.mu.Unlock()
			json.NewEncoder(rw).Encode(collector.RewindResult{})
		default:
			json.NewEncoder(rw).Encode(collector.StatusResponse{})
		}
	}
}

func testParentConfig(t *testing.T, collectorURL string) *config.Config {
	t.Helper()
	pollInterval := 10 * time.Millisecond
	return &config.Config{
		FiberTypes: map[string]config.FiberTypeConfig{},
		Pipeline: config.PipelineConfig{
			Backpressure: config.BackpressureConfig{BufferLimit: 100},
		},
		Storage: config.StorageConfig{BatchSize: 1000, FlushIntervalSeconds: 60},
		RemoteCollectors: &config.RemoteCollectorsConfig{
			Endpoints:    []config.RemoteCollectorEndpoint{{ID: "east", URL: collectorURL}},
			PollInterval: config.Duration{Value: &pollInterval},
			Backpressure: config.BackpressureConfig{BufferLimit: 100},
		},
	}
}

func TestNewRunnerRequiresRemoteCollectorsSection(t *testing.T) {
	_, err := NewRunner(&config.Config{}, 1, nil)
	assert.Error(t, err)
}

func TestNewRunnerRequiresAtLeastOneEndpoint(t *testing.T) {
	_, err := NewRunner(&config.Config{RemoteCollectors: &config.RemoteCollectorsConfig{}}, 1, nil)
	assert.Error(t, err)
}

func TestRunIngestsLogsFromCollectorAndAcknowledges(t *testing.T) {
	fake := &fakeCollector{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	storage := newTestStorage(t)
	cfg := testParentConfig(t, srv.URL)

	runner, err := NewRunner(cfg, 1, storage)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		logs, err := storage.QueryLogsByTime(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10, 0)
		return err == nil && len(logs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.NotEmpty(t, fake.acked)
}
