package standalone

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/repository"
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

const isoPattern = `^(?P<ts>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z)`

func writeLogFile(t *testing.T, lines ...string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "standalone-test-*.log")
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	return f.Name()
}

func testConfig(t *testing.T, logPath string) *config.Config {
	t.Helper()
	return &config.Config{
		Sources: map[string]config.SourceConfig{
			"app": {
				Path:      logPath,
				Timestamp: config.TimestampConfig{Pattern: isoPattern, Format: "iso8601"},
				Read:      config.ReadConfig{Start: config.ReadStartBeginning, Follow: false},
			},
		},
		FiberTypes:       map[string]config.FiberTypeConfig{},
		AutoSourceFibers: true,
		Pipeline: config.PipelineConfig{
			Backpressure: config.BackpressureConfig{BufferLimit: 100},
			Errors:       config.ErrorConfig{OnParseError: config.ParseErrorDrop},
		},
		Storage: config.StorageConfig{BatchSize: 1000, FlushIntervalSeconds: 60},
	}
}

func TestNewRunnerRequiresAtLeastOneSource(t *testing.T) {
	_, err := NewRunner(&config.Config{}, 1, nil)
	assert.Error(t, err)
}

func TestRunIngestsLogsFromFileAndExitsAtEOF(t *testing.T) {
	path := writeLogFile(t,
		"2025-12-04T10:00:00Z First log line",
		"2025-12-04T10:00:01Z Second log line",
	)
	storage := newTestStorage(t)
	cfg := testConfig(t, path)

	runner, err := NewRunner(cfg, 1, storage)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, runner.Run(ctx))

	logs, err := storage.QueryLogsByTime(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	fibers, err := storage.QueryFibersByType(context.Background(), "app", 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, fibers, "auto_source_fibers should have produced a fiber for source app")
}

func TestRunDrainsOnContextCancelWhenFollowing(t *testing.T) {
	path := writeLogFile(t, "2025-12-04T10:00:00Z only line")
	storage := newTestStorage(t)
	cfg := testConfig(t, path)
	cfg.Sources["app"] = config.SourceConfig{
		Path:      path,
		Timestamp: config.TimestampConfig{Pattern: isoPattern, Format: "iso8601"},
		Read:      config.ReadConfig{Start: config.ReadStartBeginning, Follow: true},
	}

	runner, err := NewRunner(cfg, 1, storage)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		logs, err := storage.QueryLogsByTime(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10, 0)
		return err == nil && len(logs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}
