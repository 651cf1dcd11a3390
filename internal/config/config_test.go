package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aiguy110/noil/internal/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfigJSON = `{
  "sources": {
    "test_source": {
      "type": "file",
      "path": "/var/log/test.log",
      "timestamp": {
        "pattern": "^(?P<ts>\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z)",
        "format": "iso8601"
      },
      "read": { "start": "beginning", "follow": true }
    }
  },
  "fiber_types": {},
  "pipeline": {
    "backpressure": { "strategy": "block", "buffer_limit": 10000 },
    "errors": { "on_parse_error": "drop" },
    "checkpoint": { "enabled": true, "interval_seconds": 30 }
  },
  "sequencer": {
    "batch_epoch_duration": "10s",
    "watermark_safety_margin": "1s"
  },
  "storage": {
    "path": "/tmp/noil.db",
    "batch_size": 1000,
    "flush_interval_seconds": 5
  },
  "web": { "listen": "127.0.0.1:7104" }
}`

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfigFile(t, minimalConfigJSON)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.AutoSourceFibers, "auto_source_fibers should default to true when absent")
	assert.Equal(t, 10000, cfg.Pipeline.Backpressure.BufferLimit)
	assert.Equal(t, "/var/log/test.log", cfg.Sources["test_source"].Path)
	assert.Equal(t, ReadStartBeginning, cfg.Sources["test_source"].Read.Start)
	require.NotNil(t, cfg.Sequencer.BatchEpochDuration.Value)
	assert.Equal(t, 10*time.Second, *cfg.Sequencer.BatchEpochDuration.Value)
}

func TestUnknownTopLevelFieldRejected(t *testing.T) {
	bad := minimalConfigJSON[:len(minimalConfigJSON)-1] + `, "bogus_field": true}`
	path := writeConfigFile(t, bad)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestAutoSourceFibersExplicitFalse(t *testing.T) {
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(minimalConfigJSON), &raw))
	raw["auto_source_fibers"] = json.RawMessage("false")
	withFalse, err := json.Marshal(raw)
	require.NoError(t, err)

	path := writeConfigFile(t, string(withFalse))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.AutoSourceFibers)
}

func TestBackpressureBufferLimitDefault(t *testing.T) {
	var bc BackpressureConfig
	require.NoError(t, json.Unmarshal([]byte(`{"strategy": "drop"}`), &bc))
	assert.Equal(t, 10000, bc.BufferLimit)
	assert.Equal(t, BackpressureDrop, bc.Strategy)

	var bc2 BackpressureConfig
	require.NoError(t, json.Unmarshal([]byte(`{"strategy": "block", "buffer_limit": 42}`), &bc2))
	assert.Equal(t, 42, bc2.BufferLimit)
}

func TestTemporalGapModeDefault(t *testing.T) {
	var tc TemporalConfig
	require.NoError(t, json.Unmarshal([]byte(`{"max_gap": "5s"}`), &tc))
	assert.Equal(t, GapModeSession, tc.GapMode)
	require.NotNil(t, tc.MaxGap.Value)
	assert.Equal(t, 5*time.Second, *tc.MaxGap.Value)

	var tc2 TemporalConfig
	require.NoError(t, json.Unmarshal([]byte(`{"max_gap": "infinite", "gap_mode": "from_start"}`), &tc2))
	assert.Equal(t, GapModeFromStart, tc2.GapMode)
	assert.Nil(t, tc2.MaxGap.Value)
}

func TestDurationParsing(t *testing.T) {
	cases := []struct {
		in       string
		expected time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"10s", 10 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
	}
	for _, c := range cases {
		d, err := parseDuration(c.in)
		require.NoErrorf(t, err, "parsing %q", c.in)
		assert.Equalf(t, c.expected, d, "parsing %q", c.in)
	}
}

func TestDurationParsingInvalid(t *testing.T) {
	for _, bad := range []string{"", "abc", "10", "10x"} {
		_, err := parseDuration(bad)
		assert.Errorf(t, err, "expected error parsing %q", bad)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	for _, in := range []string{"500ms", "10s", "5m", "2h"} {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(`"`+in+`"`), &d))
		out, err := d.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `"`+in+`"`, string(out))
	}

	var inf Duration
	require.NoError(t, json.Unmarshal([]byte(`"infinite"`), &inf))
	assert.Nil(t, inf.Value)
	out, err := inf.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"infinite"`, string(out))
}

func TestToSourceReaderConfig(t *testing.T) {
	path := writeConfigFile(t, minimalConfigJSON)
	cfg, err := Load(path)
	require.NoError(t, err)

	rc, err := cfg.ToSourceReaderConfig("test_source")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/test.log", rc.Path)
	assert.True(t, rc.Read.Follow)

	_, err = cfg.ToSourceReaderConfig("missing")
	assert.Error(t, err)
}

func TestToFiberTypeConfig(t *testing.T) {
	withFiber := `{
		"sources": {},
		"fiber_types": {
			"test_fiber": {
				"description": "test",
				"temporal": { "max_gap": "5s", "gap_mode": "session" },
				"attributes": [
					{ "name": "req_id", "type": "string", "key": true },
					{ "name": "status", "type": "int" }
				],
				"sources": {
					"test_source": { "patterns": [ { "regex": "req=(?P<req_id>\\w+)" } ] }
				}
			}
		},
		"pipeline": {
			"backpressure": { "strategy": "block", "buffer_limit": 10000 },
			"errors": { "on_parse_error": "drop" },
			"checkpoint": { "enabled": true, "interval_seconds": 30 }
		},
		"sequencer": { "batch_epoch_duration": "10s", "watermark_safety_margin": "1s" },
		"storage": { "path": "/tmp/noil.db", "batch_size": 1000, "flush_interval_seconds": 5 },
		"web": { "listen": "127.0.0.1:7104" }
	}`
	path := writeConfigFile(t, withFiber)
	cfg, err := Load(path)
	require.NoError(t, err)

	ftc, err := cfg.ToFiberTypeConfig("test_fiber", false)
	require.NoError(t, err)
	assert.Len(t, ftc.Attributes, 2)
	assert.False(t, ftc.IsSourceFiber)
	assert.Contains(t, ftc.Sources, "test_source")

	_, err = cfg.ToFiberTypeConfig("missing", false)
	assert.Error(t, err)
}

func TestValidateDocumentRejectsMissingRequiredField(t *testing.T) {
	missingWeb := `{
		"sources": {}, "fiber_types": {},
		"pipeline": {
			"backpressure": { "strategy": "block" },
			"errors": { "on_parse_error": "drop" },
			"checkpoint": { "enabled": true, "interval_seconds": 30 }
		},
		"sequencer": { "batch_epoch_duration": "10s", "watermark_safety_margin": "1s" },
		"storage": { "path": "/tmp/noil.db", "batch_size": 1000, "flush_interval_seconds": 5 }
	}`
	err := ValidateDocument([]byte(missingWeb))
	assert.Error(t, err)
}

func TestValidateDocumentAcceptsMinimalConfig(t *testing.T) {
	err := ValidateDocument([]byte(minimalConfigJSON))
	assert.NoError(t, err)
}

func TestLoadCollectorConfigSection(t *testing.T) {
	withCollector := minimalConfigJSON[:len(minimalConfigJSON)-1] + `,
  "collector": {
    "epoch_duration": "10s",
    "buffer": { "max_epochs": 100, "strategy": "drop_oldest" },
    "checkpoint": { "enabled": true, "interval_seconds": 30 },
    "status_ui": { "enabled": true }
  }
}`
	path := writeConfigFile(t, withCollector)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Collector)
	require.NotNil(t, cfg.Collector.EpochDuration.Value)
	assert.Equal(t, 10*time.Second, *cfg.Collector.EpochDuration.Value)
	assert.Equal(t, 100, cfg.Collector.Buffer.MaxEpochs)
	assert.Equal(t, BufferStrategyDropOldest, cfg.Collector.Buffer.Strategy)
	assert.True(t, cfg.Collector.StatusUI.Enabled)
	assert.Nil(t, cfg.RemoteCollectors)
}

func TestLoadRemoteCollectorsConfigSection(t *testing.T) {
	withRemote := minimalConfigJSON[:len(minimalConfigJSON)-1] + `,
  "remote_collectors": {
    "endpoints": [
      { "id": "east", "url": "http://east.example.com:7104", "retry_interval": "5s", "timeout": "10s" },
      { "id": "west", "url": "http://west.example.com:7104" }
    ],
    "poll_interval": "1s",
    "backpressure": { "strategy": "block", "buffer_limit": 5000 }
  }
}`
	path := writeConfigFile(t, withRemote)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.RemoteCollectors)
	require.Len(t, cfg.RemoteCollectors.Endpoints, 2)
	assert.Equal(t, "east", cfg.RemoteCollectors.Endpoints[0].ID)
	assert.Equal(t, "http://east.example.com:7104", cfg.RemoteCollectors.Endpoints[0].URL)
	require.NotNil(t, cfg.RemoteCollectors.PollInterval.Value)
	assert.Equal(t, time.Second, *cfg.RemoteCollectors.PollInterval.Value)
	assert.Equal(t, 5000, cfg.RemoteCollectors.Backpressure.BufferLimit)
}

func TestBufferStrategyToBufferStrategy(t *testing.T) {
	assert.Equal(t, buffer.Block, BufferStrategyBlock.ToBufferStrategy())
	assert.Equal(t, buffer.DropOldest, BufferStrategyDropOldest.ToBufferStrategy())
	assert.Equal(t, buffer.WaitForever, BufferStrategyWaitForever.ToBufferStrategy())
}
