// Package config loads and validates the pipeline's single JSON
// configuration document: source tailing policy, fiber type rules,
// backpressure/error/checkpoint policy, sequencer timing, storage, and
// the web listener.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
)

// Config is the root configuration document.
type Config struct {
	Sources          map[string]SourceConfig    `json:"sources"`
	FiberTypes       map[string]FiberTypeConfig `json:"fiber_types"`
	AutoSourceFibers bool                       `json:"auto_source_fibers"`
	Pipeline         PipelineConfig             `json:"pipeline"`
	Sequencer        SequencerConfig            `json:"sequencer"`
	Storage          StorageConfig              `json:"storage"`
	Web              WebConfig                  `json:"web"`

	// Collector and RemoteCollectors hold role-specific settings. Their
	// presence does not select a role: cmd/noil's CLI flags do that, per
	// the Deviation recorded in DESIGN.md. A standalone or parent run
	// simply never reads Collector; a non-parent run never reads
	// RemoteCollectors.
	Collector        *CollectorConfig        `json:"collector,omitempty"`
	RemoteCollectors *RemoteCollectorsConfig `json:"remote_collectors,omitempty"`

	// ConfigVersion is a collaborator-supplied monotonic version number,
	// plumbed through to StoredLog/FiberRecord rows. It is not part of
	// the on-disk document; set it explicitly after Load.
	ConfigVersion uint64 `json:"-"`
}

// UnmarshalJSON applies the "auto_source_fibers defaults to true"
// default before decoding, since Go's zero value for bool is false.
func (c *Config) UnmarshalJSON(b []byte) error {
	type alias Config
	aux := alias{AutoSourceFibers: true}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	*c = Config(aux)
	return nil
}

// SourceType discriminates the kind of a source. Only "file" exists
// today; the field is still explicit so new source kinds don't require
// a config format break.
type SourceType string

const (
	SourceTypeFile SourceType = "file"
)

// SourceConfig is one named log source to tail.
type SourceConfig struct {
	Type      SourceType      `json:"type"`
	Path      string          `json:"path"`
	Timestamp TimestampConfig `json:"timestamp"`
	Read      ReadConfig      `json:"read"`
}

// TimestampConfig is the regex/layout pair used to extract a record's
// timestamp from its first line.
type TimestampConfig struct {
	Pattern string `json:"pattern"`
	Format  string `json:"format"`
}

// ReadStart selects where a freshly opened source begins reading.
type ReadStart string

const (
	ReadStartBeginning    ReadStart = "beginning"
	ReadStartEnd          ReadStart = "end"
	ReadStartStoredOffset ReadStart = "stored_offset"
)

// ReadConfig is the read-mode policy for one source.
type ReadConfig struct {
	Start  ReadStart `json:"start"`
	Follow bool      `json:"follow"`
}

// FiberTypeConfig is the raw, user-authored definition of one fiber
// type: its idle-timeout policy, its attribute schema, and the
// per-source patterns that open/extend/close its fibers.
type FiberTypeConfig struct {
	Description *string                      `json:"description"`
	Temporal    TemporalConfig               `json:"temporal"`
	Attributes  []AttributeConfig            `json:"attributes"`
	Sources     map[string]FiberSourceConfig `json:"sources"`
}

// GapMode selects what timestamp a fiber's idle timeout is measured
// against: the running session's last activity, or the fiber's first.
type GapMode string

const (
	GapModeSession   GapMode = "session"
	GapModeFromStart GapMode = "from_start"
)

// TemporalConfig is a fiber type's idle-timeout policy. MaxGap is nil
// (wire value "infinite") for fiber types that never time out.
type TemporalConfig struct {
	MaxGap  Duration `json:"max_gap"`
	GapMode GapMode  `json:"gap_mode"`
}

// UnmarshalJSON applies the "gap_mode defaults to session" default.
func (t *TemporalConfig) UnmarshalJSON(b []byte) error {
	type alias TemporalConfig
	aux := alias{GapMode: GapModeSession}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = TemporalConfig(aux)
	return nil
}

// AttributeConfig describes one attribute a fiber type carries: its
// name, its value type, whether it participates in fiber identity, and
// an optional "${other}..." derivation template.
type AttributeConfig struct {
	Name    string               `json:"name"`
	Type    schema.AttributeType `json:"type"`
	Key     bool                 `json:"key"`
	Derived *string              `json:"derived"`
}

// FiberSourceConfig lists the patterns a fiber type matches against
// lines from one source.
type FiberSourceConfig struct {
	Patterns []PatternConfig `json:"patterns"`
}

// PatternConfig is one regex and the release/close behavior it
// triggers on match.
type PatternConfig struct {
	Regex                   string   `json:"regex"`
	ReleaseMatchingPeerKeys []string `json:"release_matching_peer_keys"`
	ReleaseSelfKeys         []string `json:"release_self_keys"`
	Close                   bool     `json:"close"`
}

// PipelineConfig is the ingestion pipeline's backpressure, error, and
// checkpointing policy.
type PipelineConfig struct {
	Backpressure BackpressureConfig `json:"backpressure"`
	Errors       ErrorConfig        `json:"errors"`
	Checkpoint   CheckpointConfig   `json:"checkpoint"`
}

// BackpressureStrategy selects how the processor stage reacts when the
// writer stage falls behind.
type BackpressureStrategy string

const (
	BackpressureBlock          BackpressureStrategy = "block"
	BackpressureDrop           BackpressureStrategy = "drop"
	BackpressureBufferInMemory BackpressureStrategy = "buffer_in_memory"
)

// BackpressureConfig is the processor/writer backpressure policy.
type BackpressureConfig struct {
	Strategy    BackpressureStrategy `json:"strategy"`
	BufferLimit int                  `json:"buffer_limit"`
}

// UnmarshalJSON applies the "buffer_limit defaults to 10000" default.
func (b *BackpressureConfig) UnmarshalJSON(data []byte) error {
	type alias BackpressureConfig
	aux := alias{BufferLimit: 10000}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = BackpressureConfig(aux)
	return nil
}

// ParseErrorStrategy controls what happens to a log line a source
// reader cannot classify as a new record or a continuation.
type ParseErrorStrategy string

const (
	ParseErrorDrop  ParseErrorStrategy = "drop"
	ParseErrorPanic ParseErrorStrategy = "panic"
)

// ErrorConfig is the pipeline's parse-error handling policy.
type ErrorConfig struct {
	OnParseError ParseErrorStrategy `json:"on_parse_error"`
}

// CheckpointConfig is the pipeline's periodic checkpoint-save policy.
type CheckpointConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds uint64 `json:"interval_seconds"`
}

// SequencerConfig is the watermark sequencer's batching and safety
// margin policy. Both fields are nil (wire value "infinite") to mean
// "no bound".
type SequencerConfig struct {
	BatchEpochDuration    Duration `json:"batch_epoch_duration"`
	WatermarkSafetyMargin Duration `json:"watermark_safety_margin"`
}

// BufferStrategy selects the collector batch buffer's overflow policy.
type BufferStrategy string

const (
	BufferStrategyBlock       BufferStrategy = "block"
	BufferStrategyDropOldest  BufferStrategy = "drop_oldest"
	BufferStrategyWaitForever BufferStrategy = "wait_forever"
)

// CollectorBufferConfig is the collector's retained-batch queue policy.
type CollectorBufferConfig struct {
	MaxEpochs int            `json:"max_epochs"`
	Strategy  BufferStrategy `json:"strategy"`
}

// StatusUIConfig toggles the collector's human-readable status page.
type StatusUIConfig struct {
	Enabled bool `json:"enabled"`
}

// CollectorConfig is read only by a process started in collector mode
// (selected via a cmd/noil CLI flag, not by this section's presence).
type CollectorConfig struct {
	EpochDuration Duration              `json:"epoch_duration"`
	Buffer        CollectorBufferConfig `json:"buffer"`
	Checkpoint    CheckpointConfig      `json:"checkpoint"`
	StatusUI      StatusUIConfig        `json:"status_ui"`
}

// RemoteCollectorEndpoint is one collector a parent process polls.
type RemoteCollectorEndpoint struct {
	ID            string   `json:"id"`
	URL           string   `json:"url"`
	RetryInterval Duration `json:"retry_interval"`
	Timeout       Duration `json:"timeout"`
}

// RemoteCollectorsConfig is read only by a process started in parent
// mode (selected via a cmd/noil CLI flag, not by this section's
// presence).
type RemoteCollectorsConfig struct {
	Endpoints    []RemoteCollectorEndpoint `json:"endpoints"`
	PollInterval Duration                  `json:"poll_interval"`
	Backpressure BackpressureConfig        `json:"backpressure"`
}

// StorageConfig is the database backend's path and write-batching
// policy.
type StorageConfig struct {
	Path                 string `json:"path"`
	BatchSize            int    `json:"batch_size"`
	FlushIntervalSeconds uint64 `json:"flush_interval_seconds"`
}

// WebConfig is the collector/status HTTP listener's address.
type WebConfig struct {
	Listen string `json:"listen"`
}

// Duration is a JSON-string duration ("500ms", "10s", "5m", "2h", or
// "infinite" for no bound), matching the wire format used throughout
// the fiber-type, sequencer, and pipeline configuration. A nil Value
// means "infinite".
type Duration struct {
	Value *time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.Value == nil {
		return json.Marshal("infinite")
	}
	return json.Marshal(formatDuration(*d.Value))
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "infinite" {
		d.Value = nil
		return nil
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	d.Value = &v
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	var numPart, unit string
	switch {
	case strings.HasSuffix(s, "ms"):
		numPart, unit = s[:len(s)-2], "ms"
	case strings.HasSuffix(s, "s"):
		numPart, unit = s[:len(s)-1], "s"
	case strings.HasSuffix(s, "m"):
		numPart, unit = s[:len(s)-1], "m"
	case strings.HasSuffix(s, "h"):
		numPart, unit = s[:len(s)-1], "h"
	default:
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}

	value, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", numPart)
	}

	switch unit {
	case "ms":
		return time.Duration(value) * time.Millisecond, nil
	case "s":
		return time.Duration(value) * time.Second, nil
	case "m":
		return time.Duration(value) * time.Minute, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}

func formatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case secs > 0 && secs%3600 == 0:
		return fmt.Sprintf("%dh", secs/3600)
	case secs > 0 && secs%60 == 0:
		return fmt.Sprintf("%dm", secs/60)
	case secs > 0:
		return fmt.Sprintf("%ds", secs)
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// Load reads and decodes the JSON config file at path, rejecting
// unknown top-level fields the same way the teacher's program config
// loader does.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadAndValidate reads the JSON config file at path, validates it
// against the config JSON schema, and decodes it into a Config. Use
// this at process startup; use Load directly where schema validation
// has already happened or isn't wanted (tests, fixtures).
func LoadAndValidate(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return &cfg, nil
}
