// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"time"

	"github.com/google/uuid"
)

const (
	CheckpointVersion          uint32 = 1
	CollectorCheckpointVersion uint32 = 1
	ParentCheckpointVersion    uint32 = 1
)

// SourceCheckpoint is the persisted cursor for one source reader.
type SourceCheckpoint struct {
	Path          string     `json:"path"`
	Offset        uint64     `json:"offset"`
	Inode         uint64     `json:"inode"`
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
}

// SequencerCheckpoint holds the per-source watermarks of a local sequencer.
type SequencerCheckpoint struct {
	Watermarks map[string]time.Time `json:"watermarks"`
}

// OpenFiberCheckpoint is the persisted form of one OpenFiber.
type OpenFiberCheckpoint struct {
	FiberID       uuid.UUID                 `json:"fiber_id"`
	Keys          map[string]string         `json:"keys"`
	Attributes    map[string]AttributeValue `json:"attributes"`
	FirstActivity time.Time                 `json:"first_activity"`
	LastActivity  time.Time                 `json:"last_activity"`
	LogIDs        []uuid.UUID               `json:"log_ids"`
}

// FiberProcessorCheckpoint is the persisted state of one fiber-type processor.
type FiberProcessorCheckpoint struct {
	OpenFibers   []OpenFiberCheckpoint `json:"open_fibers"`
	LogicalClock time.Time             `json:"logical_clock"`
}

// Checkpoint is the standalone-mode runtime snapshot.
type Checkpoint struct {
	Version         uint32                              `json:"version"`
	Timestamp       time.Time                           `json:"timestamp"`
	ConfigVersion   uint64                              `json:"config_version"`
	Sources         map[string]SourceCheckpoint          `json:"sources"`
	Sequencer       SequencerCheckpoint                  `json:"sequencer"`
	FiberProcessors map[string]FiberProcessorCheckpoint  `json:"fiber_processors"`
}

// EpochBuilderCheckpoint is the in-progress epoch of an epoch batcher, if any.
type EpochBuilderCheckpoint struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	LogCount int       `json:"log_count"`
}

// EpochBatcherCheckpoint is the persisted state of one epoch batcher.
type EpochBatcherCheckpoint struct {
	SequenceCounter  uint64                  `json:"sequence_counter"`
	RewindGeneration uint64                  `json:"rewind_generation"`
	CurrentEpoch     *EpochBuilderCheckpoint `json:"current_epoch,omitempty"`
}

// BatchBufferCheckpoint summarizes the batch buffer's retained range.
type BatchBufferCheckpoint struct {
	OldestSequence       uint64 `json:"oldest_sequence"`
	NewestSequence       uint64 `json:"newest_sequence"`
	UnacknowledgedCount  int    `json:"unacknowledged_count"`
}

// CollectorCheckpoint is the collector-mode runtime snapshot.
type CollectorCheckpoint struct {
	Version       uint32                      `json:"version"`
	Timestamp     time.Time                   `json:"timestamp"`
	ConfigVersion uint64                      `json:"config_version"`
	CollectorID   string                      `json:"collector_id"`
	Sources       map[string]SourceCheckpoint `json:"sources"`
	Sequencer     SequencerCheckpoint         `json:"sequencer"`
	EpochBatcher  EpochBatcherCheckpoint      `json:"epoch_batcher"`
	BatchBuffer   BatchBufferCheckpoint       `json:"batch_buffer"`
}

// CollectorSequencerCheckpoint tracks one upstream collector stream as
// observed by a parent.
type CollectorSequencerCheckpoint struct {
	CollectorID             string     `json:"collector_id"`
	LastSequence            uint64     `json:"last_sequence"`
	LastAcknowledgedSequence uint64    `json:"last_acknowledged_sequence"`
	Watermark               *time.Time `json:"watermark,omitempty"`
}

// ParentCheckpoint is the parent-mode runtime snapshot.
type ParentCheckpoint struct {
	Version         uint32                              `json:"version"`
	Timestamp       time.Time                           `json:"timestamp"`
	ConfigVersion   uint64                              `json:"config_version"`
	Collectors      map[string]CollectorSequencerCheckpoint `json:"collectors"`
	Sequencer       SequencerCheckpoint                 `json:"sequencer"`
	FiberProcessors map[string]FiberProcessorCheckpoint  `json:"fiber_processors"`
}
