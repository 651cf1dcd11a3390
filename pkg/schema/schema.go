// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema holds the shared data transfer types for log records,
// epochs/batches, fibers and their storage projections.
package schema

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// LogRecord is one logical log entry produced by a source reader or
// decoded from a received LogBatch.
type LogRecord struct {
	ID         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SourceID   string    `json:"source_id"`
	RawText    string    `json:"raw_text"`
	FileOffset uint64    `json:"file_offset"`
}

// EpochInfo describes the time window and watermark of a LogBatch.
type EpochInfo struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Watermark  time.Time `json:"watermark"`
	Generation uint64    `json:"generation"`
}

// LogBatch is the unit of transport between a collector and a parent.
type LogBatch struct {
	BatchID      uuid.UUID   `json:"batch_id"`
	CollectorID  string      `json:"collector_id"`
	Epoch        EpochInfo   `json:"epoch"`
	Logs         []LogRecord `json:"logs"`
	ConfigVersion uint64     `json:"config_version"`
	SequenceNum  uint64      `json:"sequence_num"`
}

// AttributeType is the tagged-union discriminant for AttributeValue.
type AttributeType string

const (
	AttributeString AttributeType = "string"
	AttributeIP     AttributeType = "ip"
	AttributeMAC    AttributeType = "mac"
	AttributeInt    AttributeType = "int"
	AttributeFloat  AttributeType = "float"
)

// AttributeValue is a typed value bound to a fiber attribute. Exactly one
// of the fields is meaningful, selected by Type.
type AttributeValue struct {
	Type   AttributeType `json:"type"`
	Str    string        `json:"str,omitempty"`
	Int    int64         `json:"int,omitempty"`
	Float  float64       `json:"float,omitempty"`
}

// AsKeyString renders the value the way it is used as a fiber key or
// stored in a JSON attribute blob.
func (v AttributeValue) AsKeyString() string {
	switch v.Type {
	case AttributeInt:
		return formatInt(v.Int)
	case AttributeFloat:
		return formatFloat(v.Float)
	default:
		return v.Str
	}
}

// StoredLog is the durable projection of a LogRecord.
type StoredLog struct {
	LogID         uuid.UUID `db:"log_id" json:"log_id"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
	SourceID      string    `db:"source_id" json:"source_id"`
	RawText       string    `db:"raw_text" json:"raw_text"`
	IngestionTime time.Time `db:"ingestion_time" json:"ingestion_time"`
	ConfigVersion uint64    `db:"config_version" json:"config_version"`
}

// FiberRecord is the durable projection of an OpenFiber.
type FiberRecord struct {
	FiberID       uuid.UUID `db:"fiber_id" json:"fiber_id"`
	FiberType     string    `db:"fiber_type" json:"fiber_type"`
	ConfigVersion uint64    `db:"config_version" json:"config_version"`
	Attributes    string    `db:"attributes" json:"attributes"` // JSON-encoded map[string]AttributeValue
	FirstActivity time.Time `db:"first_activity" json:"first_activity"`
	LastActivity  time.Time `db:"last_activity" json:"last_activity"`
	Closed        bool      `db:"closed" json:"closed"`
}

// FiberMembership is the many-to-many relationship between logs and fibers.
type FiberMembership struct {
	LogID         uuid.UUID `db:"log_id" json:"log_id"`
	FiberID       uuid.UUID `db:"fiber_id" json:"fiber_id"`
	ConfigVersion uint64    `db:"config_version" json:"config_version"`
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
