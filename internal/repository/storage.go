// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// StorageError distinguishes the failure classes a Storage call can report.
type StorageError struct {
	Kind string
	Msg  string
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func errDatabase(msg string) error     { return &StorageError{Kind: "Database", Msg: msg} }
func errNotFound(msg string) error     { return &StorageError{Kind: "NotFound", Msg: msg} }
func errCheckpointErr(msg string) error { return &StorageError{Kind: "Checkpoint", Msg: msg} }

// Storage is the persistence boundary the pipeline, collector, parent and
// reprocessing components all depend on. One concrete realization
// (SQLiteStorage) backs it today; nothing outside this package assumes
// sqlite3 directly.
type Storage interface {
	InitSchema(ctx context.Context) error

	WriteLogs(ctx context.Context, logs []schema.StoredLog) error
	GetLog(ctx context.Context, logID uuid.UUID) (*schema.StoredLog, error)
	QueryLogsByTime(ctx context.Context, start, end time.Time, limit, offset int) ([]schema.StoredLog, error)

	WriteFiber(ctx context.Context, fiber schema.FiberRecord) error
	UpdateFiber(ctx context.Context, fiber schema.FiberRecord) error
	GetFiber(ctx context.Context, fiberID uuid.UUID) (*schema.FiberRecord, error)
	QueryFibersByType(ctx context.Context, fiberType string, limit, offset int) ([]schema.FiberRecord, error)

	WriteMemberships(ctx context.Context, memberships []schema.FiberMembership) error
	GetLogFibers(ctx context.Context, logID uuid.UUID) ([]uuid.UUID, error)
	GetFiberLogs(ctx context.Context, fiberID uuid.UUID, limit, offset int) ([]schema.StoredLog, error)

	GetAllFiberTypes(ctx context.Context) ([]string, error)
	GetAllSourceIDs(ctx context.Context) ([]string, error)

	LoadCheckpoint(ctx context.Context) (*schema.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint schema.Checkpoint) error
	LoadCollectorCheckpoint(ctx context.Context) (*schema.CollectorCheckpoint, error)
	SaveCollectorCheckpoint(ctx context.Context, checkpoint schema.CollectorCheckpoint) error
	LoadParentCheckpoint(ctx context.Context) (*schema.ParentCheckpoint, error)
	SaveParentCheckpoint(ctx context.Context, checkpoint schema.ParentCheckpoint) error

	CloseOrphanedFibers(ctx context.Context, checkpointedFiberIDs map[uuid.UUID]struct{}) (int, error)

	DeleteFiberMemberships(ctx context.Context, configVersion uint64, start, end *time.Time) (int64, error)
	DeleteFibers(ctx context.Context, configVersion uint64) (int64, error)
	QueryLogsForReprocessing(ctx context.Context, start, end *time.Time, limit, offset int) ([]schema.StoredLog, error)
}

// SQLiteStorage is the sqlite3 realization of Storage, built on sqlx for
// scans and squirrel for the queries whose WHERE clause varies by caller
// (optional time bounds, pagination).
type SQLiteStorage struct {
	db *sqlx.DB
}

// OpenSQLiteStorage opens (creating if absent) the sqlite3 database at path.
// If the open fails because the file is locked by a process that is no
// longer running, the stale -wal/-shm sidecar files are removed and the
// open is retried once — sqlite has no per-lock PID the way the original
// DuckDB backend's lock error carried, so the retry triggers on any
// "database is locked" open failure rather than on a specific dead PID.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err == nil {
		if pingErr := db.Ping(); pingErr == nil {
			db.SetMaxOpenConns(1)
			return &SQLiteStorage{db: db}, nil
		} else {
			err = pingErr
		}
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrBusy {
		return nil, errDatabase(err.Error())
	}

	log.Warnf("sqlite database %s appears locked, removing stale sidecar files and retrying once", path)
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if rmErr := os.Remove(path + suffix); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warnf("failed to remove stale sidecar file %s%s: %v", path, suffix, rmErr)
		}
	}

	db, err = sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	if err := db.Ping(); err != nil {
		return nil, errDatabase(err.Error())
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

// NewSQLiteStorageFromDB wraps an already-opened connection, used by the
// migration-driven startup path in cmd/noil and by tests against an
// in-memory database.
func NewSQLiteStorageFromDB(db *sqlx.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS raw_logs (
			log_id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			source_id TEXT NOT NULL,
			raw_text TEXT NOT NULL,
			ingestion_time TEXT NOT NULL,
			config_version INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_raw_logs_timestamp ON raw_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_raw_logs_source ON raw_logs(source_id);

		CREATE TABLE IF NOT EXISTS fibers (
			fiber_id TEXT PRIMARY KEY,
			fiber_type TEXT NOT NULL,
			config_version INTEGER NOT NULL,
			attributes TEXT NOT NULL,
			first_activity TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			closed INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_fibers_type ON fibers(fiber_type);

		CREATE TABLE IF NOT EXISTS fiber_memberships (
			log_id TEXT NOT NULL,
			fiber_id TEXT NOT NULL,
			config_version INTEGER NOT NULL,
			PRIMARY KEY (log_id, fiber_id)
		);
		CREATE INDEX IF NOT EXISTS idx_memberships_fiber ON fiber_memberships(fiber_id);

		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			checkpoint_data TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS collector_checkpoints (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			checkpoint_data TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS parent_checkpoints (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			checkpoint_data TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) WriteLogs(ctx context.Context, logs []schema.StoredLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errDatabase(err.Error())
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO raw_logs (log_id, timestamp, source_id, raw_text, ingestion_time, config_version)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errDatabase(err.Error())
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx, l.LogID.String(), l.Timestamp.UTC().Format(time.RFC3339Nano),
			l.SourceID, l.RawText, l.IngestionTime.UTC().Format(time.RFC3339Nano), l.ConfigVersion); err != nil {
			return errDatabase(err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) GetLog(ctx context.Context, logID uuid.UUID) (*schema.StoredLog, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT log_id, timestamp, source_id, raw_text, ingestion_time, config_version
		 FROM raw_logs WHERE log_id = ?`, logID.String())
	l, err := scanStoredLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return l, nil
}

func (s *SQLiteStorage) QueryLogsByTime(ctx context.Context, start, end time.Time, limit, offset int) ([]schema.StoredLog, error) {
	query, args, err := sq.Select("log_id", "timestamp", "source_id", "raw_text", "ingestion_time", "config_version").
		From("raw_logs").
		Where(sq.And{
			sq.GtOrEq{"timestamp": start.UTC().Format(time.RFC3339Nano)},
			sq.LtOrEq{"timestamp": end.UTC().Format(time.RFC3339Nano)},
		}).
		OrderBy("timestamp").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return s.queryStoredLogs(ctx, query, args...)
}

func (s *SQLiteStorage) WriteFiber(ctx context.Context, fiber schema.FiberRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fibers (fiber_id, fiber_type, config_version, attributes, first_activity, last_activity, closed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fiber.FiberID.String(), fiber.FiberType, fiber.ConfigVersion, fiber.Attributes,
		fiber.FirstActivity.UTC().Format(time.RFC3339Nano), fiber.LastActivity.UTC().Format(time.RFC3339Nano), fiber.Closed)
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) UpdateFiber(ctx context.Context, fiber schema.FiberRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE fibers SET fiber_type = ?, config_version = ?, attributes = ?,
		 first_activity = ?, last_activity = ?, closed = ? WHERE fiber_id = ?`,
		fiber.FiberType, fiber.ConfigVersion, fiber.Attributes,
		fiber.FirstActivity.UTC().Format(time.RFC3339Nano), fiber.LastActivity.UTC().Format(time.RFC3339Nano),
		fiber.Closed, fiber.FiberID.String())
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) GetFiber(ctx context.Context, fiberID uuid.UUID) (*schema.FiberRecord, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT fiber_id, fiber_type, config_version, attributes, first_activity, last_activity, closed
		 FROM fibers WHERE fiber_id = ?`, fiberID.String())
	f, err := scanFiberRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return f, nil
}

func (s *SQLiteStorage) QueryFibersByType(ctx context.Context, fiberType string, limit, offset int) ([]schema.FiberRecord, error) {
	query, args, err := sq.Select("fiber_id", "fiber_type", "config_version", "attributes", "first_activity", "last_activity", "closed").
		From("fibers").
		Where(sq.Eq{"fiber_type": fiberType}).
		OrderBy("first_activity").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return s.queryFiberRecords(ctx, query, args...)
}

func (s *SQLiteStorage) WriteMemberships(ctx context.Context, memberships []schema.FiberMembership) error {
	if len(memberships) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errDatabase(err.Error())
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO fiber_memberships (log_id, fiber_id, config_version) VALUES (?, ?, ?)`)
	if err != nil {
		return errDatabase(err.Error())
	}
	defer stmt.Close()

	for _, m := range memberships {
		if _, err := stmt.ExecContext(ctx, m.LogID.String(), m.FiberID.String(), m.ConfigVersion); err != nil {
			return errDatabase(err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) GetLogFibers(ctx context.Context, logID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT fiber_id FROM fiber_memberships WHERE log_id = ?`, logID.String())
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errDatabase(err.Error())
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errDatabase(err.Error())
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *SQLiteStorage) GetFiberLogs(ctx context.Context, fiberID uuid.UUID, limit, offset int) ([]schema.StoredLog, error) {
	query, args, err := sq.Select("l.log_id", "l.timestamp", "l.source_id", "l.raw_text", "l.ingestion_time", "l.config_version").
		From("raw_logs l").
		Join("fiber_memberships m ON l.log_id = m.log_id").
		Where(sq.Eq{"m.fiber_id": fiberID.String()}).
		OrderBy("l.timestamp").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return s.queryStoredLogs(ctx, query, args...)
}

func (s *SQLiteStorage) GetAllFiberTypes(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT fiber_type FROM fibers ORDER BY fiber_type`)
}

func (s *SQLiteStorage) GetAllSourceIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT source_id FROM raw_logs ORDER BY source_id`)
}

func (s *SQLiteStorage) LoadCheckpoint(ctx context.Context) (*schema.Checkpoint, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint_data FROM checkpoints WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	var cp schema.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, errCheckpointErr(err.Error())
	}
	return &cp, nil
}

func (s *SQLiteStorage) SaveCheckpoint(ctx context.Context, checkpoint schema.Checkpoint) error {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return errCheckpointErr(err.Error())
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, checkpoint_data, created_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET checkpoint_data = excluded.checkpoint_data, created_at = excluded.created_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) LoadCollectorCheckpoint(ctx context.Context) (*schema.CollectorCheckpoint, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint_data FROM collector_checkpoints WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	var cp schema.CollectorCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, errCheckpointErr(err.Error())
	}
	return &cp, nil
}

func (s *SQLiteStorage) SaveCollectorCheckpoint(ctx context.Context, checkpoint schema.CollectorCheckpoint) error {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return errCheckpointErr(err.Error())
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collector_checkpoints (id, checkpoint_data, created_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET checkpoint_data = excluded.checkpoint_data, created_at = excluded.created_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

func (s *SQLiteStorage) LoadParentCheckpoint(ctx context.Context) (*schema.ParentCheckpoint, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint_data FROM parent_checkpoints WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	var cp schema.ParentCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, errCheckpointErr(err.Error())
	}
	return &cp, nil
}

func (s *SQLiteStorage) SaveParentCheckpoint(ctx context.Context, checkpoint schema.ParentCheckpoint) error {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return errCheckpointErr(err.Error())
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO parent_checkpoints (id, checkpoint_data, created_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET checkpoint_data = excluded.checkpoint_data, created_at = excluded.created_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

// CloseOrphanedFibers marks closed=1 every fiber that is open in storage
// but was not part of the loaded checkpoint's open-fiber snapshot.
func (s *SQLiteStorage) CloseOrphanedFibers(ctx context.Context, checkpointedFiberIDs map[uuid.UUID]struct{}) (int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT fiber_id FROM fibers WHERE closed = 0`)
	if err != nil {
		return 0, errDatabase(err.Error())
	}
	var openIDs []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return 0, errDatabase(err.Error())
		}
		id, err := uuid.Parse(raw)
		if err == nil {
			openIDs = append(openIDs, id)
		}
	}
	rows.Close()

	closed := 0
	for _, id := range openIDs {
		if _, ok := checkpointedFiberIDs[id]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE fibers SET closed = 1 WHERE fiber_id = ?`, id.String()); err != nil {
			return closed, errDatabase(err.Error())
		}
		closed++
	}
	return closed, nil
}

// DeleteFiberMemberships removes memberships recorded under configVersion,
// optionally restricted to logs whose timestamp falls in [start, end].
// Supports the reprocessing "clear old results" step.
func (s *SQLiteStorage) DeleteFiberMemberships(ctx context.Context, configVersion uint64, start, end *time.Time) (int64, error) {
	builder := sq.Delete("fiber_memberships").Where(sq.Eq{"config_version": configVersion})
	if start != nil && end != nil {
		builder = builder.Where(
			`log_id IN (SELECT log_id FROM raw_logs WHERE timestamp >= ? AND timestamp <= ?)`,
			start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, errDatabase(err.Error())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errDatabase(err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStorage) DeleteFibers(ctx context.Context, configVersion uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fibers WHERE config_version = ?`, configVersion)
	if err != nil {
		return 0, errDatabase(err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStorage) QueryLogsForReprocessing(ctx context.Context, start, end *time.Time, limit, offset int) ([]schema.StoredLog, error) {
	builder := sq.Select("log_id", "timestamp", "source_id", "raw_text", "ingestion_time", "config_version").
		From("raw_logs")
	if start != nil {
		builder = builder.Where(sq.GtOrEq{"timestamp": start.UTC().Format(time.RFC3339Nano)})
	}
	if end != nil {
		builder = builder.Where(sq.LtOrEq{"timestamp": end.UTC().Format(time.RFC3339Nano)})
	}
	query, args, err := builder.OrderBy("timestamp").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return s.queryStoredLogs(ctx, query, args...)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) queryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errDatabase(err.Error())
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLiteStorage) queryStoredLogs(ctx context.Context, query string, args ...interface{}) ([]schema.StoredLog, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	defer rows.Close()

	var out []schema.StoredLog
	for rows.Next() {
		l, err := scanStoredLog(rows)
		if err != nil {
			return nil, errDatabase(err.Error())
		}
		out = append(out, *l)
	}
	return out, nil
}

func (s *SQLiteStorage) queryFiberRecords(ctx context.Context, query string, args ...interface{}) ([]schema.FiberRecord, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	defer rows.Close()

	var out []schema.FiberRecord
	for rows.Next() {
		f, err := scanFiberRecord(rows)
		if err != nil {
			return nil, errDatabase(err.Error())
		}
		out = append(out, *f)
	}
	return out, nil
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStoredLog(row rowScanner) (*schema.StoredLog, error) {
	var logID, sourceID, rawText, timestampStr, ingestionStr string
	var configVersion uint64
	if err := row.Scan(&logID, &timestampStr, &sourceID, &rawText, &ingestionStr, &configVersion); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return nil, err
	}
	ingestion, err := time.Parse(time.RFC3339Nano, ingestionStr)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(logID)
	if err != nil {
		return nil, err
	}
	return &schema.StoredLog{
		LogID:         id,
		Timestamp:     ts,
		SourceID:      sourceID,
		RawText:       rawText,
		IngestionTime: ingestion,
		ConfigVersion: configVersion,
	}, nil
}

func scanFiberRecord(row rowScanner) (*schema.FiberRecord, error) {
	var fiberID, fiberType, attributes, firstStr, lastStr string
	var configVersion uint64
	var closed bool
	if err := row.Scan(&fiberID, &fiberType, &configVersion, &attributes, &firstStr, &lastStr, &closed); err != nil {
		return nil, err
	}
	first, err := time.Parse(time.RFC3339Nano, firstStr)
	if err != nil {
		return nil, err
	}
	last, err := time.Parse(time.RFC3339Nano, lastStr)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(fiberID)
	if err != nil {
		return nil, err
	}
	return &schema.FiberRecord{
		FiberID:       id,
		FiberType:     fiberType,
		ConfigVersion: configVersion,
		Attributes:    attributes,
		FirstActivity: first,
		LastActivity:  last,
		Closed:        closed,
	}, nil
}
