// Package source implements the single-file tailing reader: grouping
// multi-line log entries, following rotated files, and tracking the
// checkpoint offset and watermark needed to resume safely.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/aiguy110/noil/internal/timestamp"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/google/uuid"
)

// ParseErrorStrategy controls what happens when a line can neither be
// parsed as a new record nor appended as a continuation of the current one.
type ParseErrorStrategy string

const (
	ParseErrorDrop  ParseErrorStrategy = "drop"
	ParseErrorPanic ParseErrorStrategy = "panic"
)

// ReadStart selects where a freshly opened file should begin reading from.
type ReadStart string

const (
	ReadBeginning    ReadStart = "beginning"
	ReadEnd          ReadStart = "end"
	ReadStoredOffset ReadStart = "stored_offset"
)

// ReadConfig is the read-mode policy for one source.
type ReadConfig struct {
	Start  ReadStart
	Follow bool
}

// Config is the per-source configuration a Reader is built from.
type Config struct {
	Path              string
	TimestampPattern  string
	TimestampFormat   timestamp.Format
	Read              ReadConfig
}

// ParseError reports a line that could not be classified as a new
// record or a continuation, under ParseErrorPanic.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %s", e.Line) }

type bufferedLine struct {
	text        string
	timestamp   time.Time
	startOffset uint64
}

// Reader tails one log file, grouping continuation lines into their
// owning record and emitting schema.LogRecord values in file order.
type Reader struct {
	sourceID           string
	path               string
	extractor          *timestamp.Extractor
	readConfig         ReadConfig
	parseErrorStrategy ParseErrorStrategy

	file             *os.File
	bufReader        *bufio.Reader
	currentOffset    uint64
	buffered         *bufferedLine
	lastWatermark    *time.Time
	lastEmittedOffset uint64
	fileInode        *uint64
}

// New creates a Reader for the given source id and config.
func New(sourceID string, cfg Config, parseErrorStrategy ParseErrorStrategy) (*Reader, error) {
	extractor, err := timestamp.New(cfg.TimestampPattern, string(cfg.TimestampFormat))
	if err != nil {
		return nil, err
	}
	return &Reader{
		sourceID:           sourceID,
		path:               cfg.Path,
		extractor:          extractor,
		readConfig:         cfg.Read,
		parseErrorStrategy: parseErrorStrategy,
	}, nil
}

// NewWithOffset creates a Reader that resumes from a checkpointed
// offset, overriding the configured read-start policy.
func NewWithOffset(sourceID string, cfg Config, parseErrorStrategy ParseErrorStrategy, offset uint64) (*Reader, error) {
	r, err := New(sourceID, cfg, parseErrorStrategy)
	if err != nil {
		return nil, err
	}
	r.currentOffset = offset
	r.lastEmittedOffset = offset
	r.readConfig.Start = ReadStoredOffset
	return r, nil
}

// SourceID returns this reader's source id.
func (r *Reader) SourceID() string { return r.sourceID }

// Path returns the file path this reader tails.
func (r *Reader) Path() string { return r.path }

// Open opens the underlying file and seeks according to the read-start policy.
func (r *Reader) Open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	inode := getInode(info)
	r.fileInode = &inode

	switch r.readConfig.Start {
	case ReadEnd:
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return err
		}
		r.currentOffset = uint64(end)
	case ReadStoredOffset:
		if _, err := f.Seek(int64(r.currentOffset), io.SeekStart); err != nil {
			f.Close()
			return err
		}
	default: // ReadBeginning
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		r.currentOffset = 0
	}

	r.file = f
	r.bufReader = bufio.NewReader(f)
	return nil
}

func (r *Reader) close() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.bufReader = nil
	}
}

// NextRecord reads and returns the next complete log record, blocking
// (subject to ctx cancellation) to wait for new content when following
// is enabled. Returns ok=false with a nil error at real EOF when not
// following.
func (r *Reader) NextRecord(ctx context.Context) (schema.LogRecord, bool, error) {
	for {
		if r.file == nil {
			if err := r.Open(); err != nil {
				return schema.LogRecord{}, false, err
			}
		}

		line, bytesRead, err := readLine(r.bufReader)
		if err != nil && err != io.EOF {
			return schema.LogRecord{}, false, err
		}

		if bytesRead == 0 {
			if r.buffered != nil {
				rec := r.emitBuffered(r.currentOffset)
				return rec, true, nil
			}

			if r.readConfig.Follow {
				rotated, err := r.checkFileRotation()
				if err != nil {
					return schema.LogRecord{}, false, err
				}
				if rotated {
					r.close()
					r.currentOffset = 0
					continue
				}

				select {
				case <-ctx.Done():
					return schema.LogRecord{}, false, ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			return schema.LogRecord{}, false, nil
		}

		lineStartOffset := r.currentOffset
		r.currentOffset += uint64(bytesRead)
		line = strings.TrimRight(line, "\n\r")

		ts, matched, extractErr := r.extractor.Extract(line)
		if extractErr != nil {
			switch r.parseErrorStrategy {
			case ParseErrorPanic:
				return schema.LogRecord{}, false, extractErr
			default:
				continue
			}
		}

		if matched {
			if r.buffered != nil {
				rec := r.emitBuffered(lineStartOffset)
				r.buffered = &bufferedLine{text: line, timestamp: ts, startOffset: lineStartOffset}
				return rec, true, nil
			}
			r.buffered = &bufferedLine{text: line, timestamp: ts, startOffset: lineStartOffset}
			continue
		}

		isContinuation := len(line) > 0 && unicode.IsSpace(rune(line[0]))
		if isContinuation {
			if r.buffered != nil {
				r.buffered.text += "\n" + line
				continue
			}
			switch r.parseErrorStrategy {
			case ParseErrorPanic:
				return schema.LogRecord{}, false, &ParseError{Line: "continuation line without initial timestamp: " + line}
			default:
				continue
			}
		}

		switch r.parseErrorStrategy {
		case ParseErrorPanic:
			return schema.LogRecord{}, false, &ParseError{Line: "line without timestamp: " + line}
		default:
			continue
		}
	}
}

func (r *Reader) emitBuffered(checkpointOffset uint64) schema.LogRecord {
	b := r.buffered
	r.buffered = nil
	rec := schema.LogRecord{
		ID:         uuid.New(),
		Timestamp:  b.timestamp,
		SourceID:   r.sourceID,
		RawText:    b.text,
		FileOffset: b.startOffset,
	}
	wm := rec.Timestamp
	r.lastWatermark = &wm
	r.lastEmittedOffset = checkpointOffset
	return rec
}

// readLine reads up to and including the next '\n', mirroring
// BufRead::read_line: at EOF it returns whatever bytes were read even
// without a trailing newline, and only reports true EOF (0 bytes) once
// nothing at all is available.
func readLine(br *bufio.Reader) (string, int, error) {
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", 0, err
	}
	if len(line) == 0 {
		return "", 0, io.EOF
	}
	return line, len(line), nil
}

// Watermark returns the timestamp of the most recently emitted record.
func (r *Reader) Watermark() (time.Time, bool) {
	if r.lastWatermark == nil {
		return time.Time{}, false
	}
	return *r.lastWatermark, true
}

// CheckpointOffset returns the byte offset to resume from after the
// last emitted record.
func (r *Reader) CheckpointOffset() uint64 { return r.lastEmittedOffset }

// FileInode returns the inode of the currently open file, if known.
func (r *Reader) FileInode() (uint64, bool) {
	if r.fileInode == nil {
		return 0, false
	}
	return *r.fileInode, true
}

func (r *Reader) checkFileRotation() (bool, error) {
	if r.fileInode == nil {
		return false, nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return getInode(info) != *r.fileInode, nil
}

// Checkpoint captures this reader's resumable state.
func (r *Reader) Checkpoint() schema.SourceCheckpoint {
	cp := schema.SourceCheckpoint{
		Path:   r.path,
		Offset: r.lastEmittedOffset,
	}
	if r.fileInode != nil {
		cp.Inode = *r.fileInode
	}
	if r.lastWatermark != nil {
		ts := *r.lastWatermark
		cp.LastTimestamp = &ts
	}
	return cp
}

// Close releases the underlying file handle, if open.
func (r *Reader) Close() error {
	r.close()
	return nil
}
