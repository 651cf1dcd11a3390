// Package collector runs the collector-mode pipeline: it tails its
// configured sources into a local sequencer, buckets the sequenced
// stream into fixed-width epochs, retains the resulting batches until a
// parent acknowledges them, and exposes an HTTP API for a parent to
// pull batches from, acknowledge, and rewind.
package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiguy110/noil/internal/buffer"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
)

// SourceInfo reports one source's last-observed watermark for the
// status endpoint.
type SourceInfo struct {
	ID        string     `json:"id"`
	Watermark *time.Time `json:"watermark"`
	Active    bool       `json:"active"`
}

// BufferStatusInfo is the buffer-occupancy portion of StatusResponse.
type BufferStatusInfo struct {
	CurrentEpochs  int    `json:"current_epochs"`
	MaxEpochs      int    `json:"max_epochs"`
	OldestSequence uint64 `json:"oldest_sequence"`
	NewestSequence uint64 `json:"newest_sequence"`
}

// StatusResponse is the body of GET /collector/status.
type StatusResponse struct {
	CollectorID   string           `json:"collector_id"`
	Version       string           `json:"version"`
	UptimeSeconds uint64           `json:"uptime_seconds"`
	BufferStatus  BufferStatusInfo `json:"buffer_status"`
	Watermark     *time.Time       `json:"watermark"`
	Sources       []SourceInfo     `json:"sources"`
}

// BatchesResponse is the body of GET /collector/batches.
type BatchesResponse struct {
	Batches      []schema.LogBatch `json:"batches"`
	HasMore      bool              `json:"has_more"`
	NextSequence *uint64           `json:"next_sequence"`
}

// AcknowledgeRequest is the body of POST /collector/acknowledge.
type AcknowledgeRequest struct {
	SequenceNums []uint64 `json:"sequence_nums"`
}

// AcknowledgeResponse is the body returned from POST /collector/acknowledge.
type AcknowledgeResponse struct {
	AcknowledgedCount int `json:"acknowledged_count"`
	FreedBufferSpace  int `json:"freed_buffer_space"`
}

// RewindRequest is the body of POST /collector/rewind.
type RewindRequest struct {
	TargetSequence *uint64 `json:"target_sequence"`
	PreserveBuffer bool    `json:"preserve_buffer"`
}

// RewindResult is the body returned from POST /collector/rewind.
type RewindResult struct {
	OldSequence   uint64 `json:"old_sequence"`
	NewSequence   uint64 `json:"new_sequence"`
	BufferCleared bool   `json:"buffer_cleared"`
}

// CheckpointResponse is the body of GET /collector/checkpoint.
type CheckpointResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body returned on any handler error.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// State is the shared, handler-facing view of a running collector. Its
// fields are closures rather than direct references to the runner's
// buffer/batcher/sequencer so the API stays decoupled from how the
// runner chooses to synchronize access to them.
type State struct {
	CollectorID string
	Version     string
	StartTime   time.Time

	BufferStats      func() buffer.Stats
	Watermark        func() *time.Time
	SourceWatermarks func() []SourceInfo
	BatchesFn        func(after *uint64, limit int) []schema.LogBatch
	AcknowledgeFn    func(seqs []uint64) int
	RewindFn         func(targetSeq *uint64, preserveBuffer bool) RewindResult
}

func handleError(rw http.ResponseWriter, err error, statusCode int) {
	log.Warnf("collector API error: %s", err.Error())
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Errorf("collector API: encoding response failed: %s", err.Error())
	}
}

func decode(r io.Reader, val interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

// GetStatus handles GET /collector/status.
func (s *State) GetStatus(rw http.ResponseWriter, r *http.Request) {
	stats := s.BufferStats()
	writeJSON(rw, StatusResponse{
		CollectorID:   s.CollectorID,
		Version:       s.Version,
		UptimeSeconds: uint64(time.Since(s.StartTime).Seconds()),
		BufferStatus: BufferStatusInfo{
			CurrentEpochs:  stats.CurrentEpochs,
			MaxEpochs:      stats.MaxEpochs,
			OldestSequence: stats.OldestSequence,
			NewestSequence: stats.NewestSequence,
		},
		Watermark: s.Watermark(),
		Sources:   s.SourceWatermarks(),
	})
}

// GetBatches handles GET /collector/batches?after=N&limit=M. If after
// is absent, batches are returned from the beginning of the buffer;
// limit is clamped to [1, 100] and defaults to 10.
func (s *State) GetBatches(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after *uint64
	if v := q.Get("after"); v != "" {
		parsed, err := parseUint(v)
		if err != nil {
			handleError(rw, fmt.Errorf("invalid after: %w", err), http.StatusBadRequest)
			return
		}
		after = &parsed
	}

	limit := 10
	if v := q.Get("limit"); v != "" {
		parsed, err := parseUint(v)
		if err != nil {
			handleError(rw, fmt.Errorf("invalid limit: %w", err), http.StatusBadRequest)
			return
		}
		limit = int(parsed)
	}
	if limit > 100 {
		limit = 100
	}
	if limit < 1 {
		limit = 1
	}

	batches := s.BatchesFn(after, limit)
	hasMore := len(batches) == limit
	var nextSeq *uint64
	if len(batches) > 0 {
		seq := batches[len(batches)-1].SequenceNum
		nextSeq = &seq
	}

	writeJSON(rw, BatchesResponse{
		Batches:      batches,
		HasMore:      hasMore,
		NextSequence: nextSeq,
	})
}

// Acknowledge handles POST /collector/acknowledge.
func (s *State) Acknowledge(rw http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, fmt.Errorf("parsing request body failed: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.SequenceNums) == 0 {
		handleError(rw, fmt.Errorf("sequence_nums cannot be empty"), http.StatusBadRequest)
		return
	}

	count := s.AcknowledgeFn(req.SequenceNums)
	writeJSON(rw, AcknowledgeResponse{
		AcknowledgedCount: count,
		FreedBufferSpace:  count,
	})
}

// Rewind handles POST /collector/rewind.
func (s *State) Rewind(rw http.ResponseWriter, r *http.Request) {
	var req RewindRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, fmt.Errorf("parsing request body failed: %w", err), http.StatusBadRequest)
		return
	}
	writeJSON(rw, s.RewindFn(req.TargetSequence, req.PreserveBuffer))
}

// GetCheckpoint handles GET /collector/checkpoint. Checkpoint contents
// are persisted straight to storage by the runner's periodic save job;
// this endpoint returns a fixed message saying that checkpoint retrieval
// is not supported.
func (s *State) GetCheckpoint(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, CheckpointResponse{Message: "checkpoint retrieval not supported"})
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
