package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aiguy110/noil/internal/buffer"
	"github.com/aiguy110/noil/internal/checkpoint"
	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/epoch"
	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/internal/sequencer"
	"github.com/aiguy110/noil/internal/source"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/aiguy110/noil/pkg/schema"
	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Version is the collector's self-reported build version, surfaced in
// StatusResponse. Set by the linker the way the teacher's cmd binary
// sets its own version/commit/date, or left at its default for tests.
var Version = "dev"

const defaultCheckpointInterval = 30 * time.Second
const compactionInterval = 10 * time.Second

var (
	collectorLog = log.Tagged(log.ComponentCollector)
	sourceLog    = log.Tagged(log.ComponentSource)
)

// sourceState tracks one source's watermark, active status, and
// last-known checkpoint, shared between the read-loop goroutine that
// owns the source.Reader and the stats/checkpoint goroutines that
// report on it. Only the owning read-loop goroutine ever touches the
// Reader itself; everyone else reads the cached fields below, since
// source.Reader is not safe for concurrent use.
type sourceState struct {
	mu         sync.Mutex
	reader     *source.Reader
	sourceID   string
	watermark  *time.Time
	active     bool
	checkpoint schema.SourceCheckpoint
}

func (s *sourceState) snapshot() SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SourceInfo{ID: s.sourceID, Watermark: s.watermark, Active: s.active}
}

func (s *sourceState) checkpointSnapshot() schema.SourceCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Runner wires a set of configured sources through a local sequencer,
// an epoch batcher, and a retention buffer, and exposes the result via
// an HTTP API for a parent to pull from.
type Runner struct {
	cfg           *config.Config
	collectorCfg  *config.CollectorConfig
	configVersion uint64
	storage       repository.Storage
}

// NewRunner builds a Runner from cfg, which must carry a non-nil
// Collector section.
func NewRunner(cfg *config.Config, configVersion uint64, storage repository.Storage) (*Runner, error) {
	if cfg.Collector == nil {
		return nil, fmt.Errorf("collector mode requires a collector config section")
	}
	return &Runner{
		cfg:           cfg,
		collectorCfg:  cfg.Collector,
		configVersion: configVersion,
		storage:       storage,
	}, nil
}

// Run starts every source read-loop, the sequencing/batching/buffering
// pipeline, and the HTTP API, and blocks until ctx is cancelled. It
// returns once the HTTP server has shut down.
func (r *Runner) Run(ctx context.Context) error {
	collectorLog.Info("starting collector mode")

	if err := r.storage.InitSchema(ctx); err != nil {
		return fmt.Errorf("initializing storage schema: %w", err)
	}

	collectorID, err := os.Hostname()
	if err != nil || collectorID == "" {
		collectorID = "collector"
	}
	collectorLog.Infof("collector id: %s", collectorID)

	checkpointInterval := defaultCheckpointInterval
	if r.collectorCfg.Checkpoint.Enabled && r.collectorCfg.Checkpoint.IntervalSeconds > 0 {
		checkpointInterval = time.Duration(r.collectorCfg.Checkpoint.IntervalSeconds) * time.Second
	}
	ckptMgr := checkpoint.NewManager(r.storage, checkpointInterval)

	ckpt, err := ckptMgr.LoadCollector(ctx)
	if err != nil {
		return fmt.Errorf("loading collector checkpoint: %w", err)
	}

	epochDuration := time.Second * 10
	if r.collectorCfg.EpochDuration.Value != nil {
		epochDuration = *r.collectorCfg.EpochDuration.Value
	}

	batcher := epoch.New(collectorID, epochDuration, r.configVersion)
	if ckpt != nil {
		batcher.Restore(ckpt.EpochBatcher)
		log.Infof("restored epoch batcher: sequence=%d generation=%d",
			ckpt.EpochBatcher.SequenceCounter, ckpt.EpochBatcher.RewindGeneration)
	}

	buf := buffer.New(r.collectorCfg.Buffer.MaxEpochs, r.collectorCfg.Buffer.Strategy.ToBufferStrategy())

	safetyMargin := time.Duration(0)
	if r.cfg.Sequencer.WatermarkSafetyMargin.Value != nil {
		safetyMargin = *r.cfg.Sequencer.WatermarkSafetyMargin.Value
	}
	if len(r.cfg.Sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	sourceIDs := make([]string, 0, len(r.cfg.Sources))
	for sourceID := range r.cfg.Sources {
		sourceIDs = append(sourceIDs, sourceID)
	}
	seq := sequencer.New(sourceIDs, safetyMargin)
	if ckpt != nil {
		seq.Restore(ckpt.Sequencer)
	}

	states := make(map[string]*sourceState, len(r.cfg.Sources))
	var wg sync.WaitGroup
	for sourceID := range r.cfg.Sources {
		readerCfg, err := r.cfg.ToSourceReaderConfig(sourceID)
		if err != nil {
			return err
		}

		var priorOffset *schema.SourceCheckpoint
		if ckpt != nil {
			if sc, ok := ckpt.Sources[sourceID]; ok {
				priorOffset = &sc
			}
		}

		parseErrStrategy := source.ParseErrorStrategy(r.cfg.Pipeline.Errors.OnParseError)

		var reader *source.Reader
		if priorOffset != nil {
			reader, err = source.NewWithOffset(sourceID, readerCfg, parseErrStrategy, priorOffset.Offset)
		} else {
			reader, err = source.New(sourceID, readerCfg, parseErrStrategy)
		}
		if err != nil {
			return fmt.Errorf("building source reader %s: %w", sourceID, err)
		}

		states[sourceID] = &sourceState{reader: reader, sourceID: sourceID, active: true, checkpoint: reader.Checkpoint()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for sourceID, st := range states {
		wg.Add(1)
		go r.runSourceLoop(runCtx, &wg, sourceID, st, seq)
	}

	globalWatermark := &watermarkTracker{}

	batchCh := make(chan schema.LogBatch, 100)
	var pipelineWg sync.WaitGroup
	pipelineWg.Add(1)
	go r.runMerger(runCtx, &pipelineWg, states, seq, batcher, batchCh, globalWatermark)

	pipelineWg.Add(1)
	go r.runBatchReceiver(runCtx, &pipelineWg, batchCh, buf)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	if _, err := sched.NewJob(gocron.DurationJob(compactionInterval), gocron.NewTask(func() {
		if n := buf.Compact(); n > 0 {
			log.Debugf("collector buffer compact removed %d batches", n)
		}
	})); err != nil {
		return fmt.Errorf("registering compaction job: %w", err)
	}

	if r.collectorCfg.Checkpoint.Enabled {
		snapshot := func() schema.CollectorCheckpoint {
			sources := make(map[string]schema.SourceCheckpoint, len(states))
			for id, st := range states {
				sources[id] = st.checkpointSnapshot()
			}
			return schema.CollectorCheckpoint{
				Version:       schema.CollectorCheckpointVersion,
				Timestamp:     time.Now().UTC(),
				ConfigVersion: r.configVersion,
				CollectorID:   collectorID,
				Sources:       sources,
				Sequencer:     seq.Checkpoint(),
				EpochBatcher:  batcher.Checkpoint(),
				BatchBuffer:   buf.Checkpoint(),
			}
		}
		if err := checkpoint.RegisterCollectorSaveJob(sched, checkpointInterval, ckptMgr, snapshot); err != nil {
			return fmt.Errorf("registering checkpoint job: %w", err)
		}
	}

	sched.Start()
	defer sched.Shutdown()

	startTime := time.Now()
	apiState := &State{
		CollectorID: collectorID,
		Version:     Version,
		StartTime:   startTime,
		BufferStats: buf.Stats,
		Watermark:   globalWatermark.get,
		SourceWatermarks: func() []SourceInfo {
			out := make([]SourceInfo, 0, len(states))
			for _, st := range states {
				out = append(out, st.snapshot())
			}
			return out
		},
		BatchesFn: buf.GetBatches,
		AcknowledgeFn: func(seqs []uint64) int {
			return buf.Acknowledge(seqs)
		},
		RewindFn: func(targetSeq *uint64, preserveBuffer bool) RewindResult {
			oldSeq := batcher.Checkpoint().SequenceCounter
			newSeq := uint64(0)
			if targetSeq != nil {
				newSeq = *targetSeq
			}
			batcher.Rewind(newSeq)
			if !preserveBuffer {
				buf.Clear()
			}
			return RewindResult{OldSequence: oldSeq, NewSequence: newSeq, BufferCleared: !preserveBuffer}
		},
	}

	router := mux.NewRouter()
	apiState.MountRoutes(router)
	router.Use(handlers.CompressHandler)
	router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	listenAddr := r.cfg.Web.Listen
	httpHandler := handlers.CustomLoggingHandler(io.Discard, router, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Debugf("%s %s (%d, %dms)", params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      httpHandler,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Infof("collector HTTP API listening at %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	<-runCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("collector HTTP server shutdown error: %s", err.Error())
	}

	wg.Wait()
	pipelineWg.Wait()

	if err := <-serverErrCh; err != nil {
		return fmt.Errorf("collector HTTP server: %w", err)
	}
	return nil
}

// watermarkTracker holds the collector's global watermark (the minimum
// across all active sources' watermarks) behind a mutex.
type watermarkTracker struct {
	mu sync.Mutex
	t  *time.Time
}

func (w *watermarkTracker) set(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.t = &t
}

func (w *watermarkTracker) get() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t
}

// runSourceLoop tails one source, pushing every record into seq and
// recording the source's watermark in st, until ctx is cancelled or
// the source reaches EOF in non-following mode.
func (r *Runner) runSourceLoop(ctx context.Context, wg *sync.WaitGroup, sourceID string, st *sourceState, seq *sequencer.Sequencer) {
	defer wg.Done()
	defer func() {
		st.mu.Lock()
		st.active = false
		st.mu.Unlock()
		seq.MarkSourceDone(sourceID)
		st.reader.Close()
	}()

	for {
		rec, ok, err := st.reader.NextRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sourceLog.Errorf("%s: read error: %s", sourceID, err.Error())
			return
		}
		if !ok {
			return
		}

		logsIngestedTotal.WithLabelValues(sourceID).Inc()
		seq.Push(rec)

		wm, _ := st.reader.Watermark()
		cp := st.reader.Checkpoint()
		st.mu.Lock()
		st.watermark = &wm
		st.checkpoint = cp
		st.mu.Unlock()
		seq.UpdateWatermark(sourceID, wm)
	}
}

// runMerger periodically drains everything EmitReady yields from seq,
// pushes each record through batcher, and forwards completed batches to
// batchCh. It exits once every source is done and the sequencer has
// been fully flushed.
func (r *Runner) runMerger(ctx context.Context, wg *sync.WaitGroup, states map[string]*sourceState, seq *sequencer.Sequencer, batcher *epoch.Batcher, batchCh chan<- schema.LogBatch, watermark *watermarkTracker) {
	defer wg.Done()
	defer close(batchCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	emit := func(records []schema.LogRecord) {
		for _, rec := range records {
			if batch := batcher.Push(rec); batch != nil {
				batchesEmittedTotal.Inc()
				batchCh <- *batch
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, rec := range seq.FlushAll() {
				emit([]schema.LogRecord{rec})
			}
			if wm := watermark.get(); wm != nil {
				if batch := batcher.FlushCurrent(*wm); batch != nil {
					batchesEmittedTotal.Inc()
					batchCh <- *batch
				}
			}
			return
		case <-ticker.C:
			emit(seq.EmitReady())

			allDone := true
			for _, st := range states {
				st.mu.Lock()
				active := st.active
				st.mu.Unlock()
				if active {
					allDone = false
					break
				}
			}
			if allDone && seq.AllSourcesDone() {
				emit(seq.FlushAll())
				now := time.Now().UTC()
				if wm := watermark.get(); wm != nil {
					now = *wm
				}
				if batch := batcher.FlushCurrent(now); batch != nil {
					batchesEmittedTotal.Inc()
					batchCh <- *batch
				}
				return
			}

			updateGlobalWatermark(states, watermark)
		}
	}
}

func updateGlobalWatermark(states map[string]*sourceState, watermark *watermarkTracker) {
	var min *time.Time
	for _, st := range states {
		st.mu.Lock()
		wm := st.watermark
		active := st.active
		st.mu.Unlock()
		if !active || wm == nil {
			continue
		}
		if min == nil || wm.Before(*min) {
			min = wm
		}
	}
	if min != nil {
		watermark.set(*min)
		watermarkLagSeconds.Set(time.Since(*min).Seconds())
	}
}

// runBatchReceiver consumes batches from batchCh and pushes them into
// buf, retrying with backoff under the Block strategy the way the
// collector's original batch-receiver task backs off on BufferFull.
func (r *Runner) runBatchReceiver(ctx context.Context, wg *sync.WaitGroup, batchCh <-chan schema.LogBatch, buf *buffer.Buffer) {
	defer wg.Done()

	for batch := range batchCh {
		for {
			err := buf.Push(batch)
			if err == nil {
				bufferOccupancy.Set(float64(buf.Stats().CurrentEpochs))
				break
			}
			if err == buffer.ErrBufferFull {
				collectorLog.Warn("buffer full, applying backpressure")
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			collectorLog.Errorf("buffer push failed: %s", err.Error())
			break
		}
	}
}

